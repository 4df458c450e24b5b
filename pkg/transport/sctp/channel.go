// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sctp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/sctp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// channel is a single SCTP association.
type channel struct {
	conn    net.Conn
	opts    transport.Options
	handler transport.Handler

	// assoc is set once after the handshake succeeded.
	assoc atomic.Pointer[sctp.Association]

	streamsMutex sync.Mutex
	streams      map[uint16]*sctp.Stream
	readers      sync.WaitGroup

	// sendMutex serializes the per message reliability parameters.
	sendMutex sync.Mutex

	closeOnce sync.Once
	closing   atomic.Bool
	aborted   atomic.Bool
	done      chan struct{}
}

func newChannel(conn net.Conn, opts transport.Options, h transport.Handler) *channel {
	return &channel{
		conn:    conn,
		opts:    opts,
		handler: h,
		streams: make(map[uint16]*sctp.Stream),
		done:    make(chan struct{}),
	}
}

// handshake runs the client or server side of the association setup. The
// socket is closed if ctx ends first, which aborts the handshake.
func (ch *channel) handshake(ctx context.Context, cfg sctp.Config, client bool) error {
	stop := context.AfterFunc(ctx, func() { _ = ch.conn.Close() })
	defer stop()

	var (
		assoc *sctp.Association
		err   error
	)
	if client {
		assoc, err = sctp.Client(cfg)
	} else {
		assoc, err = sctp.Server(cfg)
	}
	if err != nil {
		_ = ch.conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("SCTP handshake: %w", ctxErr)
		}
		return fmt.Errorf("SCTP handshake: %w", err)
	}

	ch.assoc.Store(assoc)
	return nil
}

// serve is the server side: the Handler is bound first, then the handshake
// is answered.
func (ch *channel) serve(ctx context.Context, cfg sctp.Config) {
	h := ch.handler

	if err := ch.handshake(ctx, cfg, false); err != nil {
		log.WithFields(log.Fields{
			"channel": ch,
			"error":   err,
		}).Debug("SCTP inbound handshake failed")

		defer close(ch.done)
		h.OnActive(ch)
		h.OnInactive(ch)
		return
	}

	ch.handle()
}

// handle drives the Handler of an established association until it ends.
func (ch *channel) handle() {
	h := ch.handler

	defer close(ch.done)
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"channel": ch,
				"error":   r,
			}).Warn("SCTP channel's handler failed")
		}
	}()

	assoc := ch.assoc.Load()

	h.OnActive(ch)
	h.OnAssociationUp(ch, ch.opts.InitMaxInStreams, ch.opts.InitMaxOutStreams)

	for {
		stream, err := assoc.AcceptStream()
		if err != nil {
			break
		}
		ch.track(stream)
	}

	ch.readers.Wait()

	if !ch.closing.Load() && ch.aborted.Load() {
		log.WithFields(log.Fields{
			"channel": ch,
		}).Debug("SCTP association was aborted by the peer")

		h.OnCommunicationLost(ch)
	}

	_ = ch.conn.Close()
	h.OnInactive(ch)
}

// track starts a reader for a stream, if not already running.
func (ch *channel) track(stream *sctp.Stream) {
	ch.streamsMutex.Lock()
	defer ch.streamsMutex.Unlock()

	if _, ok := ch.streams[stream.StreamIdentifier()]; ok {
		return
	}
	ch.streams[stream.StreamIdentifier()] = stream

	ch.readers.Add(1)
	go ch.read(stream)
}

func (ch *channel) read(stream *sctp.Stream) {
	defer ch.readers.Done()

	buf := make([]byte, ch.opts.MaxMessageSize)
	for {
		n, ppi, err := stream.ReadSCTP(buf)
		if err != nil {
			if errors.Is(err, sctp.ErrChunk) {
				ch.aborted.Store(true)
			} else if !errors.Is(err, io.EOF) && !ch.closing.Load() {
				log.WithFields(log.Fields{
					"channel": ch,
					"stream":  stream.StreamIdentifier(),
					"error":   err,
				}).Debug("SCTP stream failed to read")
			}

			if errors.Is(err, io.ErrShortBuffer) {
				continue
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		ch.handler.OnRead(ch, transport.Message{
			Data:       data,
			StreamID:   stream.StreamIdentifier(),
			ProtocolID: uint32(ppi),
			Complete:   true,
		})
	}
}

func (ch *channel) Type() transport.ChannelType {
	return transport.SCTP
}

// Send transmits msg on its stream, opening the stream if necessary.
func (ch *channel) Send(msg transport.Message) error {
	assoc := ch.assoc.Load()
	if assoc == nil || ch.closing.Load() {
		return transport.ErrChannelClosed
	}

	if int(msg.StreamID) >= ch.opts.InitMaxOutStreams {
		return fmt.Errorf("%w: %d not below %d", transport.ErrInvalidStreamID, msg.StreamID, ch.opts.InitMaxOutStreams)
	}
	if ch.opts.SctpDisableFragments && len(msg.Data) > unfragmentedPayload {
		return fmt.Errorf("message of %d bytes needs fragmentation, which is disabled", len(msg.Data))
	}

	ch.sendMutex.Lock()
	defer ch.sendMutex.Unlock()

	stream, err := ch.stream(assoc, msg.StreamID)
	if err != nil {
		return err
	}

	stream.SetReliabilityParams(msg.Unordered, sctp.ReliabilityTypeReliable, 0)
	_, err = stream.WriteSCTP(msg.Data, sctp.PayloadProtocolIdentifier(msg.ProtocolID))
	return err
}

// stream returns an outbound stream. Streams opened here are read as well,
// because the peer may answer on the same stream.
func (ch *channel) stream(assoc *sctp.Association, id uint16) (*sctp.Stream, error) {
	ch.streamsMutex.Lock()
	stream, ok := ch.streams[id]
	ch.streamsMutex.Unlock()
	if ok {
		return stream, nil
	}

	stream, err := assoc.OpenStream(id, sctp.PayloadProtocolIdentifier(0))
	if err != nil {
		return nil, err
	}

	ch.track(stream)
	return stream, nil
}

// Close gracefully shuts the association down in the background.
func (ch *channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closing.Store(true)

		assoc := ch.assoc.Load()
		if assoc == nil {
			_ = ch.conn.Close()
			return
		}
		go ch.shutdown(assoc)
	})
	return nil
}

func (ch *channel) shutdown(assoc *sctp.Association) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := assoc.Shutdown(ctx); err != nil {
		log.WithFields(log.Fields{
			"channel": ch,
			"error":   err,
		}).Debug("SCTP graceful shutdown failed, aborting")
	}
	_ = assoc.Close()
}

func (ch *channel) Done() <-chan struct{} {
	return ch.done
}

func (ch *channel) LocalAddr() net.Addr {
	return ch.conn.LocalAddr()
}

func (ch *channel) RemoteAddr() net.Addr {
	return ch.conn.RemoteAddr()
}

func (ch *channel) String() string {
	return fmt.Sprintf("sctp://%v->%v", ch.conn.LocalAddr(), ch.conn.RemoteAddr())
}
