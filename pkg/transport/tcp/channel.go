// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// channel is a single TCP connection.
type channel struct {
	conn net.Conn
	opts transport.Options

	writeMutex sync.Mutex

	closeOnce sync.Once
	closing   atomic.Bool
	done      chan struct{}
}

func newChannel(conn net.Conn, opts transport.Options) *channel {
	return &channel{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}
}

// handle drives the Handler until the connection ends.
func (ch *channel) handle(h transport.Handler) {
	defer close(ch.done)
	defer func() {
		_ = ch.conn.Close()
		h.OnInactive(ch)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"channel": ch,
				"error":   r,
			}).Warn("TCP channel's handler failed")
		}
	}()

	h.OnActive(ch)

	var err error
	switch ch.opts.TCPFraming {
	case transport.FramingCBOR:
		err = ch.readFramed(h)
	default:
		err = ch.readRaw(h)
	}

	if err != nil && !ch.closing.Load() {
		log.WithFields(log.Fields{
			"channel": ch,
			"error":   err,
		}).Debug("TCP channel failed to read")
	}
}

func (ch *channel) readRaw(h transport.Handler) error {
	buf := make([]byte, ch.opts.ReadBufferSize)
	for {
		n, err := ch.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.OnRead(ch, transport.Message{Data: data, Complete: true})
		}
		if err != nil {
			return err
		}
	}
}

func (ch *channel) readFramed(h transport.Handler) error {
	connReader := bufio.NewReader(ch.conn)
	for {
		n, err := cboring.ReadByteStringLen(connReader)
		if err != nil {
			return err
		} else if n == 0 {
			continue
		} else if n > uint64(ch.opts.MaxMessageSize) {
			return fmt.Errorf("message of %d bytes exceeds maximum of %d bytes", n, ch.opts.MaxMessageSize)
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(connReader, data); err != nil {
			return err
		}
		h.OnRead(ch, transport.Message{Data: data, Complete: true})
	}
}

func (ch *channel) Type() transport.ChannelType {
	return transport.TCP
}

// Send writes msg's data. Stream and protocol identifiers are not transmitted.
func (ch *channel) Send(msg transport.Message) error {
	ch.writeMutex.Lock()
	defer ch.writeMutex.Unlock()

	if ch.closing.Load() {
		return transport.ErrChannelClosed
	}

	if ch.opts.TCPFraming != transport.FramingCBOR {
		_, err := ch.conn.Write(msg.Data)
		return err
	}

	if len(msg.Data) > ch.opts.MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds maximum of %d bytes", len(msg.Data), ch.opts.MaxMessageSize)
	}

	connWriter := bufio.NewWriter(ch.conn)
	if err := cboring.WriteByteStringLen(uint64(len(msg.Data)), connWriter); err != nil {
		return err
	}
	if _, err := connWriter.Write(msg.Data); err != nil {
		return err
	}
	return connWriter.Flush()
}

func (ch *channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closing.Store(true)
		_ = ch.conn.Close()
	})
	return nil
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
	return fmt.Sprintf("tcp://%v->%v", ch.conn.LocalAddr(), ch.conn.RemoteAddr())
}
