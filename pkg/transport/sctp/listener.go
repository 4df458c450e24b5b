// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sctp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/udp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// listener accepts SCTP associations on a demultiplexed UDP socket. The socket
// itself is released after Close and after the last accepted Channel ended,
// so Close shuts the accepted Channels down and waits for them.
type listener struct {
	ln        net.Listener
	transport *Transport
	accept    transport.AcceptFunc

	channelsMutex sync.Mutex
	channels      map[*channel]struct{}
	served        sync.WaitGroup

	closeOnce sync.Once
	stopAck   chan struct{}
}

func (l *listener) handle() {
	defer close(l.stopAck)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, udp.ErrClosedListener) {
				log.WithFields(log.Fields{
					"listener": l,
					"error":    err,
				}).Warn("SCTP listener failed to accept")
			}
			return
		}

		l.handleConn(conn)
	}
}

func (l *listener) handleConn(conn net.Conn) {
	ch := newChannel(conn, l.transport.opts, nil)

	h := l.offer(ch)
	if h == nil {
		log.WithFields(log.Fields{
			"listener": l,
			"channel":  ch,
		}).Debug("SCTP listener rejected inbound association")

		_ = conn.Close()
		close(ch.done)
		return
	}

	ch.handler = h

	l.channelsMutex.Lock()
	l.channels[ch] = struct{}{}
	l.channelsMutex.Unlock()

	l.served.Add(1)
	go func() {
		defer l.served.Done()
		defer func() {
			l.channelsMutex.Lock()
			delete(l.channels, ch)
			l.channelsMutex.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), l.transport.opts.ConnectTimeout)
		defer cancel()

		ch.serve(ctx, l.transport.config(conn))
	}()
}

// offer the Channel to the AcceptFunc; a panic counts as rejection.
func (l *listener) offer(ch *channel) (h transport.Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"listener": l,
				"channel":  ch,
				"error":    r,
			}).Warn("SCTP listener's accept function failed")

			h = nil
		}
	}()

	return l.accept(ch)
}

func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting and returns after the UDP socket was released or the
// accepted Channels failed to end within the shutdown bounds.
func (l *listener) Close() (err error) {
	l.closeOnce.Do(func() {
		err = l.ln.Close()
	})
	<-l.stopAck

	l.channelsMutex.Lock()
	for ch := range l.channels {
		_ = ch.Close()
	}
	l.channelsMutex.Unlock()

	released := make(chan struct{})
	go func() {
		l.served.Wait()
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(shutdownTimeout + l.transport.opts.ConnectTimeout):
		log.WithFields(log.Fields{
			"listener": l,
		}).Warn("SCTP listener's channels did not end in time")
	}

	return
}

func (l *listener) String() string {
	return "sctp://" + l.ln.Addr().String()
}
