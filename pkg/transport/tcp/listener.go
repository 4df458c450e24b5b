// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// listener accepts TCP connections until it is closed.
type listener struct {
	ln        *net.TCPListener
	transport *Transport
	accept    transport.AcceptFunc

	stopOnce sync.Once
	stopSyn  chan struct{}
	stopAck  chan struct{}
}

func (l *listener) handle() {
	defer close(l.stopAck)

	for {
		select {
		case <-l.stopSyn:
			_ = l.ln.Close()
			return

		default:
			if err := l.ln.SetDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
				log.WithFields(log.Fields{
					"listener": l,
					"error":    err,
				}).Warn("TCP listener failed to set deadline on socket")

				_ = l.ln.Close()
				return
			}

			conn, err := l.ln.Accept()
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}

				log.WithFields(log.Fields{
					"listener": l,
					"error":    err,
				}).Debug("TCP listener failed to accept")
				continue
			}

			l.handleConn(conn)
		}
	}
}

func (l *listener) handleConn(conn net.Conn) {
	l.transport.configure(conn)
	ch := newChannel(conn, l.transport.opts)

	h := l.offer(ch)
	if h == nil {
		log.WithFields(log.Fields{
			"listener": l,
			"channel":  ch,
		}).Debug("TCP listener rejected inbound connection")

		_ = conn.Close()
		close(ch.done)
		return
	}

	go ch.handle(h)
}

// offer the Channel to the AcceptFunc; a panic counts as rejection.
func (l *listener) offer(ch *channel) (h transport.Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"listener": l,
				"channel":  ch,
				"error":    r,
			}).Warn("TCP listener's accept function failed")

			h = nil
		}
	}()

	return l.accept(ch)
}

func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *listener) Close() error {
	l.stopOnce.Do(func() { close(l.stopSyn) })
	<-l.stopAck

	return nil
}

func (l *listener) String() string {
	return "tcp://" + l.ln.Addr().String()
}
