// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tcp is the TCP transport. Every connection is a single bidirectional
// stream; messages are either the raw chunks returned by the socket or CBOR
// byte strings, depending on the configured framing.
package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// Transport creates TCP Channels and Listeners.
type Transport struct {
	opts transport.Options
}

// New creates a TCP Transport for the given Options.
func New(opts transport.Options) *Transport {
	return &Transport{opts: opts}
}

// Type is always transport.TCP.
func (t *Transport) Type() transport.ChannelType {
	return transport.TCP
}

// Dial connects from the requested local address to the peer. The Handler's
// OnActive is called from the Channel's goroutine, possibly before Dial
// returns.
func (t *Transport) Dial(ctx context.Context, req transport.DialRequest, h transport.Handler) (transport.Channel, error) {
	localAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(req.LocalAddress, strconv.Itoa(req.LocalPort)))
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   t.opts.ConnectTimeout,
		LocalAddr: localAddr,
		KeepAlive: 5 * time.Second,
		Control:   t.opts.Control(),
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(req.RemoteAddress, strconv.Itoa(req.RemotePort)))
	if err != nil {
		return nil, err
	}

	t.configure(conn)

	ch := newChannel(conn, t.opts)
	log.WithFields(log.Fields{
		"channel": ch,
	}).Debug("TCP channel was established")

	go ch.handle(h)
	return ch, nil
}

// Listen binds a TCP server socket. Every accepted connection is offered to
// accept, a nil Handler closes it again.
func (t *Transport) Listen(req transport.ListenRequest, accept transport.AcceptFunc) (transport.Listener, error) {
	lc := net.ListenConfig{Control: t.opts.Control()}

	ln, err := lc.Listen(context.Background(), "tcp", req.String())
	if err != nil {
		return nil, err
	}

	listener := &listener{
		ln:        ln.(*net.TCPListener),
		transport: t,
		accept:    accept,
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}

	log.WithFields(log.Fields{
		"listener": listener,
	}).Debug("TCP listener started")

	go listener.handle()
	return listener, nil
}

// configure the socket options which cannot be set before connecting.
func (t *Transport) configure(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	if err := tcpConn.SetNoDelay(t.opts.SctpNodelay); err != nil {
		log.WithError(err).Debug("TCP failed to set TCP_NODELAY")
	}
	if t.opts.SoLinger >= 0 {
		if err := tcpConn.SetLinger(t.opts.SoLinger); err != nil {
			log.WithError(err).Debug("TCP failed to set SO_LINGER")
		}
	}
	if t.opts.SoSndbuf > 0 {
		_ = tcpConn.SetWriteBuffer(t.opts.SoSndbuf)
	}
	if t.opts.SoRcvbuf > 0 {
		_ = tcpConn.SetReadBuffer(t.opts.SoRcvbuf)
	}
}

func (t *Transport) String() string {
	return fmt.Sprintf("tcp(framing=%s)", t.opts.TCPFraming)
}
