// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sctp is the SCTP transport. Associations are handled by a user space
// SCTP stack which is encapsulated in UDP, as described in RFC 6951.
//
// A server socket demultiplexes its peers by their remote address; only
// packets starting with an INIT chunk may create a new connection. The
// encapsulation has a single path, so extra host addresses are accepted but
// not bound.
package sctp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sctp"
	"github.com/pion/transport/v3/udp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

const (
	// commonHeaderLen is the length of the SCTP common header.
	commonHeaderLen = 12

	// chunkTypeInit identifies the INIT chunk.
	chunkTypeInit = 1

	// unfragmentedPayload is the largest message fitting into a single packet
	// of the initial MTU.
	unfragmentedPayload = 1200

	// shutdownTimeout bounds the graceful shutdown before the association is
	// torn down.
	shutdownTimeout = time.Second
)

// Transport creates SCTP Channels and Listeners.
type Transport struct {
	opts transport.Options
}

// New creates a SCTP Transport for the given Options.
func New(opts transport.Options) *Transport {
	return &Transport{opts: opts}
}

// Type is always transport.SCTP.
func (t *Transport) Type() transport.ChannelType {
	return transport.SCTP
}

func (t *Transport) config(conn net.Conn) sctp.Config {
	return sctp.Config{
		Name:                 conn.LocalAddr().String(),
		NetConn:              conn,
		MaxReceiveBufferSize: uint32(t.opts.SoRcvbuf),
		MaxMessageSize:       uint32(t.opts.MaxMessageSize),
		LoggerFactory:        loggerFactory{},
	}
}

// Dial performs the SCTP handshake with the peer. The Handler's OnActive and
// OnAssociationUp follow after a successful handshake.
func (t *Transport) Dial(ctx context.Context, req transport.DialRequest, h transport.Handler) (transport.Channel, error) {
	t.warnExtraAddresses(req.ExtraLocalAddresses)

	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(req.LocalAddress, strconv.Itoa(req.LocalPort)))
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		LocalAddr: localAddr,
		Control:   t.opts.Control(),
	}

	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(req.RemoteAddress, strconv.Itoa(req.RemotePort)))
	if err != nil {
		return nil, err
	}

	if udpConn, ok := conn.(*net.UDPConn); ok {
		if t.opts.SoSndbuf > 0 {
			_ = udpConn.SetWriteBuffer(t.opts.SoSndbuf)
		}
		if t.opts.SoRcvbuf > 0 {
			_ = udpConn.SetReadBuffer(t.opts.SoRcvbuf)
		}
	}

	ch := newChannel(conn, t.opts, h)
	if err := ch.handshake(ctx, t.config(conn), true); err != nil {
		close(ch.done)
		return nil, err
	}

	log.WithFields(log.Fields{
		"channel": ch,
	}).Debug("SCTP association was established")

	go ch.handle()
	return ch, nil
}

// Listen binds a UDP socket and accepts SCTP associations on it. Every new
// peer is offered to accept before the handshake is answered.
func (t *Transport) Listen(req transport.ListenRequest, accept transport.AcceptFunc) (transport.Listener, error) {
	t.warnExtraAddresses(req.ExtraAddresses)

	localAddr, err := net.ResolveUDPAddr("udp", req.String())
	if err != nil {
		return nil, err
	}

	lc := &udp.ListenConfig{
		AcceptFilter:    isInit,
		ReadBufferSize:  t.opts.SoRcvbuf,
		WriteBufferSize: t.opts.SoSndbuf,
	}

	ln, err := lc.Listen("udp", localAddr)
	if err != nil {
		return nil, err
	}

	listener := &listener{
		ln:        ln,
		transport: t,
		accept:    accept,
		channels:  make(map[*channel]struct{}),
		stopAck:   make(chan struct{}),
	}

	log.WithFields(log.Fields{
		"listener": listener,
	}).Debug("SCTP listener started")

	go listener.handle()
	return listener, nil
}

func (t *Transport) warnExtraAddresses(addrs []string) {
	if len(addrs) == 0 {
		return
	}

	log.WithFields(log.Fields{
		"addresses": addrs,
	}).Debug("SCTP over UDP has a single path, extra host addresses are not bound")
}

func (t *Transport) String() string {
	return fmt.Sprintf("sctp(streams=%d/%d)", t.opts.InitMaxInStreams, t.opts.InitMaxOutStreams)
}

// isInit reports if a packet's first chunk is an INIT chunk.
func isInit(pkt []byte) bool {
	return len(pkt) > commonHeaderLen && pkt[commonHeaderLen] == chunkTypeInit
}
