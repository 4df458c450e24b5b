// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport defines the narrow contract between the association core
// and the SCTP/TCP stacks below it.
//
// A Transport creates Channels, either actively by dialing a peer or passively
// by accepting connections on a Listener. Every Channel reports its lifecycle
// to exactly one Handler. Handlers are invoked from the Channel's own
// goroutine and must not block for long.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedChannelType is returned for a ChannelType without a Transport.
	ErrUnsupportedChannelType = errors.New("unsupported channel type")

	// ErrInvalidStreamID is returned when a Message addresses a stream outside
	// of the negotiated outbound streams.
	ErrInvalidStreamID = errors.New("invalid stream id")

	// ErrChannelClosed is returned when sending on a closed or not yet
	// established Channel.
	ErrChannelClosed = errors.New("channel closed")
)

// ChannelType is the transport protocol of an association.
type ChannelType uint8

const (
	// SCTP is the default channel type.
	SCTP ChannelType = iota

	// TCP is a plain byte stream with a single stream in both directions.
	TCP
)

func (ct ChannelType) String() string {
	switch ct {
	case SCTP:
		return "SCTP"
	case TCP:
		return "TCP"
	default:
		return fmt.Sprintf("ChannelType(%d)", uint8(ct))
	}
}

// Valid reports whether ct names a supported transport protocol.
func (ct ChannelType) Valid() bool {
	return ct == SCTP || ct == TCP
}

// ParseChannelType reads a ChannelType case-insensitively. An empty string
// results in SCTP.
func ParseChannelType(s string) (ChannelType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "SCTP":
		return SCTP, nil
	case "TCP":
		return TCP, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedChannelType, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (ct ChannelType) MarshalText() ([]byte, error) {
	return []byte(ct.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ct *ChannelType) UnmarshalText(text []byte) error {
	parsed, err := ParseChannelType(string(text))
	if err != nil {
		return err
	}
	*ct = parsed
	return nil
}

// Message is a unit of data exchanged over a Channel. StreamID, ProtocolID and
// Unordered are only meaningful for SCTP.
type Message struct {
	Data       []byte
	StreamID   uint16
	ProtocolID uint32
	Unordered  bool
	Complete   bool
}

// Handler receives the lifecycle of a single Channel.
//
// OnActive is always the first and OnInactive always the last call. TCP
// channels never call OnAssociationUp; their max streams are (1, 1).
type Handler interface {
	OnActive(ch Channel)
	OnAssociationUp(ch Channel, maxInboundStreams, maxOutboundStreams int)
	OnRead(ch Channel, msg Message)
	OnCommunicationLost(ch Channel)
	OnCommunicationRestart(ch Channel)
	OnInactive(ch Channel)
}

// AcceptFunc is called for every new inbound connection. Returning nil rejects
// the connection and closes the Channel.
type AcceptFunc func(ch Channel) Handler

// Channel is an established or establishing connection.
type Channel interface {
	Type() ChannelType

	// Send transmits one Message.
	Send(msg Message) error

	// Close initiates closing. It does not wait for the Handler's OnInactive,
	// use Done for that.
	Close() error

	// Done is closed after OnInactive returned.
	Done() <-chan struct{}

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener is a bound server socket.
type Listener interface {
	Addr() net.Addr

	// Close stops accepting and blocks until the accept loop has terminated.
	// Already accepted Channels are not affected.
	Close() error
}

// DialRequest describes an outgoing connection.
type DialRequest struct {
	LocalAddress        string
	LocalPort           int
	ExtraLocalAddresses []string

	RemoteAddress string
	RemotePort    int
}

func (req DialRequest) String() string {
	return fmt.Sprintf("%s->%s",
		net.JoinHostPort(req.LocalAddress, strconv.Itoa(req.LocalPort)),
		net.JoinHostPort(req.RemoteAddress, strconv.Itoa(req.RemotePort)))
}

// ListenRequest describes a server socket.
type ListenRequest struct {
	Address        string
	Port           int
	ExtraAddresses []string
}

func (req ListenRequest) String() string {
	return net.JoinHostPort(req.Address, strconv.Itoa(req.Port))
}

// Transport implements one ChannelType.
type Transport interface {
	Type() ChannelType
	Dial(ctx context.Context, req DialRequest, h Handler) (Channel, error)
	Listen(req ListenRequest, accept AcceptFunc) (Listener, error)
}

// Provider creates Channels and Listeners for any supported ChannelType.
type Provider interface {
	Dial(ctx context.Context, ct ChannelType, req DialRequest, h Handler) (Channel, error)
	Listen(ct ChannelType, req ListenRequest, accept AcceptFunc) (Listener, error)
}

// SplitAddr returns the host and port of a net.Addr.
func SplitAddr(addr net.Addr) (host string, port int, err error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String(), a.Port, nil
	case *net.UDPAddr:
		return a.IP.String(), a.Port, nil
	case nil:
		return "", 0, fmt.Errorf("no address")
	}

	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(p)
	return h, port, err
}
