// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Framing selects how messages are delimited on a TCP byte stream.
type Framing string

const (
	// FramingRaw delivers whatever a single read returned.
	FramingRaw Framing = "raw"

	// FramingCBOR prefixes every message with a CBOR byte string header.
	FramingCBOR Framing = "cbor"
)

// Options are the stack-level settings shared by all Channels of a Management.
// Zero values for socket buffer sizes and linger keep the operating system's
// defaults.
type Options struct {
	SctpNodelay            bool `toml:"sctp-nodelay" json:"sctpNodelay"`
	SctpDisableFragments   bool `toml:"sctp-disable-fragments" json:"sctpDisableFragments"`
	SctpFragmentInterleave int  `toml:"sctp-fragment-interleave" json:"sctpFragmentInterleave"`

	InitMaxInStreams  int `toml:"init-max-in-streams" json:"initMaxInStreams"`
	InitMaxOutStreams int `toml:"init-max-out-streams" json:"initMaxOutStreams"`

	SoSndbuf int `toml:"so-sndbuf" json:"soSndbuf"`
	SoRcvbuf int `toml:"so-rcvbuf" json:"soRcvbuf"`

	// SoLinger in seconds, negative disables it.
	SoLinger int `toml:"so-linger" json:"soLinger"`

	ConnectTimeout time.Duration `toml:"-" json:"connectTimeout"`
	MaxMessageSize int           `toml:"max-message-size" json:"maxMessageSize"`
	ReadBufferSize int           `toml:"read-buffer-size" json:"readBufferSize"`
	TCPFraming     Framing       `toml:"tcp-framing" json:"tcpFraming"`
}

// DefaultOptions returns the Options used when nothing else is configured.
func DefaultOptions() Options {
	return Options{
		SctpNodelay:       true,
		InitMaxInStreams:  32,
		InitMaxOutStreams: 32,
		SoLinger:          -1,
		ConnectTimeout:    5 * time.Second,
		MaxMessageSize:    65536,
		ReadBufferSize:    8192,
		TCPFraming:        FramingRaw,
	}
}

// Validate reports every invalid field at once.
func (opts Options) Validate() error {
	var errs error

	if opts.InitMaxInStreams < 1 || opts.InitMaxInStreams > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("init-max-in-streams %d not in [1, 65535]", opts.InitMaxInStreams))
	}
	if opts.InitMaxOutStreams < 1 || opts.InitMaxOutStreams > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("init-max-out-streams %d not in [1, 65535]", opts.InitMaxOutStreams))
	}
	if opts.SoSndbuf < 0 {
		errs = multierror.Append(errs, fmt.Errorf("so-sndbuf %d is negative", opts.SoSndbuf))
	}
	if opts.SoRcvbuf < 0 {
		errs = multierror.Append(errs, fmt.Errorf("so-rcvbuf %d is negative", opts.SoRcvbuf))
	}
	if opts.SctpFragmentInterleave < 0 || opts.SctpFragmentInterleave > 2 {
		errs = multierror.Append(errs, fmt.Errorf("sctp-fragment-interleave %d not in [0, 2]", opts.SctpFragmentInterleave))
	}
	if opts.ConnectTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("connect timeout %v must be positive", opts.ConnectTimeout))
	}
	if opts.MaxMessageSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max-message-size %d must be positive", opts.MaxMessageSize))
	}
	if opts.ReadBufferSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("read-buffer-size %d must be positive", opts.ReadBufferSize))
	}
	switch opts.TCPFraming {
	case FramingRaw, FramingCBOR:
	default:
		errs = multierror.Append(errs, fmt.Errorf("tcp-framing %q is neither %q nor %q", opts.TCPFraming, FramingRaw, FramingCBOR))
	}

	return errs
}
