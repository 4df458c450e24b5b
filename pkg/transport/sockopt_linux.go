// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Control returns a net.Dialer or net.ListenConfig Control function applying
// the socket level Options. SO_REUSEADDR is always set, so a client can
// rebind its fixed local port while an older connection lingers in TIME_WAIT.
//
// The socket options are based on the Linux socket(7) and tcp(7) manual pages.
func (opts Options) Control() func(network, address string, rawConn syscall.RawConn) error {
	return func(network, _ string, rawConn syscall.RawConn) (err error) {
		sockOpts := map[int]int{unix.SO_REUSEADDR: 1}
		if opts.SoSndbuf > 0 {
			sockOpts[unix.SO_SNDBUF] = opts.SoSndbuf
		}
		if opts.SoRcvbuf > 0 {
			sockOpts[unix.SO_RCVBUF] = opts.SoRcvbuf
		}

		ctrlErr := rawConn.Control(func(fd uintptr) {
			for opt, value := range sockOpts {
				if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, value); err != nil {
					return
				}
			}

			if opts.SctpNodelay && (network == "tcp" || network == "tcp4" || network == "tcp6") {
				err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			}
		})
		if ctrlErr != nil {
			return ctrlErr
		}
		return
	}
}
