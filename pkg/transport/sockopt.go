// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package transport

import "syscall"

// Control returns nil on operating systems next to Linux. The transports fall
// back to the portable setters of the net package for buffer sizes.
func (opts Options) Control() func(network, address string, rawConn syscall.RawConn) error {
	return nil
}
