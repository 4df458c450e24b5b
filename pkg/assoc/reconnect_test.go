// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestReconnectorSchedulesOnce(t *testing.T) {
	var calls atomic.Int32
	r := reconnector{connect: func() { calls.Add(1) }}

	r.schedule(20 * time.Millisecond)
	r.schedule(20 * time.Millisecond)
	r.schedule(time.Millisecond)

	if !r.pending() {
		t.Fatal("no pending connect attempt")
	}

	time.Sleep(100 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Fatalf("connect was called %d times, expected once", n)
	}
	if r.pending() {
		t.Fatal("connect attempt is still pending")
	}

	// A new attempt can be scheduled after the last one fired.
	r.schedule(time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if n := calls.Load(); n != 2 {
		t.Fatalf("connect was called %d times, expected twice", n)
	}
}

func TestReconnectorCancel(t *testing.T) {
	var calls atomic.Int32
	r := reconnector{connect: func() { calls.Add(1) }}

	r.schedule(20 * time.Millisecond)
	r.cancel()
	r.cancel()

	time.Sleep(60 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Fatalf("connect was called %d times after cancel", n)
	}
	if r.pending() {
		t.Fatal("connect attempt is still pending")
	}
}

func TestReconnectorRescheduleFromConnect(t *testing.T) {
	var calls atomic.Int32
	var r *reconnector
	r = &reconnector{connect: func() {
		if calls.Add(1) < 3 {
			r.schedule(time.Millisecond)
		}
	}}

	r.schedule(time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if n := calls.Load(); n != 3 {
		t.Fatalf("connect was called %d times, expected three times", n)
	}
}
