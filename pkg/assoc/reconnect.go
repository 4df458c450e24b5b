// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"sync"
	"time"
)

// reconnector holds at most one pending connect attempt of an Association.
type reconnector struct {
	connect func()

	mutex sync.Mutex
	timer *time.Timer
}

// schedule a connect attempt after delay, unless one is already pending.
func (r *reconnector) schedule(delay time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.timer != nil {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		r.mutex.Lock()
		if r.timer == timer {
			r.timer = nil
		}
		r.mutex.Unlock()

		r.connect()
	})
	r.timer = timer
}

// cancel a pending connect attempt.
func (r *reconnector) cancel() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// pending reports if a connect attempt is scheduled.
func (r *reconnector) pending() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.timer != nil
}
