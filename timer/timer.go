// Timer collaborator
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package timer implements the §6 timer collaborator the bandwidth-limited
// TX policy relies on: a monotonic clock plus a one-shot, one-per-caller
// alarm. It generalizes the original's synchronous protected-call pair
// (GET_TIME/SET_TIMEOUT over a single shared channel) into a small Go
// service any component can hold a reference to directly, while preserving
// the "one armed timeout per caller" semantics: arming a new timeout for a
// caller that already has one pending replaces it rather than queuing a
// second alarm.
package timer

import (
	"sync"
	"time"

	"github.com/lucypa/sDDF/ring"
)

// Service is a monotonic clock with per-caller one-shot alarms.
type Service struct {
	mu      sync.Mutex
	start   time.Time
	pending map[int]*time.Timer
	notify  ring.Notifier

	now func() time.Time // overridable for tests
}

// New builds a Service that fires n.Notify(caller) when a caller's armed
// timeout elapses.
func New(n ring.Notifier) *Service {
	return &Service{
		start:   time.Now(),
		pending: make(map[int]*time.Timer),
		notify:  n,
		now:     time.Now,
	}
}

// GetTime returns elapsed time since the service was created, the Go
// equivalent of the original's GET_TIME protected call.
func (s *Service) GetTime() time.Duration {
	return s.now().Sub(s.start)
}

// SetTimeout arms a one-shot alarm that notifies caller after rel elapses.
// If caller already has an alarm pending, it is replaced, not queued
// alongside — mirroring the original's single pending_timeout flag per
// client. A caller only ever needs one outstanding timeout at a time, so
// this stays faithful rather than growing a queue nothing would drain.
func (s *Service) SetTimeout(caller int, rel time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pending[caller]; ok {
		t.Stop()
	}

	s.pending[caller] = time.AfterFunc(rel, func() {
		s.notify.Notify(caller)
	})
}

// CancelTimeout disarms caller's pending alarm, if any.
func (s *Service) CancelTimeout(caller int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pending[caller]; ok {
		t.Stop()
		delete(s.pending, caller)
	}
}
