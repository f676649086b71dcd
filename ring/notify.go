// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ring

// Notifier delivers a wake-up to one labelled channel. Implementations cross
// a protection-domain boundary (a microkernel notification, a signalfd, an
// in-process channel); Ring and Pair never call one directly so that the
// decision of *when* to deliver stays in the caller's hands (see Signals).
type Notifier interface {
	Notify(channel int)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(channel int)

// Notify implements Notifier.
func (f NotifierFunc) Notify(channel int) {
	f(channel)
}

// Signals accumulates wake-ups produced while running one event handler, so
// that delivery can be coalesced with the end of the handler instead of
// firing immediately every time a ring transitions from empty to non-empty.
// This is the explicit value the design notes (§9 "Notification coalescing")
// require: no component signals a peer as a side effect buried in the
// middle of its logic, it appends to a Signals value and the caller flushes
// it once, at the end.
//
// The zero value is ready to use.
type Signals struct {
	channels map[int]bool
	order    []int
}

// Add records that channel should be woken once the current handler
// returns. Adding the same channel more than once only produces a single
// delivery: wake-ups coalesce, they never queue.
func (s *Signals) Add(channel int) {
	if s.channels == nil {
		s.channels = make(map[int]bool)
	}
	if !s.channels[channel] {
		s.channels[channel] = true
		s.order = append(s.order, channel)
	}
}

// Empty reports whether no channel is pending delivery.
func (s *Signals) Empty() bool {
	return len(s.order) == 0
}

// Flush delivers every pending channel to n, in the order first added, and
// clears the pending set.
func (s *Signals) Flush(n Notifier) {
	for _, ch := range s.order {
		n.Notify(ch)
	}
	s.order = nil
	s.channels = nil
}
