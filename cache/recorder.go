// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cache

import "sync"

// Op names which Ops method a Recorder observed.
type Op int

// Recorded operation kinds.
const (
	OpClean Op = iota
	OpInvalidate
	OpCleanInvalidate
)

// Call is one recorded invocation of an Ops method.
type Call struct {
	Op    Op
	Range Range
}

// Recorder is an Ops implementation that remembers every call instead of
// acting on real memory, so that nic, muxrx, muxtx and arp tests can assert
// a buffer was cleaned or invalidated at the right point in a handler
// without needing real incoherent hardware to observe.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// Clean implements Ops.
func (r *Recorder) Clean(rng Range) { r.record(OpClean, rng) }

// Invalidate implements Ops.
func (r *Recorder) Invalidate(rng Range) { r.record(OpInvalidate, rng) }

// CleanInvalidate implements Ops.
func (r *Recorder) CleanInvalidate(rng Range) { r.record(OpCleanInvalidate, rng) }

func (r *Recorder) record(op Op, rng Range) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: op, Range: rng})
}

// Calls returns a copy of every call observed so far, in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset clears recorded history.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
