// Shared-memory packet ring substrate
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ring implements the lock-free single-producer/single-consumer
// descriptor ring used to hand off packet buffer ownership between isolated
// protection domains.
//
// A Ring never blocks: Enqueue and Dequeue return immediately with ErrFull or
// ErrEmpty when they can't proceed, and the caller is expected to retry on
// its next event. Producer and consumer may run on different cores or in
// different address spaces; Ring only assumes that the index each side owns
// is only ever written by that side.
package ring

import (
	"errors"
	"sync/atomic"
)

// ErrFull is returned by Enqueue when the ring has no free slot.
var ErrFull = errors.New("ring: full")

// ErrEmpty is returned by Dequeue when the ring has no pending descriptor.
var ErrEmpty = errors.New("ring: empty")

// Descriptor names one packet buffer travelling through a ring. EncodedAddr
// is an address valid in the consumer's view of memory; Cookie is opaque to
// everyone but the producer that created it and is only meaningful on the
// round trip back to that producer's free ring.
type Descriptor struct {
	EncodedAddr uint64
	Len         uint32
	Cookie      uint64
}

const cacheLinePad = 64

// Ring is a fixed-capacity circular buffer of descriptors shared between
// exactly one producer and one consumer. Size must be a power of two; one
// slot is always reserved so that write_idx == read_idx is unambiguously
// "empty".
//
// writeIdx is written only by the producer, readIdx only by the consumer.
// notifyReader/notifyWriter follow the double-check wake-up protocol: each
// flag is set by the party that wants a future signal and cleared by the
// party that delivers it.
type Ring struct {
	buffers []Descriptor
	mask    uint32

	writeIdx atomic.Uint32
	_        [cacheLinePad - 4]byte
	readIdx  atomic.Uint32
	_        [cacheLinePad - 4]byte

	notifyReader atomic.Bool
	notifyWriter atomic.Bool
}

// New allocates a ring of the given capacity, which must be a power of two.
// The capacity includes the one slot that is permanently reserved to
// disambiguate empty from full, so a ring of capacity 512 can hold at most
// 511 descriptors at once.
func New(capacity uint32) *Ring {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of two")
	}

	return &Ring{
		buffers: make([]Descriptor, capacity),
		mask:    capacity - 1,
	}
}

// Size returns the ring's declared capacity (including the reserved slot).
func (r *Ring) Size() uint32 {
	return r.mask + 1
}

// Used returns the number of descriptors currently queued. Arithmetic is
// modulo 2^32 and tolerates wraparound, per §3's index-monotonicity
// invariant.
func (r *Ring) Used() uint32 {
	return r.writeIdx.Load() - r.readIdx.Load()
}

// Empty reports whether the ring currently holds no descriptors.
func (r *Ring) Empty() bool {
	return r.writeIdx.Load() == r.readIdx.Load()
}

// Full reports whether the ring has no room for another descriptor.
func (r *Ring) Full() bool {
	return r.Used() == r.mask
}

// Enqueue appends a descriptor. It is only safe to call from the single
// producer goroutine/process for this ring.
func (r *Ring) Enqueue(d Descriptor) error {
	if r.Full() {
		return ErrFull
	}

	w := r.writeIdx.Load()
	r.buffers[w&r.mask] = d

	// release: the slot write must be visible before the index publish.
	r.writeIdx.Store(w + 1)

	return nil
}

// Dequeue removes and returns the oldest descriptor. It is only safe to
// call from the single consumer goroutine/process for this ring.
func (r *Ring) Dequeue() (Descriptor, error) {
	if r.Empty() {
		return Descriptor{}, ErrEmpty
	}

	rd := r.readIdx.Load()
	d := r.buffers[rd&r.mask]

	r.readIdx.Store(rd + 1)

	return d, nil
}

// Peek returns the oldest descriptor without removing it, for callers that
// must inspect a pending descriptor (its length, say) before deciding
// whether they are able to consume it yet.
func (r *Ring) Peek() (Descriptor, bool) {
	if r.Empty() {
		return Descriptor{}, false
	}
	rd := r.readIdx.Load()
	return r.buffers[rd&r.mask], true
}

// RequestReaderWakeup arms the data-ready notification: the consumer calls
// this immediately before going idle, then must re-check Empty() (the
// double-check in §4.1) before actually suspending.
func (r *Ring) RequestReaderWakeup() {
	r.notifyReader.Store(true)
}

// ReaderWakeupArmed reports whether the consumer has asked to be woken when
// new data arrives.
func (r *Ring) ReaderWakeupArmed() bool {
	return r.notifyReader.Load()
}

// ClearReaderWakeup disarms the data-ready notification; called by whichever
// side delivers the wakeup (either the consumer itself, having observed the
// ring non-empty again, or the producer right before signalling).
func (r *Ring) ClearReaderWakeup() {
	r.notifyReader.Store(false)
}

// RequestWriterWakeup arms the backpressure notification, the symmetric
// counterpart of RequestReaderWakeup for the rare case where the producer
// needs to wait for the consumer to free up space.
func (r *Ring) RequestWriterWakeup() {
	r.notifyWriter.Store(true)
}

// WriterWakeupArmed reports whether the producer has asked to be woken when
// space frees up.
func (r *Ring) WriterWakeupArmed() bool {
	return r.notifyWriter.Load()
}

// ClearWriterWakeup disarms the backpressure notification.
func (r *Ring) ClearWriterWakeup() {
	r.notifyWriter.Store(false)
}

// TryNotifyReader implements the producer side of the §4.1 wake-up protocol:
// if (and only if) the consumer had armed notifyReader, clear it and report
// that a signal should be delivered. The caller decides whether to deliver
// it immediately or coalesce it with the end of the current event handler
// (see Signals in this package).
func (r *Ring) TryNotifyReader() (shouldSignal bool) {
	if r.notifyReader.Load() {
		r.notifyReader.Store(false)
		return true
	}
	return false
}

// TryNotifyWriter is the symmetric counterpart of TryNotifyReader for the
// backpressure direction.
func (r *Ring) TryNotifyWriter() (shouldSignal bool) {
	if r.notifyWriter.Load() {
		r.notifyWriter.Store(false)
		return true
	}
	return false
}
