// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package shmem

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/lucypa/sDDF/ring"
)

var byteOrder = binary.LittleEndian

// SharedRing is a ring.Ring-equivalent SPSC descriptor queue backed by a
// mapped Region instead of a Go slice, so its producer and consumer may be
// two separate OS processes. It implements exactly the same §4.1 protocol
// as ring.Ring — enqueue/dequeue with one slot permanently reserved, and
// the double-check notify_writer/notify_reader wake-up flags — over the
// bit-exact §6 wire layout instead of an in-process atomic.Uint32 pair.
type SharedRing struct {
	region *Region
	mask   uint32
}

// NewSharedRing wraps region as a descriptor ring. capacity must match the
// value region was sized for and must be a power of two.
func NewSharedRing(region *Region) *SharedRing {
	capacity := region.Capacity()
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("shmem: region capacity must be a power of two")
	}
	return &SharedRing{region: region, mask: capacity - 1}
}

func (r *SharedRing) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.region.data[off]))
}

func (r *SharedRing) writeIdx() uint32      { return atomic.LoadUint32(r.u32(offWriteIdx)) }
func (r *SharedRing) setWriteIdx(v uint32)  { atomic.StoreUint32(r.u32(offWriteIdx), v) }
func (r *SharedRing) readIdx() uint32       { return atomic.LoadUint32(r.u32(offReadIdx)) }
func (r *SharedRing) setReadIdx(v uint32)   { atomic.StoreUint32(r.u32(offReadIdx), v) }

// Used reports the number of descriptors currently queued.
func (r *SharedRing) Used() uint32 { return r.writeIdx() - r.readIdx() }

// Empty reports whether the ring currently holds no descriptors.
func (r *SharedRing) Empty() bool { return r.writeIdx() == r.readIdx() }

// Full reports whether the ring has no room for another descriptor.
func (r *SharedRing) Full() bool { return r.Used() == r.mask }

func (r *SharedRing) descSlot(idx uint32) []byte {
	off := offBuffers + int(idx&r.mask)*DescriptorSize
	return r.region.data[off : off+DescriptorSize]
}

func encodeDescriptor(buf []byte, d ring.Descriptor) {
	byteOrder.PutUint64(buf[0:8], d.EncodedAddr)
	byteOrder.PutUint32(buf[8:12], d.Len)
	// bytes 12:16 are the wire-layout pad field, left zero.
	byteOrder.PutUint64(buf[16:24], d.Cookie)
}

func decodeDescriptor(buf []byte) ring.Descriptor {
	return ring.Descriptor{
		EncodedAddr: byteOrder.Uint64(buf[0:8]),
		Len:         byteOrder.Uint32(buf[8:12]),
		Cookie:      byteOrder.Uint64(buf[16:24]),
	}
}

// Enqueue appends a descriptor, matching ring.Ring.Enqueue's ErrFull
// behaviour exactly so callers can share error-handling code across both
// ring types.
func (r *SharedRing) Enqueue(d ring.Descriptor) error {
	if r.Full() {
		return ring.ErrFull
	}

	w := r.writeIdx()
	encodeDescriptor(r.descSlot(w), d)
	r.setWriteIdx(w + 1)

	return nil
}

// Dequeue removes and returns the oldest descriptor.
func (r *SharedRing) Dequeue() (ring.Descriptor, error) {
	if r.Empty() {
		return ring.Descriptor{}, ring.ErrEmpty
	}

	rd := r.readIdx()
	d := decodeDescriptor(r.descSlot(rd))
	r.setReadIdx(rd + 1)

	return d, nil
}

// the notify flags are single bytes; reading/writing them through the
// surrounding word would race with the sibling byte's writer (notify_writer
// and notify_reader occupy adjacent bytes of the same struct, per §6, and
// are each owned by a different side). Access them with plain byte
// loads/stores instead of folding them into the 32-bit-aligned accessor
// above — a single byte load/store is atomic on every architecture this
// module targets.

// RequestReaderWakeup arms the data-ready notification.
func (r *SharedRing) RequestReaderWakeup() { r.region.data[offNotifyReader] = 1 }

// ReaderWakeupArmed reports whether the consumer has asked to be woken.
func (r *SharedRing) ReaderWakeupArmed() bool { return r.region.data[offNotifyReader] != 0 }

// ClearReaderWakeup disarms the data-ready notification.
func (r *SharedRing) ClearReaderWakeup() { r.region.data[offNotifyReader] = 0 }

// RequestWriterWakeup arms the backpressure notification.
func (r *SharedRing) RequestWriterWakeup() { r.region.data[offNotifyWriter] = 1 }

// WriterWakeupArmed reports whether the producer has asked to be woken.
func (r *SharedRing) WriterWakeupArmed() bool { return r.region.data[offNotifyWriter] != 0 }

// ClearWriterWakeup disarms the backpressure notification.
func (r *SharedRing) ClearWriterWakeup() { r.region.data[offNotifyWriter] = 0 }

// TryNotifyReader implements the producer side of the §4.1 wake-up
// protocol over the shared region, exactly mirroring ring.Ring.TryNotifyReader.
func (r *SharedRing) TryNotifyReader() (shouldSignal bool) {
	if r.ReaderWakeupArmed() {
		r.ClearReaderWakeup()
		return true
	}
	return false
}

// TryNotifyWriter is the symmetric counterpart for the backpressure
// direction.
func (r *SharedRing) TryNotifyWriter() (shouldSignal bool) {
	if r.WriterWakeupArmed() {
		r.ClearWriterWakeup()
		return true
	}
	return false
}
