// DMA-addressable packet buffer pool
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides the fixed-slot packet buffer pool that backs every
// ring descriptor in the system (§3 "Buffer pool"), together with the
// address translation between a pool's three namespaces: the owning
// producer's virtual view, a peer's virtual view, and the physical address
// DMA hardware requires.
//
// This generalizes usbarmory-tamago's dma.Region (a general first-fit DMA
// allocator) down to a simpler fixed-slot model, and replaces its
// unsafe-pointer/SliceHeader address tricks (meaningful only under
// GOOS=tamago bare-metal addressing) with a plain backing []byte arena:
// "addresses" here are offsets into that arena translated through whichever
// namespace a caller asks for, which is both portable and keeps every
// namespace crossing explicit.
package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lucypa/sDDF/ring"
)

// ErrOutOfPool is the routine error returned when an allocation can't be
// satisfied because every slot is checked out.
var ErrOutOfPool = errors.New("dma: pool exhausted")

// Pool is a contiguous arena carved into fixed-size slots (§3, §6: 2048
// bytes, 512 slots by default). A Pool is bound to one producer's address
// space; a peer either shares that mapping directly (trusted pairing) or is
// kept isolated behind a copyshim.Shim.
type Pool struct {
	mu sync.Mutex

	name     string
	slotSize uint32
	slotCap  uint32

	arena []byte

	// VirtBase is this pool's address as seen by its owning producer.
	// PhysBase is the address DMA hardware must use for the same memory.
	// Both are synthetic offsets in this simulation, not real hardware
	// addresses, but every translation between them stays explicit.
	virtBase uint64
	physBase uint64

	free        []uint32
	outstanding map[uint32]bool
}

// NewPool allocates a pool of slotCap slots of slotSize bytes each. virtBase
// and physBase are the pool's address in, respectively, its producer's
// virtual namespace and the physical namespace DMA hardware sees.
func NewPool(name string, slotSize, slotCap uint32, virtBase, physBase uint64) *Pool {
	if slotSize == 0 || slotCap == 0 {
		panic("dma: slot size and slot count must be non-zero")
	}

	p := &Pool{
		name:        name,
		slotSize:    slotSize,
		slotCap:     slotCap,
		arena:       make([]byte, uint64(slotSize)*uint64(slotCap)),
		virtBase:    virtBase,
		physBase:    physBase,
		outstanding: make(map[uint32]bool, slotCap),
	}

	p.free = make([]uint32, slotCap)
	for i := range p.free {
		p.free[i] = uint32(i)
	}

	return p
}

// Name identifies the pool for diagnostics.
func (p *Pool) Name() string { return p.name }

// SlotSize returns the fixed size, in bytes, of every slot.
func (p *Pool) SlotSize() uint32 { return p.slotSize }

// Cap returns the total number of slots the pool was created with.
func (p *Pool) Cap() uint32 { return p.slotCap }

// VirtBase returns the pool's base address in its owning producer's virtual
// namespace.
func (p *Pool) VirtBase() uint64 { return p.virtBase }

// PhysBase returns the pool's base address in the physical namespace.
func (p *Pool) PhysBase() uint64 { return p.physBase }

func (p *Pool) span() uint64 { return uint64(p.slotSize) * uint64(p.slotCap) }

// ContainsVirt reports whether addr falls within this pool's virtual range.
func (p *Pool) ContainsVirt(addr uint64) bool {
	return addr >= p.virtBase && addr < p.virtBase+p.span()
}

// ContainsPhys reports whether addr falls within this pool's physical
// range.
func (p *Pool) ContainsPhys(addr uint64) bool {
	return addr >= p.physBase && addr < p.physBase+p.span()
}

// ToPhys translates a producer-virtual address into the physical namespace,
// the way mux_rx.c's get_phys_addr and the NIC driver's refill path do. ok
// is false if addr does not belong to this pool.
func (p *Pool) ToPhys(virt uint64) (addr uint64, ok bool) {
	if !p.ContainsVirt(virt) {
		return 0, false
	}
	return p.physBase + (virt - p.virtBase), true
}

// ToVirt is the inverse of ToPhys, the way mux_rx.c's get_virt_addr and the
// NIC driver's RX-complete path do.
func (p *Pool) ToVirt(phys uint64) (addr uint64, ok bool) {
	if !p.ContainsPhys(phys) {
		return 0, false
	}
	return p.virtBase + (phys - p.physBase), true
}

func (p *Pool) slotIndex(virt uint64) (uint32, bool) {
	if !p.ContainsVirt(virt) {
		return 0, false
	}
	off := virt - p.virtBase
	return uint32(off / uint64(p.slotSize)), true
}

// Slot returns the backing bytes for the slot named by a producer-virtual
// address, sized to the full slot (callers narrow it to Descriptor.Len).
func (p *Pool) Slot(virt uint64) ([]byte, error) {
	idx, ok := p.slotIndex(virt)
	if !ok {
		return nil, fmt.Errorf("dma: address %#x out of pool %q", virt, p.name)
	}
	start := uint64(idx) * uint64(p.slotSize)
	return p.arena[start : start+uint64(p.slotSize)], nil
}

// Alloc checks out one free slot and returns a descriptor naming it in the
// producer-virtual namespace, with Cookie set to the slot index — the
// simplest stable value a producer can use to recover this slot's metadata
// on the round trip back to the free ring: the cookie is created by the
// producer when it first places the buffer on a used ring.
func (p *Pool) Alloc() (ring.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return ring.Descriptor{}, ErrOutOfPool
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.outstanding[idx] = true

	return ring.Descriptor{
		EncodedAddr: p.virtBase + uint64(idx)*uint64(p.slotSize),
		Len:         p.slotSize,
		Cookie:      uint64(idx),
	}, nil
}

// Release returns a slot to the free list. It panics on a cookie that does
// not belong to a currently outstanding slot — that is the §7 "address out
// of pool" / aliasing fatal assertion, not a routine error: a peer handing
// back a descriptor that was never checked out (or handing back the same
// one twice) means the no-aliasing invariant in §3 has already been
// violated somewhere upstream.
func (p *Pool) Release(d ring.Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := uint32(d.Cookie)

	if !p.outstanding[idx] {
		panic(fmt.Sprintf("dma: release of non-outstanding slot %d in pool %q (aliasing or double-free)", idx, p.name))
	}

	delete(p.outstanding, idx)
	p.free = append(p.free, idx)
}

// Outstanding returns the number of slots currently checked out (held by a
// component or referenced by a ring descriptor, as opposed to sitting on
// the pool's own free list).
func (p *Pool) Outstanding() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(len(p.outstanding))
}

// CheckConservation implements the §8 "Conservation" testable property:
// summing this pool's own free-list with the size of every ring that can
// hold one of its descriptors, plus however many slots a caller reports are
// currently held directly by a component (mid-handler, not yet re-enqueued),
// must equal the pool's total capacity.
func (p *Pool) CheckConservation(heldByComponents uint32, rings ...*ring.Ring) error {
	p.mu.Lock()
	free := uint32(len(p.free))
	p.mu.Unlock()

	total := free + heldByComponents
	for _, r := range rings {
		total += r.Used()
	}

	if total != p.slotCap {
		return fmt.Errorf("dma: pool %q conservation violated: free=%d held=%d +rings != cap=%d (got %d)",
			p.name, free, heldByComponents, p.slotCap, total)
	}

	return nil
}

// Set is a collection of pools searchable by address range, used wherever a
// component must classify a descriptor by which pool it came from without
// already knowing (the TX mux's return-side classification in §4.5).
type Set []*Pool

// LookupVirt returns the pool owning a producer-virtual address.
func (s Set) LookupVirt(addr uint64) (*Pool, bool) {
	for _, p := range s {
		if p.ContainsVirt(addr) {
			return p, true
		}
	}
	return nil, false
}

// LookupPhys returns the pool owning a physical address.
func (s Set) LookupPhys(addr uint64) (*Pool, bool) {
	for _, p := range s {
		if p.ContainsPhys(addr) {
			return p, true
		}
	}
	return nil, false
}
