// NIC descriptor ring families
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package nic implements the NIC-facing half of the framework: the
// descriptor-loop driver that moves buffers between the sDDF ring substrate
// and a hardware descriptor ring, and the two hardware descriptor layouts
// observed in the retrieved corpus (§4.2 "Descriptor ring capability").
//
// usbarmory-tamago carries two genuinely different descriptor shapes for its
// two NIC drivers: soc/nxp/enet's legacy buffer descriptor (16-bit length,
// 16-bit status, 32-bit address) and virtio/net's virtqueue descriptor
// (64-bit address, 32-bit length, 16-bit flags, 16-bit next/id). Rather than
// hard-coding the driver loop to one shape, Family abstracts exactly the
// operations the loop needs, so the same Driver in driver.go runs over
// either.
package nic

import "fmt"

// Family is the minimal capability set a descriptor ring implementation
// must provide: programming a free buffer into an RX or TX slot, reaping a
// slot the hardware has finished with, and naming which IRQ status bits
// this family raises on completion. Capacity() reports how many slots the
// ring holds (ownership of the backing array belongs to the Family, not the
// caller).
type Family interface {
	// Setup (re)initializes every slot to the hardware-owned-empty state.
	Setup() error

	Capacity() int

	// RefillRXSlot programs slot with a fresh RX buffer at the given
	// physical address and capacity, handing ownership to the hardware.
	RefillRXSlot(slot int, phys uint64, capacity uint32) error

	// ReapRXSlot reports whether the hardware has written a packet into
	// slot and, if so, returns its length and hands ownership back to
	// software. ok is false if the slot is still hardware-owned.
	ReapRXSlot(slot int) (length uint32, ok bool)

	// SendTXSlot programs slot with a buffer ready to transmit, handing
	// ownership to the hardware.
	SendTXSlot(slot int, phys uint64, length uint32) error

	// ReapTXSlot reports whether the hardware has finished transmitting
	// slot (freeing it back to software) and whether the send completed
	// in a single descriptor (false here models a partial/short transmit
	// that the driver must retry, per the §7 TX-retry accounting).
	ReapTXSlot(slot int) (complete bool, ok bool)

	// IRQBits names the status register bits this family raises for RX
	// complete and TX complete, so a Driver's interrupt handler knows
	// which loops to run without needing family-specific code itself.
	IRQBits() IRQBits
}

// IRQBits names the interrupt status bits a Family's hardware model raises.
type IRQBits struct {
	RXComplete uint32
	TXComplete uint32
}

const (
	ownHW = 0
	ownSW = 1
)

// ErrBusError is the fatal, non-recoverable condition a Family reports when
// a descriptor's hardware-reported state is inconsistent with anything a
// correctly functioning NIC could produce (§7: driver loops panic on this,
// they do not retry it).
var ErrBusError = fmt.Errorf("nic: descriptor bus error")

// legacyDescriptor mirrors the NXP ENET legacy buffer descriptor format
// used throughout soc/nxp/enet/dma.go: a 16-bit length, a 16-bit
// status/control word whose top bit is hardware ownership, and a 32-bit
// buffer address.
type legacyDescriptor struct {
	length uint16
	status uint16
	addr   uint32
}

const (
	legacyStatusOwn  = 1 << 15
	legacyStatusLast = 1 << 11
	legacyStatusErr  = 1 << 1
)

// LegacyFamily implements Family over the 16-bit length/status, 32-bit
// address descriptor layout (grounded on soc/nxp/enet/dma.go).
type LegacyFamily struct {
	rx   []legacyDescriptor
	tx   []legacyDescriptor
	kind legacyKind
}

type legacyKind int

const (
	legacyRX legacyKind = iota
	legacyTX
)

// NewLegacyRXRing builds a LegacyFamily view over capacity RX slots.
func NewLegacyRXRing(capacity int) *LegacyFamily {
	return &LegacyFamily{rx: make([]legacyDescriptor, capacity), kind: legacyRX}
}

// NewLegacyTXRing builds a LegacyFamily view over capacity TX slots.
func NewLegacyTXRing(capacity int) *LegacyFamily {
	return &LegacyFamily{tx: make([]legacyDescriptor, capacity), kind: legacyTX}
}

func (f *LegacyFamily) slots() []legacyDescriptor {
	if f.kind == legacyRX {
		return f.rx
	}
	return f.tx
}

// Setup implements Family.
func (f *LegacyFamily) Setup() error {
	for i := range f.slots() {
		f.slots()[i] = legacyDescriptor{}
	}
	return nil
}

// Capacity implements Family.
func (f *LegacyFamily) Capacity() int { return len(f.slots()) }

// RefillRXSlot implements Family.
func (f *LegacyFamily) RefillRXSlot(slot int, phys uint64, capacity uint32) error {
	d := &f.rx[slot]
	d.addr = uint32(phys)
	d.length = uint16(capacity)
	d.status = legacyStatusOwn
	return nil
}

// ReapRXSlot implements Family.
func (f *LegacyFamily) ReapRXSlot(slot int) (uint32, bool) {
	d := &f.rx[slot]
	if d.status&legacyStatusOwn != 0 {
		return 0, false
	}
	if d.status&legacyStatusErr != 0 {
		panic(ErrBusError)
	}
	return uint32(d.length), true
}

// SendTXSlot implements Family.
func (f *LegacyFamily) SendTXSlot(slot int, phys uint64, length uint32) error {
	d := &f.tx[slot]
	d.addr = uint32(phys)
	d.length = uint16(length)
	d.status = legacyStatusOwn | legacyStatusLast
	return nil
}

// ReapTXSlot implements Family.
func (f *LegacyFamily) ReapTXSlot(slot int) (complete bool, ok bool) {
	d := &f.tx[slot]
	if d.status&legacyStatusOwn != 0 {
		return false, false
	}
	if d.status&legacyStatusErr != 0 {
		panic(ErrBusError)
	}
	return d.status&legacyStatusLast != 0, true
}

// IRQBits implements Family.
func (f *LegacyFamily) IRQBits() IRQBits {
	return IRQBits{RXComplete: 1 << 0, TXComplete: 1 << 1}
}

// completeHW is a test/simulation hook: it flips a slot from hardware-owned
// to software-owned the way a real NIC's DMA engine would on packet
// reception or transmit completion, optionally marking it errored.
func (f *LegacyFamily) completeHW(rx bool, slot int, length uint16, last bool, errored bool) {
	var d *legacyDescriptor
	if rx {
		d = &f.rx[slot]
	} else {
		d = &f.tx[slot]
	}
	d.length = length
	d.status &^= legacyStatusOwn
	if last {
		d.status |= legacyStatusLast
	} else {
		d.status &^= legacyStatusLast
	}
	if errored {
		d.status |= legacyStatusErr
	}
}

// virtioDescriptor mirrors the queue descriptor shape used throughout
// virtio/descriptor.go and virtio/net.go: a 64-bit address, 32-bit length,
// a 32-bit word this model splits into a 16-bit control/flags half and a
// 16-bit next half, and a separate 32-bit status word that carries the
// received length, matching the "32-bit status/cntl/next" family described
// for the second hardware generation.
type virtioDescriptor struct {
	addr   uint64
	length uint32
	cntl   uint16
	next   uint16
	status uint32
}

const (
	virtioFlagOwn = 1 << 0
	virtioFlagErr = 1 << 1
)

// VirtioFamily implements Family over the 64-bit address / 32-bit length /
// 16-bit control / 16-bit next descriptor layout (grounded on
// virtio/descriptor.go and virtio/net.go).
type VirtioFamily struct {
	descs []virtioDescriptor
}

// NewVirtioRing builds a VirtioFamily view over capacity slots. RX and TX
// each get their own ring, as with LegacyFamily.
func NewVirtioRing(capacity int) *VirtioFamily {
	return &VirtioFamily{descs: make([]virtioDescriptor, capacity)}
}

// Setup implements Family.
func (f *VirtioFamily) Setup() error {
	for i := range f.descs {
		f.descs[i] = virtioDescriptor{}
	}
	return nil
}

// Capacity implements Family.
func (f *VirtioFamily) Capacity() int { return len(f.descs) }

// RefillRXSlot implements Family.
func (f *VirtioFamily) RefillRXSlot(slot int, phys uint64, capacity uint32) error {
	d := &f.descs[slot]
	d.addr = phys
	d.length = capacity
	d.cntl = virtioFlagOwn
	d.status = 0
	return nil
}

// ReapRXSlot implements Family.
func (f *VirtioFamily) ReapRXSlot(slot int) (uint32, bool) {
	d := &f.descs[slot]
	if d.cntl&virtioFlagOwn != 0 {
		return 0, false
	}
	if d.cntl&virtioFlagErr != 0 {
		panic(ErrBusError)
	}
	return d.status, true
}

// SendTXSlot implements Family.
func (f *VirtioFamily) SendTXSlot(slot int, phys uint64, length uint32) error {
	d := &f.descs[slot]
	d.addr = phys
	d.length = length
	d.cntl = virtioFlagOwn
	d.next = 0
	return nil
}

// ReapTXSlot implements Family.
func (f *VirtioFamily) ReapTXSlot(slot int) (complete bool, ok bool) {
	d := &f.descs[slot]
	if d.cntl&virtioFlagOwn != 0 {
		return false, false
	}
	if d.cntl&virtioFlagErr != 0 {
		panic(ErrBusError)
	}
	return d.next != 0, true
}

// IRQBits implements Family.
func (f *VirtioFamily) IRQBits() IRQBits {
	return IRQBits{RXComplete: 1 << 0, TXComplete: 1 << 1}
}

func (f *VirtioFamily) completeHW(slot int, status uint32, last bool, errored bool) {
	d := &f.descs[slot]
	d.status = status
	d.cntl &^= virtioFlagOwn
	if last {
		d.next = 1
	} else {
		d.next = 0
	}
	if errored {
		d.cntl |= virtioFlagErr
	}
}
