// NIC descriptor-loop driver
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nic

import (
	"log"
	"os"

	"github.com/lucypa/sDDF/cache"
	"github.com/lucypa/sDDF/ring"
)

// Stats tracks the driver's §7/§8 observable counters.
type Stats struct {
	// TxRetries counts descriptors the hardware reported as an
	// incomplete ("short") transmit, requiring the driver to resubmit
	// the same slot rather than treat it as failed.
	TxRetries uint64
}

type slotBook struct {
	free     []int
	occupied []bool
	pending  []ring.Descriptor

	// order is the FIFO queue of slots in the order they were handed to
	// hardware. Reaping walks it from the front so completions are
	// published in submission order even after the underlying hardware
	// slot indices have wrapped around.
	order []int
}

func newSlotBook(capacity int) *slotBook {
	b := &slotBook{
		free:     make([]int, capacity),
		occupied: make([]bool, capacity),
		pending:  make([]ring.Descriptor, capacity),
	}
	for i := range b.free {
		b.free[i] = capacity - 1 - i
	}
	return b
}

func (b *slotBook) takeFree() (int, bool) {
	if len(b.free) == 0 {
		return 0, false
	}
	slot := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	return slot, true
}

func (b *slotBook) giveFree(slot int) {
	b.occupied[slot] = false
	b.free = append(b.free, slot)
}

// submit marks slot as handed to hardware and appends it to the FIFO order.
func (b *slotBook) submit(slot int) {
	b.occupied[slot] = true
	b.order = append(b.order, slot)
}

// oldest returns the oldest outstanding slot without removing it.
func (b *slotBook) oldest() (int, bool) {
	if len(b.order) == 0 {
		return 0, false
	}
	return b.order[0], true
}

// popOldest removes the oldest outstanding slot from the order queue, once
// it has actually been freed back to software.
func (b *slotBook) popOldest() {
	b.order = b.order[1:]
}

// Driver runs the RX refill/reap and TX send/reap loops described in §4.2,
// translating between the sDDF ring/pool world and a Family's hardware
// descriptor ring. One Driver owns exactly one NIC; RX and TX may use
// different Families (a NIC need not share ring shape across directions,
// though in practice the corpus's drivers use the same one for both).
type Driver struct {
	rx Family
	tx Family

	rxBook *slotBook
	txBook *slotBook

	rxPair *ring.Pair
	txPair *ring.Pair

	cache cache.Ops

	rxChannel int
	txChannel int

	stats Stats

	log *log.Logger
}

// Config collects a Driver's wiring. RXChannel and TXChannel are the
// notification channel identifiers this driver's Signals output uses to
// tell its RX mux and TX mux peers apart.
//
// A Driver never translates addresses itself: every descriptor it dequeues
// from RXPair/TXPair already carries the physical address its family's
// hardware needs, translated upstream by the RX/TX mux (the driver's only
// peers that can own the pool-to-physical mapping, since TX in particular
// sees buffers drawn from whichever pool each client uses).
type Config struct {
	RX Family
	TX Family

	RXPair *ring.Pair
	TXPair *ring.Pair

	Cache cache.Ops

	RXChannel int
	TXChannel int

	Logger *log.Logger
}

// New builds a Driver and runs Family.Setup on both rings.
func New(cfg Config) (*Driver, error) {
	if err := cfg.RX.Setup(); err != nil {
		return nil, err
	}
	if err := cfg.TX.Setup(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "nic: ", log.LstdFlags)
	}

	c := cfg.Cache
	if c == nil {
		c = cache.Noop{}
	}

	return &Driver{
		rx:        cfg.RX,
		tx:        cfg.TX,
		rxBook:    newSlotBook(cfg.RX.Capacity()),
		txBook:    newSlotBook(cfg.TX.Capacity()),
		rxPair:    cfg.RXPair,
		txPair:    cfg.TXPair,
		cache:     c,
		rxChannel: cfg.RXChannel,
		txChannel: cfg.TXChannel,
		log:       logger,
	}, nil
}

// Stats returns a snapshot of the driver's observable counters.
func (d *Driver) Stats() Stats { return d.stats }

// RefillRX hands every available hardware RX slot a fresh buffer pulled
// from the free ring, stopping when either runs out. The free ring always
// carries physical addresses by the time the driver sees them — translation
// from whichever pool a buffer actually lives in happens upstream, at the RX
// mux's free-return path — so the driver installs desc.EncodedAddr straight
// into the hardware slot without touching it.
func (d *Driver) RefillRX() {
	for {
		slot, ok := d.rxBook.takeFree()
		if !ok {
			return
		}

		desc, err := d.rxPair.DequeueFree()
		if err != nil {
			d.rxBook.giveFree(slot)
			return
		}

		d.cache.Invalidate(cache.Range{Addr: desc.EncodedAddr, Len: desc.Len})

		if err := d.rx.RefillRXSlot(slot, desc.EncodedAddr, desc.Len); err != nil {
			panic(err)
		}

		d.rxBook.pending[slot] = desc
		d.rxBook.submit(slot)
	}
}

// ReapRX drains every hardware RX slot that has a completed packet,
// publishing it to the used ring for the RX mux to classify. Slots are
// reaped oldest-outstanding first so completions reach the used ring in the
// order they were submitted to hardware, even once hardware slot indices
// have wrapped around; since the hardware processes its queue in that same
// order, a not-yet-ready oldest slot means nothing newer is ready either.
// ReapRX stops there, and also at the first slot whose completion can't be
// published because the used ring is full (RX backpressure), leaving that
// slot hardware-reaped but not yet handed off so the next ReapRX call
// retries it.
func (d *Driver) ReapRX(sig *ring.Signals) {
	for {
		slot, ok := d.rxBook.oldest()
		if !ok {
			return
		}

		length, ok := d.rx.ReapRXSlot(slot)
		if !ok {
			return
		}

		desc := d.rxBook.pending[slot]
		desc.Len = length

		d.cache.Invalidate(cache.Range{Addr: desc.EncodedAddr, Len: length})

		if err := d.rxPair.EnqueueUsed(desc); err != nil {
			return
		}

		d.rxBook.popOldest()
		d.rxBook.giveFree(slot)

		if d.rxPair.Used.TryNotifyReader() {
			sig.Add(d.rxChannel)
		}
	}
}

// SendTX hands every available hardware TX slot a packet pulled from the
// ring the TX mux enqueues completed sends onto. Like RefillRX, it never
// translates desc.EncodedAddr: the TX mux already resolved it to a physical
// address before enqueuing, since TX buffers are drawn from whichever pool
// each client uses and the driver has no single pool to translate against.
func (d *Driver) SendTX() {
	for {
		slot, ok := d.txBook.takeFree()
		if !ok {
			return
		}

		desc, err := d.txPair.DequeueUsed()
		if err != nil {
			d.txBook.giveFree(slot)
			return
		}

		d.cache.Clean(cache.Range{Addr: desc.EncodedAddr, Len: desc.Len})

		if err := d.tx.SendTXSlot(slot, desc.EncodedAddr, desc.Len); err != nil {
			panic(err)
		}

		d.txBook.pending[slot] = desc
		d.txBook.submit(slot)
	}
}

// ReapTX drains every hardware TX slot the device has finished with, oldest
// submission first, returning the now-free buffer to the TX mux. A slot the
// hardware reports as an incomplete transmit is resubmitted in place and
// counted in Stats.TxRetries rather than being handed back; since resubmission
// hands the slot back to hardware, it naturally stops this pass at that slot
// and picks it up again on the next ReapTX call.
func (d *Driver) ReapTX(sig *ring.Signals) {
	for {
		slot, ok := d.txBook.oldest()
		if !ok {
			return
		}

		complete, ok := d.tx.ReapTXSlot(slot)
		if !ok {
			return
		}

		desc := d.txBook.pending[slot]

		if !complete {
			d.stats.TxRetries++
			if err := d.tx.SendTXSlot(slot, desc.EncodedAddr, desc.Len); err != nil {
				panic(err)
			}
			return
		}

		if err := d.txPair.EnqueueFree(desc); err != nil {
			return
		}

		d.txBook.popOldest()
		d.txBook.giveFree(slot)

		if d.txPair.Free.TryNotifyReader() {
			sig.Add(d.txChannel)
		}
	}
}

// HandleIRQ runs whichever loops the raised status bits call for, then
// always tops up refill/send afterwards since reaping frees capacity for
// more. sig accumulates every wake-up the handler produced; the caller
// flushes it once, at the end, per the §9 notification-coalescing design.
func (d *Driver) HandleIRQ(bits uint32, sig *ring.Signals) {
	if bits&d.rx.IRQBits().RXComplete != 0 {
		d.ReapRX(sig)
	}
	if bits&d.tx.IRQBits().TXComplete != 0 {
		d.ReapTX(sig)
	}
	d.RefillRX()
	d.SendTX()
}
