// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucypa/sDDF/ring"
)

func newTestPool() *Pool {
	return NewPool("test", 2048, 8, 0x4000_0000, 0x8000_0000)
}

func TestAllocExhaustionReturnsErrOutOfPool(t *testing.T) {
	p := newTestPool()

	for i := 0; i < 8; i++ {
		_, err := p.Alloc()
		require.NoError(t, err)
	}

	_, err := p.Alloc()
	require.Equal(t, ErrOutOfPool, err)
}

func TestAddressTranslationRoundTrips(t *testing.T) {
	p := newTestPool()

	d, err := p.Alloc()
	require.NoError(t, err)

	phys, ok := p.ToPhys(d.EncodedAddr)
	require.True(t, ok)

	virt, ok := p.ToVirt(phys)
	require.True(t, ok)
	require.Equal(t, d.EncodedAddr, virt)
}

func TestTranslationRejectsForeignAddress(t *testing.T) {
	p := newTestPool()

	_, ok := p.ToPhys(0xdead0000)
	require.False(t, ok)

	_, ok = p.ToVirt(0xdead0000)
	require.False(t, ok)
}

func TestReleaseOfUnknownSlotPanics(t *testing.T) {
	p := newTestPool()

	assert.Panics(t, func() {
		p.Release(ring.Descriptor{Cookie: 3})
	})
}

func TestReleaseThenAllocReusesSlot(t *testing.T) {
	p := newTestPool()

	d, err := p.Alloc()
	require.NoError(t, err)
	p.Release(d)

	require.Equal(t, uint32(0), p.Outstanding())

	d2, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, d.Cookie, d2.Cookie)
}

func TestSlotBytesAreSizedAndDisjoint(t *testing.T) {
	p := newTestPool()

	d1, err := p.Alloc()
	require.NoError(t, err)
	d2, err := p.Alloc()
	require.NoError(t, err)

	b1, err := p.Slot(d1.EncodedAddr)
	require.NoError(t, err)
	b2, err := p.Slot(d2.EncodedAddr)
	require.NoError(t, err)

	require.Len(t, b1, 2048)
	require.Len(t, b2, 2048)

	b1[0] = 0xaa
	require.NotEqual(t, b1[0], b2[0])
}

func TestCheckConservationAcrossPoolAndRings(t *testing.T) {
	p := newTestPool()
	free := ring.New(16)
	used := ring.New(16)

	var held uint32
	for i := 0; i < 5; i++ {
		d, err := p.Alloc()
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, free.Enqueue(d))
		} else {
			require.NoError(t, used.Enqueue(d))
		}
	}
	// one slot held directly by a component mid-handler, not yet requeued
	_, err := p.Alloc()
	require.NoError(t, err)
	held = 1

	require.NoError(t, p.CheckConservation(held, free, used))
}

func TestCheckConservationDetectsLeak(t *testing.T) {
	p := newTestPool()
	r := ring.New(16)

	d, err := p.Alloc()
	require.NoError(t, err)
	require.NoError(t, r.Enqueue(d))

	// simulate a leaked descriptor: allocate one more but never account for
	// it anywhere the checker looks.
	_, err = p.Alloc()
	require.NoError(t, err)

	require.Error(t, p.CheckConservation(0, r))
}

func TestSetLookupFindsOwningPool(t *testing.T) {
	a := NewPool("a", 2048, 4, 0x1000_0000, 0x2000_0000)
	b := NewPool("b", 2048, 4, 0x3000_0000, 0x4000_0000)
	set := Set{a, b}

	da, err := a.Alloc()
	require.NoError(t, err)
	db, err := b.Alloc()
	require.NoError(t, err)

	found, ok := set.LookupVirt(da.EncodedAddr)
	require.True(t, ok)
	require.Same(t, a, found)

	found, ok = set.LookupVirt(db.EncodedAddr)
	require.True(t, ok)
	require.Same(t, b, found)

	_, ok = set.LookupVirt(0xffff_0000)
	require.False(t, ok)

	physA, ok := a.ToPhys(da.EncodedAddr)
	require.True(t, ok)
	found, ok = set.LookupPhys(physA)
	require.True(t, ok)
	require.Same(t, a, found)
}
