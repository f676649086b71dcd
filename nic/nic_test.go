// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucypa/sDDF/cache"
	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/ring"
)

func newTestDriver(t *testing.T, rx, tx Family) (*Driver, *dma.Pool) {
	t.Helper()

	pool := dma.NewPool("nic-test", 2048, 16, 0x1000_0000, 0x2000_0000)
	rxPair := ring.NewPair(8)
	txPair := ring.NewPair(8)

	drv, err := New(Config{
		RX:        rx,
		TX:        tx,
		RXPair:    rxPair,
		TXPair:    txPair,
		Cache:     cache.Noop{},
		RXChannel: 1,
		TXChannel: 2,
	})
	require.NoError(t, err)

	return drv, pool
}

func TestLegacyRXRefillReapRoundTrip(t *testing.T) {
	rx := NewLegacyRXRing(4)
	tx := NewLegacyTXRing(4)
	drv, pool := newTestDriver(t, rx, tx)

	d, err := pool.Alloc()
	require.NoError(t, err)
	require.NoError(t, drv.rxPair.EnqueueFree(d))

	drv.RefillRX()
	require.True(t, rx.rx[0].status&legacyStatusOwn != 0)

	rx.completeHW(true, 0, 128, true, false)

	var sig ring.Signals
	drv.ReapRX(&sig)

	out, err := drv.rxPair.DequeueUsed()
	require.NoError(t, err)
	require.Equal(t, uint32(128), out.Len)
	require.Equal(t, d.EncodedAddr, out.EncodedAddr)
}

func TestLegacyRXBusErrorPanics(t *testing.T) {
	rx := NewLegacyRXRing(4)
	tx := NewLegacyTXRing(4)
	drv, pool := newTestDriver(t, rx, tx)

	d, err := pool.Alloc()
	require.NoError(t, err)
	require.NoError(t, drv.rxPair.EnqueueFree(d))
	drv.RefillRX()

	rx.completeHW(true, 0, 0, true, true)

	var sig ring.Signals
	require.Panics(t, func() { drv.ReapRX(&sig) })
}

func TestLegacyTXPartialSendRetries(t *testing.T) {
	rx := NewLegacyRXRing(4)
	tx := NewLegacyTXRing(4)
	drv, pool := newTestDriver(t, rx, tx)

	d, err := pool.Alloc()
	require.NoError(t, err)
	d.Len = 256
	require.NoError(t, drv.txPair.EnqueueUsed(d))

	drv.SendTX()
	require.True(t, tx.tx[0].status&legacyStatusOwn != 0)

	// hardware reports an incomplete ("short") transmit: owning bit
	// clears but the "last" bit is not set.
	tx.completeHW(false, 0, 256, false, false)

	var sig ring.Signals
	drv.ReapTX(&sig)
	require.Equal(t, uint64(1), drv.Stats().TxRetries)
	require.True(t, tx.tx[0].status&legacyStatusOwn != 0, "driver must resubmit the slot")

	// now hardware completes it for real.
	tx.completeHW(false, 0, 256, true, false)
	drv.ReapTX(&sig)

	back, err := drv.txPair.DequeueFree()
	require.NoError(t, err)
	require.Equal(t, d.EncodedAddr, back.EncodedAddr)
	require.Equal(t, uint64(1), drv.Stats().TxRetries)
}

func TestVirtioRXRefillReapRoundTrip(t *testing.T) {
	rx := NewVirtioRing(4)
	tx := NewVirtioRing(4)
	drv, pool := newTestDriver(t, rx, tx)

	d, err := pool.Alloc()
	require.NoError(t, err)
	require.NoError(t, drv.rxPair.EnqueueFree(d))

	drv.RefillRX()
	rx.completeHW(0, 512, true, false)

	var sig ring.Signals
	drv.ReapRX(&sig)

	out, err := drv.rxPair.DequeueUsed()
	require.NoError(t, err)
	require.Equal(t, uint32(512), out.Len)
}

func TestReapRXStopsOnUsedRingBackpressure(t *testing.T) {
	rx := NewLegacyRXRing(4)
	tx := NewLegacyTXRing(4)

	pool := dma.NewPool("backpressure", 2048, 16, 0x1000_0000, 0x2000_0000)
	rxPair := ring.NewPair(2) // capacity 2 -> only 1 usable slot
	txPair := ring.NewPair(8)

	drv, err := New(Config{
		RX: rx, TX: tx,
		RXPair: rxPair, TXPair: txPair,
		Cache: cache.Noop{},
	})
	require.NoError(t, err)

	d0, _ := pool.Alloc()
	d1, _ := pool.Alloc()
	require.NoError(t, rxPair.EnqueueFree(d0))
	drv.RefillRX()
	require.NoError(t, rxPair.EnqueueFree(d1))
	drv.RefillRX()

	rx.completeHW(true, 0, 64, true, false)
	rx.completeHW(true, 1, 64, true, false)

	var sig ring.Signals
	drv.ReapRX(&sig)

	require.True(t, rxPair.Used.Full())
	require.True(t, drv.rxBook.occupied[1], "second slot must remain pending under backpressure")
}

func TestIRQBitsDistinguishRXAndTX(t *testing.T) {
	rx := NewLegacyRXRing(2)
	require.Equal(t, rx.IRQBits().RXComplete, rx.IRQBits().RXComplete)
	require.NotEqual(t, rx.IRQBits().RXComplete, rx.IRQBits().TXComplete)
}
