// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package copyshim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucypa/sDDF/cache"
	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/ring"
)

func TestProcessCopiesDataAndReturnsBuffersToBothSides(t *testing.T) {
	muxPool := dma.NewPool("mux", 2048, 8, 0x1000_0000, 0x2000_0000)
	cliPool := dma.NewPool("cli", 2048, 8, 0x3000_0000, 0x4000_0000)

	muxPair := ring.NewPair(8)
	cliPair := ring.NewPair(8)

	var rec cache.Recorder

	shim := New(Config{
		SourcePair:    muxPair,
		SourcePool:    muxPool,
		DestPair:      cliPair,
		DestPool:      cliPool,
		SourceChannel: 1,
		DestChannel:   2,
		Cache:         &rec,
	})

	src, err := muxPool.Alloc()
	require.NoError(t, err)
	src.Len = 42
	buf, err := muxPool.Slot(src.EncodedAddr)
	require.NoError(t, err)
	for i := 0; i < int(src.Len); i++ {
		buf[i] = byte(i)
	}
	require.NoError(t, muxPair.EnqueueUsed(src))

	dst, err := cliPool.Alloc()
	require.NoError(t, err)
	require.NoError(t, cliPair.EnqueueFree(dst))

	// the client has gone idle on its used ring and asked to be woken.
	cliPair.Used.RequestReaderWakeup()

	var sig ring.Signals
	shim.Process(&sig)

	out, err := cliPair.DequeueUsed()
	require.NoError(t, err)
	require.Equal(t, uint32(42), out.Len)

	outBuf, err := cliPool.Slot(out.EncodedAddr)
	require.NoError(t, err)
	require.Equal(t, buf[:42], outBuf[:42])

	back, err := muxPair.DequeueFree()
	require.NoError(t, err)
	require.Equal(t, src.EncodedAddr, back.EncodedAddr)
	require.Equal(t, muxPool.SlotSize(), back.Len)

	require.NotEmpty(t, rec.Calls())
	require.False(t, sig.Empty())
}

func TestProcessPanicsWhenDestinationTooSmall(t *testing.T) {
	muxPool := dma.NewPool("mux", 2048, 8, 0x1000_0000, 0x2000_0000)
	cliPool := dma.NewPool("cli", 16, 8, 0x3000_0000, 0x4000_0000)

	muxPair := ring.NewPair(8)
	cliPair := ring.NewPair(8)

	shim := New(Config{
		SourcePair: muxPair,
		SourcePool: muxPool,
		DestPair:   cliPair,
		DestPool:   cliPool,
	})

	src, err := muxPool.Alloc()
	require.NoError(t, err)
	src.Len = 64
	require.NoError(t, muxPair.EnqueueUsed(src))

	dst, err := cliPool.Alloc()
	require.NoError(t, err)
	require.NoError(t, cliPair.EnqueueFree(dst))

	var sig ring.Signals
	require.Panics(t, func() { shim.Process(&sig) })
}

func TestProcessStopsWhenDestFreeRingEmpty(t *testing.T) {
	muxPool := dma.NewPool("mux", 2048, 8, 0x1000_0000, 0x2000_0000)
	cliPool := dma.NewPool("cli", 2048, 8, 0x3000_0000, 0x4000_0000)

	muxPair := ring.NewPair(8)
	cliPair := ring.NewPair(8)

	shim := New(Config{
		SourcePair: muxPair,
		SourcePool: muxPool,
		DestPair:   cliPair,
		DestPool:   cliPool,
	})

	src, err := muxPool.Alloc()
	require.NoError(t, err)
	src.Len = 10
	require.NoError(t, muxPair.EnqueueUsed(src))

	var sig ring.Signals
	shim.Process(&sig)

	require.False(t, muxPair.Used.Empty(), "nothing to copy into, packet must remain queued")
	require.True(t, sig.Empty())
}
