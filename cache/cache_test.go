// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopSatisfiesOps(t *testing.T) {
	var ops Ops = Noop{}
	ops.Clean(Range{Addr: 0x1000, Len: 64})
	ops.Invalidate(Range{Addr: 0x1000, Len: 64})
	ops.CleanInvalidate(Range{Addr: 0x1000, Len: 64})
}

func TestRecorderCapturesCallsInOrder(t *testing.T) {
	var r Recorder
	var ops Ops = &r

	ops.Clean(Range{Addr: 1, Len: 10})
	ops.Invalidate(Range{Addr: 2, Len: 20})
	ops.CleanInvalidate(Range{Addr: 3, Len: 30})

	calls := r.Calls()
	require.Len(t, calls, 3)
	require.Equal(t, OpClean, calls[0].Op)
	require.Equal(t, OpInvalidate, calls[1].Op)
	require.Equal(t, OpCleanInvalidate, calls[2].Op)
	require.Equal(t, uint64(2), calls[1].Range.Addr)

	r.Reset()
	require.Empty(t, r.Calls())
}
