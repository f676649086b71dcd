// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package shmem

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucypa/sDDF/ring"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	safe := strings.ReplaceAll(t.Name(), "/", "-")
	return fmt.Sprintf("sddf-test-%s-%d", safe, os.Getpid())
}

func TestCreateOpenRoundTrip(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 8)
	require.NoError(t, err)
	defer owner.Close()

	peer, err := Open(name, 8)
	require.NoError(t, err)
	defer peer.Close()

	require.Equal(t, uint32(8), owner.Capacity())
	require.Equal(t, uint32(8), peer.Capacity())
}

func TestCreateFailsIfNameAlreadyExists(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 8)
	require.NoError(t, err)
	defer owner.Close()

	_, err = Create(name, 8)
	require.Error(t, err)
}

func TestSharedRingEnqueueDequeueVisibleAcrossMappings(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 8)
	require.NoError(t, err)
	defer owner.Close()

	peer, err := Open(name, 8)
	require.NoError(t, err)
	defer peer.Close()

	producer := NewSharedRing(owner)
	consumer := NewSharedRing(peer)

	require.True(t, consumer.Empty())

	d := ring.Descriptor{EncodedAddr: 0x1000, Len: 64, Cookie: 7}
	require.NoError(t, producer.Enqueue(d))

	require.False(t, consumer.Empty())
	require.Equal(t, uint32(1), consumer.Used())

	out, err := consumer.Dequeue()
	require.NoError(t, err)
	require.Equal(t, d, out)
	require.True(t, producer.Empty())
}

func TestSharedRingFullAndEmptyErrors(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 2)
	require.NoError(t, err)
	defer owner.Close()

	r := NewSharedRing(owner)

	_, err = r.Dequeue()
	require.ErrorIs(t, err, ring.ErrEmpty)

	require.NoError(t, r.Enqueue(ring.Descriptor{EncodedAddr: 1}))
	require.True(t, r.Full())
	require.ErrorIs(t, r.Enqueue(ring.Descriptor{EncodedAddr: 2}), ring.ErrFull)
}

func TestSharedRingNotifyProtocol(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 4)
	require.NoError(t, err)
	defer owner.Close()

	r := NewSharedRing(owner)

	require.False(t, r.TryNotifyReader())

	r.RequestReaderWakeup()
	require.True(t, r.ReaderWakeupArmed())
	require.True(t, r.TryNotifyReader())
	require.False(t, r.ReaderWakeupArmed())

	r.RequestWriterWakeup()
	require.True(t, r.TryNotifyWriter())
	require.False(t, r.WriterWakeupArmed())
}
