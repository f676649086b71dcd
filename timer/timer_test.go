// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucypa/sDDF/ring"
)

func TestGetTimeIsMonotonicallyIncreasing(t *testing.T) {
	s := New(ring.NotifierFunc(func(int) {}))

	first := s.GetTime()
	time.Sleep(2 * time.Millisecond)
	second := s.GetTime()

	require.Greater(t, second, first)
}

func TestSetTimeoutFiresOnce(t *testing.T) {
	fired := make(chan int, 4)
	s := New(ring.NotifierFunc(func(caller int) { fired <- caller }))

	s.SetTimeout(7, 5*time.Millisecond)

	select {
	case caller := <-fired:
		require.Equal(t, 7, caller)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout never fired")
	}
}

func TestSetTimeoutReplacesPendingAlarm(t *testing.T) {
	fired := make(chan int, 4)
	s := New(ring.NotifierFunc(func(caller int) { fired <- caller }))

	s.SetTimeout(1, 5*time.Millisecond)
	s.SetTimeout(1, 50*time.Millisecond) // replaces the first, short one

	select {
	case <-fired:
		t.Fatal("stale short alarm fired instead of being replaced")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case caller := <-fired:
		require.Equal(t, 1, caller)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("replacement alarm never fired")
	}
}

func TestCancelTimeoutSuppressesFire(t *testing.T) {
	fired := make(chan int, 4)
	s := New(ring.NotifierFunc(func(caller int) { fired <- caller }))

	s.SetTimeout(2, 5*time.Millisecond)
	s.CancelTimeout(2)

	select {
	case <-fired:
		t.Fatal("cancelled alarm fired anyway")
	case <-time.After(40 * time.Millisecond):
	}
}
