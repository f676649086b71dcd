// Protection-domain copy isolation
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package copyshim implements the bounds-checked byte-for-byte copy that
// isolates an untrusted client's buffer pool from the pool a mux shares
// with the NIC driver (§4.4). Neither side ever sees the other's
// descriptors or memory directly: a Shim consumes a source-side used
// descriptor and a destination-side free descriptor, copies exactly the
// source's reported length into the destination buffer, and republishes
// both descriptors on their own side.
//
// This is a single generalization of two original files that are mirror
// images of each other: original_source/echo_server/copy.c (RX direction:
// source = the RX mux's driver-shared pool, destination = a client's
// private pool) and tx_copy.c (TX direction: source = a client's private
// pool, destination = the TX mux's driver-shared pool). Parameterizing
// which side is "source" and which is "destination" lets one Shim
// implementation serve both directions instead of duplicating the loop.
package copyshim

import (
	"log"
	"os"

	"github.com/lucypa/sDDF/cache"
	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/ring"
)

// Config wires a Shim between two ring pairs and the pools their
// descriptors name.
type Config struct {
	// SourcePair's Used ring carries data ready to be copied out; its
	// Free ring is where the now-empty source buffer goes back to once
	// copied (reset to the pool's full slot size, matching copy.c's
	// enqueue_free(..., BUF_SIZE, ...) rather than the actual payload
	// length).
	SourcePair *ring.Pair
	SourcePool *dma.Pool

	// DestPair's Free ring supplies an empty destination buffer; its
	// Used ring receives the copy.
	DestPair *ring.Pair
	DestPool *dma.Pool

	// SourceChannel notifies whoever produces onto SourcePair.Used /
	// consumes SourcePair.Free (the shim's upstream peer). DestChannel
	// notifies whoever consumes DestPair.Used (the shim's downstream
	// peer).
	SourceChannel int
	DestChannel   int

	Cache cache.Ops

	Logger *log.Logger
}

// Shim is one direction of copy isolation.
type Shim struct {
	cfg Config
	log *log.Logger
}

// New builds a Shim from cfg.
func New(cfg Config) *Shim {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "copyshim: ", log.LstdFlags)
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Noop{}
	}

	return &Shim{cfg: cfg, log: logger}
}

// Process copies every pending source packet into a destination buffer,
// republishing both descriptors, until one of the four rings involved runs
// out of room. It follows copy.c's double-check wake-up loop: both starved
// resources are armed for notification, rechecked once more, and only
// actually left armed if nothing changed in the meantime.
func (s *Shim) Process(sig *ring.Signals) {
	var enqueued uint32

	canProgress := func() bool {
		return !s.cfg.SourcePair.Used.Empty() &&
			!s.cfg.DestPair.Free.Empty() &&
			!s.cfg.SourcePair.Free.Full() &&
			!s.cfg.DestPair.Used.Full()
	}

	for {
		for canProgress() {
			srcDesc, err := s.cfg.SourcePair.DequeueUsed()
			if err != nil {
				break
			}
			dstDesc, err := s.cfg.DestPair.DequeueFree()
			if err != nil {
				break
			}

			if !s.cfg.DestPool.ContainsVirt(dstDesc.EncodedAddr) {
				panic("copyshim: destination descriptor outside its own pool")
			}
			if dstDesc.Len < srcDesc.Len {
				panic("copyshim: destination buffer smaller than source payload")
			}

			srcBytes, err := s.cfg.SourcePool.Slot(srcDesc.EncodedAddr)
			if err != nil {
				panic(err)
			}
			dstBytes, err := s.cfg.DestPool.Slot(dstDesc.EncodedAddr)
			if err != nil {
				panic(err)
			}

			s.cfg.Cache.Invalidate(cache.Range{Addr: srcDesc.EncodedAddr, Len: srcDesc.Len})
			copy(dstBytes[:srcDesc.Len], srcBytes[:srcDesc.Len])
			s.cfg.Cache.Clean(cache.Range{Addr: dstDesc.EncodedAddr, Len: srcDesc.Len})

			dstDesc.Len = srcDesc.Len
			if err := s.cfg.DestPair.EnqueueUsed(dstDesc); err != nil {
				s.log.Printf("failed to enqueue copied packet: %v", err)
				break
			}

			srcDesc.Len = s.cfg.SourcePool.SlotSize()
			if err := s.cfg.SourcePair.EnqueueFree(srcDesc); err != nil {
				s.log.Printf("failed to return source buffer: %v", err)
				break
			}

			enqueued++
		}

		s.cfg.SourcePair.Used.RequestReaderWakeup()
		s.cfg.DestPair.Free.RequestReaderWakeup()

		if canProgress() {
			s.cfg.SourcePair.Used.ClearReaderWakeup()
			s.cfg.DestPair.Free.ClearReaderWakeup()
			continue
		}

		break
	}

	if enqueued == 0 {
		return
	}

	if s.cfg.DestPair.Used.TryNotifyReader() {
		sig.Add(s.cfg.DestChannel)
	}
	if s.cfg.SourcePair.Free.TryNotifyReader() {
		sig.Add(s.cfg.SourceChannel)
	}
}
