// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package muxtx

import "github.com/lucypa/sDDF/ring"

// PriorityPolicy drains clients strictly in the order given, generalizing
// mux_tx_priority.c's fixed client_priority_order array to any number of
// clients.
type PriorityPolicy struct {
	order []int
}

// NewPriorityPolicy builds a policy that services clients in the given
// order (order[0] is highest priority), indexing into the Mux's Clients
// slice.
func NewPriorityPolicy(order []int) *PriorityPolicy {
	return &PriorityPolicy{order: order}
}

// ProcessTXReady implements Policy. It recomputes ring.Full() on the
// driver's used ring before moving on to the next-lower-priority client
// specifically so that a driver interrupt arriving mid-loop (which could
// have drained the ring we thought was full) never causes a lower-priority
// client to be serviced ahead of a higher one that still has packets
// waiting, exactly as process_tx_ready's comment explains.
func (p *PriorityPolicy) ProcessTXReady(m *Mux, sig *ring.Signals) {
	originalSize := m.driverPair.Used.Used()
	var enqueued uint32

	for _, idx := range p.order {
		if m.driverPair.Used.Full() {
			break
		}

		cl := &m.clients[idx]
		for !cl.Pair.Used.Empty() && !m.driverPair.Used.Full() {
			desc, err := cl.Pair.DequeueUsed()
			if err != nil {
				break
			}

			phys, ok := cl.Pool.ToPhys(desc.EncodedAddr)
			if !ok {
				panic("muxtx: client buffer outside its own pool")
			}
			desc.EncodedAddr = phys

			if err := m.driverPair.EnqueueUsed(desc); err != nil {
				break
			}
			enqueued++
		}
	}

	if enqueued != 0 && (originalSize == 0 || originalSize+enqueued != m.driverPair.Used.Used()) {
		sig.Add(m.driverChannel)
	}
}
