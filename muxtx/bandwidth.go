// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package muxtx

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/lucypa/sDDF/ring"
	"github.com/lucypa/sDDF/timer"
)

type clientQuota struct {
	limiter        *rate.Limiter
	pendingTimeout bool
}

// BandwidthPolicy caps each client to a fixed number of bits every window,
// generalizing mux_tx_bandwidth_limited.c's client_usage_t (last_time,
// curr_bandwidth, max_bandwidth, a fixed-window reset) into a
// continuously-refilling token bucket of the same effective capacity: a
// golang.org/x/time/rate.Limiter with burst equal to the per-window byte
// cap and a refill rate that replenishes the full cap once per window. A
// client that exhausts its quota gets a one-shot timer armed for one full
// window length from the moment it was capped (there is no fixed window
// boundary to count down to, so the timer does not end at a window edge),
// using the original's pending_timeout/set_timeout bookkeeping, so the mux
// revisits it without needing to be notified of new data it already knows
// is sitting there.
type BandwidthPolicy struct {
	quota  []clientQuota
	window time.Duration
	clock  *timer.Service
	now    func() time.Time
}

// NewBandwidthPolicy builds a policy with one quota per client. maxBitsPerWindow[i]
// is the most client i may send in one window; a very large value
// approximates "no limit", matching the original's 100,000,000-bit
// placeholder for unmetered clients.
func NewBandwidthPolicy(clock *timer.Service, window time.Duration, maxBitsPerWindow []int) *BandwidthPolicy {
	quota := make([]clientQuota, len(maxBitsPerWindow))
	for i, bits := range maxBitsPerWindow {
		maxBytes := bits / 8
		refill := rate.Limit(float64(maxBytes) / window.Seconds())
		quota[i] = clientQuota{limiter: rate.NewLimiter(refill, maxBytes)}
	}

	return &BandwidthPolicy{
		quota:  quota,
		window: window,
		clock:  clock,
		now:    time.Now,
	}
}

// ProcessTXReady implements Policy.
func (p *BandwidthPolicy) ProcessTXReady(m *Mux, sig *ring.Signals) {
	now := p.now()

	var enqueued uint32
	driverFreeNotify := false

	for idx := range m.clients {
		cl := &m.clients[idx]
		q := &p.quota[idx]

		for !cl.Pair.Used.Empty() && !m.driverPair.Used.Full() {
			peeked, ok := cl.Pair.Used.Peek()
			if !ok {
				break
			}
			if !q.limiter.AllowN(now, int(peeked.Len)) {
				break
			}

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

		if cl.Pair.Free.ReaderWakeupArmed() {
			driverFreeNotify = true
		}

		if !cl.Pair.Used.Empty() {
			if !q.pendingTimeout {
				p.clock.SetTimeout(cl.Channel, p.window)
				q.pendingTimeout = true
				cl.Pair.Used.ClearReaderWakeup()
			}
		} else {
			cl.Pair.Used.RequestReaderWakeup()
		}
	}

	if enqueued > 0 {
		sig.Add(m.driverChannel)
	}

	if driverFreeNotify {
		m.driverPair.Free.RequestReaderWakeup()
	} else {
		m.driverPair.Free.ClearReaderWakeup()
	}
}

// OnTimeout is called when this client's armed quota timer fires: it clears
// the pending-timeout flag and re-arms the client's used-ring notification
// so normal event-driven servicing resumes, mirroring notified(TIMER_CH) in
// the original (there hard-coded to client 1; here parameterized since the
// spec's policy applies uniformly to every metered client).
func (p *BandwidthPolicy) OnTimeout(m *Mux, clientIdx int) {
	p.quota[clientIdx].pendingTimeout = false
	m.clients[clientIdx].Pair.Used.RequestReaderWakeup()
}
