// TX consolidation multiplexer
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package muxtx implements the TX multiplexer side of §4.5: it owns one
// ring pair per client plus the single ring pair to the NIC driver, returns
// completed transmits to the client that owns the buffer (classifying by
// which pool the physical address belongs to), and hands pending client
// packets to the driver according to a pluggable scheduling Policy — either
// strict priority (priority.go) or a per-client bandwidth cap (bandwidth.go).
//
// Grounded on original_source/echo_server/mux_tx_priority.c and
// mux_tx_bandwidth_limited.c, which share this same return-side
// classification and differ only in process_tx_ready's admission order.
package muxtx

import (
	"log"
	"os"

	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/ring"
)

// Client is one TX source the mux drains packets from.
type Client struct {
	Name    string
	Pool    *dma.Pool
	Pair    *ring.Pair
	Channel int
}

// Policy decides, each time it runs, how many packets from which clients to
// hand to the driver. Implementations mutate m's rings directly and record
// any wake-ups they produce in sig.
type Policy interface {
	ProcessTXReady(m *Mux, sig *ring.Signals)
}

// Config collects a Mux's wiring.
type Config struct {
	Clients []Client

	DriverPair    *ring.Pair
	DriverChannel int

	Policy Policy

	Logger *log.Logger
}

// Mux is the TX multiplexer.
type Mux struct {
	clients       []Client
	driverPair    *ring.Pair
	driverChannel int
	policy        Policy
	log           *log.Logger
}

// New builds a Mux from cfg.
func New(cfg Config) *Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "muxtx: ", log.LstdFlags)
	}

	return &Mux{
		clients:       cfg.Clients,
		driverPair:    cfg.DriverPair,
		driverChannel: cfg.DriverChannel,
		policy:        cfg.Policy,
		log:           logger,
	}
}

func (m *Mux) classifyPhys(phys uint64) (int, bool) {
	for i, c := range m.clients {
		if c.Pool.ContainsPhys(phys) {
			return i, true
		}
	}
	return 0, false
}

// ProcessTXComplete drains every buffer the driver has finished
// transmitting, translates it back to the owning client's virtual address,
// and returns it to that client's free ring — notifying the client only if
// its free ring had been empty, matching process_tx_complete's notify
// bitmap exactly. A completed buffer whose physical address belongs to no
// configured client is the §7 "address out of pool" fatal condition: the
// original asserts, so this panics rather than silently dropping it.
func (m *Mux) ProcessTXComplete(sig *ring.Signals) {
	for !m.driverPair.Free.Empty() {
		desc, err := m.driverPair.DequeueFree()
		if err != nil {
			break
		}

		idx, ok := m.classifyPhys(desc.EncodedAddr)
		if !ok {
			panic("muxtx: completed buffer out of range of every client pool")
		}

		virt, ok := m.clients[idx].Pool.ToVirt(desc.EncodedAddr)
		if !ok {
			panic("muxtx: completed buffer out of range of every client pool")
		}
		desc.EncodedAddr = virt

		wasEmpty := m.clients[idx].Pair.Free.Empty()

		if err := m.clients[idx].Pair.EnqueueFree(desc); err != nil {
			m.log.Printf("failed to return buffer to client %q: %v", m.clients[idx].Name, err)
			continue
		}

		if wasEmpty {
			sig.Add(m.clients[idx].Channel)
		}
	}
}

// ProcessTXReady defers to the configured scheduling Policy.
func (m *Mux) ProcessTXReady(sig *ring.Signals) {
	m.policy.ProcessTXReady(m, sig)
}
