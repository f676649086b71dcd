// RX fan-out multiplexer
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package muxrx implements the RX multiplexer described in §4.3: it owns
// the single ring pair connecting to the NIC driver, classifies each
// received frame by destination MAC address, and fans it out onto the
// matching client's used ring — or returns the buffer to the driver
// unclaimed when no client matches or that client's ring is full.
//
// This is a direct generalization of original_source/echo_server/mux_rx.c's
// process_rx_complete/process_rx_free, replacing its hard-coded
// three-client array and notify-bitmap loop with a slice of clients and a
// ring.Signals value, and its raw seL4_ARM_VSpace_Invalidate_Data call with
// the cache.Ops capability.
package muxrx

import (
	"log"
	"os"

	"github.com/lucypa/sDDF/cache"
	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/ring"
)

const ethernetMTU = 1500

// Client is one RX destination the mux can fan a frame out to.
type Client struct {
	// Name identifies the client for logging.
	Name string
	// MAC is the destination address this client receives frames for.
	MAC [6]byte
	// Pair is the mux's ring pair with this client: Used carries frames
	// to the client, Free carries emptied buffers back.
	Pair *ring.Pair
	// Channel is the notification channel identifier used when a frame is
	// enqueued on this client's used ring while the client has its reader
	// wake-up armed.
	Channel int
}

// Config collects a Mux's wiring.
type Config struct {
	Clients []Client

	// DriverPair is the mux's ring pair with the NIC driver: Used
	// carries received frames from the driver, Free returns emptied
	// buffers to it.
	DriverPair *ring.Pair
	// DriverChannel notifies the driver that its free ring has room, or
	// that it should look again once its used ring drains.
	DriverChannel int

	Pool  *dma.Pool
	Cache cache.Ops

	// BroadcastClient, if set, names the index into Clients that receives
	// any frame whose destination MAC matches none of the configured
	// clients exactly — generalizing the C original's hard-coded all-FF
	// broadcast entry into a configurable catch-all policy (an Open
	// Question in the distilled spec, resolved here). When nil, such
	// frames (broadcasts included) are returned to the driver and counted
	// as dropped; frames are never replicated to several clients.
	BroadcastClient *int

	Logger *log.Logger
}

// Mux is the RX multiplexer.
type Mux struct {
	clients         []Client
	driverPair      *ring.Pair
	driverChannel   int
	pool            *dma.Pool
	cache           cache.Ops
	broadcastClient *int
	log             *log.Logger

	dropped uint64
}

// Stats reports the mux's observable counters.
type Stats struct {
	Dropped uint64
}

// New builds a Mux from cfg.
func New(cfg Config) *Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "muxrx: ", log.LstdFlags)
	}
	c := cfg.Cache
	if c == nil {
		c = cache.Noop{}
	}

	return &Mux{
		clients:         cfg.Clients,
		driverPair:      cfg.DriverPair,
		driverChannel:   cfg.DriverChannel,
		pool:            cfg.Pool,
		cache:           c,
		broadcastClient: cfg.BroadcastClient,
		log:             logger,
	}
}

// Stats returns a snapshot of the mux's observable counters.
func (m *Mux) Stats() Stats {
	return Stats{Dropped: m.dropped}
}

func (m *Mux) classify(dest [6]byte) (int, bool) {
	for i, c := range m.clients {
		if c.MAC == dest {
			return i, true
		}
	}
	if m.broadcastClient != nil {
		return *m.broadcastClient, true
	}
	return 0, false
}

func destMAC(frame []byte) (mac [6]byte, ok bool) {
	if len(frame) < 6 {
		return mac, false
	}
	copy(mac[:], frame[:6])
	return mac, true
}

// ProcessRXComplete drains every frame the driver has made available,
// classifies it by destination MAC, and either enqueues it onto the
// matching client's used ring or returns the buffer to the driver's free
// ring unclaimed, mirroring process_rx_complete's drop/notify bookkeeping
// exactly: the driver is re-armed for notification, the used ring is
// re-checked once more before the loop actually exits (the §4.1
// double-check), and every client that received a frame while its reader
// wake-up was armed is recorded in sig exactly once.
func (m *Mux) ProcessRXComplete(sig *ring.Signals) {
	m.dropped = 0

	for {
		for !m.driverPair.Used.Empty() {
			desc, err := m.driverPair.DequeueUsed()
			if err != nil {
				break
			}

			m.cache.Invalidate(cache.Range{Addr: desc.EncodedAddr, Len: ethernetMTU})

			// desc arrives physically addressed — the driver only ever
			// sees physical addresses — so translate to this pool's
			// virtual view before reading its contents or handing it to
			// a client, both of which address the pool virtually.
			phys := desc.EncodedAddr
			virt, ok := m.pool.ToVirt(phys)
			if !ok {
				m.log.Printf("frame buffer outside pool: %#x", phys)
				continue
			}
			desc.EncodedAddr = virt

			frame, err := m.pool.Slot(virt)
			if err != nil {
				m.log.Printf("frame buffer outside pool: %v", err)
				continue
			}

			mac, ok := destMAC(frame[:desc.Len])
			client, matched := -1, false
			if ok {
				client, matched = m.classify(mac)
			}

			if matched && !m.clients[client].Pair.Used.Full() {
				if err := m.clients[client].Pair.EnqueueUsed(desc); err != nil {
					m.log.Printf("failed to enqueue onto client %q used ring: %v", m.clients[client].Name, err)
					continue
				}
				if m.clients[client].Pair.Used.TryNotifyReader() {
					sig.Add(m.clients[client].Channel)
				}
				continue
			}

			// not ours, or the client's ring is full: hand the buffer
			// straight back to the driver, translated back to the
			// physical address it arrived with so the driver's free
			// ring stays uniformly physical, matching the client
			// free-return path in ProcessRXFree below.
			desc.EncodedAddr = phys
			if err := m.driverPair.EnqueueFree(desc); err != nil {
				m.log.Printf("failed to return unclaimed buffer to driver: %v", err)
			}
			m.dropped++
		}

		m.driverPair.Used.RequestReaderWakeup()

		if !m.driverPair.Used.Empty() {
			m.driverPair.Used.ClearReaderWakeup()
			continue
		}

		break
	}
}

// ProcessRXFree drains every client's free ring into the driver's free
// ring, mirroring process_rx_free's per-client double-check loop and its
// delayed, coalesced driver notification: the driver is only woken once,
// and only if something was actually enqueued or dropped since the driver
// might have emptied its free ring concurrently and missed the transition.
func (m *Mux) ProcessRXFree(sig *ring.Signals) {
	var enqueued uint32

	for i := range m.clients {
		cl := &m.clients[i]

		for {
			for !cl.Pair.Free.Empty() && !m.driverPair.Free.Full() {
				desc, err := cl.Pair.DequeueFree()
				if err != nil {
					break
				}

				phys, ok := m.pool.ToPhys(desc.EncodedAddr)
				if !ok {
					m.log.Printf("client %q returned buffer outside pool", cl.Name)
					continue
				}
				desc.EncodedAddr = phys

				if err := m.driverPair.EnqueueFree(desc); err != nil {
					m.log.Printf("failed to return buffer to driver: %v", err)
					continue
				}
				enqueued++
			}

			cl.Pair.Free.RequestReaderWakeup()

			if cl.Pair.Free.Empty() || m.driverPair.Free.Full() {
				break
			}

			cl.Pair.Free.ClearReaderWakeup()
		}
	}

	if (enqueued > 0 || m.dropped > 0) && m.driverPair.Free.TryNotifyReader() {
		sig.Add(m.driverChannel)
	}
}
