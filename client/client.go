// Client/driver contract
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package client implements the §4.7 contract a networking client (an IP
// stack plus its application sockets) must satisfy to plug into an RX/TX
// ring pair: draining received frames to its stack, transmitting with
// backpressure-aware queuing when the TX free ring runs dry, and
// registering its IP address with the ARP responder once it is known.
//
// There is no equivalent of this package in usbarmory-tamago, which never
// isolates an untrusted peer behind this kind of ring interface; it is
// modeled on the RxHandler func([]byte) callback convention
// soc/nxp/enet.ENET.Start uses to hand received frames to a caller, turned
// inside-out into the Stack interface below so the dependency direction
// matches the rest of this system: the client depends on the ring
// substrate, not the other way around.
package client

import (
	"errors"
	"log"
	"net"
	"os"
	"sync"

	"github.com/lucypa/sDDF/arp"
	"github.com/lucypa/sDDF/cache"
	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/ring"
)

// ErrTXQueueFull is returned by Transmit when the internal backpressure
// queue is already at its configured bound — the §7 "client's internal
// queue grows beyond its own bound" user-visible failure.
var ErrTXQueueFull = errors.New("client: internal tx queue full")

// Stack is the opaque collaborator an Endpoint hands received frames to.
// The real IP stack (lwIP) and its application sockets live out of scope
// entirely; Stack is the seam a real one plugs into.
type Stack interface {
	// Deliver hands one received Ethernet frame to the stack. frame is
	// only valid for the duration of the call; a Stack that needs to
	// retain it must copy.
	Deliver(frame []byte)
}

// StackFunc adapts a plain function to Stack.
type StackFunc func(frame []byte)

// Deliver implements Stack.
func (f StackFunc) Deliver(frame []byte) { f(frame) }

// Config wires an Endpoint to its ring pairs, pools and notification
// channels.
type Config struct {
	// Name identifies the client for logging.
	Name string
	// ClientID is this client's index into the RX mux's MAC table and
	// the TX mux's client list, and the ClientID an arp.Table
	// registration is recorded under.
	ClientID int

	// RXPair's Used ring carries frames classified to this client; its
	// Free ring returns emptied buffers upstream. RXPool is whichever
	// pool RXPair's descriptors are addressed in — the mux's shared pool
	// for a trusted pairing, or this client's own private pool when a
	// copyshim.Shim sits upstream.
	RXPair *ring.Pair
	RXPool *dma.Pool

	// TXPair's Free ring supplies empty buffers for outgoing frames; its
	// Used ring receives filled ones. TXPool is always this client's own
	// pool: the TX mux (or a copyshim.Shim) is responsible for getting a
	// transmitted buffer to wherever it needs to go next.
	TXPair *ring.Pair
	TXPool *dma.Pool
	// TXChannel notifies whoever drains TXPair.Used (the TX mux, or a
	// TX copyshim.Shim).
	TXChannel int

	Cache cache.Ops

	// Stack receives every frame this endpoint's RX side delivers. A nil
	// Stack silently drops incoming frames — a legitimate configuration
	// for, e.g., the ARP-only synthetic client in a test harness.
	Stack Stack

	// MaxQueuedTX bounds the internal backpressure queue Transmit falls
	// back to when TXPair.Free is empty. Zero means unbounded.
	MaxQueuedTX int

	Logger *log.Logger
}

// Endpoint is one client's RX/TX glue: the half of §4.7 that is the same
// for every client regardless of what IP stack sits behind Stack.
type Endpoint struct {
	cfg Config
	log *log.Logger

	mu      sync.Mutex
	pending [][]byte
}

// New builds an Endpoint from cfg — the §4.7 "Implement init to wire its
// pools and rings" step.
func New(cfg Config) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "client."+cfg.Name+": ", log.LstdFlags)
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Noop{}
	}

	return &Endpoint{cfg: cfg, log: logger}
}

// QueuedTX reports how many outgoing frames are currently waiting for TX
// free-ring space.
func (e *Endpoint) QueuedTX() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// HandleRXWakeup drains every frame currently on the RX used ring, invalidates
// its cache lines, delivers it to Stack, and returns the buffer to the RX
// free ring — the §4.7 "on wake on its RX channel" behaviour, using the
// same double-check idle loop every other component in this module uses.
func (e *Endpoint) HandleRXWakeup() {
	for {
		for !e.cfg.RXPair.Used.Empty() {
			desc, err := e.cfg.RXPair.DequeueUsed()
			if err != nil {
				break
			}

			e.cfg.Cache.Invalidate(cache.Range{Addr: desc.EncodedAddr, Len: desc.Len})

			frame, err := e.cfg.RXPool.Slot(desc.EncodedAddr)
			if err != nil {
				e.log.Printf("rx buffer outside pool: %v", err)
			} else if e.cfg.Stack != nil {
				e.cfg.Stack.Deliver(frame[:desc.Len])
			}

			desc.Len = e.cfg.RXPool.SlotSize()
			if err := e.cfg.RXPair.EnqueueFree(desc); err != nil {
				e.log.Printf("failed to return rx buffer: %v", err)
			}
		}

		e.cfg.RXPair.Used.RequestReaderWakeup()

		if !e.cfg.RXPair.Used.Empty() {
			e.cfg.RXPair.Used.ClearReaderWakeup()
			continue
		}

		break
	}
}

// Transmit implements the §4.7 "on wish-to-transmit" and "respect
// backpressure" behaviours: it copies payload into a free TX buffer,
// cleans its cache lines, and enqueues it, recording a delayed
// notification in sig. If no TX buffer is free it queues payload
// internally and arms TXPair.Free's reader wakeup instead of blocking, so a
// later HandleTXWakeup call drains it once space frees up.
func (e *Endpoint) Transmit(payload []byte, sig *ring.Signals) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) > 0 {
		return e.enqueuePendingLocked(payload)
	}

	desc, err := e.cfg.TXPair.DequeueFree()
	if err != nil {
		return e.enqueuePendingLocked(payload)
	}

	e.fillAndSend(desc, payload, sig)
	return nil
}

// HandleTXWakeup drains the internal backpressure queue built up by
// Transmit, the §4.7 "drain the internal queue when that wake fires"
// behaviour. It stops, re-arming TXPair.Free's reader wakeup, the moment
// the free ring runs out again.
func (e *Endpoint) HandleTXWakeup(sig *ring.Signals) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.pending) > 0 {
		desc, err := e.cfg.TXPair.DequeueFree()
		if err != nil {
			e.cfg.TXPair.Free.RequestReaderWakeup()
			return
		}

		payload := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]

		e.fillAndSend(desc, payload, sig)
	}
}

func (e *Endpoint) fillAndSend(desc ring.Descriptor, payload []byte, sig *ring.Signals) {
	buf, err := e.cfg.TXPool.Slot(desc.EncodedAddr)
	if err != nil {
		e.log.Printf("tx buffer outside pool: %v", err)
		return
	}

	n := copy(buf, payload)
	desc.Len = uint32(n)

	e.cfg.Cache.Clean(cache.Range{Addr: desc.EncodedAddr, Len: desc.Len})

	if err := e.cfg.TXPair.EnqueueUsed(desc); err != nil {
		e.log.Printf("failed to enqueue tx frame: %v", err)
		return
	}

	if e.cfg.TXPair.Used.TryNotifyReader() {
		sig.Add(e.cfg.TXChannel)
	}
}

func (e *Endpoint) enqueuePendingLocked(payload []byte) error {
	if e.cfg.MaxQueuedTX > 0 && len(e.pending) >= e.cfg.MaxQueuedTX {
		return ErrTXQueueFull
	}

	e.pending = append(e.pending, append([]byte(nil), payload...))
	e.cfg.TXPair.Free.RequestReaderWakeup()
	return nil
}

// RegisterIP implements the §4.6/§4.7 REG_IP protected call: it records
// this client's IP-to-MAC binding in table, labelled with this Endpoint's
// ClientID. Callers driving a real cross-protection-domain IPC transport
// instead of an in-process arp.Table reference should marshal mac with
// arp.EncodeMAC and send it as the call's arguments; table.Register (and
// arp.DecodeMAC on the receiving side) is what ends up applying it either
// way.
func (e *Endpoint) RegisterIP(table *arp.Table, ip net.IP, mac net.HardwareAddr) {
	table.Register(ip, mac, e.cfg.ClientID)
}
