// Wiring demo for the sDDF data-plane core
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command echodemo wires every component this module implements into one
// running pipeline and drives it through an ARP exchange, multi-client RX
// fan-out, and bandwidth-limited TX scenario, the way usbarmory-tamago's
// board files and example/ programs wire a concrete ENET/virtio instance
// together and run it. Real NIC register-level setup and PHY bring-up are
// out of scope, so in place of a concrete Family driving real hardware this
// demo plays the
// role the NIC driver's adjacent peer would: it enqueues frames directly
// onto the "driver" side of the ring substrate the way nic.Driver's
// RefillRX/ReapRX loop would, and drains what the TX mux hands back the way
// nic.Driver's SendTX/ReapTX loop would. nic.Driver itself, and the two
// descriptor families it runs over, are exercised by nic's own tests
// instead.
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/lucypa/sDDF/arp"
	"github.com/lucypa/sDDF/cache"
	"github.com/lucypa/sDDF/client"
	"github.com/lucypa/sDDF/copyshim"
	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/muxrx"
	"github.com/lucypa/sDDF/muxtx"
	"github.com/lucypa/sDDF/ring"
	"github.com/lucypa/sDDF/timer"
)

// Notification channel identifiers. In a real deployment these are
// microkernel channel badges; here they are just map keys the demo's own
// dispatch loop uses to decide which component to re-run after Signals.Flush.
const (
	chDriverRX = iota
	chDriverTX
	chClient0
	chClient1Mux // mux-side of client1's copy shims
	chClient1
	chARP
)

func macArray(mac net.HardwareAddr) [6]byte {
	var a [6]byte
	copy(a[:], mac)
	return a
}

func buildARPRequest(srcMAC net.HardwareAddr, senderIP, targetIP net.IP) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: senderIP.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    targetIP.To4(),
	}

	sb := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{}, eth, req); err != nil {
		log.Fatalf("echodemo: failed to build arp request: %v", err)
	}
	return sb.Bytes()
}

// buildDataFrame makes a minimal Ethernet II frame carrying an opaque
// payload, standing in for whatever IPv4/IPv6 traffic a real lwIP instance
// would hand down: IPv4 and above pass through to the client unchanged,
// only ARP is interpreted in the core.
func buildDataFrame(src, dst net.HardwareAddr, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dst)
	copy(frame[6:12], src)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	copy(frame[14:], payload)
	return frame
}

// pipeline bundles the whole wiring so the scenario functions below can
// drive each component's event handler directly, the way a real deployment
// would drive them from the microkernel's notification dispatch loop.
type pipeline struct {
	driverPool *dma.Pool
	client1Pool *dma.Pool

	rxDriverPair *ring.Pair
	txDriverPair *ring.Pair

	rxmux *muxrx.Mux
	txmux *muxtx.Mux
	resp  *arp.Responder

	rxShim1 *copyshim.Shim
	txShim1 *copyshim.Shim

	ep0 *client.Endpoint
	ep1 *client.Endpoint

	table *arp.Table

	sig ring.Signals
}

func build() *pipeline {
	driverPool := dma.NewPool("driver", 2048, 512, 0x1000_0000, 0x9000_0000)
	client1Pool := dma.NewPool("client1", 2048, 512, 0x2000_0000, 0x2000_0000)

	mac0 := net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x00}
	mac1 := net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
	macARP := net.HardwareAddr{0x52, 0x54, 0x01, 0x00, 0x00, 0x00}

	rxDriverPair := ring.NewPair(512)
	txDriverPair := ring.NewPair(512)

	// client0 is a trusted peer: it shares the mux's buffer pool directly,
	// no copy shim.
	rxClient0Pair := ring.NewPair(512)
	txClient0Pair := ring.NewPair(512)

	// client1 is untrusted: its RX and TX paths each cross a copyshim.Shim
	// into its own private pool.
	rxClient1MuxPair := ring.NewPair(512)
	rxClient1Pair := ring.NewPair(512)
	txClient1Pair := ring.NewPair(512)
	txClient1MuxPair := ring.NewPair(512)

	rxARPPair := ring.NewPair(512)
	txARPPair := ring.NewPair(512)

	rxmux := muxrx.New(muxrx.Config{
		Clients: []muxrx.Client{
			{Name: "client0", MAC: macArray(mac0), Pair: rxClient0Pair, Channel: chClient0},
			{Name: "client1", MAC: macArray(mac1), Pair: rxClient1MuxPair, Channel: chClient1Mux},
			{Name: "arp", MAC: macArray(macARP), Pair: rxARPPair, Channel: chARP},
		},
		DriverPair:    rxDriverPair,
		DriverChannel: chDriverRX,
		Pool:          driverPool,
		Cache:         cache.Noop{},
	})

	txmux := muxtx.New(muxtx.Config{
		Clients: []muxtx.Client{
			{Name: "client0", Pool: driverPool, Pair: txClient0Pair, Channel: chClient0},
			{Name: "client1", Pool: driverPool, Pair: txClient1MuxPair, Channel: chClient1Mux},
			{Name: "arp", Pool: driverPool, Pair: txARPPair, Channel: chARP},
		},
		DriverPair:    txDriverPair,
		DriverChannel: chDriverTX,
		Policy:        muxtx.NewPriorityPolicy([]int{2, 0, 1}),
	})

	table := arp.NewTable()
	resp := arp.New(arp.Config{
		RXPair:    rxARPPair,
		RXPool:    driverPool,
		TXPair:    txARPPair,
		TXPool:    driverPool,
		TXChannel: chARP,
		Table:     table,
	})

	rxShim1 := copyshim.New(copyshim.Config{
		SourcePair:    rxClient1MuxPair,
		SourcePool:    driverPool,
		DestPair:      rxClient1Pair,
		DestPool:      client1Pool,
		SourceChannel: chClient1Mux,
		DestChannel:   chClient1,
	})

	txShim1 := copyshim.New(copyshim.Config{
		SourcePair:    txClient1Pair,
		SourcePool:    client1Pool,
		DestPair:      txClient1MuxPair,
		DestPool:      driverPool,
		SourceChannel: chClient1,
		DestChannel:   chClient1Mux,
	})

	p := &pipeline{
		driverPool: driverPool, client1Pool: client1Pool,
		rxDriverPair: rxDriverPair, txDriverPair: txDriverPair,
		rxmux: rxmux, txmux: txmux, resp: resp,
		rxShim1: rxShim1, txShim1: txShim1,
		table: table,
	}

	// stacks echo every delivered frame straight back out their own TX
	// side, standing in for the echo application sockets that motivate
	// this system but live out of scope themselves. Each closes over p so
	// it can reach its own Endpoint and the shared Signals accumulator
	// once both exist.
	stack0 := client.StackFunc(func(frame []byte) {
		log.Printf("client0: delivered %d bytes, echoing", len(frame))
		if err := p.ep0.Transmit(frame, &p.sig); err != nil {
			log.Printf("client0: echo dropped: %v", err)
		}
	})
	stack1 := client.StackFunc(func(frame []byte) {
		log.Printf("client1: delivered %d bytes, echoing", len(frame))
		if err := p.ep1.Transmit(frame, &p.sig); err != nil {
			log.Printf("client1: echo dropped: %v", err)
		}
	})

	p.ep0 = client.New(client.Config{
		Name: "client0", ClientID: 0,
		RXPair: rxClient0Pair, RXPool: driverPool,
		TXPair: txClient0Pair, TXPool: driverPool,
		TXChannel: chClient0, Stack: stack0,
	})
	p.ep1 = client.New(client.Config{
		Name: "client1", ClientID: 1,
		RXPair: rxClient1Pair, RXPool: client1Pool,
		TXPair: txClient1Pair, TXPool: client1Pool,
		TXChannel: chClient1, Stack: stack1,
	})

	p.ep0.RegisterIP(table, net.ParseIP("10.0.0.2"), mac0)
	p.ep1.RegisterIP(table, net.ParseIP("10.0.0.3"), mac1)
	table.Register(net.ParseIP("10.0.0.9"), macARP, 2)

	return p
}

// driverGiveRX simulates the NIC driver handing a received frame to the RX
// mux: it writes frame into a fresh driver-pool buffer and enqueues it on
// the driver's used ring, exactly what nic.Driver.ReapRX publishes after a
// real reception.
func (p *pipeline) driverGiveRX(frame []byte) {
	d, err := p.driverPool.Alloc()
	if err != nil {
		log.Fatalf("echodemo: driver pool exhausted: %v", err)
	}
	buf, err := p.driverPool.Slot(d.EncodedAddr)
	if err != nil {
		log.Fatalf("echodemo: %v", err)
	}
	copy(buf, frame)
	d.Len = uint32(len(frame))

	// a real driver only ever publishes physical addresses to the mux.
	phys, ok := p.driverPool.ToPhys(d.EncodedAddr)
	if !ok {
		log.Fatalf("echodemo: driver pool allocation outside its own pool")
	}
	d.EncodedAddr = phys

	if err := p.rxDriverPair.EnqueueUsed(d); err != nil {
		log.Fatalf("echodemo: driver rx ring full: %v", err)
	}
}

// driverProvideTXFree simulates the driver topping up every client's worth
// of free TX buffers, matching nic.Driver.RefillRX's upstream counterpart
// on the TX side: completed sends return here via ReapTX, fresh capacity is
// handed out the same way.
func (p *pipeline) driverProvideTXFree() {
	for !p.txDriverPair.Free.Full() {
		d, err := p.driverPool.Alloc()
		if err != nil {
			return
		}

		// the TX mux classifies completed buffers by physical address
		// (muxtx.Mux.classifyPhys), so the driver's free ring must carry
		// physical addresses just like its used ring does.
		phys, ok := p.driverPool.ToPhys(d.EncodedAddr)
		if !ok {
			log.Fatalf("echodemo: driver pool allocation outside its own pool")
		}
		d.EncodedAddr = phys

		if err := p.txDriverPair.EnqueueFree(d); err != nil {
			return
		}
	}
}

// driverDrainTX simulates nic.Driver.SendTX/ReapTX: it prints and discards
// every frame the TX mux handed the driver, then immediately returns the
// buffer to circulation via the driver's free ring so the TX mux can
// reclaim it for the owning client.
func (p *pipeline) driverDrainTX() {
	for {
		d, err := p.txDriverPair.DequeueUsed()
		if err != nil {
			return
		}

		// the TX mux handed this descriptor over physically addressed;
		// translate back to read it, but leave d itself physical since
		// that is what the driver's free ring carries.
		if virt, ok := p.driverPool.ToVirt(d.EncodedAddr); ok {
			if buf, err := p.driverPool.Slot(virt); err == nil {
				log.Printf("driver: transmitted %d bytes", d.Len)
				_ = buf
			}
		}

		if err := p.txDriverPair.EnqueueFree(d); err != nil {
			log.Fatalf("echodemo: %v", err)
		}
	}
}

// runOnce drives every component's event handler exactly once, in the
// order a real dispatch loop would after a burst of driver activity:
// RX fan-out and free-return, the RX copy shim, both client RX wakeups, the
// ARP responder, the TX copy shim, and the TX mux's scheduling policy.
func (p *pipeline) runOnce() {
	p.rxmux.ProcessRXComplete(&p.sig)
	p.rxmux.ProcessRXFree(&p.sig)
	p.rxShim1.Process(&p.sig)
	p.ep0.HandleRXWakeup()
	p.ep1.HandleRXWakeup()
	p.resp.ProcessRXComplete(&p.sig)
	p.txShim1.Process(&p.sig)
	p.txmux.ProcessTXReady(&p.sig)
	p.txmux.ProcessTXComplete(&p.sig)
	p.driverDrainTX()

	p.sig.Flush(ring.NotifierFunc(func(ch int) {
		log.Printf("echodemo: notify channel %d", ch)
	}))
}

func runARPScenario(p *pipeline) {
	fmt.Println("--- ARP request/reply ---")
	requester := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	frame := buildARPRequest(requester, net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"))

	p.driverGiveRX(frame)
	p.runOnce()
}

func runFanoutScenario(p *pipeline) {
	fmt.Println("--- RX fan-out + client echo ---")
	p.driverProvideTXFree()

	mac0 := net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x00}
	mac1 := net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
	peer := net.HardwareAddr{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}

	p.driverGiveRX(buildDataFrame(peer, mac1, []byte("hello client1")))
	p.driverGiveRX(buildDataFrame(peer, mac0, []byte("hello client0")))
	p.runOnce()
}

func runBandwidthScenario() {
	fmt.Println("--- bandwidth-limited TX policy ---")

	clock := timer.New(ring.NotifierFunc(func(ch int) {
		log.Printf("bandwidth demo: timer fired for client %d", ch)
	}))

	pool := dma.NewPool("bw-client", 2048, 16, 0x5000_0000, 0x5000_0000)
	driverPair := ring.NewPair(16)
	clientPair := ring.NewPair(16)

	policy := muxtx.NewBandwidthPolicy(clock, 10*time.Millisecond, []int{8000})
	m := muxtx.New(muxtx.Config{
		Clients:       []muxtx.Client{{Name: "c0", Pool: pool, Pair: clientPair, Channel: 0}},
		DriverPair:    driverPair,
		DriverChannel: 1,
		Policy:        policy,
	})

	for i := 0; i < 10; i++ {
		d, err := pool.Alloc()
		if err != nil {
			log.Fatalf("echodemo: %v", err)
		}
		d.Len = 125 // 1000 bits
		if err := clientPair.EnqueueUsed(d); err != nil {
			log.Fatalf("echodemo: %v", err)
		}
	}

	var sig ring.Signals
	m.ProcessTXReady(&sig)
	log.Printf("bandwidth demo: %d of 10 frames admitted this window", driverPair.Used.Used())
}

func main() {
	p := build()

	runARPScenario(p)
	runFanoutScenario(p)
	runBandwidthScenario()
}
