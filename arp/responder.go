// ARP request/reply responder
// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package arp implements the ARP responder described in §4.6: a table of
// registered client IPv4 addresses and the reply logic that answers ARP
// requests on their behalf without ever handing an untrusted client a
// received frame directly.
//
// This is a direct generalization of original_source/echo_server/arp.c's
// process_rx_complete/arp_reply/match_arp_to_client, replacing its
// hardcoded two-client init() table with Table (filled in by REG_IP
// registrations) and its raw seL4_ARM_VSpace_Clean_Data call with the
// cache.Ops capability. Frame parsing and the reply's Ethernet/ARP header
// are built with gopacket/layers rather than hand-indexing a packed
// struct; the original's 10-byte pad and trailing checksum word, which sit
// outside the Ethernet/ARP header gopacket knows about, are appended to
// the serialized layers by hand to keep the wire-exact 56-byte frame the
// original enqueues.
package arp

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/lucypa/sDDF/cache"
	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/ring"
)

const (
	// arpHeaderSize is the wire length of an Ethernet header followed by
	// an IPv4 ARP payload: 14 + 28 bytes. arp_reply's checksum runs over
	// exactly this many bytes.
	arpHeaderSize = 42
	paddingSize   = 10
	crcSize       = 4
	// frameSize is the length arp_reply enqueues onto the TX used ring:
	// the header plus the padding and checksum trailer, 56 bytes total.
	frameSize = arpHeaderSize + paddingSize + crcSize
	// cacheCleanRange is wider than frameSize, matching arp_reply's
	// cleanCache(reply, reply+64) call.
	cacheCleanRange = 64
)

// Config wires a Responder to its RX/TX ring pairs and pools.
type Config struct {
	// RXPair's Used ring carries frames the NIC driver (or an upstream
	// mux) has classified as belonging to this responder; its Free ring
	// returns the buffer once examined, whether or not it was an ARP
	// request.
	RXPair *ring.Pair
	RXPool *dma.Pool

	// TXPair's Free ring supplies an empty buffer for a reply; its Used
	// ring receives the serialized reply frame.
	TXPair *ring.Pair
	TXPool *dma.Pool
	// TXChannel notifies whoever drains TXPair.Used (the TX mux).
	TXChannel int

	Table *Table
	Cache cache.Ops

	Logger *log.Logger
}

// Responder answers ARP requests for every IPv4 address registered in its
// Table.
type Responder struct {
	rxPair *ring.Pair
	rxPool *dma.Pool

	txPair    *ring.Pair
	txPool    *dma.Pool
	txChannel int

	table *Table
	cache cache.Ops
	log   *log.Logger
}

// New builds a Responder from cfg.
func New(cfg Config) *Responder {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "arp: ", log.LstdFlags)
	}
	c := cfg.Cache
	if c == nil {
		c = cache.Noop{}
	}
	table := cfg.Table
	if table == nil {
		table = NewTable()
	}

	return &Responder{
		rxPair:    cfg.RXPair,
		rxPool:    cfg.RXPool,
		txPair:    cfg.TXPair,
		txPool:    cfg.TXPool,
		txChannel: cfg.TXChannel,
		table:     table,
		cache:     c,
		log:       logger,
	}
}

// Table returns the registration table this responder answers from.
func (r *Responder) Table() *Table {
	return r.table
}

type arpRequest struct {
	srcMAC net.HardwareAddr
	srcIP  net.IP
	dstIP  net.IP
}

func parseARPRequest(frame []byte) (arpRequest, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return arpRequest{}, false
	}

	a, ok := arpLayer.(*layers.ARP)
	if !ok || a.Operation != layers.ARPRequest {
		return arpRequest{}, false
	}

	return arpRequest{
		srcMAC: append(net.HardwareAddr(nil), a.SourceHwAddress...),
		srcIP:  append(net.IP(nil), a.SourceProtAddress...),
		dstIP:  append(net.IP(nil), a.DstProtAddress...),
	}, true
}

// ProcessRXComplete examines every frame the driver (or an upstream mux)
// has handed this responder, replies to any ARP request addressed to a
// registered client, and always returns the buffer to the RX free ring
// regardless of whether it was ARP traffic at all — matching
// process_rx_complete's unconditional enqueue_free. The TX mux is
// notified once, and only if at least one reply was actually queued.
func (r *Responder) ProcessRXComplete(sig *ring.Signals) {
	var transmitted uint32

	for {
		for !r.rxPair.Used.Empty() && !r.rxPair.Free.Full() {
			desc, err := r.rxPair.DequeueUsed()
			if err != nil {
				break
			}

			r.cache.Invalidate(cache.Range{Addr: desc.EncodedAddr, Len: desc.Len})

			frame, err := r.rxPool.Slot(desc.EncodedAddr)
			if err != nil {
				r.log.Printf("rx buffer outside pool: %v", err)
			} else if req, ok := parseARPRequest(frame[:desc.Len]); ok {
				if entry, ok := r.table.Lookup(req.dstIP); ok {
					if err := r.reply(entry, req); err != nil {
						r.log.Printf("failed to send reply: %v", err)
					} else {
						transmitted++
					}
				}
			}

			desc.Len = r.rxPool.SlotSize()
			if err := r.rxPair.EnqueueFree(desc); err != nil {
				r.log.Printf("failed to return rx buffer: %v", err)
			}
		}

		r.rxPair.Used.RequestReaderWakeup()

		if !r.rxPair.Used.Empty() && !r.rxPair.Free.Full() {
			r.rxPair.Used.ClearReaderWakeup()
			continue
		}

		break
	}

	if transmitted > 0 && r.txPair.Used.TryNotifyReader() {
		sig.Add(r.txChannel)
	}
}

// reply is arp_reply: it builds the Ethernet+ARP reply header with entry's
// MAC as both the Ethernet source and the ARP sender hardware address,
// appends the original's 10-byte pad and checksum trailer, and enqueues
// the 56-byte frame onto the TX used ring.
func (r *Responder) reply(entry Entry, req arpRequest) error {
	desc, err := r.txPair.DequeueFree()
	if err != nil {
		return err
	}

	buf, err := r.txPool.Slot(desc.EncodedAddr)
	if err != nil {
		return err
	}
	if uint32(len(buf)) < frameSize {
		return fmt.Errorf("arp: tx buffer smaller than reply frame")
	}

	eth := &layers.Ethernet{
		SrcMAC:       entry.MAC,
		DstMAC:       req.srcMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   entry.MAC,
		SourceProtAddress: req.dstIP.To4(),
		DstHwAddress:      req.srcMAC,
		DstProtAddress:    req.srcIP.To4(),
	}

	sb := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{}, eth, reply); err != nil {
		return err
	}

	// gopacket pads a serialized Ethernet frame out to the 60-byte minimum;
	// keep only the 42-byte Ethernet+ARP header so the trailer follows it.
	wire := sb.Bytes()
	n := copy(buf, wire[:arpHeaderSize])
	for i := n; i < n+paddingSize; i++ {
		buf[i] = 0
	}

	checksum := InetChecksum(buf[:arpHeaderSize])
	binary.BigEndian.PutUint32(buf[n+paddingSize:n+paddingSize+crcSize], uint32(checksum))

	r.cache.Clean(cache.Range{Addr: desc.EncodedAddr, Len: cacheCleanRange})

	desc.Len = frameSize
	return r.txPair.EnqueueUsed(desc)
}
