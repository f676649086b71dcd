// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/lucypa/sDDF/dma"
	"github.com/lucypa/sDDF/ring"
)

func buildRequest(t *testing.T, srcMAC, dstMAC net.HardwareAddr, senderIP, targetIP net.IP) []byte {
	t.Helper()

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeARP}
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
	require.NoError(t, gopacket.SerializeLayers(sb, gopacket.SerializeOptions{}, eth, req))
	return sb.Bytes()
}

func newTestResponder(t *testing.T) (*Responder, *dma.Pool, *ring.Pair, *ring.Pair) {
	t.Helper()

	pool := dma.NewPool("arp", 2048, 8, 0x4000_0000, 0x4000_0000)
	rxPair := ring.NewPair(4)
	txPair := ring.NewPair(4)

	r := New(Config{
		RXPair:    rxPair,
		RXPool:    pool,
		TXPair:    txPair,
		TXPool:    pool,
		TXChannel: 9,
	})

	return r, pool, rxPair, txPair
}

func TestARPRequestReplyRoundTrip(t *testing.T) {
	r, pool, rxPair, txPair := newTestResponder(t)

	registeredMAC := net.HardwareAddr{0x52, 0x54, 0x01, 0x00, 0x00, 0x00}
	r.Table().Register(net.ParseIP("10.0.0.2"), registeredMAC, 0)

	requesterMAC := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	frame := buildRequest(t, requesterMAC, net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"))

	rxDesc, err := pool.Alloc()
	require.NoError(t, err)
	buf, err := pool.Slot(rxDesc.EncodedAddr)
	require.NoError(t, err)
	copy(buf, frame)
	rxDesc.Len = uint32(len(frame))
	require.NoError(t, rxPair.EnqueueUsed(rxDesc))

	txFreeDesc, err := pool.Alloc()
	require.NoError(t, err)
	require.NoError(t, txPair.EnqueueFree(txFreeDesc))

	// the TX mux has gone idle on its used ring and asked to be woken.
	txPair.Used.RequestReaderWakeup()

	var sig ring.Signals
	r.ProcessRXComplete(&sig)

	// the rx buffer always comes back, whether or not it carried ARP traffic.
	_, err = rxPair.DequeueFree()
	require.NoError(t, err)

	out, err := txPair.DequeueUsed()
	require.NoError(t, err)
	require.Equal(t, uint32(frameSize), out.Len)

	reply, err := pool.Slot(out.EncodedAddr)
	require.NoError(t, err)
	reply = reply[:frameSize]

	pkt := gopacket.NewPacket(reply, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.Equal(t, requesterMAC, eth.DstMAC)
	require.Equal(t, registeredMAC, eth.SrcMAC)

	a := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.Equal(t, uint16(layers.ARPReply), a.Operation)
	require.Equal(t, net.ParseIP("10.0.0.2").To4(), net.IP(a.SourceProtAddress))
	require.Equal(t, registeredMAC, net.HardwareAddr(a.SourceHwAddress))
	require.Equal(t, net.ParseIP("10.0.0.1").To4(), net.IP(a.DstProtAddress))
	require.Equal(t, requesterMAC, net.HardwareAddr(a.DstHwAddress))

	// 10 bytes of zero padding precede the trailing checksum word.
	require.Equal(t, make([]byte, paddingSize), reply[arpHeaderSize:arpHeaderSize+paddingSize])

	checksum := binary.BigEndian.Uint32(reply[arpHeaderSize+paddingSize:])
	require.Equal(t, uint32(InetChecksum(reply[:arpHeaderSize])), checksum)

	require.False(t, sig.Empty())
}

func TestARPNoReplyForUnregisteredTarget(t *testing.T) {
	r, pool, rxPair, txPair := newTestResponder(t)

	frame := buildRequest(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.9"))

	d, err := pool.Alloc()
	require.NoError(t, err)
	buf, err := pool.Slot(d.EncodedAddr)
	require.NoError(t, err)
	copy(buf, frame)
	d.Len = uint32(len(frame))
	require.NoError(t, rxPair.EnqueueUsed(d))

	var sig ring.Signals
	r.ProcessRXComplete(&sig)

	require.True(t, txPair.Used.Empty())
	require.True(t, sig.Empty())

	_, err = rxPair.DequeueFree()
	require.NoError(t, err)
}

func TestARPNoTXBufferDropsReplySilently(t *testing.T) {
	r, pool, rxPair, _ := newTestResponder(t)

	r.Table().Register(net.ParseIP("10.0.0.2"), net.HardwareAddr{0x52, 0x54, 1, 0, 0, 0}, 0)

	frame := buildRequest(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"))

	d, err := pool.Alloc()
	require.NoError(t, err)
	buf, err := pool.Slot(d.EncodedAddr)
	require.NoError(t, err)
	copy(buf, frame)
	d.Len = uint32(len(frame))
	require.NoError(t, rxPair.EnqueueUsed(d))

	// no buffer on txPair.Free: the reply is silently dropped, not fatal.
	var sig ring.Signals
	require.NotPanics(t, func() { r.ProcessRXComplete(&sig) })
	require.True(t, sig.Empty())
}

func TestEncodeDecodeMACRoundTrip(t *testing.T) {
	mac := net.HardwareAddr{0x52, 0x54, 0x01, 0x02, 0x03, 0x04}
	lower, higher := EncodeMAC(mac)
	require.Equal(t, mac, DecodeMAC(lower, higher))
}

func TestInetChecksumZeroForSelfComplementingData(t *testing.T) {
	// a two-byte buffer of 0xff,0xff sums to 0xffff whose ones'-complement
	// is zero: a minimal sanity check on the checksum's complement step.
	require.Equal(t, uint16(0), InetChecksum([]byte{0xff, 0xff}))
}
