// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arp

import (
	"net"
	"sync"
)

// Entry is one client's registered IPv4 identity.
type Entry struct {
	MAC      net.HardwareAddr
	ClientID int
}

// Table maps registered IPv4 addresses to the client that owns them,
// generalizing the original's fixed-size ipv4_addrs[NUM_CLIENTS]/
// mac_addrs[NUM_CLIENTS][6] arrays and match_arp_to_client's linear scan
// into a map keyed by the address, filled in by REG_IP registrations
// instead of init()'s two hardcoded clients.
type Table struct {
	mu  sync.RWMutex
	ips map[[4]byte]Entry
}

// NewTable returns an empty registration table.
func NewTable() *Table {
	return &Table{ips: make(map[[4]byte]Entry)}
}

// Register records that ip belongs to mac, owned by clientID. A later call
// for the same address replaces the previous registration.
func (t *Table) Register(ip net.IP, mac net.HardwareAddr, clientID int) {
	v4 := ip.To4()
	if v4 == nil {
		panic("arp: table only supports IPv4 addresses")
	}

	var key [4]byte
	copy(key[:], v4)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ips[key] = Entry{MAC: append(net.HardwareAddr(nil), mac...), ClientID: clientID}
}

// Lookup is match_arp_to_client: it reports the client entry registered for
// ip, if any.
func (t *Table) Lookup(ip net.IP) (Entry, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return Entry{}, false
	}

	var key [4]byte
	copy(key[:], v4)

	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.ips[key]
	return e, ok
}
