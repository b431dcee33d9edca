// Package fwd maps destination addresses learned from traffic to peer
// identifiers. Three variants share one contract: hub floods everything,
// switch is a learning bridge, router does longest-prefix IP matching.
//
// Tables reference peers by opaque NodeID only, so an evicted peer can
// never leave a dangling pointer here; lookups that hit a stale id fail
// closed at the send path.
package fwd

import (
	"fmt"
	"net/netip"
	"time"

	"meshvpn/internal/payload"
	"meshvpn/internal/proto"
)

// Addr is a forwarding key: either a MAC (switch) or an IP (router).
type Addr struct {
	mac   payload.MAC
	ip    netip.Addr
	isMAC bool
}

func MACAddr(m payload.MAC) Addr {
	return Addr{mac: m, isMAC: true}
}

func IPAddr(ip netip.Addr) Addr {
	return Addr{ip: ip}
}

func (a Addr) String() string {
	if a.isMAC {
		return a.mac.String()
	}
	return a.ip.String()
}

// Table is the mode-agnostic forwarding contract used by the core.
type Table interface {
	// Learn records that traffic sourced from addr arrived via peer,
	// overwriting any previous mapping for addr.
	Learn(addr Addr, peer proto.NodeID, now time.Time)
	// Lookup resolves a destination to a peer. ok=false means unknown.
	Lookup(addr Addr, now time.Time) (proto.NodeID, bool)
	// FloodUnknown reports whether unknown destinations are broadcast
	// (hub/switch) or dropped (router).
	FloodUnknown() bool
	// RemovePeer drops every entry pointing at an evicted peer.
	RemovePeer(peer proto.NodeID)
	// AgeOut evicts entries idle past the timeout, returning the count.
	AgeOut(now time.Time) int
	Len() int
}

// New builds the table variant for the given mode name.
func New(mode string, timeout time.Duration) (Table, error) {
	switch mode {
	case "hub":
		return &hubTable{}, nil
	case "switch":
		return newSwitchTable(timeout), nil
	case "router":
		return newRouterTable(timeout), nil
	}
	return nil, fmt.Errorf("unknown forwarding mode %q", mode)
}

// hubTable learns nothing and floods everything.
type hubTable struct{}

func (t *hubTable) Learn(Addr, proto.NodeID, time.Time) {}
func (t *hubTable) Lookup(Addr, time.Time) (proto.NodeID, bool) { return proto.NodeID{}, false }
func (t *hubTable) FloodUnknown() bool { return true }
func (t *hubTable) RemovePeer(proto.NodeID) {}
func (t *hubTable) AgeOut(time.Time) int { return 0 }
func (t *hubTable) Len() int { return 0 }

type entry struct {
	peer      proto.NodeID
	learnedAt time.Time
}

// switchTable is a learning bridge keyed on MAC addresses.
type switchTable struct {
	timeout time.Duration
	macs    map[payload.MAC]entry
}

func newSwitchTable(timeout time.Duration) *switchTable {
	return &switchTable{timeout: timeout, macs: make(map[payload.MAC]entry)}
}

func (t *switchTable) Learn(addr Addr, peer proto.NodeID, now time.Time) {
	if !addr.isMAC || addr.mac.Multicast() {
		return
	}
	// Most recent learn wins: an address migrating to another peer takes
	// effect immediately, no manual flush needed.
	t.macs[addr.mac] = entry{peer: peer, learnedAt: now}
}

func (t *switchTable) Lookup(addr Addr, now time.Time) (proto.NodeID, bool) {
	if !addr.isMAC || addr.mac.Multicast() {
		return proto.NodeID{}, false
	}
	e, ok := t.macs[addr.mac]
	if !ok {
		return proto.NodeID{}, false
	}
	if t.timeout > 0 && now.Sub(e.learnedAt) > t.timeout {
		delete(t.macs, addr.mac)
		return proto.NodeID{}, false
	}
	return e.peer, true
}

func (t *switchTable) FloodUnknown() bool { return true }

func (t *switchTable) RemovePeer(peer proto.NodeID) {
	for mac, e := range t.macs {
		if e.peer == peer {
			delete(t.macs, mac)
		}
	}
}

func (t *switchTable) AgeOut(now time.Time) int {
	if t.timeout <= 0 {
		return 0
	}
	n := 0
	for mac, e := range t.macs {
		if now.Sub(e.learnedAt) > t.timeout {
			delete(t.macs, mac)
			n++
		}
	}
	return n
}

func (t *switchTable) Len() int { return len(t.macs) }

type prefixRoute struct {
	prefix netip.Prefix
	peer   proto.NodeID
	// static routes come from local configuration and never age or
	// follow peer eviction of remote claims.
	static bool
}

// routerTable matches learned host entries first, then claimed or
// configured prefixes by longest prefix. Unknown destinations drop: no
// flood, routed topologies must not amplify.
type routerTable struct {
	timeout  time.Duration
	hosts    map[netip.Addr]entry
	prefixes []prefixRoute
}

func newRouterTable(timeout time.Duration) *routerTable {
	return &routerTable{timeout: timeout, hosts: make(map[netip.Addr]entry)}
}

func (t *routerTable) Learn(addr Addr, peer proto.NodeID, now time.Time) {
	if addr.isMAC || !addr.ip.IsValid() {
		return
	}
	t.hosts[addr.ip] = entry{peer: peer, learnedAt: now}
}

func (t *routerTable) Lookup(addr Addr, now time.Time) (proto.NodeID, bool) {
	if addr.isMAC || !addr.ip.IsValid() {
		return proto.NodeID{}, false
	}
	if e, ok := t.hosts[addr.ip]; ok {
		if t.timeout <= 0 || now.Sub(e.learnedAt) <= t.timeout {
			return e.peer, true
		}
		delete(t.hosts, addr.ip)
	}
	best := -1
	var bestPeer proto.NodeID
	for _, r := range t.prefixes {
		if r.prefix.Contains(addr.ip) && r.prefix.Bits() > best {
			best = r.prefix.Bits()
			bestPeer = r.peer
		}
	}
	if best < 0 {
		return proto.NodeID{}, false
	}
	return bestPeer, true
}

func (t *routerTable) FloodUnknown() bool { return false }

// SetClaims replaces the prefixes claimed by a peer, as carried in its
// handshake.
func (t *routerTable) SetClaims(peer proto.NodeID, prefixes []netip.Prefix) {
	kept := t.prefixes[:0]
	for _, r := range t.prefixes {
		if r.static || r.peer != peer {
			kept = append(kept, r)
		}
	}
	t.prefixes = kept
	for _, p := range prefixes {
		t.prefixes = append(t.prefixes, prefixRoute{prefix: p.Masked(), peer: peer})
	}
}

// AddStatic installs a configured route that never ages out.
func (t *routerTable) AddStatic(prefix netip.Prefix, peer proto.NodeID) {
	t.prefixes = append(t.prefixes, prefixRoute{prefix: prefix.Masked(), peer: peer, static: true})
}

func (t *routerTable) RemovePeer(peer proto.NodeID) {
	for ip, e := range t.hosts {
		if e.peer == peer {
			delete(t.hosts, ip)
		}
	}
	kept := t.prefixes[:0]
	for _, r := range t.prefixes {
		if r.static || r.peer != peer {
			kept = append(kept, r)
		}
	}
	t.prefixes = kept
}

func (t *routerTable) AgeOut(now time.Time) int {
	if t.timeout <= 0 {
		return 0
	}
	n := 0
	for ip, e := range t.hosts {
		if now.Sub(e.learnedAt) > t.timeout {
			delete(t.hosts, ip)
			n++
		}
	}
	return n
}

func (t *routerTable) Len() int { return len(t.hosts) }
