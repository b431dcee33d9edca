// Package peers is the table of known remote nodes: their candidate
// addresses, crypto sessions and liveness state, plus the gossip and
// retry policy that keeps the mesh connected.
//
// The table is owned exclusively by the transport core's loop, so there
// is no locking here.
package peers

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"meshvpn/internal/proto"
	"meshvpn/internal/session"
)

// AddrSource ranks where a candidate address came from. Lower is tried
// first: an address the peer reports for itself beats one observed by
// other peers, which beats an externally advertised mapping.
type AddrSource uint8

const (
	SourceSelf AddrSource = iota
	SourceObserved
	SourceMapped
)

// ErrTableFull refuses the newest peer rather than evicting an
// established one.
var ErrTableFull = errors.New("peer table full")

type candidate struct {
	addr        string
	source      AddrSource
	lastSuccess time.Time
}

// Peer is one remote node. Created on first contact or via gossip,
// promoted once its handshake completes, evicted after silence.
type Peer struct {
	ID      proto.NodeID
	Session *session.Session
	// Identity is the peer's static Ed25519 key, once learned from a
	// signed handshake.
	Identity ed25519.PublicKey
	// Prefixes claimed by the peer in its handshake (router mode).
	Prefixes []netip.Prefix

	active     string
	candidates []candidate
	lastSeen   time.Time
	retries    int
	lastInitAt time.Time
}

// Addr is the address we currently contact the peer at.
func (p *Peer) Addr() string {
	if p.active != "" {
		return p.active
	}
	if len(p.candidates) > 0 {
		return p.candidates[0].addr
	}
	return ""
}

// Addrs lists the candidate addresses in contact-preference order.
func (p *Peer) Addrs() []string {
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.addr)
	}
	return out
}

func (p *Peer) LastSeen() time.Time { return p.lastSeen }

// Retries counts initiation attempts since the last authenticated
// message; the core cycles through candidate addresses with it.
func (p *Peer) Retries() int { return p.retries }

// LastInitAt is when the latest handshake initiation went out.
func (p *Peer) LastInitAt() time.Time { return p.lastInitAt }

func (p *Peer) Established() bool {
	return p.Session != nil && (p.Session.State() == session.Established || p.Session.State() == session.Expired)
}

// addCandidate inserts or refreshes an address, keeping the slice sorted
// by (recency of success, source rank).
func (p *Peer) addCandidate(addr string, source AddrSource, now time.Time, succeeded bool) {
	if addr == "" {
		return
	}
	for i := range p.candidates {
		if p.candidates[i].addr == addr {
			if succeeded {
				p.candidates[i].lastSuccess = now
			}
			if source < p.candidates[i].source {
				p.candidates[i].source = source
			}
			p.sortCandidates()
			return
		}
	}
	c := candidate{addr: addr, source: source}
	if succeeded {
		c.lastSuccess = now
	}
	p.candidates = append(p.candidates, c)
	if len(p.candidates) > proto.MaxAddrsPerPeer {
		p.candidates = p.candidates[:proto.MaxAddrsPerPeer]
	}
	p.sortCandidates()
}

func (p *Peer) sortCandidates() {
	// Insertion sort: the slice is tiny and almost always sorted.
	for i := 1; i < len(p.candidates); i++ {
		for j := i; j > 0 && candidateLess(p.candidates[j], p.candidates[j-1]); j-- {
			p.candidates[j], p.candidates[j-1] = p.candidates[j-1], p.candidates[j]
		}
	}
}

func candidateLess(a, b candidate) bool {
	if !a.lastSuccess.Equal(b.lastSuccess) {
		return a.lastSuccess.After(b.lastSuccess)
	}
	return a.source < b.source
}

// Options tune the table. Zero values get defaults.
type Options struct {
	// Timeout evicts peers silent for longer.
	Timeout time.Duration
	// RetryInterval re-sends handshake initiations to stuck peers.
	RetryInterval time.Duration
	// MaxRetries bounds initiation attempts before eviction.
	MaxRetries int
	// MaxPeers caps the table; zero means unbounded.
	MaxPeers int
	// GossipSample bounds how many peers one announcement carries.
	GossipSample int
	// SessionLimits configure key rotation on new sessions.
	SessionLimits session.Limits
}

const (
	DefaultTimeout       = 600 * time.Second
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxRetries    = 5
	DefaultGossipSample  = 10
)

// Table owns every Peer. The forwarding table refers to peers only by
// NodeID and resolves them through here, failing closed on a miss.
type Table struct {
	opts Options
	// all is the canonical membership set: capacity, Len and Sweep work
	// on it. byID and byAddr are lookup indexes over the same peers and
	// may lag (a peer can lose every address to migration before the
	// next sweep reaps it).
	all    map[*Peer]struct{}
	byID   map[proto.NodeID]*Peer
	byAddr map[string]*Peer
	rng    *rand.Rand
}

func NewTable(opts Options) *Table {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.GossipSample <= 0 {
		opts.GossipSample = DefaultGossipSample
	}
	return &Table{
		opts:   opts,
		all:    make(map[*Peer]struct{}),
		byID:   make(map[proto.NodeID]*Peer),
		byAddr: make(map[string]*Peer),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Len counts peers, not addresses: one peer with several candidate
// addresses occupies one slot.
func (t *Table) Len() int { return len(t.all) }

// ByID resolves a peer identifier; ok=false for unknown or evicted ids.
func (t *Table) ByID(id proto.NodeID) (*Peer, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// ByAddr resolves the sender of an inbound datagram.
func (t *Table) ByAddr(addr string) (*Peer, bool) {
	p, ok := t.byAddr[addr]
	return p, ok
}

// Learn ensures a peer exists for addr, creating it in handshake state
// if new. The bool reports whether a new entry was created.
func (t *Table) Learn(addr string, source AddrSource, now time.Time) (*Peer, bool, error) {
	if addr == "" {
		return nil, false, fmt.Errorf("empty address")
	}
	if p, ok := t.byAddr[addr]; ok {
		return p, false, nil
	}
	if t.opts.MaxPeers > 0 && len(t.all) >= t.opts.MaxPeers {
		return nil, false, ErrTableFull
	}
	sess, err := session.New(0, t.opts.SessionLimits)
	if err != nil {
		return nil, false, err
	}
	p := &Peer{Session: sess, lastSeen: now}
	p.addCandidate(addr, source, now, false)
	p.active = addr
	t.all[p] = struct{}{}
	t.byAddr[addr] = p
	return p, true, nil
}

// AdoptID binds a handshake-learned identifier to a peer. If another
// entry already carries the id (the peer reached us over a second
// address), the entries merge and the survivor is returned.
func (t *Table) AdoptID(p *Peer, id proto.NodeID, now time.Time) *Peer {
	if id.IsZero() {
		return p
	}
	if existing, ok := t.byID[id]; ok && existing != p {
		for _, c := range p.candidates {
			existing.addCandidate(c.addr, c.source, c.lastSuccess, false)
		}
		t.dropPeer(p)
		for _, c := range p.candidates {
			t.byAddr[c.addr] = existing
		}
		existing.lastSeen = now
		return existing
	}
	p.ID = id
	t.byID[id] = p
	return p
}

// UpdateFromGossip adds previously unknown peers as contact candidates.
// Matching is by identifier, never by address: one peer may be reachable
// at several addresses. Returns the newly created peers, which need a
// handshake initiation on the next loop pass.
func (t *Table) UpdateFromGossip(infos []proto.PeerInfo, self proto.NodeID, now time.Time) []*Peer {
	var created []*Peer
	for _, info := range infos {
		if info.ID == self || info.ID.IsZero() || len(info.Addrs) == 0 {
			continue
		}
		if p, ok := t.byID[info.ID]; ok {
			for _, a := range info.Addrs {
				if _, taken := t.byAddr[a]; !taken {
					p.addCandidate(a, SourceObserved, now, false)
					t.byAddr[a] = p
				}
			}
			continue
		}
		if t.opts.MaxPeers > 0 && len(t.all) >= t.opts.MaxPeers {
			continue
		}
		sess, err := session.New(0, t.opts.SessionLimits)
		if err != nil {
			continue
		}
		p := &Peer{ID: info.ID, Session: sess, lastSeen: now}
		claimed := false
		for _, a := range info.Addrs {
			if _, taken := t.byAddr[a]; taken {
				continue
			}
			p.addCandidate(a, SourceObserved, now, false)
			t.byAddr[a] = p
			claimed = true
		}
		if !claimed {
			continue
		}
		p.active = p.candidates[0].addr
		t.all[p] = struct{}{}
		t.byID[info.ID] = p
		created = append(created, p)
	}
	return created
}

// AddMappedAddr feeds an externally advertised address (port mapping)
// for a known peer.
func (t *Table) AddMappedAddr(p *Peer, addr string, now time.Time) {
	if _, taken := t.byAddr[addr]; taken {
		return
	}
	p.addCandidate(addr, SourceMapped, now, false)
	t.byAddr[addr] = p
}

// MarkSeen refreshes liveness after any authenticated inbound message
// and records addr as the peer's most recently working address.
func (t *Table) MarkSeen(p *Peer, addr string, now time.Time) {
	p.lastSeen = now
	p.retries = 0
	if addr != "" {
		if owner, ok := t.byAddr[addr]; ok && owner != p {
			// Address migrated between peers; the latest sender wins.
			ownerDrop(owner, addr)
		}
		t.byAddr[addr] = p
		p.addCandidate(addr, SourceSelf, now, true)
		p.active = addr
	}
}

func ownerDrop(p *Peer, addr string) {
	kept := p.candidates[:0]
	for _, c := range p.candidates {
		if c.addr != addr {
			kept = append(kept, c)
		}
	}
	p.candidates = kept
	if p.active == addr {
		p.active = ""
		if len(p.candidates) > 0 {
			p.active = p.candidates[0].addr
		}
	}
}

// NoteInitSent records a handshake initiation attempt for retry pacing.
func (t *Table) NoteInitSent(p *Peer, now time.Time) {
	p.lastInitAt = now
	p.retries++
}

// SweepResult is what one housekeeping pass decided.
type SweepResult struct {
	// Retry are peers stuck pre-established whose initiation should be
	// re-sent now.
	Retry []*Peer
	// Evicted lists the ids removed (zero id peers report as zero).
	Evicted []proto.NodeID
}

// Sweep evicts peers silent past the timeout, peers out of handshake
// retries and peers left without any contact address, and collects the
// ones due for another initiation. Repeated calls with no intervening
// traffic evict exactly the peers past the timeout and nothing more.
func (t *Table) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for p := range t.all {
		if now.Sub(p.lastSeen) > t.opts.Timeout {
			t.dropPeer(p)
			res.Evicted = append(res.Evicted, p.ID)
			continue
		}
		if len(p.candidates) == 0 {
			// Every address migrated to another peer: this one can never
			// be contacted again, however lively its session looks.
			t.dropPeer(p)
			res.Evicted = append(res.Evicted, p.ID)
			continue
		}
		if p.Established() {
			continue
		}
		if p.retries >= t.opts.MaxRetries {
			t.dropPeer(p)
			res.Evicted = append(res.Evicted, p.ID)
			continue
		}
		if now.Sub(p.lastInitAt) >= t.opts.RetryInterval {
			res.Retry = append(res.Retry, p)
		}
	}
	return res
}

// Remove drops a peer explicitly (Close notice received).
func (t *Table) Remove(p *Peer) {
	t.dropPeer(p)
}

func (t *Table) dropPeer(p *Peer) {
	delete(t.all, p)
	for _, c := range p.candidates {
		if owner, ok := t.byAddr[c.addr]; ok && owner == p {
			delete(t.byAddr, c.addr)
		}
	}
	if !p.ID.IsZero() {
		if owner, ok := t.byID[p.ID]; ok && owner == p {
			delete(t.byID, p.ID)
		}
	}
	if p.Session != nil {
		p.Session.Drop()
	}
}

// Established returns every peer with a usable session.
func (t *Table) Established() []*Peer {
	var out []*Peer
	for _, p := range t.byID {
		if p.Established() {
			out = append(out, p)
		}
	}
	return out
}

// GossipSample builds a bounded random announcement: a subset of the
// established peers with their candidate addresses.
func (t *Table) GossipSample() []proto.PeerInfo {
	est := t.Established()
	t.rng.Shuffle(len(est), func(i, j int) { est[i], est[j] = est[j], est[i] })
	n := t.opts.GossipSample
	if n > len(est) {
		n = len(est)
	}
	out := make([]proto.PeerInfo, 0, n)
	for _, p := range est[:n] {
		addrs := p.Addrs()
		if len(addrs) > proto.MaxAddrsPerPeer {
			addrs = addrs[:proto.MaxAddrsPerPeer]
		}
		out = append(out, proto.PeerInfo{ID: p.ID, Addrs: addrs})
	}
	return out
}
