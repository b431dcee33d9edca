package peers

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshvpn/internal/proto"
	"meshvpn/internal/session"
)

func nid(b byte) proto.NodeID {
	var id proto.NodeID
	id[0] = b
	return id
}

func newTestTable(t *testing.T, opts Options) *Table {
	t.Helper()
	return NewTable(opts)
}

// establish fakes a completed handshake so liveness logic can be tested
// without real key exchanges.
func establish(t *testing.T, tab *Table, p *Peer, gen uint16) {
	t.Helper()
	other, err := session.New(gen, session.Limits{})
	require.NoError(t, err)
	otherPub, err := other.EphPub()
	require.NoError(t, err)
	require.NoError(t, p.Session.Establish(otherPub, time.Now()))
}

func TestLearnAndResolve(t *testing.T) {
	tab := newTestTable(t, Options{})
	now := time.Now()

	p, created, err := tab.Learn("192.0.2.1:3210", SourceSelf, now)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, session.Unauthenticated, p.Session.State())

	again, created, err := tab.Learn("192.0.2.1:3210", SourceSelf, now)
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, p, again)

	byAddr, ok := tab.ByAddr("192.0.2.1:3210")
	require.True(t, ok)
	require.Same(t, p, byAddr)
}

func TestTableFullRefusesNewest(t *testing.T) {
	tab := newTestTable(t, Options{MaxPeers: 2})
	now := time.Now()

	_, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	_, _, err = tab.Learn("192.0.2.2:1", SourceSelf, now)
	require.NoError(t, err)
	_, _, err = tab.Learn("192.0.2.3:1", SourceSelf, now)
	require.True(t, errors.Is(err, ErrTableFull))
	require.Equal(t, 2, tab.Len())
}

func TestAdoptIDMergesDuplicate(t *testing.T) {
	tab := newTestTable(t, Options{})
	now := time.Now()

	a, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	b, _, err := tab.Learn("192.0.2.2:1", SourceSelf, now)
	require.NoError(t, err)

	a = tab.AdoptID(a, nid(7), now)
	merged := tab.AdoptID(b, nid(7), now)
	require.Same(t, a, merged)

	// Both addresses now resolve to the surviving entry.
	p, ok := tab.ByAddr("192.0.2.2:1")
	require.True(t, ok)
	require.Same(t, a, p)
	byID, ok := tab.ByID(nid(7))
	require.True(t, ok)
	require.Same(t, a, byID)
}

func TestUpdateFromGossipAddsUnknowns(t *testing.T) {
	tab := newTestTable(t, Options{})
	now := time.Now()

	known, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	known = tab.AdoptID(known, nid(1), now)

	self := nid(99)
	infos := []proto.PeerInfo{
		{ID: nid(1), Addrs: []string{"192.0.2.1:1", "198.51.100.1:1"}},
		{ID: nid(2), Addrs: []string{"192.0.2.2:1"}},
		{ID: nid(3), Addrs: []string{"192.0.2.3:1"}},
		{ID: nid(4), Addrs: []string{"192.0.2.4:1"}},
		{ID: self, Addrs: []string{"192.0.2.5:1"}},
	}
	created := tab.UpdateFromGossip(infos, self, now)

	// Three unknowns created, self skipped, known peer only enriched.
	require.Len(t, created, 3)
	for _, p := range created {
		require.Equal(t, session.Unauthenticated, p.Session.State())
	}
	require.Contains(t, known.Addrs(), "198.51.100.1:1")
	_, ok := tab.ByAddr("192.0.2.5:1")
	require.False(t, ok)

	// A second identical announcement creates nothing new.
	created = tab.UpdateFromGossip(infos, self, now)
	require.Empty(t, created)
}

func TestGossipMatchesByIDNotAddr(t *testing.T) {
	tab := newTestTable(t, Options{})
	now := time.Now()

	p, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	p = tab.AdoptID(p, nid(1), now)

	// Same id at a new address enriches the existing peer instead of
	// creating a duplicate.
	created := tab.UpdateFromGossip([]proto.PeerInfo{
		{ID: nid(1), Addrs: []string{"203.0.113.1:1"}},
	}, nid(99), now)
	require.Empty(t, created)
	got, ok := tab.ByAddr("203.0.113.1:1")
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestMarkSeenMigratesAddress(t *testing.T) {
	tab := newTestTable(t, Options{})
	now := time.Now()

	a, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	b, _, err := tab.Learn("192.0.2.2:1", SourceSelf, now)
	require.NoError(t, err)

	// b starts sending from a's old address: the latest sender wins.
	tab.MarkSeen(b, "192.0.2.1:1", now.Add(time.Second))
	owner, ok := tab.ByAddr("192.0.2.1:1")
	require.True(t, ok)
	require.Same(t, b, owner)
	require.Equal(t, "192.0.2.1:1", b.Addr())
	require.NotContains(t, a.Addrs(), "192.0.2.1:1")
}

func TestCandidateOrdering(t *testing.T) {
	tab := newTestTable(t, Options{})
	now := time.Now()

	p, _, err := tab.Learn("10.0.0.1:1", SourceSelf, now)
	require.NoError(t, err)
	tab.AddMappedAddr(p, "203.0.113.1:1", now)
	p.addCandidate("10.0.0.2:1", SourceObserved, now, false)

	// No successes yet: source rank orders self, observed, mapped.
	require.Equal(t, []string{"10.0.0.1:1", "10.0.0.2:1", "203.0.113.1:1"}, p.Addrs())

	// A success beats source rank.
	tab.MarkSeen(p, "203.0.113.1:1", now.Add(time.Second))
	require.Equal(t, "203.0.113.1:1", p.Addrs()[0])
}

func TestSweepEvictsSilentPeers(t *testing.T) {
	tab := newTestTable(t, Options{Timeout: time.Minute})
	now := time.Now()

	quiet, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	quiet = tab.AdoptID(quiet, nid(1), now)
	establish(t, tab, quiet, 0)

	noisy, _, err := tab.Learn("192.0.2.2:1", SourceSelf, now)
	require.NoError(t, err)
	noisy = tab.AdoptID(noisy, nid(2), now)
	establish(t, tab, noisy, 0)

	tab.MarkSeen(noisy, "192.0.2.2:1", now.Add(time.Minute))

	res := tab.Sweep(now.Add(90 * time.Second))
	require.Equal(t, []proto.NodeID{nid(1)}, res.Evicted)
	_, ok := tab.ByID(nid(1))
	require.False(t, ok)
	_, ok = tab.ByID(nid(2))
	require.True(t, ok)

	// Sweeping again with no new traffic evicts nothing else.
	res = tab.Sweep(now.Add(91 * time.Second))
	require.Empty(t, res.Evicted)
}

func TestSweepRetriesThenGivesUp(t *testing.T) {
	tab := newTestTable(t, Options{
		Timeout:       time.Hour,
		RetryInterval: time.Second,
		MaxRetries:    3,
	})
	now := time.Now()

	p, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res := tab.Sweep(now.Add(time.Duration(i+1) * 2 * time.Second))
		require.Len(t, res.Retry, 1, "attempt %d", i)
		require.Empty(t, res.Evicted)
		tab.NoteInitSent(p, now.Add(time.Duration(i+1)*2*time.Second))
	}
	require.Equal(t, 3, p.Retries())

	// Out of retries: the next sweep evicts instead of retrying.
	res := tab.Sweep(now.Add(10 * time.Second))
	require.Empty(t, res.Retry)
	require.Len(t, res.Evicted, 1)
	require.Equal(t, 0, tab.Len())
}

func TestSweepEvictsPeerLeftWithoutAddresses(t *testing.T) {
	tab := newTestTable(t, Options{Timeout: time.Hour})
	now := time.Now()

	a, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	a = tab.AdoptID(a, nid(1), now)
	establish(t, tab, a, 0)

	b, _, err := tab.Learn("192.0.2.2:1", SourceSelf, now)
	require.NoError(t, err)
	b = tab.AdoptID(b, nid(2), now)
	establish(t, tab, b, 0)

	// b takes over a's only address; a keeps a live-looking session but
	// can never be reached again.
	tab.MarkSeen(b, "192.0.2.1:1", now.Add(time.Second))
	require.Empty(t, a.Addrs())

	res := tab.Sweep(now.Add(2 * time.Second))
	require.Equal(t, []proto.NodeID{nid(1)}, res.Evicted)
	_, ok := tab.ByID(nid(1))
	require.False(t, ok)
	require.Equal(t, 1, tab.Len())

	res = tab.Sweep(now.Add(3 * time.Second))
	require.Empty(t, res.Evicted)
}

func TestMaxPeersCountsPeersNotAddresses(t *testing.T) {
	tab := newTestTable(t, Options{MaxPeers: 2})
	now := time.Now()

	p, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	tab.AddMappedAddr(p, "203.0.113.1:1", now)
	tab.AddMappedAddr(p, "203.0.113.2:1", now)

	// One peer with three addresses fills one slot, not three.
	_, created, err := tab.Learn("192.0.2.2:1", SourceSelf, now)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 2, tab.Len())

	_, _, err = tab.Learn("192.0.2.3:1", SourceSelf, now)
	require.True(t, errors.Is(err, ErrTableFull))
}

func TestEstablishedPeersSkipRetryEviction(t *testing.T) {
	tab := newTestTable(t, Options{Timeout: time.Hour, MaxRetries: 1})
	now := time.Now()

	p, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	tab.NoteInitSent(p, now)
	tab.NoteInitSent(p, now)
	establish(t, tab, p, 0)

	res := tab.Sweep(now.Add(time.Minute))
	require.Empty(t, res.Evicted)
}

func TestRemoveDropsAllAddresses(t *testing.T) {
	tab := newTestTable(t, Options{})
	now := time.Now()

	p, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	p = tab.AdoptID(p, nid(1), now)
	tab.AddMappedAddr(p, "203.0.113.1:1", now)

	tab.Remove(p)
	require.Equal(t, 0, tab.Len())
	_, ok := tab.ByID(nid(1))
	require.False(t, ok)
	_, ok = tab.ByAddr("203.0.113.1:1")
	require.False(t, ok)
}

func TestGossipSampleBounded(t *testing.T) {
	tab := newTestTable(t, Options{GossipSample: 3})
	now := time.Now()

	for i := byte(1); i <= 5; i++ {
		p, _, err := tab.Learn("192.0.2."+string('0'+i)+":1", SourceSelf, now)
		require.NoError(t, err)
		p = tab.AdoptID(p, nid(i), now)
		establish(t, tab, p, 0)
	}

	sample := tab.GossipSample()
	require.Len(t, sample, 3)
	seen := map[proto.NodeID]bool{}
	for _, info := range sample {
		require.False(t, seen[info.ID], "duplicate id in sample")
		seen[info.ID] = true
		require.NotEmpty(t, info.Addrs)
	}
}

func TestGossipSampleSkipsUnestablished(t *testing.T) {
	tab := newTestTable(t, Options{})
	now := time.Now()

	_, _, err := tab.Learn("192.0.2.1:1", SourceSelf, now)
	require.NoError(t, err)
	require.Empty(t, tab.GossipSample())
}
