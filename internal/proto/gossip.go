package proto

import "fmt"

const (
	// MaxGossipPeers caps the peers announced per message. Announcing a
	// bounded random subset keeps gossip bandwidth sublinear in table
	// size at the cost of slower convergence.
	MaxGossipPeers = 32
	// MaxAddrsPerPeer caps the candidate addresses per announced peer.
	MaxAddrsPerPeer = 8
	// MaxAddrLen bounds one textual host:port address.
	MaxAddrLen = 64
)

// PeerInfo is one gossiped peer: its identifier and candidate addresses,
// ordered most-recently-successful first.
type PeerInfo struct {
	ID    NodeID
	Addrs []string
}

// EncodePeers encodes a gossip body. The list must already be bounded;
// oversized input is an encode error, not a silent truncation.
func EncodePeers(peers []PeerInfo) ([]byte, error) {
	if len(peers) > MaxGossipPeers {
		return nil, fmt.Errorf("too many peers: %d", len(peers))
	}
	size := 1
	for _, p := range peers {
		size += NodeIDSize + 1
		for _, a := range p.Addrs {
			size += 1 + len(a)
		}
	}
	buf := make([]byte, 0, size)
	buf = append(buf, uint8(len(peers)))
	for _, p := range peers {
		if p.ID.IsZero() {
			return nil, fmt.Errorf("zero peer id")
		}
		if len(p.Addrs) > MaxAddrsPerPeer {
			return nil, fmt.Errorf("too many addresses for %s: %d", p.ID, len(p.Addrs))
		}
		buf = append(buf, p.ID[:]...)
		buf = append(buf, uint8(len(p.Addrs)))
		for _, a := range p.Addrs {
			if len(a) == 0 || len(a) > MaxAddrLen {
				return nil, fmt.Errorf("bad address length %d", len(a))
			}
			buf = append(buf, uint8(len(a)))
			buf = append(buf, a...)
		}
	}
	return buf, nil
}

func DecodePeers(body []byte) ([]PeerInfo, error) {
	r := reader{buf: body}
	count, ok := r.uint8()
	if !ok || int(count) > MaxGossipPeers {
		return nil, fmt.Errorf("%w: bad gossip peer count", ErrViolation)
	}
	peers := make([]PeerInfo, 0, count)
	for i := 0; i < int(count); i++ {
		var p PeerInfo
		if !r.bytes(p.ID[:]) {
			return nil, fmt.Errorf("%w: gossip truncated at peer id", ErrViolation)
		}
		if p.ID.IsZero() {
			return nil, fmt.Errorf("%w: zero peer id in gossip", ErrViolation)
		}
		nAddr, ok := r.uint8()
		if !ok || int(nAddr) > MaxAddrsPerPeer {
			return nil, fmt.Errorf("%w: bad gossip address count", ErrViolation)
		}
		for j := 0; j < int(nAddr); j++ {
			aLen, ok := r.uint8()
			if !ok || aLen == 0 || int(aLen) > MaxAddrLen {
				return nil, fmt.Errorf("%w: bad gossip address length", ErrViolation)
			}
			addr := make([]byte, aLen)
			if !r.bytes(addr) {
				return nil, fmt.Errorf("%w: gossip truncated at address", ErrViolation)
			}
			p.Addrs = append(p.Addrs, string(addr))
		}
		peers = append(peers, p)
	}
	if !r.empty() {
		return nil, fmt.Errorf("%w: trailing bytes after gossip", ErrViolation)
	}
	return peers, nil
}
