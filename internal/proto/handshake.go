package proto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// NodeIDSize is the length of a node identifier on the wire.
const NodeIDSize = 16

type NodeID [NodeIDSize]byte

func (id NodeID) String() string {
	return fmt.Sprintf("%x", id[:8])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

const (
	EphemeralPubSize = 32

	maxHandshakePrefixes = 8
	maxIdentity          = 64
	maxSignature         = 128
)

// Handshake is the body of Init and KeyExchange messages. An Init opens
// (or reopens, with a bumped Generation) a session; the KeyExchange reply
// carries the responder's half of the exchange.
type Handshake struct {
	NodeID     NodeID
	Generation uint16
	EphPub     []byte
	// Prefixes are the subnets this node claims (router mode).
	Prefixes []netip.Prefix
	// Identity and Sig are optional: a static Ed25519 key and its
	// signature over SigInput. Peers with a pinned identity require them.
	Identity []byte
	Sig      []byte
}

// SigInput is the byte string signed by the static identity key. It binds
// the message type so an Init signature cannot be replayed as a
// KeyExchange.
func (h *Handshake) SigInput(msgType uint8) []byte {
	buf := make([]byte, 0, 14+NodeIDSize+2+len(h.EphPub))
	buf = append(buf, []byte("meshvpn:hs:v1")...)
	buf = append(buf, msgType)
	buf = append(buf, h.NodeID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, h.Generation)
	buf = append(buf, h.EphPub...)
	return buf
}

func EncodeHandshake(h Handshake) ([]byte, error) {
	if len(h.EphPub) != EphemeralPubSize {
		return nil, fmt.Errorf("bad ephemeral key size: %d", len(h.EphPub))
	}
	if len(h.Prefixes) > maxHandshakePrefixes {
		return nil, fmt.Errorf("too many prefixes: %d", len(h.Prefixes))
	}
	if len(h.Identity) > maxIdentity || len(h.Sig) > maxSignature {
		return nil, fmt.Errorf("identity or signature too long")
	}
	size := NodeIDSize + 2 + EphemeralPubSize + 1
	for _, p := range h.Prefixes {
		size += 2 + p.Addr().BitLen()/8
	}
	size += 2 + len(h.Identity) + 2 + len(h.Sig)
	buf := make([]byte, 0, size)
	buf = append(buf, h.NodeID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, h.Generation)
	buf = append(buf, h.EphPub...)
	buf = append(buf, uint8(len(h.Prefixes)))
	for _, p := range h.Prefixes {
		if p.Addr().Is4() {
			buf = append(buf, 4)
			buf = append(buf, p.Addr().AsSlice()...)
		} else {
			ip := p.Addr().As16()
			buf = append(buf, 16)
			buf = append(buf, ip[:]...)
		}
		buf = append(buf, uint8(p.Bits()))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.Identity)))
	buf = append(buf, h.Identity...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.Sig)))
	buf = append(buf, h.Sig...)
	return buf, nil
}

func DecodeHandshake(body []byte) (Handshake, error) {
	var h Handshake
	r := reader{buf: body}
	if !r.bytes(h.NodeID[:]) {
		return h, fmt.Errorf("%w: handshake truncated at node id", ErrViolation)
	}
	if h.NodeID.IsZero() {
		return h, fmt.Errorf("%w: zero node id", ErrViolation)
	}
	gen, ok := r.uint16()
	if !ok {
		return h, fmt.Errorf("%w: handshake truncated at generation", ErrViolation)
	}
	h.Generation = gen
	h.EphPub = make([]byte, EphemeralPubSize)
	if !r.bytes(h.EphPub) {
		return h, fmt.Errorf("%w: handshake truncated at ephemeral key", ErrViolation)
	}
	nPfx, ok := r.uint8()
	if !ok || int(nPfx) > maxHandshakePrefixes {
		return h, fmt.Errorf("%w: bad prefix count", ErrViolation)
	}
	for i := 0; i < int(nPfx); i++ {
		ipLen, ok := r.uint8()
		if !ok || (ipLen != 4 && ipLen != 16) {
			return h, fmt.Errorf("%w: bad prefix address length", ErrViolation)
		}
		ipBytes := make([]byte, ipLen)
		if !r.bytes(ipBytes) {
			return h, fmt.Errorf("%w: handshake truncated at prefix", ErrViolation)
		}
		bits, ok := r.uint8()
		if !ok {
			return h, fmt.Errorf("%w: handshake truncated at prefix bits", ErrViolation)
		}
		addr, ok := netip.AddrFromSlice(ipBytes)
		if !ok {
			return h, fmt.Errorf("%w: bad prefix address", ErrViolation)
		}
		if int(bits) > addr.BitLen() {
			return h, fmt.Errorf("%w: bad prefix bits %d", ErrViolation, bits)
		}
		h.Prefixes = append(h.Prefixes, netip.PrefixFrom(addr, int(bits)))
	}
	ident, ok := r.lenBytes16(maxIdentity)
	if !ok {
		return h, fmt.Errorf("%w: bad identity field", ErrViolation)
	}
	h.Identity = ident
	sig, ok := r.lenBytes16(maxSignature)
	if !ok {
		return h, fmt.Errorf("%w: bad signature field", ErrViolation)
	}
	h.Sig = sig
	if !r.empty() {
		return h, fmt.Errorf("%w: trailing bytes after handshake", ErrViolation)
	}
	return h, nil
}

// reader is a bounds-checked cursor over a body slice.
type reader struct {
	buf []byte
	off int
}

func (r *reader) empty() bool { return r.off == len(r.buf) }

func (r *reader) uint8() (uint8, bool) {
	if r.off+1 > len(r.buf) {
		return 0, false
	}
	v := r.buf[r.off]
	r.off++
	return v, true
}

func (r *reader) uint16() (uint16, bool) {
	if r.off+2 > len(r.buf) {
		return 0, false
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, true
}

func (r *reader) uint64() (uint64, bool) {
	if r.off+8 > len(r.buf) {
		return 0, false
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, true
}

func (r *reader) bytes(dst []byte) bool {
	if r.off+len(dst) > len(r.buf) {
		return false
	}
	copy(dst, r.buf[r.off:])
	r.off += len(dst)
	return true
}

// lenBytes16 reads a uint16 length then that many bytes, capped at max.
// A zero length yields nil.
func (r *reader) lenBytes16(max int) ([]byte, bool) {
	n, ok := r.uint16()
	if !ok || int(n) > max {
		return nil, false
	}
	if n == 0 {
		return nil, true
	}
	out := make([]byte, n)
	if !r.bytes(out) {
		return nil, false
	}
	return out, true
}
