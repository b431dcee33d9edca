package proto

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Magic: DefaultMagic, Version: Version, Type: TypeData, Flags: FlagEncrypted}
	raw := h.Encode()
	if len(raw) != HeaderSize {
		t.Fatalf("header length %d", len(raw))
	}
	got, err := DecodeHeader(raw, DefaultMagic)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderRejections(t *testing.T) {
	good := Header{Magic: DefaultMagic, Version: Version, Type: TypePing}.Encode()

	if _, err := DecodeHeader(good[:HeaderSize-1], DefaultMagic); !errors.Is(err, ErrViolation) {
		t.Fatalf("truncated: got %v", err)
	}
	if _, err := DecodeHeader(good, MagicFromString("xyz")); !errors.Is(err, ErrViolation) {
		t.Fatalf("wrong magic: got %v", err)
	}
	badVersion := append([]byte(nil), good...)
	badVersion[4] = 9
	if _, err := DecodeHeader(badVersion, DefaultMagic); !errors.Is(err, ErrViolation) {
		t.Fatalf("bad version: got %v", err)
	}
	badType := append([]byte(nil), good...)
	badType[5] = TypeClose + 1
	if _, err := DecodeHeader(badType, DefaultMagic); !errors.Is(err, ErrViolation) {
		t.Fatalf("bad type: got %v", err)
	}
	huge := append(append([]byte(nil), good...), make([]byte, MaxBody+1)...)
	if _, err := DecodeHeader(huge, DefaultMagic); !errors.Is(err, ErrViolation) {
		t.Fatalf("oversize: got %v", err)
	}
}

func TestMagicFromString(t *testing.T) {
	if MagicFromString("") != DefaultMagic {
		t.Fatalf("empty string must yield the default magic")
	}
	m := MagicFromString("ab")
	if m != [4]byte{'a', 'b', 0, 0} {
		t.Fatalf("got %v", m)
	}
	// Distinct ids keep overlays apart.
	hdr := Header{Magic: MagicFromString("net1"), Version: Version, Type: TypeData}.Encode()
	if _, err := DecodeHeader(hdr, MagicFromString("net2")); !errors.Is(err, ErrViolation) {
		t.Fatalf("foreign magic accepted")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{Counter: 42, Ciphertext: bytes.Repeat([]byte{0xaa}, 24)}
	got, err := DecodeEnvelope(EncodeEnvelope(e))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.Counter != 42 || !bytes.Equal(got.Ciphertext, e.Ciphertext) {
		t.Fatalf("got %+v", got)
	}
	if _, err := DecodeEnvelope(make([]byte, 23)); !errors.Is(err, ErrViolation) {
		t.Fatalf("short envelope: got %v", err)
	}
}

func testHandshake() Handshake {
	var id NodeID
	for i := range id {
		id[i] = byte(i + 1)
	}
	return Handshake{
		NodeID:     id,
		Generation: 3,
		EphPub:     bytes.Repeat([]byte{0x42}, EphemeralPubSize),
		Prefixes: []netip.Prefix{
			netip.MustParsePrefix("10.1.0.0/16"),
			netip.MustParsePrefix("fd00::/64"),
		},
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := testHandshake()
	h.Identity = bytes.Repeat([]byte{0x11}, 32)
	h.Sig = bytes.Repeat([]byte{0x22}, 64)

	raw, err := EncodeHandshake(h)
	if err != nil {
		t.Fatalf("EncodeHandshake: %v", err)
	}
	got, err := DecodeHandshake(raw)
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if got.NodeID != h.NodeID || got.Generation != h.Generation {
		t.Fatalf("got %+v", got)
	}
	if !bytes.Equal(got.EphPub, h.EphPub) || !bytes.Equal(got.Identity, h.Identity) || !bytes.Equal(got.Sig, h.Sig) {
		t.Fatalf("byte fields differ")
	}
	if len(got.Prefixes) != 2 || got.Prefixes[0] != h.Prefixes[0] || got.Prefixes[1] != h.Prefixes[1] {
		t.Fatalf("prefixes %v", got.Prefixes)
	}
}

// Truncating the message at any point must fail the same way every time,
// never panic, and never yield a partial handshake.
func TestHandshakeTruncationDeterminism(t *testing.T) {
	raw, err := EncodeHandshake(testHandshake())
	if err != nil {
		t.Fatalf("EncodeHandshake: %v", err)
	}
	for cut := 0; cut < len(raw); cut++ {
		var errs [2]error
		for round := 0; round < 2; round++ {
			_, errs[round] = DecodeHandshake(raw[:cut])
		}
		if errs[0] == nil {
			t.Fatalf("cut at %d accepted", cut)
		}
		if !errors.Is(errs[0], ErrViolation) {
			t.Fatalf("cut at %d: %v is not a violation", cut, errs[0])
		}
		if errs[0].Error() != errs[1].Error() {
			t.Fatalf("cut at %d: nondeterministic errors %v / %v", cut, errs[0], errs[1])
		}
	}
}

func TestHandshakeRejections(t *testing.T) {
	h := testHandshake()
	h.NodeID = NodeID{}
	raw, err := EncodeHandshake(h)
	if err != nil {
		t.Fatalf("EncodeHandshake: %v", err)
	}
	if _, err := DecodeHandshake(raw); !errors.Is(err, ErrViolation) {
		t.Fatalf("zero node id accepted")
	}

	h = testHandshake()
	h.EphPub = h.EphPub[:16]
	if _, err := EncodeHandshake(h); err == nil {
		t.Fatalf("short ephemeral key accepted")
	}

	good, _ := EncodeHandshake(testHandshake())
	if _, err := DecodeHandshake(append(good, 0x00)); !errors.Is(err, ErrViolation) {
		t.Fatalf("trailing bytes accepted")
	}
}

func TestSigInputBindsType(t *testing.T) {
	h := testHandshake()
	if bytes.Equal(h.SigInput(TypeInit), h.SigInput(TypeKeyExchange)) {
		t.Fatalf("signature input must differ per message type")
	}
}

func TestPeersRoundTrip(t *testing.T) {
	var a, b NodeID
	a[0], b[0] = 1, 2
	in := []PeerInfo{
		{ID: a, Addrs: []string{"192.0.2.1:3210", "198.51.100.7:4000"}},
		{ID: b, Addrs: []string{"[2001:db8::1]:3210"}},
	}
	raw, err := EncodePeers(in)
	if err != nil {
		t.Fatalf("EncodePeers: %v", err)
	}
	out, err := DecodePeers(raw)
	if err != nil {
		t.Fatalf("DecodePeers: %v", err)
	}
	if len(out) != 2 || out[0].ID != a || out[1].ID != b {
		t.Fatalf("got %+v", out)
	}
	if len(out[0].Addrs) != 2 || out[0].Addrs[1] != "198.51.100.7:4000" {
		t.Fatalf("addrs %v", out[0].Addrs)
	}
	if _, err := DecodePeers(append(raw, 0xff)); !errors.Is(err, ErrViolation) {
		t.Fatalf("trailing bytes accepted")
	}
}

func TestPeersBounds(t *testing.T) {
	infos := make([]PeerInfo, MaxGossipPeers+1)
	for i := range infos {
		infos[i].ID[0] = byte(i + 1)
		infos[i].Addrs = []string{"192.0.2.1:1"}
	}
	if _, err := EncodePeers(infos); err == nil {
		t.Fatalf("oversized gossip accepted")
	}
}

func TestPingRoundTrip(t *testing.T) {
	p, err := DecodePing(EncodePing(Ping{Token: 0xdeadbeef}))
	if err != nil {
		t.Fatalf("DecodePing: %v", err)
	}
	if p.Token != 0xdeadbeef {
		t.Fatalf("token %x", p.Token)
	}
	if _, err := DecodePing([]byte{1, 2}); !errors.Is(err, ErrViolation) {
		t.Fatalf("short ping accepted")
	}
}

func TestDecodeClose(t *testing.T) {
	if err := DecodeClose(nil); err != nil {
		t.Fatalf("empty close rejected: %v", err)
	}
	if err := DecodeClose([]byte{1}); !errors.Is(err, ErrViolation) {
		t.Fatalf("close with body accepted")
	}
}
