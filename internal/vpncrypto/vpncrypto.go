// Package vpncrypto is the fixed crypto suite of the mesh:
// Ed25519 identity signatures, X25519 ephemeral key agreement,
// ChaCha20-Poly1305 transport encryption and a SHA3-256 based KDF.
package vpncrypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead

	EphemeralSize = 32
)

func SHA3256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes a label with the given parts. Every derived key in the
// protocol goes through here so domain separation is just a label
// choice. Parts are length-prefixed so their boundaries are part of the
// input.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(p)))
		buf = append(buf, p...)
	}
	return SHA3256(buf)
}

// Seal encrypts plaintext under key with a counter nonce, authenticating
// aad. The nonce is 4 zero bytes followed by the big-endian counter.
func Seal(key []byte, counter uint64, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, CounterNonce(counter), plaintext, aad), nil
}

// Open decrypts and authenticates a ciphertext produced by Seal.
func Open(key []byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, CounterNonce(counter), ciphertext, aad)
}

func CounterNonce(counter uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Ephemeral is a one-shot X25519 key pair. Destroy zeroes the key
// material once the shared secret has been derived.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string { return "Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return "vpncrypto.Ephemeral{REDACTED}" }

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pub := make([]byte, EphemeralSize)
	copy(pub, priv.PublicKey().Bytes())
	return &Ephemeral{priv: priv, pub: pub}, nil
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) != EphemeralSize {
		return nil, fmt.Errorf("bad peer key size: %d", len(peerPub))
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

// DirectionalKeys are the two symmetric transport keys of a session.
type DirectionalKeys struct {
	SendKey []byte
	RecvKey []byte
}

// DeriveDirectionalKeys turns the ECDH shared secret and both ephemeral
// public keys into directional keys. Input ordering is fixed by
// lexicographic comparison of the public keys, so both sides derive the
// same two keys and assign them to opposite directions without any
// out-of-band coordination.
func DeriveDirectionalKeys(shared, ownPub, peerPub []byte) (DirectionalKeys, error) {
	if len(shared) == 0 || len(ownPub) == 0 || len(peerPub) == 0 {
		return DirectionalKeys{}, errors.New("empty key material")
	}
	lo, hi := ownPub, peerPub
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	kLo := KDF("meshvpn:key:lo", shared, lo, hi)
	kHi := KDF("meshvpn:key:hi", shared, lo, hi)
	if bytes.Compare(ownPub, peerPub) < 0 {
		return DirectionalKeys{SendKey: kLo, RecvKey: kHi}, nil
	}
	return DirectionalKeys{SendKey: kHi, RecvKey: kLo}, nil
}

// Identity is the optional static Ed25519 key pair of a node. It signs
// handshake initiations so peers with a pinned key can authenticate us.
type Identity struct {
	Pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{Pub: pub, priv: priv}, nil
}

func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

func VerifySig(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SaveIdentity writes the key pair as hex files under dir.
func SaveIdentity(dir string, id *Identity) error {
	if id == nil || len(id.Pub) == 0 || len(id.priv) == 0 {
		return errors.New("empty identity")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	pubPath := filepath.Join(dir, "id_pub.hex")
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(id.Pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "id_priv.hex"), []byte(hex.EncodeToString(id.priv)), 0600)
}

// LoadIdentity reads a key pair saved by SaveIdentity.
func LoadIdentity(dir string) (*Identity, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "id_pub.hex"))
	if err != nil {
		return nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "id_priv.hex"))
	if err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("bad id_pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("bad id_priv.hex")
	}
	return &Identity{Pub: ed25519.PublicKey(pub), priv: ed25519.PrivateKey(priv)}, nil
}
