// Package session holds the per-peer crypto state machine. A session is
// owned by the transport core's loop and is never touched concurrently.
package session

import (
	"errors"
	"time"

	"meshvpn/internal/vpncrypto"
)

// State is the handshake progression of one peer session.
type State uint8

const (
	// Unauthenticated: no key material at all.
	Unauthenticated State = iota
	// KeyExchanging: our ephemeral key is out, waiting for the peer's.
	KeyExchanging
	// Established: directional keys derived, transport encryption live.
	Established
	// Expired: rotation due. The old keys stay usable until the fresh
	// exchange completes, so in-flight traffic is not dropped.
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case KeyExchanging:
		return "key-exchanging"
	case Established:
		return "established"
	case Expired:
		return "expired"
	}
	return "unknown"
}

var (
	ErrNotEstablished   = errors.New("session not established")
	ErrReplay           = errors.New("replayed or out-of-order counter")
	ErrCounterExhausted = errors.New("send counter exhausted")
)

// Limits configure key rotation. Zero values disable the respective
// limit.
type Limits struct {
	MaxAge      time.Duration
	MaxMessages uint64
}

// Session is the crypto state for one peer.
type Session struct {
	state      State
	generation uint16
	eph        *vpncrypto.Ephemeral
	keys       vpncrypto.DirectionalKeys

	sendCounter uint64
	recvCounter uint64
	haveRecv    bool

	// Previous receive key, kept decrypt-only across a rotation so
	// in-flight messages sealed under the old keys still land.
	prevRecvKey     []byte
	prevRecvCounter uint64
	prevHaveRecv    bool

	establishedAt time.Time
	limits        Limits
}

// New creates a session with a fresh ephemeral key pair for the given
// generation. It stays Unauthenticated until our initiation actually
// goes out.
func New(generation uint16, limits Limits) (*Session, error) {
	eph, err := vpncrypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	return &Session{
		state:      Unauthenticated,
		generation: generation,
		eph:        eph,
		limits:     limits,
	}, nil
}

// MarkInitSent moves a fresh session into KeyExchanging once the
// initiation message has been sent.
func (s *Session) MarkInitSent() {
	if s.state == Unauthenticated {
		s.state = KeyExchanging
	}
}

func (s *Session) State() State { return s.state }
func (s *Session) Generation() uint16 { return s.generation }

// EphPub returns our ephemeral public key for the handshake message.
func (s *Session) EphPub() ([]byte, error) {
	if s.eph == nil {
		return nil, errors.New("no pending key exchange")
	}
	return s.eph.Public()
}

// Establish consumes the peer's ephemeral public key, derives the
// directional keys and destroys the local ephemeral secret. Counters
// start over: the keys are new, so the nonce space is fresh.
func (s *Session) Establish(peerEphPub []byte, now time.Time) error {
	if s.eph == nil {
		return errors.New("no pending key exchange")
	}
	ownPub, err := s.eph.Public()
	if err != nil {
		return err
	}
	shared, err := s.eph.Shared(peerEphPub)
	if err != nil {
		return err
	}
	keys, err := vpncrypto.DeriveDirectionalKeys(shared, ownPub, peerEphPub)
	for i := range shared {
		shared[i] = 0
	}
	if err != nil {
		return err
	}
	s.eph.Destroy()
	s.eph = nil
	if s.usable() {
		// Rotation: retire the old receive key instead of dropping it.
		s.dropPrev()
		s.prevRecvKey = s.keys.RecvKey
		s.prevRecvCounter = s.recvCounter
		s.prevHaveRecv = s.haveRecv
		for i := range s.keys.SendKey {
			s.keys.SendKey[i] = 0
		}
	}
	s.keys = keys
	s.sendCounter = 0
	s.recvCounter = 0
	s.haveRecv = false
	s.state = Established
	s.establishedAt = now
	return nil
}

func (s *Session) dropPrev() {
	for i := range s.prevRecvKey {
		s.prevRecvKey[i] = 0
	}
	s.prevRecvKey = nil
	s.prevHaveRecv = false
}

// usable reports whether the keys may still encrypt/decrypt. Expired
// sessions stay usable during rotation overlap.
func (s *Session) usable() bool {
	return s.state == Established || s.state == Expired
}

// Encrypt seals plaintext with the next send counter, authenticating aad
// (the wire header). Exhausting the counter space returns
// ErrCounterExhausted; the caller must expire the session.
func (s *Session) Encrypt(plaintext, aad []byte) (uint64, []byte, error) {
	if !s.usable() {
		return 0, nil, ErrNotEstablished
	}
	if s.sendCounter == ^uint64(0) {
		return 0, nil, ErrCounterExhausted
	}
	counter := s.sendCounter
	ct, err := vpncrypto.Seal(s.keys.SendKey, counter, plaintext, aad)
	if err != nil {
		return 0, nil, err
	}
	s.sendCounter++
	return counter, ct, nil
}

// Decrypt authenticates and opens a ciphertext. Replays are rejected
// before touching the cipher; an authentication failure leaves the
// receive counter untouched.
func (s *Session) Decrypt(counter uint64, ciphertext, aad []byte) ([]byte, error) {
	if !s.usable() {
		return nil, ErrNotEstablished
	}
	current := !s.haveRecv || counter > s.recvCounter
	if current {
		pt, err := vpncrypto.Open(s.keys.RecvKey, counter, ciphertext, aad)
		if err == nil {
			s.recvCounter = counter
			s.haveRecv = true
			return pt, nil
		}
		if s.prevRecvKey == nil {
			return nil, err
		}
	}
	// Straggler sealed under the pre-rotation keys, tracked against its
	// own replay counter.
	if s.prevRecvKey == nil {
		return nil, ErrReplay
	}
	if s.prevHaveRecv && counter <= s.prevRecvCounter {
		return nil, ErrReplay
	}
	pt, err := vpncrypto.Open(s.prevRecvKey, counter, ciphertext, aad)
	if err != nil {
		if current {
			return nil, err
		}
		return nil, ErrReplay
	}
	s.prevRecvCounter = counter
	s.prevHaveRecv = true
	return pt, nil
}

// ShouldRotate reports whether the configured age or message limit has
// passed for an established session.
func (s *Session) ShouldRotate(now time.Time) bool {
	if s.state != Established {
		return false
	}
	if s.limits.MaxAge > 0 && now.Sub(s.establishedAt) >= s.limits.MaxAge {
		return true
	}
	if s.limits.MaxMessages > 0 && s.sendCounter >= s.limits.MaxMessages {
		return true
	}
	return false
}

// Expire marks the session for rotation. Keys stay usable until Renew's
// exchange completes.
func (s *Session) Expire() {
	if s.state == Established {
		s.state = Expired
	}
}

// Renew starts a fresh key exchange with the next generation while the
// old keys keep flowing. Establish switches over atomically.
func (s *Session) Renew() error {
	eph, err := vpncrypto.GenerateEphemeral()
	if err != nil {
		return err
	}
	if s.eph != nil {
		s.eph.Destroy()
	}
	s.eph = eph
	s.generation++
	if s.state == Unauthenticated {
		s.state = KeyExchanging
	}
	return nil
}

// Drop destroys all key material.
func (s *Session) Drop() {
	if s.eph != nil {
		s.eph.Destroy()
		s.eph = nil
	}
	for i := range s.keys.SendKey {
		s.keys.SendKey[i] = 0
	}
	for i := range s.keys.RecvKey {
		s.keys.RecvKey[i] = 0
	}
	s.dropPrev()
	s.state = Unauthenticated
}
