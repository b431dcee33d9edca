// Package proto is the wire codec: a fixed 8-byte header followed by a
// type-specific body. Encoding is side-effect free and decode rejects
// truncated or oversized input deterministically.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrViolation is the root of every decode failure. Callers classify a
// bad datagram with errors.Is(err, proto.ErrViolation) and drop it.
var ErrViolation = errors.New("protocol violation")

const (
	Version = 1

	HeaderSize = 8

	// MaxBody bounds every body we are willing to decode. UDP datagrams
	// cannot exceed 64k anyway; this keeps allocations in check.
	MaxBody = 64 << 10
)

// DefaultMagic marks a datagram as ours. Nodes configured with a custom
// network id overwrite it, so distinct overlays ignore each other.
var DefaultMagic = [4]byte{'m', 'v', 'p', 'n'}

// Message types.
const (
	TypeData        uint8 = 0
	TypePeers       uint8 = 1
	TypeInit        uint8 = 2
	TypeKeyExchange uint8 = 3
	TypePing        uint8 = 4
	TypePong        uint8 = 5
	TypeClose       uint8 = 6
)

// Header flags.
const (
	// FlagEncrypted marks the body as [counter:8][ciphertext+tag],
	// sealed under the session key with the header as associated data.
	FlagEncrypted uint8 = 0x01
)

// MagicFromString pads or truncates a configured network id to 4 bytes.
func MagicFromString(s string) [4]byte {
	if s == "" {
		return DefaultMagic
	}
	var m [4]byte
	copy(m[:], s)
	return m
}

// Header is the unencrypted prefix of every datagram. The raw header
// bytes double as the AEAD associated data, so type confusion on
// encrypted messages fails authentication.
type Header struct {
	Magic   [4]byte
	Version uint8
	Type    uint8
	Flags   uint8
}

func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	buf[4] = h.Version
	buf[5] = h.Type
	buf[6] = h.Flags
	// buf[7] reserved
	return buf
}

// DecodeHeader validates the fixed prefix against the expected magic.
func DecodeHeader(data []byte, magic [4]byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: datagram shorter than header (%d)", ErrViolation, len(data))
	}
	var h Header
	copy(h.Magic[:], data[0:4])
	if h.Magic != magic {
		return Header{}, fmt.Errorf("%w: wrong magic", ErrViolation)
	}
	h.Version = data[4]
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrViolation, h.Version)
	}
	h.Type = data[5]
	if h.Type > TypeClose {
		return Header{}, fmt.Errorf("%w: unknown message type %d", ErrViolation, h.Type)
	}
	h.Flags = data[6]
	if len(data) > HeaderSize+MaxBody {
		return Header{}, fmt.Errorf("%w: oversized datagram (%d)", ErrViolation, len(data))
	}
	return h, nil
}

// Envelope is the body layout of an encrypted message.
type Envelope struct {
	Counter    uint64
	Ciphertext []byte
}

const envelopeMin = 8 + 16 // counter + poly1305 tag

func EncodeEnvelope(e Envelope) []byte {
	buf := make([]byte, 8+len(e.Ciphertext))
	binary.BigEndian.PutUint64(buf[0:8], e.Counter)
	copy(buf[8:], e.Ciphertext)
	return buf
}

func DecodeEnvelope(body []byte) (Envelope, error) {
	if len(body) < envelopeMin {
		return Envelope{}, fmt.Errorf("%w: envelope too short (%d)", ErrViolation, len(body))
	}
	return Envelope{
		Counter:    binary.BigEndian.Uint64(body[0:8]),
		Ciphertext: body[8:],
	}, nil
}
