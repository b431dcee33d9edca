package proto

import (
	"encoding/binary"
	"fmt"
)

// Ping and Pong carry an opaque token echoed back by the peer. They keep
// NAT mappings alive and double as liveness probes.
type Ping struct {
	Token uint64
}

func EncodePing(p Ping) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.Token)
	return buf
}

func DecodePing(body []byte) (Ping, error) {
	r := reader{buf: body}
	token, ok := r.uint64()
	if !ok || !r.empty() {
		return Ping{}, fmt.Errorf("%w: bad ping body", ErrViolation)
	}
	return Ping{Token: token}, nil
}

// Close has an empty body; a non-empty one is rejected so a truncation
// bug elsewhere cannot masquerade as a graceful departure.
func DecodeClose(body []byte) error {
	if len(body) != 0 {
		return fmt.Errorf("%w: close body not empty", ErrViolation)
	}
	return nil
}
