// Package transport supplies the outer datagram transports: a plain UDP
// socket, and relay substitutes carrying length-prefixed datagrams over
// a byte stream (websocket or QUIC) for networks where direct UDP is
// blocked. The core only ever sees net.PacketConn.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ListenUDP binds the UDP socket the mesh runs over.
func ListenUDP(addr string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp %s: %w", addr, err)
	}
	return conn, nil
}

// StrAddr is an opaque relay-routed address.
type StrAddr string

func (a StrAddr) Network() string { return "relay" }
func (a StrAddr) String() string { return string(a) }

// Relay framing, per datagram:
//   [addrLen:1][addr][payloadLen:2][payload]
// The addr names the remote mesh node; the relay server routes on it.
const (
	relayMaxAddr    = 255
	relayMaxPayload = 1<<16 - 1
)

// streamPacketConn adapts a reliable byte stream into a net.PacketConn.
type streamPacketConn struct {
	rw    io.ReadWriteCloser
	local net.Addr

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewStreamPacketConn wraps an established relay stream. The caller owns
// dialing (websocket or QUIC); framing is identical either way.
func NewStreamPacketConn(rw io.ReadWriteCloser, local net.Addr) net.PacketConn {
	return &streamPacketConn{rw: rw, local: local}
}

func (c *streamPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	var hdr [1]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return 0, nil, err
	}
	addrBuf := make([]byte, hdr[0])
	if _, err := io.ReadFull(c.rw, addrBuf); err != nil {
		return 0, nil, err
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return 0, nil, err
	}
	if n > len(p) {
		return 0, nil, io.ErrShortBuffer
	}
	copy(p, payload)
	return n, StrAddr(addrBuf), nil
}

func (c *streamPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	a := addr.String()
	if len(a) > relayMaxAddr {
		return 0, fmt.Errorf("relay address too long: %d", len(a))
	}
	if len(p) > relayMaxPayload {
		return 0, fmt.Errorf("relay payload too large: %d", len(p))
	}
	frame := make([]byte, 0, 1+len(a)+2+len(p))
	frame = append(frame, uint8(len(a)))
	frame = append(frame, a...)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(p)))
	frame = append(frame, p...)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *streamPacketConn) Close() error {
	return c.rw.Close()
}

func (c *streamPacketConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return StrAddr("relay")
}

// The deadline methods only exist to satisfy net.PacketConn; the core
// never sets deadlines on its socket.
func (c *streamPacketConn) SetDeadline(t time.Time) error { return nil }
func (c *streamPacketConn) SetReadDeadline(t time.Time) error { return nil }
func (c *streamPacketConn) SetWriteDeadline(t time.Time) error { return nil }
