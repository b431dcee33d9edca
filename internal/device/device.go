// Package device abstracts the virtual network interface. The core only
// needs whole packets or frames in and out; which flavor (tun, tap,
// dummy) is a configuration choice.
package device

import (
	"errors"
	"io"
)

// Device is a duplex packet/frame handle. Read blocks until one whole
// packet or frame is available; Write accepts exactly one.
type Device interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) error
	Name() string
	Close() error
}

// ErrClosed is returned once a device has been shut down.
var ErrClosed = errors.New("device closed")

// Dummy is an in-memory device. Reads come from an inject queue, writes
// land in a delivered queue (or are dropped when the queue is full).
// It backs the "dummy" device type and the tests.
type Dummy struct {
	name      string
	inject    chan []byte
	delivered chan []byte
	closed    chan struct{}
}

func NewDummy(name string) *Dummy {
	return &Dummy{
		name:      name,
		inject:    make(chan []byte, 64),
		delivered: make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

func (d *Dummy) Name() string { return d.name }

func (d *Dummy) ReadPacket(buf []byte) (int, error) {
	select {
	case pkt := <-d.inject:
		if len(pkt) > len(buf) {
			return 0, io.ErrShortBuffer
		}
		return copy(buf, pkt), nil
	case <-d.closed:
		return 0, ErrClosed
	}
}

func (d *Dummy) WritePacket(pkt []byte) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case d.delivered <- cp:
	default:
		// Full queue: a dummy device just drops.
	}
	return nil
}

// Inject queues a packet to be returned by the next ReadPacket.
func (d *Dummy) Inject(pkt []byte) {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case d.inject <- cp:
	case <-d.closed:
	}
}

// Delivered exposes written packets to the test side.
func (d *Dummy) Delivered() <-chan []byte { return d.delivered }

func (d *Dummy) Close() error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}
