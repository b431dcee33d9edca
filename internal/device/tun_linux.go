package device

import (
	"fmt"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

// tunOffset is the packet-info headroom wireguard's tun wants on reads
// and writes.
const tunOffset = 16

// TunDevice wraps a kernel TUN interface (packet level, router/hub
// forwarding).
type TunDevice struct {
	dev  tun.Device
	name string

	mu      sync.Mutex
	readBuf []byte
	sizes   []int
}

// OpenTun creates a TUN interface. name may contain a %d pattern for
// kernel numbering.
func OpenTun(name string, mtu int) (*TunDevice, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %s: %w", name, err)
	}
	realName, err := dev.Name()
	if err != nil {
		realName = name
	}
	return &TunDevice{
		dev:     dev,
		name:    realName,
		readBuf: make([]byte, tunOffset+65536),
		sizes:   make([]int, 1),
	}, nil
}

func (d *TunDevice) Name() string { return d.name }

func (d *TunDevice) ReadPacket(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bufs := [][]byte{d.readBuf}
	for {
		n, err := d.dev.Read(bufs, d.sizes, tunOffset)
		if err != nil {
			return 0, err
		}
		if n == 0 || d.sizes[0] == 0 {
			continue
		}
		size := d.sizes[0]
		if size > len(buf) {
			size = len(buf)
		}
		copy(buf, d.readBuf[tunOffset:tunOffset+size])
		return size, nil
	}
}

func (d *TunDevice) WritePacket(pkt []byte) error {
	buf := make([]byte, tunOffset+len(pkt))
	copy(buf[tunOffset:], pkt)
	_, err := d.dev.Write([][]byte{buf}, tunOffset)
	return err
}

func (d *TunDevice) Close() error {
	return d.dev.Close()
}
