package device

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TapDevice is a kernel TAP interface (frame level, switch forwarding).
// wireguard's tun package only does TUN, so the TAP side goes through
// the clone device directly.
type TapDevice struct {
	f    *os.File
	name string
}

type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	pad   [22]byte
}

// OpenTap creates a TAP interface via /dev/net/tun.
func OpenTap(name string) (*TapDevice, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open tun clone device: %w", err)
	}
	var req ifReq
	// The kernel substitutes %d itself.
	copy(req.Name[:unix.IFNAMSIZ-1], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("create tap %s: %w", name, errno)
	}
	realName := strings.TrimRight(string(req.Name[:]), "\x00")
	return &TapDevice{f: f, name: realName}, nil
}

func (d *TapDevice) Name() string { return d.name }

func (d *TapDevice) ReadPacket(buf []byte) (int, error) {
	return d.f.Read(buf)
}

func (d *TapDevice) WritePacket(pkt []byte) error {
	_, err := d.f.Write(pkt)
	return err
}

func (d *TapDevice) Close() error {
	return d.f.Close()
}
