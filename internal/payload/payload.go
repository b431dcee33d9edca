// Package payload extracts source and destination addresses from the
// raw packets and frames crossing the virtual device. Switch mode keys
// on Ethernet MACs, router mode on IP addresses.
package payload

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MAC is an Ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Multicast reports whether the address is multicast or broadcast, i.e.
// must be flooded rather than learned.
func (m MAC) Multicast() bool {
	return m[0]&0x01 != 0
}

var decodeOpts = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

// FrameMeta is the addressing of one Ethernet frame.
type FrameMeta struct {
	Src MAC
	Dst MAC
}

// ParseFrame reads the Ethernet header of a tap frame.
func ParseFrame(buf []byte) (FrameMeta, error) {
	pkt := gopacket.NewPacket(buf, layers.LayerTypeEthernet, decodeOpts)
	eth, ok := pkt.LinkLayer().(*layers.Ethernet)
	if !ok || len(eth.SrcMAC) != 6 || len(eth.DstMAC) != 6 {
		return FrameMeta{}, fmt.Errorf("not an ethernet frame (%d bytes)", len(buf))
	}
	var m FrameMeta
	copy(m.Src[:], eth.SrcMAC)
	copy(m.Dst[:], eth.DstMAC)
	return m, nil
}

// PacketMeta is the addressing of one IP packet.
type PacketMeta struct {
	Src netip.Addr
	Dst netip.Addr
}

// ParsePacket reads the IPv4 or IPv6 header of a tun packet.
func ParsePacket(buf []byte) (PacketMeta, error) {
	if len(buf) == 0 {
		return PacketMeta{}, fmt.Errorf("empty packet")
	}
	switch buf[0] >> 4 {
	case 4:
		pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, decodeOpts)
		ip, ok := pkt.NetworkLayer().(*layers.IPv4)
		if !ok {
			return PacketMeta{}, fmt.Errorf("malformed ipv4 packet (%d bytes)", len(buf))
		}
		src, okS := netip.AddrFromSlice(ip.SrcIP.To4())
		dst, okD := netip.AddrFromSlice(ip.DstIP.To4())
		if !okS || !okD {
			return PacketMeta{}, fmt.Errorf("bad ipv4 addresses")
		}
		return PacketMeta{Src: src, Dst: dst}, nil
	case 6:
		pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv6, decodeOpts)
		ip, ok := pkt.NetworkLayer().(*layers.IPv6)
		if !ok {
			return PacketMeta{}, fmt.Errorf("malformed ipv6 packet (%d bytes)", len(buf))
		}
		src, okS := netip.AddrFromSlice(ip.SrcIP.To16())
		dst, okD := netip.AddrFromSlice(ip.DstIP.To16())
		if !okS || !okD {
			return PacketMeta{}, fmt.Errorf("bad ipv6 addresses")
		}
		return PacketMeta{Src: src, Dst: dst}, nil
	default:
		return PacketMeta{}, fmt.Errorf("unknown ip version %d", buf[0]>>4)
	}
}
