// Package packet inspects raw packets read from the device or the transport.
//
// Tunnelled packets are opaque to us except for the IP header, which the
// server reads to find out which client owns an address. Handshake packets
// share the same channel and are told apart by the IP version nibble.
package packet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var (
	// ErrMalformed means that the packet is too short or its header is invalid.
	ErrMalformed = errors.New("malformed packet")

	// ErrUnsupportedVersion means that the packet is neither IPv4 nor IPv6.
	ErrUnsupportedVersion = errors.New("unsupported IP version")
)

// Version returns the IP version nibble of pkt, or -1 for an empty packet.
// Handshake packets have version zero.
func Version(pkt []byte) int {
	if len(pkt) < 1 {
		return -1
	}
	return int(pkt[0] >> 4)
}

// IsControl returns whether pkt belongs to the handshake protocol.
func IsControl(pkt []byte) bool {
	return Version(pkt) == 0
}

// Destination returns the destination address in the IP header.
func Destination(pkt []byte) (netip.Addr, error) {
	_, dst, err := Addresses(pkt)
	return dst, err
}

// Source returns the source address in the IP header.
func Source(pkt []byte) (netip.Addr, error) {
	src, _, err := Addresses(pkt)
	return src, err
}

// Addresses returns the source and destination addresses in the IP header.
func Addresses(pkt []byte) (src, dst netip.Addr, err error) {
	switch Version(pkt) {
	case ipv4.Version:
		hdr, err := ipv4.ParseHeader(pkt)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
		}
		return addrsFromIPs(hdr.Src, hdr.Dst)

	case ipv6.Version:
		hdr, err := ipv6.ParseHeader(pkt)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
		}
		return addrsFromIPs(hdr.Src, hdr.Dst)

	case -1:
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: empty packet", ErrMalformed)

	default:
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, Version(pkt))
	}
}

func addrsFromIPs(srcIP, dstIP net.IP) (netip.Addr, netip.Addr, error) {
	src, ok := netip.AddrFromSlice(srcIP)
	if !ok {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: bad source address", ErrMalformed)
	}
	dst, ok := netip.AddrFromSlice(dstIP)
	if !ok {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: bad destination address", ErrMalformed)
	}
	return src.Unmap(), dst.Unmap(), nil
}
