package vpntest

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/ooni/toyvpn/internal/runtimex"
)

// Ports of the generated packets. We avoid well-known ports, which gopacket
// would decode as an application protocol.
const (
	testSrcPort = 40000
	testDstPort = 40001
)

var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// NewIPv4Packet returns a serialized IPv4/UDP packet carrying payload.
func NewIPv4Packet(src, dst netip.Addr, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: testSrcPort,
		DstPort: testDstPort,
	}
	runtimex.PanicOnError(udp.SetNetworkLayerForChecksum(ip), "vpntest: udp checksum")
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, serializeOptions, ip, udp, gopacket.Payload(payload))
	runtimex.PanicOnError(err, "vpntest: cannot serialize IPv4 packet")
	return buf.Bytes()
}

// NewIPv6Packet returns a serialized IPv6/UDP packet carrying payload.
func NewIPv6Packet(src, dst netip.Addr, payload []byte) []byte {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      src.AsSlice(),
		DstIP:      dst.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: testSrcPort,
		DstPort: testDstPort,
	}
	runtimex.PanicOnError(udp.SetNetworkLayerForChecksum(ip), "vpntest: udp checksum")
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, serializeOptions, ip, udp, gopacket.Payload(payload))
	runtimex.PanicOnError(err, "vpntest: cannot serialize IPv6 packet")
	return buf.Bytes()
}

// PayloadOf decodes pkt and returns the UDP payload, or nil.
func PayloadOf(pkt []byte) []byte {
	var first gopacket.Decoder = layers.LayerTypeIPv4
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	decoded := gopacket.NewPacket(pkt, first, gopacket.Default)
	if udp, ok := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		return udp.Payload
	}
	return nil
}
