// Package handshake implements the exchange by which a client obtains its
// tunnel address and routes before forwarding begins.
//
// Handshake packets travel on the same channel as tunnelled IP packets. They
// start with a zero byte, which is an invalid IP version, followed by an
// opcode. This package implements both the codec and the two endpoints.
//
// Two layouts exist. The basic one is a bare request (0x00 0x01) answered
// by an accept carrying the client address and the routes. The extended one
// adds a token to the request, and the server address and the prefix length
// to the accept. The server answers each request with the matching layout.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"

	"github.com/ooni/toyvpn/internal/bytesx"
	"github.com/ooni/toyvpn/internal/model"
)

// Opcodes of the handshake packets.
const (
	OpcodeRequest = byte(0x01)
	OpcodeAccept  = byte(0x02)
	OpcodeReject  = byte(0x03)
)

// maxRoutes is the largest number of routes an accept can carry.
const maxRoutes = 255

// basicPrefixLength is the tunnel network size implied by a basic accept,
// whose server address is the first address of that network.
const basicPrefixLength = 24

var (
	// ErrMalformed means that a handshake packet could not be parsed.
	ErrMalformed = errors.New("malformed handshake packet")

	// ErrUnexpectedOpcode means that we received a packet we don't expect.
	ErrUnexpectedOpcode = errors.New("unexpected handshake opcode")

	// ErrRejected means that the server refused our request.
	ErrRejected = errors.New("handshake rejected")
)

// Opcode returns the opcode of a handshake packet.
func Opcode(pkt []byte) (byte, error) {
	if len(pkt) < 2 || pkt[0] != 0x00 {
		return 0, fmt.Errorf("%w: not a handshake packet", ErrMalformed)
	}
	return pkt[1], nil
}

// EncodeRequest serializes a request carrying token.
func EncodeRequest(token string) ([]byte, error) {
	encoded, err := bytesx.EncodeString(token)
	if err != nil {
		return nil, err
	}
	return append([]byte{0x00, OpcodeRequest}, encoded...), nil
}

// DecodeRequest parses a request and returns its token. A basic request
// carries the empty token.
func DecodeRequest(pkt []byte) (string, error) {
	if err := expectOpcode(pkt, OpcodeRequest); err != nil {
		return "", err
	}
	if IsBasicRequest(pkt) {
		return "", nil
	}
	token, _, err := bytesx.DecodeString(pkt[2:])
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformed, err.Error())
	}
	return token, nil
}

// IsBasicRequest returns whether pkt is a request without a token.
func IsBasicRequest(pkt []byte) bool {
	return len(pkt) == 2 && pkt[0] == 0x00 && pkt[1] == OpcodeRequest
}

// EncodeAccept serializes the configuration assigned to a client using the
// extended layout. Only IPv4 addresses can be carried.
func EncodeAccept(nc *model.NetworkConfig) ([]byte, error) {
	if len(nc.Routes) > maxRoutes {
		return nil, fmt.Errorf("handshake: too many routes: %d", len(nc.Routes))
	}
	if nc.PrefixLength < 0 || nc.PrefixLength > 32 {
		return nil, fmt.Errorf("handshake: invalid prefix length: %d", nc.PrefixLength)
	}
	buf := &bytes.Buffer{}
	buf.Write([]byte{0x00, OpcodeAccept})
	if err := bytesx.WriteAddr4(buf, nc.ClientIP); err != nil {
		return nil, err
	}
	if err := bytesx.WriteAddr4(buf, nc.ServerIP); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(nc.PrefixLength))
	if err := writeRoutes(buf, nc.Routes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeBasicAccept serializes the client address and the routes using the
// basic layout.
func EncodeBasicAccept(nc *model.NetworkConfig) ([]byte, error) {
	if len(nc.Routes) > maxRoutes {
		return nil, fmt.Errorf("handshake: too many routes: %d", len(nc.Routes))
	}
	buf := &bytes.Buffer{}
	buf.Write([]byte{0x00, OpcodeAccept})
	if err := bytesx.WriteAddr4(buf, nc.ClientIP); err != nil {
		return nil, err
	}
	if err := writeRoutes(buf, nc.Routes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeRoutes(buf *bytes.Buffer, routes []model.Route) error {
	buf.WriteByte(byte(len(routes)))
	for _, route := range routes {
		mask, err := bytesx.PrefixLengthToMask(route.PrefixLength)
		if err != nil {
			return err
		}
		if err := bytesx.WriteAddr4(buf, route.Destination); err != nil {
			return err
		}
		if err := bytesx.WriteAddr4(buf, mask); err != nil {
			return err
		}
	}
	return nil
}

// DecodeAccept parses an accept packet using either layout. The body of a
// basic accept is 5 bytes plus 8 per route, while the body of an extended
// one is 10 bytes plus 8 per route, so the length tells them apart.
//
// For a basic accept, we assume the client address belongs to a /24 whose
// first address is the server.
func DecodeAccept(pkt []byte) (*model.NetworkConfig, error) {
	if err := expectOpcode(pkt, OpcodeAccept); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(pkt[2:])
	nc := &model.NetworkConfig{}
	var err error
	if nc.ClientIP, err = bytesx.ReadAddr4(buf); err != nil {
		return nil, fmt.Errorf("%w: client address: %s", ErrMalformed, err.Error())
	}

	if (len(pkt)-2)%8 == 5 {
		nc.PrefixLength = basicPrefixLength
		nc.ServerIP = netip.PrefixFrom(nc.ClientIP, basicPrefixLength).Masked().Addr().Next()
	} else {
		if nc.ServerIP, err = bytesx.ReadAddr4(buf); err != nil {
			return nil, fmt.Errorf("%w: server address: %s", ErrMalformed, err.Error())
		}
		prefixLength, err := buf.ReadByte()
		if err != nil || prefixLength > 32 {
			return nil, fmt.Errorf("%w: prefix length", ErrMalformed)
		}
		nc.PrefixLength = int(prefixLength)
	}

	if nc.Routes, err = readRoutes(buf); err != nil {
		return nil, err
	}
	return nc, nil
}

func readRoutes(buf *bytes.Buffer) ([]model.Route, error) {
	count, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: route count", ErrMalformed)
	}
	if buf.Len() != int(count)*8 {
		return nil, fmt.Errorf("%w: expected %d routes, got %d bytes", ErrMalformed, count, buf.Len())
	}
	routes := make([]model.Route, 0, count)
	for i := 0; i < int(count); i++ {
		dst, _ := bytesx.ReadAddr4(buf)
		mask, _ := bytesx.ReadAddr4(buf)
		bits, err := bytesx.MaskToPrefixLength(mask)
		if err != nil {
			return nil, fmt.Errorf("%w: route %d: %s", ErrMalformed, i, err.Error())
		}
		routes = append(routes, model.Route{Destination: dst, PrefixLength: bits})
	}
	return routes, nil
}

// EncodeReject serializes a reject carrying a human readable reason.
func EncodeReject(reason string) ([]byte, error) {
	encoded, err := bytesx.EncodeString(reason)
	if err != nil {
		return nil, err
	}
	return append([]byte{0x00, OpcodeReject}, encoded...), nil
}

// DecodeReject parses a reject and returns its reason.
func DecodeReject(pkt []byte) (string, error) {
	if err := expectOpcode(pkt, OpcodeReject); err != nil {
		return "", err
	}
	reason, _, err := bytesx.DecodeString(pkt[2:])
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformed, err.Error())
	}
	return reason, nil
}

func expectOpcode(pkt []byte, want byte) error {
	got, err := Opcode(pkt)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %#x, want %#x", ErrUnexpectedOpcode, got, want)
	}
	return nil
}
