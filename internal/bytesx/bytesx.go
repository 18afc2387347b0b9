// Package bytesx provides functions operating on bytes.
//
// Specifically we implement these operations:
//
// 1. encoding and decoding length-prefixed, NUL-terminated strings;
//
// 2. reading and writing IPv4 addresses and netmasks.
package bytesx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
)

var (
	// ErrEncodeString indicates a string encoding error occurred.
	ErrEncodeString = errors.New("can't encode string")

	// ErrDecodeString indicates a string decoding error occurred.
	ErrDecodeString = errors.New("can't decode string")

	// ErrNotIPv4 indicates that we were passed something that is not IPv4.
	ErrNotIPv4 = errors.New("not an IPv4 address")

	// ErrBadNetmask indicates that a netmask is not contiguous.
	ErrBadNetmask = errors.New("non-contiguous netmask")
)

// EncodeString encodes s as a two-byte big-endian length, followed by the
// bytes of s and a trailing NUL. The length accounts for the NUL.
//
// This function returns ErrEncodeString in case of failure.
func EncodeString(s string) ([]byte, error) {
	if len(s) >= math.MaxUint16 { // Using >= b/c we need to account for the final \0
		return nil, fmt.Errorf("%w: %s", ErrEncodeString, "string too large")
	}
	data := make([]byte, 2, 2+len(s)+1)
	binary.BigEndian.PutUint16(data, uint16(len(s))+1)
	data = append(data, []byte(s)...)
	data = append(data, 0x00)
	return data, nil
}

// DecodeString decodes a string encoded with [EncodeString] reading from
// the beginning of b. It returns the string and the number of bytes consumed.
//
// This function returns ErrDecodeString on failure.
func DecodeString(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, fmt.Errorf("%w: expected at least two bytes", ErrDecodeString)
	}
	length := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:] // skip over the length
	if length == 0 {
		return "", 0, fmt.Errorf("%w: zero length encoded string is not possible: %s", ErrDecodeString,
			"we need at least one byte for the trailing \\0")
	}
	if len(b) < length {
		return "", 0, fmt.Errorf("%w: got %d, expected %d", ErrDecodeString, len(b), length)
	}
	if b[length-1] != 0x00 {
		return "", 0, fmt.Errorf("%w: missing trailing \\0", ErrDecodeString)
	}
	return string(b[:length-1]), 2 + length, nil
}

// ReadAddr4 reads a 4-byte IPv4 address from buf.
func ReadAddr4(buf *bytes.Buffer) (netip.Addr, error) {
	var addr [4]byte
	if _, err := io.ReadFull(buf, addr[:]); err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom4(addr), nil
}

// WriteAddr4 appends the 4-byte representation of addr to buf.
func WriteAddr4(buf *bytes.Buffer, addr netip.Addr) error {
	addr = addr.Unmap()
	if !addr.Is4() {
		return fmt.Errorf("%w: %s", ErrNotIPv4, addr)
	}
	b := addr.As4()
	buf.Write(b[:])
	return nil
}

// MaskToPrefixLength converts an IPv4 netmask to a prefix length.
func MaskToPrefixLength(mask netip.Addr) (int, error) {
	mask = mask.Unmap()
	if !mask.Is4() {
		return 0, fmt.Errorf("%w: %s", ErrNotIPv4, mask)
	}
	b := mask.As4()
	value := binary.BigEndian.Uint32(b[:])
	ones := 0
	for value&(1<<31) != 0 {
		ones++
		value <<= 1
	}
	if value != 0 {
		return 0, fmt.Errorf("%w: %s", ErrBadNetmask, mask)
	}
	return ones, nil
}

// PrefixLengthToMask converts a prefix length in [0, 32] to an IPv4 netmask.
func PrefixLengthToMask(bits int) (netip.Addr, error) {
	if bits < 0 || bits > 32 {
		return netip.Addr{}, fmt.Errorf("%w: invalid prefix length %d", ErrBadNetmask, bits)
	}
	var value uint32
	if bits > 0 {
		value = math.MaxUint32 << (32 - bits)
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], value)
	return netip.AddrFrom4(out), nil
}
