package render

import (
	"encoding/binary"
	"fmt"
	"math"

	"moria.us/elfhex/asm"
)

func isLittleEndian(bo binary.ByteOrder) bool {
	return bo == binary.ByteOrder(binary.LittleEndian)
}

// widthBytes extracts the low width bytes of u's bit pattern in bo's byte
// order, by writing the full 64-bit pattern and slicing the end that
// holds the least-significant bytes for that order.
func widthBytes(u uint64, width int, bo binary.ByteOrder) []byte {
	var full [8]byte
	bo.PutUint64(full[:], u)
	if isLittleEndian(bo) {
		return append([]byte(nil), full[:width]...)
	}
	return append([]byte(nil), full[8-width:]...)
}

func maxUnsigned(width int) uint64 {
	if width >= 8 {
		return math.MaxUint64
	}
	return (uint64(1) << uint(8*width)) - 1
}

// encodeSigned encodes value as width bytes of two's complement,
// erroring if it does not fit in a signed integer of that width.
func encodeSigned(value int64, width int, bo binary.ByteOrder) ([]byte, error) {
	if width <= 0 || width > 8 {
		return nil, fmt.Errorf("invalid width %d", width)
	}
	var min, max int64
	if width >= 8 {
		min, max = math.MinInt64, math.MaxInt64
	} else {
		bits := uint(8 * width)
		max = int64(1)<<(bits-1) - 1
		min = -(int64(1) << (bits - 1))
	}
	if value < min || value > max {
		return nil, fmt.Errorf("value %d does not fit in a signed %d-byte field", value, width)
	}
	return widthBytes(uint64(value), width, bo), nil
}

// encodeUnsigned encodes magnitude as width bytes, erroring on overflow.
func encodeUnsigned(magnitude uint64, width int, bo binary.ByteOrder) ([]byte, error) {
	if width <= 0 || width > 8 {
		return nil, fmt.Errorf("invalid width %d", width)
	}
	if magnitude > maxUnsigned(width) {
		return nil, fmt.Errorf("value %d does not fit in an unsigned %d-byte field", magnitude, width)
	}
	return widthBytes(magnitude, width, bo), nil
}

// encodePadded decodes a spec §4.D padded numeric literal into its final
// byte encoding. '=' forces an unsigned fit in width bytes; '+'/'-' allow
// the full signed range for that width.
func encodePadded(lit asm.PaddedLiteral, bo binary.ByteOrder) ([]byte, error) {
	if lit.Sign == '=' {
		return encodeUnsigned(lit.Magnitude, lit.Width, bo)
	}
	if lit.Magnitude > uint64(math.MaxInt64) {
		return nil, fmt.Errorf("magnitude %d is too large to sign", lit.Magnitude)
	}
	value := int64(lit.Magnitude)
	if lit.Sign == '-' {
		value = -value
	}
	return encodeSigned(value, lit.Width, bo)
}
