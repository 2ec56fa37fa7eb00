package link

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Register values are packed big-endian: most significant word first, most
// significant byte first within each word. This is the layout the field
// devices use for their FLOAT32 and FLOAT64 registers.

// Float32ToWords packs f into two registers.
func Float32ToWords(f float32) []uint16 {
	u := math.Float32bits(f)
	return []uint16{uint16(u >> 16), uint16(u)}
}

// WordsToFloat32 unpacks the first two registers of w.
func WordsToFloat32(w []uint16) (float32, error) {
	if len(w) < 2 {
		return 0, fmt.Errorf("%w: float32 needs 2 registers, got %d", ErrProtocol, len(w))
	}
	return math.Float32frombits(uint32(w[0])<<16 | uint32(w[1])), nil
}

// Float64ToWords packs f into four registers.
func Float64ToWords(f float64) []uint16 {
	u := math.Float64bits(f)
	return []uint16{uint16(u >> 48), uint16(u >> 32), uint16(u >> 16), uint16(u)}
}

// WordsToFloat64 unpacks the first four registers of w.
func WordsToFloat64(w []uint16) (float64, error) {
	if len(w) < 4 {
		return 0, fmt.Errorf("%w: float64 needs 4 registers, got %d", ErrProtocol, len(w))
	}
	u := uint64(w[0])<<48 | uint64(w[1])<<32 | uint64(w[2])<<16 | uint64(w[3])
	return math.Float64frombits(u), nil
}

// BytesToWords converts a register payload as returned on the wire.
func BytesToWords(b []byte) ([]uint16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: odd register payload length %d", ErrProtocol, len(b))
	}
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return out, nil
}

// WordsToBytes is the inverse of BytesToWords.
func WordsToBytes(w []uint16) []byte {
	out := make([]byte, len(w)*2)
	for i, v := range w {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}
