package storage

import (
	"encoding/binary"
	"math"
)

// EncodeVector packs an embedding as little-endian float32 bytes. Both
// backends store payloads in this form so dumps stay portable between them.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks the wire form produced by EncodeVector. Trailing
// bytes that do not fill a float32 are ignored.
func DecodeVector(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
