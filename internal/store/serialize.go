// Package store persists chunk embeddings in SQLite and answers
// nearest-neighbor queries over them. Every vector is
// kept twice: as its canonical float32 form and as a symmetric Int8
// quantization of it (internal/mathkernel.Quantize), so that search can
// run the cheaper Int8 cosine path once enough of the table has been
// quantized and fall back to float32 otherwise.
package store

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// serializeF32 encodes a float32 vector as little-endian bytes, 4 bytes
// per component.
func serializeF32(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeF32 decodes bytes produced by serializeF32.
func deserializeF32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("store: vector_f32 blob length %d is not a multiple of 4", len(data))
	}
	n := len(data) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// encodeI8 base64-encodes an int8 vector for storage in the vector_i8 text
// column. A text column was chosen, not a second BLOB column, because the
// driver's BLOB scanning path already carries vector_f32 and sqlite3's
// dynamic typing makes a nullable TEXT column simplest to leave unset
// before a row has been backfilled.
func encodeI8(q []int8) string {
	raw := make([]byte, len(q))
	for i, v := range q {
		raw[i] = byte(v)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// decodeI8 reverses encodeI8.
func decodeI8(s string) ([]int8, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("store: decode vector_i8: %w", err)
	}
	q := make([]int8, len(raw))
	for i, b := range raw {
		q[i] = int8(b)
	}
	return q, nil
}
