package vector

import (
	"encoding/binary"
	"math"
)

// encodeFloat32Slice serializes a vector as the little-endian float32 blob
// the vec0 virtual table expects.
func encodeFloat32Slice(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
