package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// IDSize is the byte width of one token id in a record payload.
const IDSize = 4

// EncodeIDs packs token ids as little-endian uint32.
func EncodeIDs[T constraints.Integer](ids []T) ([]byte, error) {
	buf := make([]byte, len(ids)*IDSize)
	for i, id := range ids {
		if id < 0 || uint64(id) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: id %d at %d does not fit in uint32", ErrMalformed, id, i)
		}
		binary.LittleEndian.PutUint32(buf[i*IDSize:], uint32(id))
	}
	return buf, nil
}

// DecodeIDs unpacks a payload written by EncodeIDs into dst, which is grown
// as needed.
func DecodeIDs[T constraints.Integer](dst []T, payload []byte) ([]T, error) {
	if len(payload)%IDSize != 0 {
		return nil, fmt.Errorf("%w: payload of %d bytes is not a multiple of %d", ErrMalformed, len(payload), IDSize)
	}
	n := len(payload) / IDSize
	dst = dst[:0]
	for i := 0; i < n; i++ {
		dst = append(dst, T(binary.LittleEndian.Uint32(payload[i*IDSize:])))
	}
	return dst, nil
}

// CountIDs returns how many ids a payload of size bytes holds, rounding down.
func CountIDs(size int) int { return size / IDSize }
