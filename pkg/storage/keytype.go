// ABOUTME: KeyType enum and the Comparator each type resolves to for a Database
// ABOUTME: Builds on encoding.go's order-preserving sign-flip/big-endian scheme, generalized from composite keys to single typed keys

package storage

import (
	"encoding/binary"
	"math"

	"github.com/upscaledb-go/ups/pkg/btree"
)

// KeyType selects how a Database orders its keys.
type KeyType int

const (
	KeyTypeBinaryVariable KeyType = iota // raw bytes, lexicographic
	KeyTypeBinaryFixed
	KeyTypeUint8
	KeyTypeUint16
	KeyTypeUint32
	KeyTypeUint64
	KeyTypeReal32
	KeyTypeReal64
	KeyTypeCustom
)

// ComparatorFor returns the Comparator a Database with this KeyType
// should install on its BTree. KeyTypeCustom returns nil, so such a
// database orders its keys byte-lexicographically.
func ComparatorFor(kt KeyType) btree.Comparator {
	switch kt {
	case KeyTypeUint8:
		return func(a, b []byte) int { return int(a[0]) - int(b[0]) }
	case KeyTypeUint16:
		return func(a, b []byte) int {
			return cmpUint64(uint64(binary.BigEndian.Uint16(a)), uint64(binary.BigEndian.Uint16(b)))
		}
	case KeyTypeUint32:
		return func(a, b []byte) int {
			return cmpUint64(uint64(binary.BigEndian.Uint32(a)), uint64(binary.BigEndian.Uint32(b)))
		}
	case KeyTypeUint64:
		return func(a, b []byte) int {
			return cmpUint64(binary.BigEndian.Uint64(a), binary.BigEndian.Uint64(b))
		}
	case KeyTypeReal32:
		return func(a, b []byte) int {
			fa := math.Float32frombits(binary.BigEndian.Uint32(a))
			fb := math.Float32frombits(binary.BigEndian.Uint32(b))
			return cmpFloat(float64(fa), float64(fb))
		}
	case KeyTypeReal64:
		return func(a, b []byte) int {
			fa := math.Float64frombits(binary.BigEndian.Uint64(a))
			fb := math.Float64frombits(binary.BigEndian.Uint64(b))
			return cmpFloat(fa, fb)
		}
	case KeyTypeBinaryFixed, KeyTypeBinaryVariable:
		return nil // byte-lexicographic default already matches these
	default:
		return nil
	}
}

// width returns the fixed key width a KeyType demands, or 0 for
// variable-size types.
func (kt KeyType) width() int {
	switch kt {
	case KeyTypeUint8:
		return 1
	case KeyTypeUint16:
		return 2
	case KeyTypeUint32, KeyTypeReal32:
		return 4
	case KeyTypeUint64, KeyTypeReal64:
		return 8
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// EncodeTypedKey renders a Go value into the big-endian wire form its
// KeyType expects on disk, reusing the sign-bit-flip-free unsigned
// encoding from encoding.go (typed keys here are unsigned or float
// bit-patterns, so no sign flip is needed the way EncodeValues needs one
// for TYPE_INT64). Real keys take the raw IEEE-754 bits (via
// math.Float32bits/Float64bits); their ordering lives in the
// comparator, not the encoding.
func EncodeTypedKey(kt KeyType, v uint64) []byte {
	switch kt {
	case KeyTypeUint8:
		return []byte{byte(v)}
	case KeyTypeUint16:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v))
		return buf
	case KeyTypeUint32, KeyTypeReal32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v))
		return buf
	default: // KeyTypeUint64, KeyTypeReal64
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return buf
	}
}
