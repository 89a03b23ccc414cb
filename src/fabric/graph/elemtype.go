package graph

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ElemType tags the element encoding of a stream buffer: width in bytes plus
// signedness. Streams are little-endian on the wire.
type ElemType struct {
	Width  int
	Signed bool
}

var (
	U8  = ElemType{Width: 1, Signed: false}
	I8  = ElemType{Width: 1, Signed: true}
	U16 = ElemType{Width: 2, Signed: false}
	I16 = ElemType{Width: 2, Signed: true}
	U32 = ElemType{Width: 4, Signed: false}
	I32 = ElemType{Width: 4, Signed: true}
)

func (t ElemType) String() string {
	prefix := "u"
	if t.Signed {
		prefix = "i"
	}
	switch t.Width {
	case 1:
		return prefix + "8"
	case 2:
		return prefix + "16"
	case 4:
		return prefix + "32"
	default:
		return prefix + "?"
	}
}

// Count returns the number of elements a byte buffer of the given length
// holds, or an error when the length is not a multiple of the element width.
func (t ElemType) Count(byteLen int) (int, error) {
	if t.Width <= 0 {
		return 0, errors.Errorf("element type %s has invalid width", t)
	}
	if byteLen%t.Width != 0 {
		return 0, errors.Errorf("buffer of %d bytes is not a whole number of %s elements", byteLen, t)
	}
	return byteLen / t.Width, nil
}

// DecodeInts widens a raw stream buffer into int64 element values.
func (t ElemType) DecodeInts(buf []byte) ([]int64, error) {
	count, err := t.Count(len(buf))
	if err != nil {
		return nil, err
	}
	out := make([]int64, count)
	for i := 0; i < count; i++ {
		chunk := buf[i*t.Width : (i+1)*t.Width]
		var raw uint32
		switch t.Width {
		case 1:
			raw = uint32(chunk[0])
		case 2:
			raw = uint32(binary.LittleEndian.Uint16(chunk))
		case 4:
			raw = binary.LittleEndian.Uint32(chunk)
		}
		if t.Signed {
			shift := uint(32 - 8*t.Width)
			out[i] = int64(int32(raw<<shift) >> shift)
		} else {
			out[i] = int64(raw)
		}
	}
	return out, nil
}

// EncodeInts packs element values into a raw stream buffer. Values are
// truncated to the element width.
func (t ElemType) EncodeInts(values []int64) []byte {
	buf := make([]byte, len(values)*t.Width)
	for i, v := range values {
		chunk := buf[i*t.Width : (i+1)*t.Width]
		switch t.Width {
		case 1:
			chunk[0] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(chunk, uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(chunk, uint32(v))
		}
	}
	return buf
}
