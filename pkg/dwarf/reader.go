package dwarf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrTruncated is returned by reader accessors when a read would run
// past the end of the slice they are bounded to.
var ErrTruncated = errors.New("dwarf: truncated record")

// reader is a bounds-checked little-endian cursor over one CIE/FDE
// entry's bytes (or a nested DWARF expression's bytes).
type reader struct {
	data []byte
	pos  int
	end  int // exclusive upper bound, <= len(data)
}

func newReader(data []byte) *reader {
	return &reader{data: data, end: len(data)}
}

func (r *reader) hasData() bool { return r.pos < r.end }

func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > r.end || n < 0 {
		return nil, ErrTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) uleb() (uint64, error) {
	var val uint64
	var shift uint
	for {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, errors.New("dwarf: uleb128 too long")
		}
	}
}

func (r *reader) sleb() (int64, error) {
	var val int64
	var shift uint
	var b uint8
	var err error
	for {
		b, err = r.u8()
		if err != nil {
			return 0, err
		}
		val |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, errors.New("dwarf: sleb128 too long")
		}
	}
	if shift < 64 && b&0x40 != 0 {
		val |= -1 << shift
	}
	return val, nil
}

// str reads a NUL-terminated byte string.
func (r *reader) str() ([]byte, error) {
	start := r.pos
	for r.pos < r.end {
		if r.data[r.pos] == 0 {
			s := r.data[start:r.pos]
			r.pos++
			return s, nil
		}
		r.pos++
	}
	return nil, ErrTruncated
}
