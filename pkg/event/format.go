// Package event implements the schema-driven event decoder and handler
// dispatch core: named, typed field schemas over raw record bytes,
// opaque field-reference tokens for the hot path, and ordered handler
// registration with per-handler error accumulation.
package event

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// LocationKind describes how a field's byte range within a record is
// determined.
type LocationKind int

const (
	// FixedOffset fields sit at a constant byte offset for every
	// record of the owning format.
	FixedOffset LocationKind = iota

	// RelativeOffset fields sit at an offset that can change per
	// record, e.g. a "relative location" descriptor used by variable
	// sample layouts. The accessors take the live offset from the
	// overrides map they are given, keyed by the field's own FieldRef,
	// and fall back to ByteOffset when it has no entry; BaseField is
	// not read.
	RelativeOffset

	// VariableLength fields have a length that can change per record,
	// e.g. a terminated string whose length is carried by a preceding
	// field. The accessors take the live length from the overrides map
	// they are given, keyed by the field's own FieldRef, and fall back
	// to ByteSize when it has no entry; BaseField is not read.
	VariableLength
)

// Field describes one named, typed slot in an EventFormat.
type Field struct {
	Name       string
	ByteOffset int
	ByteSize   int
	Signed     bool
	Location   LocationKind
	BaseField  int // index into Format.Fields of the base/length field; not read by the accessors
}

// FieldRef is an opaque token indexing into a Format's Fields slice.
// Handlers capture a FieldRef once at registration time and reuse it
// across every dispatch, so the hot path is array indexing rather than
// a name scan.
type FieldRef int

// Format is a named, ordered schema of fields over a record's payload
// bytes. Fields never overlap for fixed layouts, and offsets are
// non-decreasing in declaration order.
type Format struct {
	Name      string
	RecordSize int // 0 means variable / unknown until decode
	Fields    []Field
}

// NewFormat creates an empty named format.
func NewFormat(name string) *Format {
	return &Format{Name: name}
}

// AddField appends a field and returns its FieldRef.
func (f *Format) AddField(field Field) FieldRef {
	f.Fields = append(f.Fields, field)
	return FieldRef(len(f.Fields) - 1)
}

// FieldRefByName performs a linear scan for a field by name. It exists
// for one-time setup code; hot-path code should hold the FieldRef
// returned by AddField instead.
func (f *Format) FieldRefByName(name string) (FieldRef, bool) {
	for i, field := range f.Fields {
		if field.Name == name {
			return FieldRef(i), true
		}
	}
	return 0, false
}

// Field resolves a FieldRef to its Field definition. It panics on an
// out-of-range ref, since a ref is only ever produced by this same
// Format's AddField.
func (f *Format) Field(ref FieldRef) Field {
	return f.Fields[ref]
}

// ErrFieldOutOfBounds is returned by the typed accessors when a
// field's byte range would read past the end of the record data.
var ErrFieldOutOfBounds = errors.New("event: field read out of bounds")

// byteRange resolves the concrete [start,end) byte range for ref
// against data, honoring the field's LocationKind. overrides holds the
// live start (RelativeOffset) or length (VariableLength) of a field,
// keyed by its FieldRef, as resolved by the caller before this call.
func (f *Format) byteRange(ref FieldRef, data []byte, overrides map[int]int) (int, int, error) {
	field := f.Field(ref)

	start := field.ByteOffset
	size := field.ByteSize

	switch field.Location {
	case FixedOffset:
		// start/size as declared.
	case RelativeOffset:
		if v, ok := overrides[int(ref)]; ok {
			start = v
		}
	case VariableLength:
		if v, ok := overrides[int(ref)]; ok {
			size = v
		}
	}

	end := start + size
	if start < 0 || size < 0 || end > len(data) {
		return 0, 0, ErrFieldOutOfBounds
	}

	return start, end, nil
}

// GetBytes returns the raw bytes for ref within data.
func (f *Format) GetBytes(ref FieldRef, data []byte, overrides map[int]int) ([]byte, error) {
	start, end, err := f.byteRange(ref, data, overrides)
	if err != nil {
		return nil, err
	}
	return data[start:end], nil
}

// GetU8 reads an unsigned byte at ref.
func (f *Format) GetU8(ref FieldRef, data []byte, overrides map[int]int) (uint8, error) {
	b, err := f.GetBytes(ref, data, overrides)
	if err != nil {
		return 0, err
	}
	if len(b) < 1 {
		return 0, ErrFieldOutOfBounds
	}
	return b[0], nil
}

// GetU16 reads a little-endian uint16 at ref.
func (f *Format) GetU16(ref FieldRef, data []byte, overrides map[int]int) (uint16, error) {
	b, err := f.GetBytes(ref, data, overrides)
	if err != nil {
		return 0, err
	}
	if len(b) < 2 {
		return 0, ErrFieldOutOfBounds
	}
	return binary.LittleEndian.Uint16(b), nil
}

// GetU32 reads a little-endian uint32 at ref.
func (f *Format) GetU32(ref FieldRef, data []byte, overrides map[int]int) (uint32, error) {
	b, err := f.GetBytes(ref, data, overrides)
	if err != nil {
		return 0, err
	}
	if len(b) < 4 {
		return 0, ErrFieldOutOfBounds
	}
	return binary.LittleEndian.Uint32(b), nil
}

// GetU64 reads a little-endian uint64 at ref.
func (f *Format) GetU64(ref FieldRef, data []byte, overrides map[int]int) (uint64, error) {
	b, err := f.GetBytes(ref, data, overrides)
	if err != nil {
		return 0, err
	}
	if len(b) < 8 {
		return 0, ErrFieldOutOfBounds
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ErrFieldNotSigned is returned by the signed accessors when ref names
// a field whose schema declares it unsigned, catching a handler that
// picked the wrong accessor for its own field rather than silently
// reinterpreting the bit pattern.
var ErrFieldNotSigned = errors.New("event: field is not signed")

// GetI8 reads a signed byte at ref.
func (f *Format) GetI8(ref FieldRef, data []byte, overrides map[int]int) (int8, error) {
	if !f.Field(ref).Signed {
		return 0, ErrFieldNotSigned
	}
	v, err := f.GetU8(ref, data, overrides)
	return int8(v), err
}

// GetI16 reads a little-endian signed int16 at ref.
func (f *Format) GetI16(ref FieldRef, data []byte, overrides map[int]int) (int16, error) {
	if !f.Field(ref).Signed {
		return 0, ErrFieldNotSigned
	}
	v, err := f.GetU16(ref, data, overrides)
	return int16(v), err
}

// GetI32 reads a little-endian signed int32 at ref.
func (f *Format) GetI32(ref FieldRef, data []byte, overrides map[int]int) (int32, error) {
	if !f.Field(ref).Signed {
		return 0, ErrFieldNotSigned
	}
	v, err := f.GetU32(ref, data, overrides)
	return int32(v), err
}

// GetI64 reads a little-endian signed int64 at ref.
func (f *Format) GetI64(ref FieldRef, data []byte, overrides map[int]int) (int64, error) {
	if !f.Field(ref).Signed {
		return 0, ErrFieldNotSigned
	}
	v, err := f.GetU64(ref, data, overrides)
	return int64(v), err
}

// GetStr reads a NUL-terminated (or field-length-bounded) string at ref.
func (f *Format) GetStr(ref FieldRef, data []byte, overrides map[int]int) (string, error) {
	b, err := f.GetBytes(ref, data, overrides)
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}
