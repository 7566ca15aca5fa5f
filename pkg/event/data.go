package event

import "github.com/maxgio92/tracecore/pkg/sharing"

// Data is a read-only view over one record's bytes, valid only for the
// duration of a single dispatch. FullData is the entire ring-buffer
// record including surrounding metadata; EventData is the payload
// region the Format's fields are defined against.
type Data struct {
	FullData  []byte
	EventData []byte
	Format    *Format
	overrides map[int]int
}

// NewData builds a Data view. overrides carries the live start/length
// values for any RelativeOffset/VariableLength fields of format,
// resolved by the caller before dispatch.
func NewData(full, payload []byte, format *Format, overrides map[int]int) Data {
	return Data{FullData: full, EventData: payload, Format: format, overrides: overrides}
}

// GetU8/GetU16/GetU32/GetU64/GetStr/GetBytes resolve ref against this
// view's EventData, honoring whatever offset overrides were supplied.
func (d Data) GetBytes(ref FieldRef) ([]byte, error) { return d.Format.GetBytes(ref, d.EventData, d.overrides) }
func (d Data) GetU8(ref FieldRef) (uint8, error)     { return d.Format.GetU8(ref, d.EventData, d.overrides) }
func (d Data) GetU16(ref FieldRef) (uint16, error)   { return d.Format.GetU16(ref, d.EventData, d.overrides) }
func (d Data) GetU32(ref FieldRef) (uint32, error)   { return d.Format.GetU32(ref, d.EventData, d.overrides) }
func (d Data) GetU64(ref FieldRef) (uint64, error)   { return d.Format.GetU64(ref, d.EventData, d.overrides) }
func (d Data) GetStr(ref FieldRef) (string, error)   { return d.Format.GetStr(ref, d.EventData, d.overrides) }

// GetI8/GetI16/GetI32/GetI64 resolve a signed field by ref, erroring
// via ErrFieldNotSigned if its schema declares it unsigned.
func (d Data) GetI8(ref FieldRef) (int8, error)   { return d.Format.GetI8(ref, d.EventData, d.overrides) }
func (d Data) GetI16(ref FieldRef) (int16, error) { return d.Format.GetI16(ref, d.EventData, d.overrides) }
func (d Data) GetI32(ref FieldRef) (int32, error) { return d.Format.GetI32(ref, d.EventData, d.overrides) }
func (d Data) GetI64(ref FieldRef) (int64, error) { return d.Format.GetI64(ref, d.EventData, d.overrides) }

// DataFieldRef is a shared, mutable-at-runtime cell holding a field's
// current byte offset (or length, for VariableLength fields). The
// ring-buffer session updates its value once per record, strictly
// before any handler for that record runs; handlers capture a
// DataFieldRef once and re-read its current value on every dispatch.
type DataFieldRef struct {
	cell sharing.Owning[uint32]
}

// NewDataFieldRef creates a shared ref initialized to 0.
func NewDataFieldRef() DataFieldRef {
	return DataFieldRef{cell: sharing.NewOwning[uint32](0)}
}

// Update sets the ref's current value. Called by the session once per
// record, before dispatch.
func (r DataFieldRef) Update(value uint32) {
	r.cell.Set(value)
}

// Get returns the ref's current value.
func (r DataFieldRef) Get() uint32 {
	return r.cell.Value()
}

// Clone returns another handle sharing the same backing cell, for
// handlers that want their own copy of the token.
func (r DataFieldRef) Clone() DataFieldRef {
	return DataFieldRef{cell: r.cell.Clone()}
}
