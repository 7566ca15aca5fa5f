package event

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newABCFormat() (*Format, FieldRef, FieldRef, FieldRef) {
	f := NewFormat("abc")
	a := f.AddField(Field{Name: "a", ByteOffset: 0, ByteSize: 4})
	b := f.AddField(Field{Name: "b", ByteOffset: 4, ByteSize: 4})
	c := f.AddField(Field{Name: "c", ByteOffset: 8, ByteSize: 4})
	return f, a, b, c
}

func TestFormat_DecodesFixedFields(t *testing.T) {
	f, a, b, c := newABCFormat()
	data := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}

	view := NewData(data, data, f, nil)

	va, err := view.GetU32(a)
	require.NoError(t, err)
	require.Equal(t, uint32(1), va)

	vb, err := view.GetU32(b)
	require.NoError(t, err)
	require.Equal(t, uint32(2), vb)

	vc, err := view.GetU32(c)
	require.NoError(t, err)
	require.Equal(t, uint32(3), vc)
}

func TestFormat_OutOfBounds(t *testing.T) {
	f, a, _, _ := newABCFormat()
	short := []byte{1, 2, 3}

	view := NewData(short, short, f, nil)
	_, err := view.GetU32(a)
	require.ErrorIs(t, err, ErrFieldOutOfBounds)
}

func TestEvent_DispatchPreservesOrderAndAccumulatesErrors(t *testing.T) {
	f, _, _, _ := newABCFormat()
	e := NewEvent(1, "abc", f)

	var order []string
	errBoom := errors.New("boom")

	e.AddHandler(func(d Data) error {
		order = append(order, "a")
		return errBoom
	})
	e.AddHandler(func(d Data) error {
		order = append(order, "b")
		return nil
	})

	data := NewData(nil, nil, f, nil)
	var errs []error
	e.Dispatch(data, &errs)

	require.Equal(t, []string{"a", "b"}, order)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], errBoom)

	// A second dispatch still reaches both handlers.
	errs = nil
	e.Dispatch(data, &errs)
	require.Equal(t, []string{"a", "b", "a", "b"}, order)
	require.Len(t, errs, 1)
}

func TestRegistry_UnknownEventDoesNotAbortBatch(t *testing.T) {
	r := NewRegistry()
	f, _, _, _ := newABCFormat()
	data := NewData(nil, nil, f, nil)

	var errs []error
	r.DispatchByID(42, data, &errs)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrUnknownEvent)
}

func TestFormat_SignedAccessorsSignExtend(t *testing.T) {
	f := NewFormat("signed")
	i8 := f.AddField(Field{Name: "i8", ByteOffset: 0, ByteSize: 1, Signed: true})
	i16 := f.AddField(Field{Name: "i16", ByteOffset: 1, ByteSize: 2, Signed: true})
	i32 := f.AddField(Field{Name: "i32", ByteOffset: 3, ByteSize: 4, Signed: true})
	i64 := f.AddField(Field{Name: "i64", ByteOffset: 7, ByteSize: 8, Signed: true})

	data := []byte{
		0xff,                   // i8 = -1
		0xff, 0xff,             // i16 = -1
		0xfe, 0xff, 0xff, 0xff, // i32 = -2
		0xfd, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, // i64 = -3
	}
	view := NewData(data, data, f, nil)

	v8, err := view.GetI8(i8)
	require.NoError(t, err)
	require.Equal(t, int8(-1), v8)

	v16, err := view.GetI16(i16)
	require.NoError(t, err)
	require.Equal(t, int16(-1), v16)

	v32, err := view.GetI32(i32)
	require.NoError(t, err)
	require.Equal(t, int32(-2), v32)

	v64, err := view.GetI64(i64)
	require.NoError(t, err)
	require.Equal(t, int64(-3), v64)
}

func TestFormat_SignedAccessorRejectsUnsignedField(t *testing.T) {
	f, a, _, _ := newABCFormat() // a is unsigned by default
	data := []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

	view := NewData(data, data, f, nil)
	_, err := view.GetI32(a)
	require.ErrorIs(t, err, ErrFieldNotSigned)
}

func TestDataFieldRef_UpdatedBeforeHandlersRun(t *testing.T) {
	f := NewFormat("var")
	ref := f.AddField(Field{Name: "payload", ByteSize: 4, Location: RelativeOffset})

	dref := NewDataFieldRef()

	record := []byte{0xAA, 0xAA, 9, 0, 0, 0}

	dref.Update(2) // session resolves the live offset before dispatch.

	overrides := map[int]int{int(ref): int(dref.Get())}
	view := NewData(record, record, f, overrides)

	v, err := view.GetU32(ref)
	require.NoError(t, err)
	require.Equal(t, uint32(9), v)
}
