package dwarf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildCIE assembles a minimal eh_frame CIE: standard x86-64 prologue
// of def_cfa(rsp, 16), offset(ra, -8).
func buildCIE() []byte {
	var body bytes.Buffer
	body.WriteByte(1)          // version
	body.WriteString("zR\x00") // augmentation: z + R
	writeULEB(&body, 1)        // code_align
	writeSLEB(&body, -8)       // data_align
	writeULEB(&body, RegRA)    // return_address_register

	var aug bytes.Buffer
	aug.WriteByte(ehPEUdata4) // R: fde pointer encoding, 4-byte absolute
	writeULEB(&body, uint64(aug.Len()))
	body.Write(aug.Bytes())

	// initial instructions: DW_CFA_def_cfa(rsp, 16); DW_CFA_offset(ra, -8)
	body.WriteByte(cfaDefCfa)
	writeULEB(&body, RegRSP)
	writeULEB(&body, 16)
	body.WriteByte(byte(cfaOffset) | byte(RegRA))
	writeULEB(&body, 1) // 1 * data_align(-8) = -8

	return wrapEntry(0, body.Bytes())
}

func writeULEB(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf.WriteByte(b | 0x80)
		} else {
			buf.WriteByte(b)
			return
		}
	}
}

func writeSLEB(buf *bytes.Buffer, v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
}

// wrapEntry prepends a 4-byte length field and the 4-byte CIE id
// field (always 0 for a CIE in eh_frame).
func wrapEntry(id uint32, body []byte) []byte {
	var out bytes.Buffer
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], id)
	full := append(idBuf[:], body...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(full)))
	out.Write(lenBuf[:])
	out.Write(full)
	return out.Bytes()
}

func TestParseTable_SingleFunctionRoundTrip(t *testing.T) {
	cie := buildCIE()

	fdeBody := buildFDEBodyBytes(0x1000, 0x40)
	idFieldOffset := len(cie) + 4
	ciePointer := uint32(idFieldOffset - 0)
	fdeFull := buildFullFDE(ciePointer, fdeBody)

	var section bytes.Buffer
	section.Write(cie)
	section.Write(fdeFull)

	table, err := ParseTable(section.Bytes(), 0)
	require.NoError(t, err)

	row, err := table.FindRow(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), row.Loc)
	require.Equal(t, uint64(RegRSP), row.CFA.Reg)
	require.Equal(t, int64(16), row.CFA.Offset)

	row2, err := table.FindRow(0x1002)
	require.NoError(t, err)
	require.Contains(t, row2.Regs, uint64(RegRBP))
	require.Equal(t, RuleOffset, row2.Regs[RegRBP].Kind)

	_, err = table.FindRow(0x2000)
	require.ErrorIs(t, err, ErrNoFDE)
}

func buildFDEBodyBytes(pcBegin, pcRange uint32) []byte {
	var body bytes.Buffer
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], pcBegin)
	body.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], pcRange)
	body.Write(u32[:])
	writeULEB(&body, 0)

	body.WriteByte(cfaAdvanceLoc1)
	body.WriteByte(1)
	body.WriteByte(byte(cfaOffset) | byte(RegRBP))
	writeULEB(&body, 2)
	return body.Bytes()
}

func buildFullFDE(ciePointer uint32, body []byte) []byte {
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], ciePointer)
	full := append(idBuf[:], body...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(full)))
	var out bytes.Buffer
	out.Write(lenBuf[:])
	out.Write(full)
	return out.Bytes()
}

func TestStep_ResolvesCallerFrame(t *testing.T) {
	row := &Row{
		Loc: 0x1000,
		CFA: CFARule{Reg: RegRSP, Offset: 16},
		Regs: map[uint64]RegRule{
			RegRA:  {Kind: RuleOffset, Offset: -8},
			RegRBP: {Kind: RuleOffset, Offset: -16},
		},
	}

	regs := Registers{RegRSP: 0x7fff0000, RegRBP: 0x7fff0010}
	stack := map[uint64]uint64{
		0x7fff0000 + 16 - 8:  0xdeadbeef, // return address
		0x7fff0000 + 16 - 16: 0x7fff0010, // saved rbp
	}
	mem := func(addr uint64) (uint64, bool) {
		v, ok := stack[addr]
		return v, ok
	}

	out, err := Step(row, regs, mem)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7fff0010), out[RegRSP])
	require.Equal(t, uint64(0xdeadbeef), out[RegRA])
	require.Equal(t, uint64(0x7fff0010), out[RegRBP])
}

func TestStep_RejectsNonAdvancingCFA(t *testing.T) {
	row := &Row{
		Loc: 0x1000,
		CFA: CFARule{Reg: RegRSP, Offset: 0},
		Regs: map[uint64]RegRule{
			RegRA: {Kind: RuleOffset, Offset: -8},
		},
	}
	regs := Registers{RegRSP: 0x1000}
	_, err := Step(row, regs, func(uint64) (uint64, bool) { return 0, true })
	require.ErrorIs(t, err, ErrNoProgress)
}

func TestEvalExpr_BregPlusLiteral(t *testing.T) {
	var expr bytes.Buffer
	expr.WriteByte(opBreg0 + RegRSP)
	writeSLEB(&expr, 8)

	v, err := EvalExpr(expr.Bytes(), EvalContext{Regs: map[uint64]uint64{RegRSP: 0x1000}})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1008), v)
}

func TestEvalExpr_DerefReadsMemory(t *testing.T) {
	var expr bytes.Buffer
	expr.WriteByte(opConstu)
	writeULEB(&expr, 0x2000)
	expr.WriteByte(opDeref)

	v, err := EvalExpr(expr.Bytes(), EvalContext{
		Read: func(addr uint64) (uint64, bool) {
			if addr == 0x2000 {
				return 42, true
			}
			return 0, false
		},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}
