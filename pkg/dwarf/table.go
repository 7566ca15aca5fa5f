package dwarf

import (
	"sort"

	"github.com/pkg/errors"
)

// Call frame instruction opcodes. The top two bits of the opcode byte
// select advance_loc/offset/restore when set; everything else is a
// full-byte primary opcode.
const (
	cfaAdvanceLocMask = 0xc0
	cfaAdvanceLoc     = 0x40
	cfaOffset         = 0x80
	cfaRestore        = 0xc0
	cfaOperandMask    = 0x3f

	cfaNop              = 0x00
	cfaSetLoc           = 0x01
	cfaAdvanceLoc1      = 0x02
	cfaAdvanceLoc2      = 0x03
	cfaAdvanceLoc4      = 0x04
	cfaOffsetExtended   = 0x05
	cfaRestoreExtended  = 0x06
	cfaUndefined        = 0x07
	cfaSameValue        = 0x08
	cfaRegister         = 0x09
	cfaRememberState    = 0x0a
	cfaRestoreState     = 0x0b
	cfaDefCfa           = 0x0c
	cfaDefCfaRegister   = 0x0d
	cfaDefCfaOffset     = 0x0e
	cfaDefCfaExpression = 0x0f
	cfaExpression       = 0x10
	cfaOffsetExtendedSf = 0x11
	cfaDefCfaSf         = 0x12
	cfaDefCfaOffsetSf   = 0x13
	cfaValOffset      = 0x14
	cfaValOffsetSf    = 0x15
	cfaValExpression  = 0x16
	cfaGNUArgsSize    = 0x2e
)

// buildRows executes a CIE's initial instructions followed by an
// FDE's instructions, emitting one Row per location-advancing
// instruction. Rows are returned in increasing Loc order.
func buildRows(fde *FDE) ([]*Row, error) {
	cie := fde.CIE
	cur := &Row{Loc: fde.PCBegin, CFA: CFARule{}, Regs: make(map[uint64]RegRule)}
	var rows []*Row
	var stack []*Row

	step := func(insns []byte) error {
		r := newReader(insns)
		for r.hasData() {
			op, err := r.u8()
			if err != nil {
				return err
			}
			top := op & cfaAdvanceLocMask
			switch top {
			case cfaAdvanceLoc:
				delta := uint64(op&cfaOperandMask) * cie.CodeAlign
				rows = append(rows, cur.clone())
				cur = cur.clone()
				cur.Loc += delta
				continue
			case cfaOffset:
				reg := uint64(op & cfaOperandMask)
				off, err := r.uleb()
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleOffset, Offset: int64(off) * cie.DataAlign}
				continue
			case cfaRestore:
				reg := uint64(op & cfaOperandMask)
				delete(cur.Regs, reg)
				continue
			}

			switch op {
			case cfaNop, cfaGNUArgsSize:
				if op == cfaGNUArgsSize {
					if _, err := r.uleb(); err != nil {
						return err
					}
				}
			case cfaSetLoc:
				v, err := readEncodedPtr(r, cie.FDEEncoding, 0)
				if err != nil {
					return err
				}
				rows = append(rows, cur.clone())
				cur = cur.clone()
				cur.Loc = v
			case cfaAdvanceLoc1:
				v, err := r.u8()
				if err != nil {
					return err
				}
				rows = append(rows, cur.clone())
				cur = cur.clone()
				cur.Loc += uint64(v) * cie.CodeAlign
			case cfaAdvanceLoc2:
				v, err := r.u16()
				if err != nil {
					return err
				}
				rows = append(rows, cur.clone())
				cur = cur.clone()
				cur.Loc += uint64(v) * cie.CodeAlign
			case cfaAdvanceLoc4:
				v, err := r.u32()
				if err != nil {
					return err
				}
				rows = append(rows, cur.clone())
				cur = cur.clone()
				cur.Loc += uint64(v) * cie.CodeAlign
			case cfaOffsetExtended:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				off, err := r.uleb()
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleOffset, Offset: int64(off) * cie.DataAlign}
			case cfaOffsetExtendedSf:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				off, err := r.sleb()
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleOffset, Offset: off * cie.DataAlign}
			case cfaRestoreExtended:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				delete(cur.Regs, reg)
			case cfaUndefined:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleUndefined}
			case cfaSameValue:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleSameValue}
			case cfaRegister:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				reg2, err := r.uleb()
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleRegister, Reg: reg2}
			case cfaRememberState:
				stack = append(stack, cur.clone())
			case cfaRestoreState:
				if len(stack) == 0 {
					return errors.New("dwarf: restore_state with empty stack")
				}
				saved := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				loc := cur.Loc
				cur = saved.clone()
				cur.Loc = loc
			case cfaDefCfa:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				off, err := r.uleb()
				if err != nil {
					return err
				}
				cur.CFA = CFARule{Reg: reg, Offset: int64(off)}
			case cfaDefCfaSf:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				off, err := r.sleb()
				if err != nil {
					return err
				}
				cur.CFA = CFARule{Reg: reg, Offset: off * cie.DataAlign}
			case cfaDefCfaRegister:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				cur.CFA.Reg = reg
			case cfaDefCfaOffset:
				off, err := r.uleb()
				if err != nil {
					return err
				}
				cur.CFA.Offset = int64(off)
			case cfaDefCfaOffsetSf:
				off, err := r.sleb()
				if err != nil {
					return err
				}
				cur.CFA.Offset = off * cie.DataAlign
			case cfaDefCfaExpression:
				n, err := r.uleb()
				if err != nil {
					return err
				}
				expr, err := r.take(int(n))
				if err != nil {
					return err
				}
				cur.CFA = CFARule{IsExpr: true, Expr: expr}
			case cfaExpression:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				n, err := r.uleb()
				if err != nil {
					return err
				}
				expr, err := r.take(int(n))
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleExpression, Expr: expr}
			case cfaValOffset:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				off, err := r.uleb()
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleValOffset, Offset: int64(off) * cie.DataAlign}
			case cfaValOffsetSf:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				off, err := r.sleb()
				if err != nil {
					return err
				}
				cur.Regs[reg] = RegRule{Kind: RuleValOffset, Offset: off * cie.DataAlign}
			case cfaValExpression:
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				n, err := r.uleb()
				if err != nil {
					return err
				}
				if _, err := r.take(int(n)); err != nil {
					return err
				}
				// val_expression is accepted syntactically but not
				// evaluated: it yields a computed value rather than an
				// address, which none of the registers this engine
				// resolves (rsp/rbp/ra) ever use in practice.
				cur.Regs[reg] = RegRule{Kind: RuleUndefined}
			default:
				return errors.Errorf("dwarf: unknown call frame instruction 0x%02x", op)
			}
		}
		return nil
	}

	if err := step(cie.Instructions); err != nil {
		return nil, errors.Wrap(err, "cie initial instructions")
	}
	if err := step(fde.Instructions); err != nil {
		return nil, errors.Wrap(err, "fde instructions")
	}
	rows = append(rows, cur)

	return rows, nil
}

// fdeEntry is one parsed, row-built FDE plus the PC range it covers.
type fdeEntry struct {
	fde  *FDE
	rows []*Row
}

// Table is a module's parsed .eh_frame CFI table, ready for point
// lookups by virtual address.
type Table struct {
	entries []fdeEntry
}

// ParseTable parses every CIE/FDE in data (the raw bytes of an
// .eh_frame section) and builds a lookup table keyed by the virtual
// addresses its FDEs cover. vaddr is the section's load-time virtual
// address, used to resolve PC-relative pointer encodings. Only the
// .eh_frame entry conventions are understood (CIE id 0, CIE pointers
// relative to the FDE); .debug_frame sections are not parsed.
func ParseTable(data []byte, vaddr uint64) (*Table, error) {
	cies := make(map[int]*CIE)
	var entries []fdeEntry

	pos := 0
	for pos+4 <= len(data) {
		entryStart := pos
		r := newReader(data[pos:])

		length32, err := r.u32()
		if err != nil {
			return nil, err
		}
		if length32 == 0 {
			break // .eh_frame terminator
		}
		length := uint64(length32)
		headerLen := 4
		if length32 == 0xffffffff {
			l64, err := r.u64()
			if err != nil {
				return nil, err
			}
			length = l64
			headerLen = 12
		}

		bodyStart := entryStart + headerLen
		bodyEnd := bodyStart + int(length)
		if bodyEnd > len(data) {
			return nil, errors.New("dwarf: entry length runs past section end")
		}

		idField, err := r.u32()
		if err != nil {
			return nil, err
		}

		if idField == 0 {
			// CIE: body starts right after the id field.
			cieBodyStart := bodyStart + 4
			cie, err := parseCIE(data[cieBodyStart:bodyEnd])
			if err != nil {
				return nil, errors.Wrap(err, "parse cie")
			}
			cies[entryStart] = cie
		} else {
			// FDE: idField is the distance, in bytes, back from the
			// position of this field itself to the start of its CIE
			// (the .eh_frame convention).
			ciePos := bodyStart - int(idField)
			cie, ok := cies[ciePos]
			if !ok {
				return nil, errors.Errorf("dwarf: fde at %d references unknown cie at %d", entryStart, ciePos)
			}
			fdeBodyStart := bodyStart + 4
			entryVaddr := vaddr + uint64(fdeBodyStart)
			fde, err := parseFDE(data[fdeBodyStart:bodyEnd], cie, entryVaddr)
			if err != nil {
				return nil, errors.Wrap(err, "parse fde")
			}
			rows, err := buildRows(fde)
			if err != nil {
				return nil, errors.Wrap(err, "build rows")
			}
			entries = append(entries, fdeEntry{fde: fde, rows: rows})
		}

		pos = bodyEnd
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].fde.PCBegin < entries[j].fde.PCBegin })
	return &Table{entries: entries}, nil
}

// ErrNoFDE is returned when rva falls outside every FDE's PC range.
var ErrNoFDE = errors.New("dwarf: no fde covers address")

// FindRow locates the CFI row covering rva (a virtual address in the
// same coordinate space the table was parsed with).
func (t *Table) FindRow(rva uint64) (*Row, error) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].fde.PCBegin+t.entries[i].fde.PCRange > rva
	})
	if i >= len(t.entries) || rva < t.entries[i].fde.PCBegin {
		return nil, ErrNoFDE
	}
	rows := t.entries[i].rows
	j := sort.Search(len(rows), func(j int) bool { return rows[j].Loc > rva }) - 1
	if j < 0 {
		return nil, ErrNoFDE
	}
	return rows[j], nil
}

// IsSignalFrame reports whether the FDE covering rva belongs to a
// signal trampoline, per its CIE's 'S' augmentation flag.
func (t *Table) IsSignalFrame(rva uint64) bool {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].fde.PCBegin+t.entries[i].fde.PCRange > rva
	})
	if i >= len(t.entries) || rva < t.entries[i].fde.PCBegin {
		return false
	}
	return t.entries[i].fde.CIE.IsSignalFrame
}
