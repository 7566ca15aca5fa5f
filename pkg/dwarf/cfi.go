package dwarf

import "github.com/pkg/errors"

// ErrNoProgress is returned when stepping a frame would not advance
// the stack pointer, a sign of a corrupt or cyclic CFI table that
// would otherwise loop the unwinder forever.
var ErrNoProgress = errors.New("dwarf: cfa did not advance past current stack pointer")

// ErrStackExhausted is returned when a rule needs to read memory
// outside the captured stack window. Callers match it with errors.Is
// to classify the failure, since the wrapped message varies per
// address.
var ErrStackExhausted = errors.New("dwarf: stack read out of captured range")

// Registers is the subset of machine state the CFI engine both reads
// from and produces: a snapshot of DWARF register number to value.
type Registers map[uint64]uint64

// MemReader loads a little-endian 8-byte word from addr, reporting
// false if addr falls outside the captured stack bytes.
type MemReader func(addr uint64) (uint64, bool)

// Step computes the caller's registers given the current frame's
// registers and the CFI row covering the current program counter. It
// returns the caller's RSP, RBP and return address (next PC) folded
// into the returned Registers map alongside every other register the
// row has a rule for.
func Step(row *Row, regs Registers, mem MemReader) (Registers, error) {
	cfa, err := resolveCFA(row.CFA, regs, mem)
	if err != nil {
		return nil, errors.Wrap(err, "resolve cfa")
	}

	curSP, ok := regs[RegRSP]
	if !ok {
		return nil, errors.New("dwarf: current frame has no rsp")
	}
	if cfa <= curSP {
		return nil, ErrNoProgress
	}

	out := make(Registers)
	for reg, rule := range row.Regs {
		v, ok, err := resolveRule(reg, rule, cfa, regs, mem)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve register r%d", reg)
		}
		if ok {
			out[reg] = v
		}
	}
	// The CFA is, by definition, the value of the stack pointer in the
	// caller's frame, independent of whatever rule (if any) applies to
	// RSP in the current row.
	out[RegRSP] = cfa

	if _, ok := out[RegRA]; !ok {
		return nil, errors.New("dwarf: row has no return address rule")
	}
	return out, nil
}

func resolveCFA(rule CFARule, regs Registers, mem MemReader) (uint64, error) {
	if rule.IsExpr {
		return EvalExpr(rule.Expr, EvalContext{Regs: regs, Read: mem})
	}
	base, ok := regs[rule.Reg]
	if !ok {
		return 0, errors.Errorf("dwarf: cfa register r%d not available", rule.Reg)
	}
	return base + uint64(rule.Offset), nil
}

func resolveRule(reg uint64, rule RegRule, cfa uint64, regs Registers, mem MemReader) (uint64, bool, error) {
	switch rule.Kind {
	case RuleUndefined, RuleArchitectural:
		return 0, false, nil
	case RuleSameValue:
		v, ok := regs[reg]
		return v, ok, nil
	case RuleOffset:
		addr := cfa + uint64(rule.Offset)
		v, ok := mem(addr)
		if !ok {
			return 0, false, errors.Wrapf(ErrStackExhausted, "address 0x%x", addr)
		}
		return v, true, nil
	case RuleRegister:
		v, ok := regs[rule.Reg]
		return v, ok, nil
	case RuleExpression:
		addr, err := EvalExpr(rule.Expr, EvalContext{Regs: regs, Read: mem})
		if err != nil {
			return 0, false, err
		}
		v, ok := mem(addr)
		if !ok {
			return 0, false, errors.Wrapf(ErrStackExhausted, "address 0x%x", addr)
		}
		return v, true, nil
	case RuleValOffset:
		return cfa + uint64(rule.Offset), true, nil
	case RuleValExpression:
		v, err := EvalExpr(rule.Expr, EvalContext{Regs: regs, Read: mem})
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	default:
		return 0, false, errors.Errorf("dwarf: unknown rule kind %d", rule.Kind)
	}
}
