package dwarf

// x86-64 DWARF register numbers this engine cares about. Full general
// purpose registers are tracked too since expressions can reference
// any of them, but unwinding itself only ever needs these three.
const (
	RegRBP = 6
	RegRSP = 7
	RegRA  = 16
)

// RuleKind identifies how a register's value at a frame is recovered.
type RuleKind int

const (
	RuleUndefined RuleKind = iota
	RuleSameValue
	RuleOffset        // load 8 bytes from CFA+Offset
	RuleRegister      // copy another register's current value
	RuleExpression    // Expr yields an address to load from
	RuleValOffset     // value is CFA+Offset, not loaded from memory
	RuleValExpression // Expr yields the value directly
	RuleArchitectural // vendor-defined, not interpretable here
)

// RegRule is one register's recovery rule within a Row.
type RegRule struct {
	Kind   RuleKind
	Reg    uint64
	Offset int64
	Expr   []byte
}

// CFARule describes how to compute the canonical frame address.
type CFARule struct {
	IsExpr bool
	Reg    uint64
	Offset int64
	Expr   []byte
}

// Row is one CFI table row: the register recovery rules valid for
// every pc in [Loc, nextRow.Loc).
type Row struct {
	Loc  uint64
	CFA  CFARule
	Regs map[uint64]RegRule
}

func (r *Row) clone() *Row {
	regs := make(map[uint64]RegRule, len(r.Regs))
	for k, v := range r.Regs {
		regs[k] = v
	}
	return &Row{Loc: r.Loc, CFA: r.CFA, Regs: regs}
}
