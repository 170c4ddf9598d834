package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
)

// MaxRules is the maximum number of registers a single row of the unwind
// table can have rules for.
const MaxRules = 32

// MaxRememberDepth is the maximum nesting of DW_CFA_remember_state.
const MaxRememberDepth = 8

var (
	ErrBadVersion        = errors.New("unsupported CIE version or augmentation")
	ErrTruncated         = errors.New("truncated call frame instruction")
	ErrUnknownOpcode     = errors.New("unknown call frame instruction")
	ErrRememberOverflow  = errors.New("DW_CFA_remember_state nested too deeply")
	ErrRememberUnderflow = errors.New("DW_CFA_restore_state without matching DW_CFA_remember_state")
	ErrTooManyRules      = errors.New("too many register rules in one row")
)

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

type regRule struct {
	num  uint64
	rule DWRule
}

type regTable struct {
	n     int
	rules [MaxRules]regRule
}

func (t *regTable) get(num uint64) DWRule {
	for i := 0; i < t.n; i++ {
		if t.rules[i].num == num {
			return t.rules[i].rule
		}
	}
	return DWRule{}
}

func (t *regTable) set(num uint64, rule DWRule) error {
	for i := 0; i < t.n; i++ {
		if t.rules[i].num == num {
			t.rules[i].rule = rule
			return nil
		}
	}
	if t.n >= MaxRules {
		return ErrTooManyRules
	}
	t.rules[t.n] = regRule{num: num, rule: rule}
	t.n++
	return nil
}

type rowState struct {
	cfa  DWRule
	regs regTable
}

// FrameContext wrapper of FDE context. It holds the row of the unwind
// table that applies to one address: the rule to compute the CFA and the
// rules to recover each register. All storage is inline so that a
// FrameContext can be reused without allocating.
type FrameContext struct {
	loc         uint64
	order       binary.ByteOrder
	address     uint64
	CFA         DWRule
	regs        regTable
	initialRegs regTable
	RetAddrReg  uint64
	// SignalFrame is true when the CIE carries the 'S' augmentation.
	SignalFrame bool
	// RASigned tracks DW_CFA_AARCH64_negate_ra_state: the return address
	// has been signed with pointer authentication.
	RASigned bool
	// CFARegsUsed has bit N set if register N (N < 64) was used as the CFA
	// base register at any point of the executed program.
	CFARegsUsed uint64

	buf           []byte
	pos           int
	cie           *CommonInformationEntry
	fde           *FrameDescriptionEntry
	codeAlignment uint64
	dataAlignment int64

	rememberedState [MaxRememberDepth]rowState
	depth           int
}

// Instructions used to recreate the table from the .debug_frame data.
const (
	DW_CFA_nop                        = 0x0  // No ops
	DW_CFA_set_loc                    = 0x01 // op1: address
	DW_CFA_advance_loc1               = 0x02 // op1: 1-bytes delta
	DW_CFA_advance_loc2               = 0x03 // op1: 2-byte delta
	DW_CFA_advance_loc4               = 0x04 // op1: 4-byte delta
	DW_CFA_offset_extended            = 0x05 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended           = 0x06 // op1: ULEB128 register
	DW_CFA_undefined                  = 0x07 // op1: ULEB128 register
	DW_CFA_same_value                 = 0x08 // op1: ULEB128 register
	DW_CFA_register                   = 0x09 // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state             = 0x0a // No ops
	DW_CFA_restore_state              = 0x0b // No ops
	DW_CFA_def_cfa                    = 0x0c // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register           = 0x0d // op1: ULEB128 register
	DW_CFA_def_cfa_offset             = 0x0e // op1: ULEB128 offset
	DW_CFA_def_cfa_expression         = 0x0f // op1: BLOCK
	DW_CFA_expression                 = 0x10 // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf         = 0x11 // op1: ULEB128 register, op2: SLEB128 BLOCK
	DW_CFA_def_cfa_sf                 = 0x12 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf          = 0x13 // op1: SLEB128 offset
	DW_CFA_val_offset                 = 0x14 // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf              = 0x15 // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression             = 0x16 // op1: ULEB128, op2: BLOCK
	DW_CFA_lo_user                    = 0x1c
	DW_CFA_GNU_window_save            = 0x2d // also DW_CFA_AARCH64_negate_ra_state
	DW_CFA_GNU_args_size              = 0x2e // op1: ULEB128 size
	DW_CFA_GNU_negative_offset_extend = 0x2f // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_hi_user                    = 0x3f
	DW_CFA_advance_loc                = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset                     = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore                    = (0x3 << 6) // High 2 bits: 0x3, low 6: register
)

// Rule rule defined for register values.
type Rule byte

const (
	RuleUnused Rule = iota // no rule, the register keeps its value
	RuleUndefined
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA          // Value is rule.Reg + rule.Offset
	RuleFramePointer // Value is stored at address rule.Reg + rule.Offset, but only if it's less than the current CFA, otherwise same value
)

var ruleNames = [...]string{
	RuleUnused:        "unused",
	RuleUndefined:     "undefined",
	RuleSameVal:       "same",
	RuleOffset:        "offset",
	RuleValOffset:     "val_offset",
	RuleRegister:      "register",
	RuleExpression:    "expr",
	RuleValExpression: "val_expr",
	RuleArchitectural: "arch",
	RuleCFA:           "cfa",
	RuleFramePointer:  "fp",
}

func (r Rule) String() string {
	if int(r) < len(ruleNames) {
		return ruleNames[r]
	}
	return fmt.Sprintf("Rule(%d)", r)
}

const low_6_offset = 0x3f

// Reg returns the rule for register num. Registers without an explicit
// rule return a RuleUnused rule.
func (frame *FrameContext) Reg(num uint64) DWRule {
	return frame.regs.get(num)
}

// SetReg sets the rule for register num.
func (frame *FrameContext) SetReg(num uint64, rule DWRule) error {
	return frame.regs.set(num, rule)
}

// NumRules returns the number of registers that have a rule.
func (frame *FrameContext) NumRules() int {
	return frame.regs.n
}

// RuleAt returns the i-th register rule, 0 <= i < NumRules().
func (frame *FrameContext) RuleAt(i int) (uint64, DWRule) {
	r := &frame.regs.rules[i]
	return r.num, r.rule
}

// Reset clears frame and sets its return address register.
func (frame *FrameContext) Reset(retAddrReg uint64) {
	frame.loc, frame.address = 0, 0
	frame.CFA = DWRule{}
	frame.regs.n = 0
	frame.initialRegs.n = 0
	frame.RetAddrReg = retAddrReg
	frame.SignalFrame = false
	frame.RASigned = false
	frame.CFARegsUsed = 0
	frame.buf, frame.pos = nil, 0
	frame.cie, frame.fde = nil, nil
	frame.depth = 0
}

// Establish fills frame with the row of fde's unwind table that applies to
// pc: it executes the CIE initial instructions followed by the FDE
// instructions up to pc.
func (frame *FrameContext) Establish(fde *FrameDescriptionEntry, pc uint64) error {
	return frame.establish(fde, pc, nil)
}

func (frame *FrameContext) establish(fde *FrameDescriptionEntry, pc uint64, emit func(uint64) bool) error {
	cie := fde.CIE
	frame.Reset(cie.ReturnAddressRegister)
	if !cie.Supported() {
		return ErrBadVersion
	}
	frame.cie = cie
	frame.fde = fde
	frame.order = fde.order
	if frame.order == nil {
		frame.order = binary.LittleEndian
	}
	frame.codeAlignment = cie.CodeAlignmentFactor
	frame.dataAlignment = cie.DataAlignmentFactor
	frame.SignalFrame = cie.SignalFrame

	frame.address = ^uint64(0)
	if err := frame.ExecuteUntilPC(cie.InitialInstructions, nil); err != nil {
		return err
	}
	frame.initialRegs = frame.regs
	frame.depth = 0

	frame.loc = fde.Begin()
	frame.address = pc
	return frame.ExecuteUntilPC(fde.Instructions, emit)
}

// Rows executes the whole program of fde, calling fn with each row of the
// unwind table and the address it starts at. Iteration stops early if fn
// returns false.
func (fde *FrameDescriptionEntry) Rows(fn func(loc uint64, fctxt *FrameContext) bool) error {
	frame := new(FrameContext)
	stopped := false
	emit := func(loc uint64) bool {
		if !fn(loc, frame) {
			stopped = true
			return false
		}
		return true
	}
	if err := frame.establish(fde, fde.End()-1, emit); err != nil {
		return err
	}
	if !stopped && frame.loc < fde.End() {
		fn(frame.loc, frame)
	}
	return nil
}

// ExecuteUntilPC execute dwarf instructions. If emit is not nil it is
// called with the current location every time the location is about to
// advance; returning false stops execution.
func (frame *FrameContext) ExecuteUntilPC(instructions []byte, emit func(uint64) bool) error {
	frame.buf = instructions
	frame.pos = 0

	// We only need to execute the instructions until
	// ctx.loc > ctx.address (which is the address we
	// are currently at in the traced process).
	for frame.address >= frame.loc && frame.pos < len(frame.buf) {
		if emit != nil && frame.advancesLoc() {
			if !emit(frame.loc) {
				return nil
			}
		}
		if err := frame.executeDwarfInstruction(); err != nil {
			return err
		}
	}
	return nil
}

func (frame *FrameContext) advancesLoc() bool {
	switch op := frame.buf[frame.pos]; {
	case op&0xc0 == DW_CFA_advance_loc:
		return true
	case op == DW_CFA_set_loc, op == DW_CFA_advance_loc1, op == DW_CFA_advance_loc2, op == DW_CFA_advance_loc4:
		return true
	}
	return false
}

func (frame *FrameContext) u8() (byte, error) {
	if frame.pos >= len(frame.buf) {
		return 0, ErrTruncated
	}
	b := frame.buf[frame.pos]
	frame.pos++
	return b, nil
}

func (frame *FrameContext) fixed(sz int) ([]byte, error) {
	if frame.pos+sz > len(frame.buf) {
		return nil, ErrTruncated
	}
	b := frame.buf[frame.pos : frame.pos+sz]
	frame.pos += sz
	return b, nil
}

func (frame *FrameContext) uleb() (uint64, error) {
	v, n, err := leb128.Unsigned(frame.buf[frame.pos:])
	if err != nil {
		return 0, ErrTruncated
	}
	frame.pos += n
	return v, nil
}

func (frame *FrameContext) sleb() (int64, error) {
	v, n, err := leb128.Signed(frame.buf[frame.pos:])
	if err != nil {
		return 0, ErrTruncated
	}
	frame.pos += n
	return v, nil
}

func (frame *FrameContext) block() ([]byte, error) {
	l, err := frame.uleb()
	if err != nil {
		return nil, err
	}
	if l > uint64(len(frame.buf)-frame.pos) {
		return nil, ErrTruncated
	}
	return frame.fixed(int(l))
}

// regOffset reads a register operand followed by an offset operand.
func (frame *FrameContext) regOffset(signed bool) (uint64, int64, error) {
	reg, err := frame.uleb()
	if err != nil {
		return 0, 0, err
	}
	if signed {
		off, err := frame.sleb()
		return reg, off, err
	}
	off, err := frame.uleb()
	return reg, int64(off), err
}

func (frame *FrameContext) useCFAReg(reg uint64) {
	if reg < 64 {
		frame.CFARegsUsed |= 1 << reg
	}
}

func (frame *FrameContext) executeDwarfInstruction() error {
	instruction, err := frame.u8()
	if err != nil {
		return err
	}

	// Special case the 3 opcodes that have their argument encoded in the opcode itself.
	switch instruction & 0xc0 {
	case DW_CFA_advance_loc:
		frame.loc += uint64(instruction&low_6_offset) * frame.codeAlignment
		return nil
	case DW_CFA_offset:
		offset, err := frame.uleb()
		if err != nil {
			return err
		}
		return frame.regs.set(uint64(instruction&low_6_offset), DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset})
	case DW_CFA_restore:
		return frame.restore(uint64(instruction & low_6_offset))
	}

	switch instruction {
	case DW_CFA_nop:
		return nil

	case DW_CFA_set_loc:
		return frame.setloc()

	case DW_CFA_advance_loc1:
		delta, err := frame.u8()
		if err != nil {
			return err
		}
		frame.loc += uint64(delta) * frame.codeAlignment

	case DW_CFA_advance_loc2:
		b, err := frame.fixed(2)
		if err != nil {
			return err
		}
		frame.loc += uint64(frame.order.Uint16(b)) * frame.codeAlignment

	case DW_CFA_advance_loc4:
		b, err := frame.fixed(4)
		if err != nil {
			return err
		}
		frame.loc += uint64(frame.order.Uint32(b)) * frame.codeAlignment

	case DW_CFA_offset_extended:
		reg, offset, err := frame.regOffset(false)
		if err != nil {
			return err
		}
		return frame.regs.set(reg, DWRule{Offset: offset * frame.dataAlignment, Rule: RuleOffset})

	case DW_CFA_offset_extended_sf:
		reg, offset, err := frame.regOffset(true)
		if err != nil {
			return err
		}
		return frame.regs.set(reg, DWRule{Offset: offset * frame.dataAlignment, Rule: RuleOffset})

	case DW_CFA_GNU_negative_offset_extend:
		reg, offset, err := frame.regOffset(false)
		if err != nil {
			return err
		}
		return frame.regs.set(reg, DWRule{Offset: -offset * frame.dataAlignment, Rule: RuleOffset})

	case DW_CFA_restore_extended:
		reg, err := frame.uleb()
		if err != nil {
			return err
		}
		return frame.restore(reg)

	case DW_CFA_undefined:
		reg, err := frame.uleb()
		if err != nil {
			return err
		}
		return frame.regs.set(reg, DWRule{Rule: RuleUndefined})

	case DW_CFA_same_value:
		reg, err := frame.uleb()
		if err != nil {
			return err
		}
		return frame.regs.set(reg, DWRule{Rule: RuleSameVal})

	case DW_CFA_register:
		reg1, err := frame.uleb()
		if err != nil {
			return err
		}
		reg2, err := frame.uleb()
		if err != nil {
			return err
		}
		return frame.regs.set(reg1, DWRule{Reg: reg2, Rule: RuleRegister})

	case DW_CFA_remember_state:
		if frame.depth >= MaxRememberDepth {
			return ErrRememberOverflow
		}
		frame.rememberedState[frame.depth] = rowState{cfa: frame.CFA, regs: frame.regs}
		frame.depth++

	case DW_CFA_restore_state:
		if frame.depth == 0 {
			return ErrRememberUnderflow
		}
		frame.depth--
		restored := &frame.rememberedState[frame.depth]
		frame.CFA = restored.cfa
		frame.regs = restored.regs

	case DW_CFA_def_cfa:
		reg, offset, err := frame.regOffset(false)
		if err != nil {
			return err
		}
		frame.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: offset}
		frame.useCFAReg(reg)

	case DW_CFA_def_cfa_sf:
		reg, offset, err := frame.regOffset(true)
		if err != nil {
			return err
		}
		frame.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: offset * frame.dataAlignment}
		frame.useCFAReg(reg)

	case DW_CFA_def_cfa_register:
		reg, err := frame.uleb()
		if err != nil {
			return err
		}
		frame.CFA.Rule = RuleCFA
		frame.CFA.Reg = reg
		frame.CFA.Expression = nil
		frame.useCFAReg(reg)

	case DW_CFA_def_cfa_offset:
		offset, err := frame.uleb()
		if err != nil {
			return err
		}
		frame.CFA.Offset = int64(offset)

	case DW_CFA_def_cfa_offset_sf:
		offset, err := frame.sleb()
		if err != nil {
			return err
		}
		frame.CFA.Offset = offset * frame.dataAlignment

	case DW_CFA_def_cfa_expression:
		expr, err := frame.block()
		if err != nil {
			return err
		}
		frame.CFA = DWRule{Rule: RuleExpression, Expression: expr}

	case DW_CFA_expression, DW_CFA_val_expression:
		reg, err := frame.uleb()
		if err != nil {
			return err
		}
		expr, err := frame.block()
		if err != nil {
			return err
		}
		rule := RuleExpression
		if instruction == DW_CFA_val_expression {
			rule = RuleValExpression
		}
		return frame.regs.set(reg, DWRule{Rule: rule, Expression: expr})

	case DW_CFA_val_offset:
		reg, offset, err := frame.regOffset(false)
		if err != nil {
			return err
		}
		return frame.regs.set(reg, DWRule{Offset: offset * frame.dataAlignment, Rule: RuleValOffset})

	case DW_CFA_val_offset_sf:
		reg, offset, err := frame.regOffset(true)
		if err != nil {
			return err
		}
		return frame.regs.set(reg, DWRule{Offset: offset * frame.dataAlignment, Rule: RuleValOffset})

	case DW_CFA_GNU_window_save:
		frame.RASigned = !frame.RASigned

	case DW_CFA_GNU_args_size:
		_, err := frame.uleb()
		return err

	default:
		return ErrUnknownOpcode
	}
	return nil
}

func (frame *FrameContext) restore(reg uint64) error {
	return frame.regs.set(reg, frame.initialRegs.get(reg))
}

func (frame *FrameContext) setloc() error {
	cie := frame.cie
	var enc ptrEnc = ptrEncAbs
	if cie.ehFrameAddr != 0 {
		enc = cie.ptrEncAddr
	}
	pc := frame.fde.instrAddr + uint64(frame.pos)
	loc, n, err := decodePtr(frame.buf[frame.pos:], enc, cie.ptrSize, frame.order, pc)
	if err != nil {
		return ErrTruncated
	}
	frame.pos += n
	frame.loc = loc + cie.staticBase
	return nil
}

func (rule DWRule) format(name func(uint64) string) string {
	switch rule.Rule {
	case RuleOffset:
		return fmt.Sprintf("c%+d", rule.Offset)
	case RuleValOffset:
		return fmt.Sprintf("v:c%+d", rule.Offset)
	case RuleRegister:
		return name(rule.Reg)
	case RuleCFA:
		return fmt.Sprintf("%s%+d", name(rule.Reg), rule.Offset)
	case RuleFramePointer:
		return fmt.Sprintf("fp:%s%+d", name(rule.Reg), rule.Offset)
	case RuleExpression, RuleValExpression:
		return fmt.Sprintf("%s[%x]", rule.Rule, rule.Expression)
	default:
		return rule.Rule.String()
	}
}

// Format returns a one line description of the row, like readelf's
// --debug-dump=frames-interp, using name to print register numbers.
func (frame *FrameContext) Format(name func(uint64) string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cfa=%s", frame.CFA.format(name))
	for i := 0; i < frame.regs.n; i++ {
		r := &frame.regs.rules[i]
		if r.rule.Rule == RuleUnused {
			continue
		}
		fmt.Fprintf(&sb, " %s=%s", name(r.num), r.rule.format(name))
	}
	return sb.String()
}
