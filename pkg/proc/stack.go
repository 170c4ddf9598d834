package proc

import (
	"encoding/binary"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/dwarf/op"
)

// Cursor walks the stack of one thread, one frame at a time. It starts at
// the frame described by the context it was initialized with and Step
// replaces that context with the caller's.
//
// A Cursor holds no resources and can be discarded at any time. It must
// not be used concurrently and, once initialized, must not be copied.
// Step does not allocate.
type Cursor[A arch.Arch] struct {
	ctx   Context[A]
	next  Context[A]
	model *arch.Model
	le    bool
	reg   *Registry
	mem   MemoryReader

	info    ProcInfo
	infoErr error

	fctxt      frame.FrameContext
	rulesValid bool
	usingFP    bool
	cfa        uint64
	cfaValid   bool

	signal bool // the current frame is a signal trampoline
	pcIsRA bool // the current PC is a return address

	prevCFA    uint64
	hasPrev    bool
	prevSignal bool

	fpFallback bool
	valid      bool
	atEnd      bool
	err        error

	scratch [16]byte
}

// InitLocal initializes c to walk the stack described by ctx in the
// current process.
func InitLocal[A arch.Arch](c *Cursor[A], ctx *Context[A], reg *Registry) error {
	return InitRemote(c, ctx, reg, LocalMemory{})
}

// InitRemote initializes c to walk the stack described by ctx, reading
// memory through mem. Failing to find unwind information for the program
// counter is not an error here: it is reported by GetProcInfo and Step.
func InitRemote[A arch.Arch](c *Cursor[A], ctx *Context[A], reg *Registry, mem MemoryReader) error {
	if c == nil {
		return ErrUnspecified
	}
	*c = Cursor[A]{}
	if ctx == nil || reg == nil || mem == nil {
		return ErrUnspecified
	}
	c.ctx = *ctx
	c.model = ctx.Model()
	c.le = c.model.ByteOrder == binary.LittleEndian
	c.reg = reg
	c.mem = mem
	c.valid = true
	c.resolve()
	return nil
}

// SetFramePointerFallback enables unwinding frames without unwind
// information by following the frame pointer chain, on architectures that
// have a frame pointer convention.
func (c *Cursor[A]) SetFramePointerFallback(enabled bool) {
	c.fpFallback = enabled
	c.rulesValid = false
	c.cfaValid = false
}

// Reg returns the value of integer register n in the current frame.
func (c *Cursor[A]) Reg(n arch.RegNum) (uint64, error) {
	if !c.valid {
		return 0, ErrUnspecified
	}
	if c.model.Class(n) != arch.ClassInt {
		return 0, ErrBadReg
	}
	v, ok := c.ctx.Reg(n)
	if !ok {
		return 0, ErrBadReg
	}
	return v, nil
}

// SetReg changes the value of integer register n in the current frame.
// Changing the program counter looks up the procedure again and makes the
// program counter exact, subsequent frames are unwound from the new
// state.
func (c *Cursor[A]) SetReg(n arch.RegNum, v uint64) error {
	if !c.valid {
		return ErrUnspecified
	}
	if c.model.Class(n) != arch.ClassInt {
		return ErrBadReg
	}
	if c.model.ReadOnly(n) {
		return ErrReadOnlyReg
	}
	c.ctx.SetReg(n, v)
	c.err = nil
	c.atEnd = false
	c.cfaValid = false
	if n == c.model.PCRegNum {
		c.pcIsRA = false
		c.resolve()
	}
	return nil
}

// FPReg returns the value of floating point register n in the current
// frame.
func (c *Cursor[A]) FPReg(n arch.RegNum) ([16]byte, error) {
	if !c.valid {
		return [16]byte{}, ErrUnspecified
	}
	if c.model.Class(n) != arch.ClassFloat {
		return [16]byte{}, ErrBadReg
	}
	v, ok := c.ctx.FPReg(n)
	if !ok {
		return [16]byte{}, ErrBadReg
	}
	return v, nil
}

// SetFPReg changes the value of floating point register n in the current
// frame.
func (c *Cursor[A]) SetFPReg(n arch.RegNum, v [16]byte) error {
	if !c.valid {
		return ErrUnspecified
	}
	if c.model.Class(n) != arch.ClassFloat {
		return ErrBadReg
	}
	if c.model.ReadOnly(n) {
		return ErrReadOnlyReg
	}
	c.ctx.SetFPReg(n, v)
	return nil
}

// RegName returns the name of register n.
func (c *Cursor[A]) RegName(n arch.RegNum) string {
	var a A
	return a.Model().RegName(n)
}

// GetProcInfo returns the procedure containing the current frame.
func (c *Cursor[A]) GetProcInfo() (ProcInfo, error) {
	if !c.valid {
		return ProcInfo{}, ErrUnspecified
	}
	if c.infoErr != nil {
		return ProcInfo{}, c.infoErr
	}
	return c.info, nil
}

// IsSignalFrame returns true if the current frame is a signal trampoline,
// the caller's frame is the one interrupted by the signal.
func (c *Cursor[A]) IsSignalFrame() bool {
	return c.valid && c.signal
}

// PC returns the program counter of the current frame.
func (c *Cursor[A]) PC() uint64 {
	return c.ctx.PC()
}

// SP returns the stack pointer of the current frame.
func (c *Cursor[A]) SP() uint64 {
	return c.ctx.SP()
}

// Context returns a copy of the register state of the current frame.
func (c *Cursor[A]) Context() Context[A] {
	return c.ctx
}

// Err returns the error that stopped the last Step, if any.
func (c *Cursor[A]) Err() error {
	return c.err
}

// CFA returns the canonical frame address of the current frame, the value
// of the stack pointer before the call that created it.
func (c *Cursor[A]) CFA() (uint64, error) {
	if !c.valid {
		return 0, ErrUnspecified
	}
	if c.cfaValid {
		return c.cfa, nil
	}
	if c.signal && c.model.Signal != nil {
		c.cfa, c.cfaValid = c.ctx.SP(), true
		return c.cfa, nil
	}
	if err := c.rules(); err != nil {
		return 0, err
	}
	cfa, err := c.computeCFA()
	if err != nil {
		return 0, err
	}
	c.cfa, c.cfaValid = cfa, true
	return cfa, nil
}

// Step moves the cursor to the caller of the current frame. It returns
// false and a nil error when there is no caller. Errors are sticky: once
// Step fails it keeps returning the same error until the registers are
// changed with SetReg.
func (c *Cursor[A]) Step() (bool, error) {
	if !c.valid {
		return false, ErrUnspecified
	}
	if c.err != nil {
		return false, c.err
	}
	if c.atEnd {
		return false, nil
	}
	more, err := c.step()
	if err != nil {
		c.err = err
		return false, err
	}
	if !more {
		c.atEnd = true
	}
	return more, nil
}

func (c *Cursor[A]) step() (bool, error) {
	m := c.model
	pc, ok := c.ctx.Reg(m.PCRegNum)
	if !ok || pc == 0 {
		return false, nil
	}
	if c.signal && m.Signal != nil {
		return c.stepSignal()
	}

	cfa, err := c.CFA()
	if err != nil {
		return false, err
	}
	if c.usingFP {
		if bp, ok := c.ctx.Reg(m.BPRegNum); !ok || bp == 0 {
			return false, nil
		}
	}

	c.next = c.ctx
	c.next.SetReg(m.SPRegNum, cfa)
	for i := 0; i < c.fctxt.NumRules(); i++ {
		regnum, rule := c.fctxt.RuleAt(i)
		if err := c.applyRule(arch.RegNum(regnum), rule, cfa); err != nil {
			return false, err
		}
	}

	raReg := arch.RegNum(c.fctxt.RetAddrReg)
	ra, ok := c.next.Reg(raReg)
	if !ok || ra == 0 {
		return false, nil
	}
	if c.fctxt.RASigned && m.RAMask != 0 {
		ra &= m.RAMask
	}
	if ra == pc && cfa <= c.ctx.SP() {
		return false, ErrBadFrame
	}
	if c.hasPrev && !c.prevSignal && cfa <= c.prevCFA {
		return false, ErrBadFrame
	}
	c.next.SetReg(m.PCRegNum, ra)

	c.prevCFA, c.hasPrev, c.prevSignal = cfa, true, false
	c.ctx = c.next
	c.pcIsRA = true
	c.resolve()
	return true, nil
}

// lookupPC returns the address used to find the unwind information of the
// current frame. A return address may be just past the end of the
// procedure that made the call.
func (c *Cursor[A]) lookupPC() uint64 {
	pc := c.ctx.PC()
	if c.pcIsRA && pc > 0 {
		return pc - 1
	}
	return pc
}

// resolve finds the procedure of the current frame and discards
// everything computed for the previous one.
func (c *Cursor[A]) resolve() {
	c.rulesValid = false
	c.usingFP = false
	c.cfaValid = false
	c.info, c.infoErr = c.reg.Lookup(c.lookupPC())
	if c.infoErr == nil {
		c.signal = c.info.Flags&FlagSignalFrame != 0
	} else {
		c.signal = c.atSigreturn()
	}
}

// rules establishes the unwind rules of the current frame.
func (c *Cursor[A]) rules() error {
	if c.rulesValid {
		return nil
	}
	if c.infoErr != nil {
		if c.fpFallback && c.model.FramePointerRules(&c.fctxt) {
			c.rulesValid, c.usingFP = true, true
			return nil
		}
		return c.infoErr
	}
	if err := c.fctxt.Establish(c.info.FDE, c.lookupPC()); err != nil {
		if err == frame.ErrBadVersion {
			return ErrBadVersion
		}
		return ErrInvalid
	}
	c.rulesValid = true
	return nil
}

func (c *Cursor[A]) computeCFA() (uint64, error) {
	rule := c.fctxt.CFA
	switch rule.Rule {
	case frame.RuleCFA:
		v, ok := c.ctx.Reg(arch.RegNum(rule.Reg))
		if !ok {
			return 0, ErrBadFrame
		}
		return uint64(int64(v) + rule.Offset), nil
	case frame.RuleExpression:
		v, err := op.ExecuteStackProgram(c.env(), rule.Expression, c.model.PtrSize, c.model.ByteOrder)
		if err != nil {
			return 0, exprError(err)
		}
		return v, nil
	}
	return 0, ErrInvalid
}

// applyRule recovers register n of the caller into c.next.
func (c *Cursor[A]) applyRule(n arch.RegNum, rule frame.DWRule, cfa uint64) error {
	m := c.model
	if !m.Valid(n) {
		return nil
	}
	switch rule.Rule {
	case frame.RuleUnused:
		return nil
	case frame.RuleSameVal:
		// c.next already holds the CFA in the stack pointer
		if m.Class(n) == arch.ClassFloat {
			if v, ok := c.ctx.FPReg(n); ok {
				c.next.SetFPReg(n, v)
				return nil
			}
		} else if v, ok := c.ctx.Reg(n); ok {
			c.next.SetReg(n, v)
			return nil
		}
		c.next.Undefine(n)
		return nil
	case frame.RuleUndefined:
		c.next.Undefine(n)
		return nil
	case frame.RuleOffset, frame.RuleFramePointer:
		return c.load(n, uint64(int64(cfa)+rule.Offset))
	case frame.RuleValOffset:
		c.setValue(n, uint64(int64(cfa)+rule.Offset))
		return nil
	case frame.RuleCFA:
		v, ok := c.ctx.Reg(arch.RegNum(rule.Reg))
		if !ok {
			c.next.Undefine(n)
			return nil
		}
		c.setValue(n, uint64(int64(v)+rule.Offset))
		return nil
	case frame.RuleRegister:
		src := arch.RegNum(rule.Reg)
		if m.Class(n) == arch.ClassFloat {
			if v, ok := c.ctx.FPReg(src); ok {
				c.next.SetFPReg(n, v)
				return nil
			}
		} else if v, ok := c.ctx.Reg(src); ok {
			c.next.SetReg(n, v)
			return nil
		}
		c.next.Undefine(n)
		return nil
	case frame.RuleExpression:
		addr, err := op.ExecuteStackProgramCFA(c.env(), rule.Expression, m.PtrSize, m.ByteOrder, cfa)
		if err != nil {
			return exprError(err)
		}
		return c.load(n, addr)
	case frame.RuleValExpression:
		v, err := op.ExecuteStackProgramCFA(c.env(), rule.Expression, m.PtrSize, m.ByteOrder, cfa)
		if err != nil {
			return exprError(err)
		}
		c.setValue(n, v)
		return nil
	}
	return ErrInvalid
}

// load reads the saved value of register n at addr into c.next.
func (c *Cursor[A]) load(n arch.RegNum, addr uint64) error {
	m := c.model
	if m.Class(n) == arch.ClassFloat {
		b := c.scratch[:m.FPSize]
		if k, err := c.mem.ReadMemory(b, addr); err != nil || k != len(b) {
			return ErrBadFrame
		}
		var v [16]byte
		copy(v[:], b)
		c.next.SetFPReg(n, v)
		return nil
	}
	v, err := c.readUint(addr, m.PtrSize)
	if err != nil {
		if uint64(n) == c.fctxt.RetAddrReg {
			return ErrInvalidIP
		}
		return ErrBadFrame
	}
	c.next.SetReg(n, v)
	return nil
}

func (c *Cursor[A]) setValue(n arch.RegNum, v uint64) {
	if c.model.Class(n) == arch.ClassFloat {
		var b [16]byte
		for i := 0; i < 8; i++ {
			if c.le {
				b[i] = byte(v >> (8 * i))
			} else {
				b[7-i] = byte(v >> (8 * i))
			}
		}
		c.next.SetFPReg(n, b)
		return
	}
	c.next.SetReg(n, v)
}

func (c *Cursor[A]) readUint(addr uint64, sz int) (uint64, error) {
	return readUintRaw(c.mem, &c.scratch, addr, sz, c.le)
}

func exprError(err error) error {
	switch err {
	case op.ErrMemory, op.ErrUndefinedReg:
		return ErrBadFrame
	}
	return ErrInvalid
}

// cursorEnv evaluates DWARF expressions against the current frame.
type cursorEnv[A arch.Arch] Cursor[A]

func (c *Cursor[A]) env() *cursorEnv[A] {
	return (*cursorEnv[A])(c)
}

func (e *cursorEnv[A]) Reg(regnum uint64) (uint64, bool) {
	return e.ctx.Reg(arch.RegNum(regnum))
}

func (e *cursorEnv[A]) Deref(addr uint64, size int) (uint64, error) {
	if size <= 0 || size > 8 {
		return 0, ErrInvalid
	}
	return (*Cursor[A])(e).readUint(addr, size)
}
