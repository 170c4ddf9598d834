// Package arch describes the register sets of the architectures the
// unwinder supports.
//
// Each architecture is a zero size type satisfying the Arch constraint.
// Execution contexts and cursors are parametrized on it so that a register
// number of one architecture can not be used with a context of another.
package arch

import (
	"encoding/binary"

	"github.com/go-delve/unwind/pkg/dwarf/frame"
)

// RegNum is a DWARF register number of the target architecture.
type RegNum uint64

// MaxRegs is the number of register slots of an execution context, every
// register number of every supported architecture is below it.
const MaxRegs = 96

// RegClass is the class of a register.
type RegClass uint8

const (
	ClassNone  RegClass = iota // not a register of the architecture
	ClassInt                   // 64-bit integer register
	ClassFloat                 // floating point or vector register, 16 byte slot
)

// Arch is satisfied by the types describing each supported architecture.
type Arch interface {
	AMD64 | ARM64 | MIPS64
	Model() *Model
}

// SignalReg is a register saved in the signal context.
type SignalReg struct {
	Reg    RegNum
	Offset uint64 // from the start of the saved register area
}

// SignalLayout describes where the kernel saves the interrupted registers
// relative to the stack pointer at the signal return trampoline.
type SignalLayout struct {
	// RegsOffset is the distance between the stack pointer and the saved
	// register area.
	RegsOffset uint64
	Regs       []SignalReg
}

// Model describes one architecture.
type Model struct {
	Name      string
	PtrSize   int
	ByteOrder binary.ByteOrder
	// FPSize is the number of bytes of a float register saved on the
	// stack by the calling convention.
	FPSize int

	PCRegNum RegNum
	SPRegNum RegNum
	BPRegNum RegNum
	// RARegNum is the register holding the return address at function
	// entry, also the default return address column.
	RARegNum RegNum

	classes  [MaxRegs]RegClass
	readOnly [MaxRegs]bool
	names    func(uint64) string

	// Signal is nil when signal frames are not supported.
	Signal *SignalLayout
	// SigreturnLen is the size of the signal return trampoline code.
	SigreturnLen int
	isSigreturn  func(code []byte) bool

	framePointerRules func(fctxt *frame.FrameContext)

	// RAMask is applied to return addresses signed with pointer
	// authentication. Zero means the architecture has no such thing.
	RAMask uint64
}

// Valid returns true if n is a register of the architecture.
func (m *Model) Valid(n RegNum) bool {
	return n < MaxRegs && m.classes[n] != ClassNone
}

// Class returns the class of register n.
func (m *Model) Class(n RegNum) RegClass {
	if n >= MaxRegs {
		return ClassNone
	}
	return m.classes[n]
}

// ReadOnly returns true if register n can not be written.
func (m *Model) ReadOnly(n RegNum) bool {
	return n < MaxRegs && m.readOnly[n]
}

// RegName returns the name of register n.
func (m *Model) RegName(n RegNum) string {
	return m.names(uint64(n))
}

// IsSigreturn returns true if code starts with the kernel's signal return
// trampoline.
func (m *Model) IsSigreturn(code []byte) bool {
	if m.isSigreturn == nil || len(code) < m.SigreturnLen {
		return false
	}
	return m.isSigreturn(code)
}

// FramePointerRules fills fctxt with the rules to unwind a frame using the
// frame pointer chain. It returns false if the architecture has no frame
// pointer convention.
func (m *Model) FramePointerRules(fctxt *frame.FrameContext) bool {
	if m.framePointerRules == nil {
		return false
	}
	fctxt.Reset(uint64(m.RARegNum))
	m.framePointerRules(fctxt)
	return true
}

func (m *Model) setClass(class RegClass, first, last RegNum) {
	for i := first; i <= last; i++ {
		m.classes[i] = class
	}
}

// framePointerRules returns a rule setter for the usual frame layout where
// the CFA is bp+2*ptrsize, the return address is just below the CFA and
// the caller's bp below it.
func framePointerRules(ra, bp, sp RegNum, ptrSize int) func(*frame.FrameContext) {
	return func(fctxt *frame.FrameContext) {
		fctxt.CFA = frame.DWRule{
			Rule:   frame.RuleCFA,
			Reg:    uint64(bp),
			Offset: int64(2 * ptrSize),
		}
		fctxt.SetReg(uint64(ra), frame.DWRule{
			Rule:   frame.RuleOffset,
			Offset: int64(-ptrSize),
		})
		fctxt.SetReg(uint64(bp), frame.DWRule{
			Rule:   frame.RuleOffset,
			Offset: int64(-2 * ptrSize),
		})
		fctxt.SetReg(uint64(sp), frame.DWRule{
			Rule:   frame.RuleValOffset,
			Offset: 0,
		})
	}
}
