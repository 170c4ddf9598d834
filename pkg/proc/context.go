package proc

import (
	"github.com/go-delve/unwind/pkg/arch"
)

// Context is the machine register state of one frame of architecture A.
// It is a plain value: it can be copied and lives wherever it is declared.
//
// The layout is known to the capture routines: integer registers first,
// indexed by DWARF register number, then the 16 byte float/vector slots.
type Context[A arch.Arch] struct {
	regs      [arch.MaxRegs]uint64
	fpregs    [arch.MaxRegs][16]byte
	defined   [(arch.MaxRegs + 63) / 64]uint64
	fpdefined [(arch.MaxRegs + 63) / 64]uint64
}

// Model returns the description of the context's architecture.
func (ctx *Context[A]) Model() *arch.Model {
	var a A
	return a.Model()
}

func bit(set []uint64, n arch.RegNum) bool {
	return set[n/64]&(1<<(n%64)) != 0
}

func setbit(set []uint64, n arch.RegNum, v bool) {
	if v {
		set[n/64] |= 1 << (n % 64)
	} else {
		set[n/64] &^= 1 << (n % 64)
	}
}

// Reg returns the value of integer register n and whether it is defined.
func (ctx *Context[A]) Reg(n arch.RegNum) (uint64, bool) {
	if ctx.Model().Class(n) != arch.ClassInt || !bit(ctx.defined[:], n) {
		return 0, false
	}
	return ctx.regs[n], true
}

// SetReg sets integer register n. It returns false if n is not an integer
// register of the architecture.
func (ctx *Context[A]) SetReg(n arch.RegNum, v uint64) bool {
	if ctx.Model().Class(n) != arch.ClassInt {
		return false
	}
	ctx.regs[n] = v
	setbit(ctx.defined[:], n, true)
	return true
}

// FPReg returns the value of float/vector register n and whether it is
// defined.
func (ctx *Context[A]) FPReg(n arch.RegNum) ([16]byte, bool) {
	if ctx.Model().Class(n) != arch.ClassFloat || !bit(ctx.fpdefined[:], n) {
		return [16]byte{}, false
	}
	return ctx.fpregs[n], true
}

// SetFPReg sets float/vector register n. It returns false if n is not a
// float register of the architecture.
func (ctx *Context[A]) SetFPReg(n arch.RegNum, v [16]byte) bool {
	if ctx.Model().Class(n) != arch.ClassFloat {
		return false
	}
	ctx.fpregs[n] = v
	setbit(ctx.fpdefined[:], n, true)
	return true
}

// Undefine marks register n as not recoverable.
func (ctx *Context[A]) Undefine(n arch.RegNum) {
	if n >= arch.MaxRegs {
		return
	}
	setbit(ctx.defined[:], n, false)
	setbit(ctx.fpdefined[:], n, false)
}

// Defined returns true if register n has a value.
func (ctx *Context[A]) Defined(n arch.RegNum) bool {
	if n >= arch.MaxRegs {
		return false
	}
	return bit(ctx.defined[:], n) || bit(ctx.fpdefined[:], n)
}

// PC returns the program counter, zero if undefined.
func (ctx *Context[A]) PC() uint64 {
	v, _ := ctx.Reg(ctx.Model().PCRegNum)
	return v
}

// SP returns the stack pointer, zero if undefined.
func (ctx *Context[A]) SP() uint64 {
	v, _ := ctx.Reg(ctx.Model().SPRegNum)
	return v
}
