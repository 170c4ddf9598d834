// Package op implements a bounded evaluator for the DWARF expressions that
// appear in call frame information (DW_CFA_def_cfa_expression,
// DW_CFA_expression and DW_CFA_val_expression).
package op

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
)

// Opcode represent a DWARF stack program instruction.
// See ./opcodes.go for a full list.
type Opcode byte

const (
	// MaxStackDepth is the maximum number of values on the stack.
	MaxStackDepth = 64
	// MaxSteps is the maximum number of operations executed by one
	// program, it bounds programs that loop with DW_OP_bra.
	MaxSteps = 1024
)

var (
	ErrStackUnderflow = errors.New("DWARF stack underflow")
	ErrStackOverflow  = errors.New("DWARF stack overflow")
	ErrEmptyStack     = errors.New("empty OP stack")
	ErrTruncated      = errors.New("truncated DWARF expression")
	ErrInvalidOpcode  = errors.New("invalid or unsupported DWARF expression opcode")
	ErrTooManySteps   = errors.New("DWARF expression did not terminate")
	ErrDivideByZero   = errors.New("DWARF expression divides by zero")
	ErrUndefinedReg   = errors.New("DWARF expression uses an undefined register")
	ErrMemory         = errors.New("DWARF expression dereferences unreadable memory")
)

// Env is the machine state a stack program runs against.
type Env interface {
	// Reg returns the value of DWARF register regnum and false if the
	// register is not defined.
	Reg(regnum uint64) (uint64, bool)
	// Deref reads a size bytes wide unsigned integer at addr.
	Deref(addr uint64, size int) (uint64, error)
}

type context struct {
	buf     []byte
	pos     int
	stack   [MaxStackDepth]uint64
	sp      int
	ptrSize int
	order   binary.ByteOrder
	env     Env
}

// ExecuteStackProgram executes a DWARF expression and returns the value on
// top of the stack when it terminates.
func ExecuteStackProgram(env Env, instructions []byte, ptrSize int, order binary.ByteOrder) (uint64, error) {
	ctxt := context{buf: instructions, ptrSize: ptrSize, order: order, env: env}
	return ctxt.run()
}

// ExecuteStackProgramCFA is like ExecuteStackProgram but the stack starts
// with cfa pushed on it, as required for DW_CFA_expression and
// DW_CFA_val_expression.
func ExecuteStackProgramCFA(env Env, instructions []byte, ptrSize int, order binary.ByteOrder, cfa uint64) (uint64, error) {
	ctxt := context{buf: instructions, ptrSize: ptrSize, order: order, env: env}
	ctxt.stack[0] = cfa
	ctxt.sp = 1
	return ctxt.run()
}

func (ctxt *context) push(v uint64) error {
	if ctxt.sp >= MaxStackDepth {
		return ErrStackOverflow
	}
	ctxt.stack[ctxt.sp] = v
	ctxt.sp++
	return nil
}

func (ctxt *context) pop() (uint64, error) {
	if ctxt.sp == 0 {
		return 0, ErrStackUnderflow
	}
	ctxt.sp--
	return ctxt.stack[ctxt.sp], nil
}

func (ctxt *context) pop2() (a, b uint64, err error) {
	if ctxt.sp < 2 {
		return 0, 0, ErrStackUnderflow
	}
	ctxt.sp -= 2
	return ctxt.stack[ctxt.sp], ctxt.stack[ctxt.sp+1], nil
}

func (ctxt *context) fixed(sz int) (uint64, error) {
	if ctxt.pos+sz > len(ctxt.buf) {
		return 0, ErrTruncated
	}
	b := ctxt.buf[ctxt.pos : ctxt.pos+sz]
	ctxt.pos += sz
	switch sz {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(ctxt.order.Uint16(b)), nil
	case 4:
		return uint64(ctxt.order.Uint32(b)), nil
	case 8:
		return ctxt.order.Uint64(b), nil
	}
	return 0, ErrInvalidOpcode
}

func (ctxt *context) uleb() (uint64, error) {
	v, n, err := leb128.Unsigned(ctxt.buf[ctxt.pos:])
	if err != nil {
		return 0, ErrTruncated
	}
	ctxt.pos += n
	return v, nil
}

func (ctxt *context) sleb() (int64, error) {
	v, n, err := leb128.Signed(ctxt.buf[ctxt.pos:])
	if err != nil {
		return 0, ErrTruncated
	}
	ctxt.pos += n
	return v, nil
}

func (ctxt *context) reg(regnum uint64) (uint64, error) {
	v, ok := ctxt.env.Reg(regnum)
	if !ok {
		return 0, ErrUndefinedReg
	}
	return v, nil
}

func signExtend(v uint64, sz int) uint64 {
	shift := 64 - 8*uint(sz)
	return uint64(int64(v<<shift) >> shift)
}

func boolval(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (ctxt *context) run() (uint64, error) {
	for steps := 0; ctxt.pos < len(ctxt.buf); steps++ {
		if steps >= MaxSteps {
			return 0, ErrTooManySteps
		}
		if err := ctxt.step(); err != nil {
			return 0, err
		}
	}
	if ctxt.sp == 0 {
		return 0, ErrEmptyStack
	}
	return ctxt.stack[ctxt.sp-1], nil
}

func (ctxt *context) step() error {
	opcode := Opcode(ctxt.buf[ctxt.pos])
	ctxt.pos++

	switch {
	case opcode >= DW_OP_lit0 && opcode <= DW_OP_lit31:
		return ctxt.push(uint64(opcode - DW_OP_lit0))
	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
		off, err := ctxt.sleb()
		if err != nil {
			return err
		}
		v, err := ctxt.reg(uint64(opcode - DW_OP_breg0))
		if err != nil {
			return err
		}
		return ctxt.push(v + uint64(off))
	}

	switch opcode {
	case DW_OP_nop:
		return nil

	case DW_OP_addr:
		v, err := ctxt.fixed(ctxt.ptrSize)
		if err != nil {
			return err
		}
		return ctxt.push(v)

	case DW_OP_const1u, DW_OP_const2u, DW_OP_const4u, DW_OP_const8u,
		DW_OP_const1s, DW_OP_const2s, DW_OP_const4s, DW_OP_const8s:
		var sz int
		switch opcode {
		case DW_OP_const1u, DW_OP_const1s:
			sz = 1
		case DW_OP_const2u, DW_OP_const2s:
			sz = 2
		case DW_OP_const4u, DW_OP_const4s:
			sz = 4
		default:
			sz = 8
		}
		v, err := ctxt.fixed(sz)
		if err != nil {
			return err
		}
		if opcode == DW_OP_const1s || opcode == DW_OP_const2s || opcode == DW_OP_const4s {
			v = signExtend(v, sz)
		}
		return ctxt.push(v)

	case DW_OP_constu:
		v, err := ctxt.uleb()
		if err != nil {
			return err
		}
		return ctxt.push(v)

	case DW_OP_consts:
		v, err := ctxt.sleb()
		if err != nil {
			return err
		}
		return ctxt.push(uint64(v))

	case DW_OP_bregx:
		regnum, err := ctxt.uleb()
		if err != nil {
			return err
		}
		off, err := ctxt.sleb()
		if err != nil {
			return err
		}
		v, err := ctxt.reg(regnum)
		if err != nil {
			return err
		}
		return ctxt.push(v + uint64(off))

	case DW_OP_dup:
		if ctxt.sp == 0 {
			return ErrStackUnderflow
		}
		return ctxt.push(ctxt.stack[ctxt.sp-1])

	case DW_OP_drop:
		_, err := ctxt.pop()
		return err

	case DW_OP_over:
		if ctxt.sp < 2 {
			return ErrStackUnderflow
		}
		return ctxt.push(ctxt.stack[ctxt.sp-2])

	case DW_OP_pick:
		idx, err := ctxt.fixed(1)
		if err != nil {
			return err
		}
		if int(idx) >= ctxt.sp {
			return ErrStackUnderflow
		}
		return ctxt.push(ctxt.stack[ctxt.sp-1-int(idx)])

	case DW_OP_swap:
		if ctxt.sp < 2 {
			return ErrStackUnderflow
		}
		s := ctxt.stack[:ctxt.sp]
		s[len(s)-1], s[len(s)-2] = s[len(s)-2], s[len(s)-1]
		return nil

	case DW_OP_rot:
		if ctxt.sp < 3 {
			return ErrStackUnderflow
		}
		s := ctxt.stack[:ctxt.sp]
		n := len(s)
		s[n-1], s[n-2], s[n-3] = s[n-2], s[n-3], s[n-1]
		return nil

	case DW_OP_deref, DW_OP_deref_size:
		sz := ctxt.ptrSize
		if opcode == DW_OP_deref_size {
			v, err := ctxt.fixed(1)
			if err != nil {
				return err
			}
			sz = int(v)
			if sz == 0 || sz > 8 {
				return ErrInvalidOpcode
			}
		}
		addr, err := ctxt.pop()
		if err != nil {
			return err
		}
		v, err := ctxt.env.Deref(addr, sz)
		if err != nil {
			return ErrMemory
		}
		return ctxt.push(v)

	case DW_OP_abs, DW_OP_neg, DW_OP_not:
		if ctxt.sp == 0 {
			return ErrStackUnderflow
		}
		top := &ctxt.stack[ctxt.sp-1]
		switch opcode {
		case DW_OP_abs:
			if int64(*top) < 0 {
				*top = uint64(-int64(*top))
			}
		case DW_OP_neg:
			*top = uint64(-int64(*top))
		case DW_OP_not:
			*top = ^*top
		}
		return nil

	case DW_OP_plus_uconst:
		v, err := ctxt.uleb()
		if err != nil {
			return err
		}
		if ctxt.sp == 0 {
			return ErrStackUnderflow
		}
		ctxt.stack[ctxt.sp-1] += v
		return nil

	case DW_OP_and, DW_OP_div, DW_OP_minus, DW_OP_mod, DW_OP_mul, DW_OP_or,
		DW_OP_plus, DW_OP_shl, DW_OP_shr, DW_OP_shra, DW_OP_xor,
		DW_OP_eq, DW_OP_ge, DW_OP_gt, DW_OP_le, DW_OP_lt, DW_OP_ne:
		a, b, err := ctxt.pop2()
		if err != nil {
			return err
		}
		var r uint64
		switch opcode {
		case DW_OP_and:
			r = a & b
		case DW_OP_div:
			if b == 0 {
				return ErrDivideByZero
			}
			r = uint64(int64(a) / int64(b))
		case DW_OP_minus:
			r = a - b
		case DW_OP_mod:
			if b == 0 {
				return ErrDivideByZero
			}
			r = a % b
		case DW_OP_mul:
			r = a * b
		case DW_OP_or:
			r = a | b
		case DW_OP_plus:
			r = a + b
		case DW_OP_shl:
			r = a << b
		case DW_OP_shr:
			r = a >> b
		case DW_OP_shra:
			r = uint64(int64(a) >> b)
		case DW_OP_xor:
			r = a ^ b
		case DW_OP_eq:
			r = boolval(a == b)
		case DW_OP_ge:
			r = boolval(int64(a) >= int64(b))
		case DW_OP_gt:
			r = boolval(int64(a) > int64(b))
		case DW_OP_le:
			r = boolval(int64(a) <= int64(b))
		case DW_OP_lt:
			r = boolval(int64(a) < int64(b))
		case DW_OP_ne:
			r = boolval(a != b)
		}
		return ctxt.push(r)

	case DW_OP_skip, DW_OP_bra:
		v, err := ctxt.fixed(2)
		if err != nil {
			return err
		}
		off := int(int16(v))
		if opcode == DW_OP_bra {
			cond, err := ctxt.pop()
			if err != nil {
				return err
			}
			if cond == 0 {
				return nil
			}
		}
		dst := ctxt.pos + off
		if dst < 0 || dst > len(ctxt.buf) {
			return ErrTruncated
		}
		ctxt.pos = dst
		return nil
	}

	// Register location descriptions, pieces, calls, TLS and the CFA
	// operator have no meaning inside call frame information.
	return ErrInvalidOpcode
}

// PrettyPrint prints the DWARF stack program instructions to `out`.
func PrettyPrint(out io.Writer, instructions []byte, ptrSize int, order binary.ByteOrder) {
	ctxt := context{buf: instructions, ptrSize: ptrSize, order: order}

	for ctxt.pos < len(ctxt.buf) {
		opcode := Opcode(ctxt.buf[ctxt.pos])
		ctxt.pos++
		args := opcodeArgs[opcode]
		switch {
		case opcode >= DW_OP_lit0 && opcode <= DW_OP_lit31:
			fmt.Fprintf(out, "DW_OP_lit%d ", opcode-DW_OP_lit0)
		case opcode >= DW_OP_reg0 && opcode <= DW_OP_reg31:
			fmt.Fprintf(out, "DW_OP_reg%d ", opcode-DW_OP_reg0)
		case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
			fmt.Fprintf(out, "DW_OP_breg%d ", opcode-DW_OP_breg0)
			args = "s"
		default:
			if name, hasname := opcodeName[opcode]; hasname {
				io.WriteString(out, name)
				out.Write([]byte{' '})
			} else {
				fmt.Fprintf(out, "%#x ", byte(opcode))
			}
		}
		for _, arg := range args {
			var (
				n   uint64
				err error
			)
			switch arg {
			case 's':
				var x int64
				x, err = ctxt.sleb()
				n = uint64(x)
				if err == nil {
					fmt.Fprintf(out, "%d ", x)
				}
			case 'u':
				n, err = ctxt.uleb()
				if err == nil {
					fmt.Fprintf(out, "%#x ", n)
				}
			case '1', '2', '4', '8':
				n, err = ctxt.fixed(int(arg - '0'))
				if err == nil {
					fmt.Fprintf(out, "%#x ", n)
				}
			case 'a':
				n, err = ctxt.fixed(ctxt.ptrSize)
				if err == nil {
					fmt.Fprintf(out, "%#x ", n)
				}
			case 'B':
				n, err = ctxt.uleb()
				if err == nil {
					if n > uint64(len(ctxt.buf)-ctxt.pos) {
						n = uint64(len(ctxt.buf) - ctxt.pos)
					}
					fmt.Fprintf(out, "%d [%x] ", n, ctxt.buf[ctxt.pos:ctxt.pos+int(n)])
					ctxt.pos += int(n)
				}
			}
			if err != nil {
				io.WriteString(out, "<truncated>")
				return
			}
		}
	}
}
