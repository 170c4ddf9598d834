package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
)

// Call frame instruction opcodes.
const (
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
	cfaDefCFA           = 0x0c
	cfaDefCFARegister   = 0x0d
	cfaDefCFAOffset     = 0x0e
	cfaDefCFAExpression = 0x0f
	cfaExpression       = 0x10
	cfaOffsetExtendedSf = 0x11
	cfaDefCFASf         = 0x12
	cfaDefCFAOffsetSf   = 0x13
	cfaValOffset        = 0x14
	cfaValOffsetSf      = 0x15
	cfaValExpression    = 0x16
	cfaNegateRAState    = 0x2d
	cfaArgsSize         = 0x2e
	cfaAdvanceLoc       = 0x40
	cfaOffset           = 0x80
	cfaRestore          = 0xc0
)

// Program builds a sequence of call frame instructions. Offsets passed to
// Offset, ValOffset and their variants are already factored by the data
// alignment factor, deltas passed to AdvanceLoc by the code alignment
// factor.
type Program struct {
	buf bytes.Buffer
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{}
}

func (p *Program) op(op byte) *Program {
	p.buf.WriteByte(op)
	return p
}

func (p *Program) u(v uint64) *Program {
	leb128.EncodeUnsigned(&p.buf, v)
	return p
}

func (p *Program) s(v int64) *Program {
	leb128.EncodeSigned(&p.buf, v)
	return p
}

func (p *Program) block(b []byte) *Program {
	p.u(uint64(len(b)))
	p.buf.Write(b)
	return p
}

// Nop appends DW_CFA_nop.
func (p *Program) Nop() *Program { return p.op(cfaNop) }

// SetLoc appends DW_CFA_set_loc with an absolute 8 byte address.
func (p *Program) SetLoc(addr uint64) *Program {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr)
	p.op(cfaSetLoc)
	p.buf.Write(buf[:])
	return p
}

// AdvanceLoc appends the smallest DW_CFA_advance_loc variant that can
// encode delta.
func (p *Program) AdvanceLoc(delta uint64) *Program {
	switch {
	case delta < 0x40:
		return p.op(cfaAdvanceLoc | byte(delta))
	case delta <= 0xff:
		return p.op(cfaAdvanceLoc1).op(byte(delta))
	case delta <= 0xffff:
		p.op(cfaAdvanceLoc2)
		p.buf.Write([]byte{byte(delta), byte(delta >> 8)})
	default:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(delta))
		p.op(cfaAdvanceLoc4)
		p.buf.Write(buf[:])
	}
	return p
}

// DefCFA appends DW_CFA_def_cfa.
func (p *Program) DefCFA(reg, offset uint64) *Program {
	return p.op(cfaDefCFA).u(reg).u(offset)
}

// DefCFASf appends DW_CFA_def_cfa_sf.
func (p *Program) DefCFASf(reg uint64, offset int64) *Program {
	return p.op(cfaDefCFASf).u(reg).s(offset)
}

// DefCFARegister appends DW_CFA_def_cfa_register.
func (p *Program) DefCFARegister(reg uint64) *Program {
	return p.op(cfaDefCFARegister).u(reg)
}

// DefCFAOffset appends DW_CFA_def_cfa_offset.
func (p *Program) DefCFAOffset(offset uint64) *Program {
	return p.op(cfaDefCFAOffset).u(offset)
}

// DefCFAOffsetSf appends DW_CFA_def_cfa_offset_sf.
func (p *Program) DefCFAOffsetSf(offset int64) *Program {
	return p.op(cfaDefCFAOffsetSf).s(offset)
}

// DefCFAExpression appends DW_CFA_def_cfa_expression.
func (p *Program) DefCFAExpression(expr []byte) *Program {
	return p.op(cfaDefCFAExpression).block(expr)
}

// Offset appends DW_CFA_offset, or DW_CFA_offset_extended for registers
// that do not fit in the opcode.
func (p *Program) Offset(reg, offset uint64) *Program {
	if reg < 0x40 {
		return p.op(cfaOffset | byte(reg)).u(offset)
	}
	return p.op(cfaOffsetExtended).u(reg).u(offset)
}

// OffsetSf appends DW_CFA_offset_extended_sf.
func (p *Program) OffsetSf(reg uint64, offset int64) *Program {
	return p.op(cfaOffsetExtendedSf).u(reg).s(offset)
}

// ValOffset appends DW_CFA_val_offset.
func (p *Program) ValOffset(reg, offset uint64) *Program {
	return p.op(cfaValOffset).u(reg).u(offset)
}

// ValOffsetSf appends DW_CFA_val_offset_sf.
func (p *Program) ValOffsetSf(reg uint64, offset int64) *Program {
	return p.op(cfaValOffsetSf).u(reg).s(offset)
}

// Restore appends DW_CFA_restore, or DW_CFA_restore_extended.
func (p *Program) Restore(reg uint64) *Program {
	if reg < 0x40 {
		return p.op(cfaRestore | byte(reg))
	}
	return p.op(cfaRestoreExtended).u(reg)
}

// Undefined appends DW_CFA_undefined.
func (p *Program) Undefined(reg uint64) *Program {
	return p.op(cfaUndefined).u(reg)
}

// SameValue appends DW_CFA_same_value.
func (p *Program) SameValue(reg uint64) *Program {
	return p.op(cfaSameValue).u(reg)
}

// Register appends DW_CFA_register: reg is saved in other.
func (p *Program) Register(reg, other uint64) *Program {
	return p.op(cfaRegister).u(reg).u(other)
}

// Expression appends DW_CFA_expression.
func (p *Program) Expression(reg uint64, expr []byte) *Program {
	return p.op(cfaExpression).u(reg).block(expr)
}

// ValExpression appends DW_CFA_val_expression.
func (p *Program) ValExpression(reg uint64, expr []byte) *Program {
	return p.op(cfaValExpression).u(reg).block(expr)
}

// RememberState appends DW_CFA_remember_state.
func (p *Program) RememberState() *Program { return p.op(cfaRememberState) }

// RestoreState appends DW_CFA_restore_state.
func (p *Program) RestoreState() *Program { return p.op(cfaRestoreState) }

// NegateRAState appends DW_CFA_AARCH64_negate_ra_state.
func (p *Program) NegateRAState() *Program { return p.op(cfaNegateRAState) }

// ArgsSize appends DW_CFA_GNU_args_size.
func (p *Program) ArgsSize(size uint64) *Program {
	return p.op(cfaArgsSize).u(size)
}

// Raw appends arbitrary bytes.
func (p *Program) Raw(b ...byte) *Program {
	p.buf.Write(b)
	return p
}

// Bytes returns the encoded program.
func (p *Program) Bytes() []byte {
	return p.buf.Bytes()
}
