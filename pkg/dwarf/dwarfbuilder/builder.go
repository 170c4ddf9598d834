// Package dwarfbuilder provides a way to build .debug_frame and .eh_frame
// sections with arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
)

// Pointer encodings used by the eh_frame entries the builder emits.
const (
	ptrEncAbs         = 0x00
	ptrEncPCRelSdata4 = 0x1b
)

// CIE describes a Common Information Entry.
type CIE struct {
	Version       uint8 // defaults to 1 for .eh_frame and 3 for .debug_frame
	Augmentation  string
	CodeAlign     uint64
	DataAlign     int64
	ReturnAddrReg uint64
	Personality   uint64 // used if Augmentation contains 'P'
	Initial       []byte
}

// FDE describes a Frame Description Entry.
type FDE struct {
	CIE          int // offset returned by Builder.CIE
	Begin, Size  uint64
	LSDA         uint64 // used if the CIE augmentation contains 'L'
	Instructions []byte
}

// Builder builds a call frame information section.
type Builder struct {
	frame       bytes.Buffer
	order       binary.ByteOrder
	ptrSize     int
	ehFrame     bool
	ehFrameAddr uint64
	cies        map[int]CIE
}

// New creates a new .debug_frame builder for a little endian 64bit target.
func New() *Builder {
	return &Builder{order: binary.LittleEndian, ptrSize: 8, cies: make(map[int]CIE)}
}

// NewEH creates a new .eh_frame builder, the section will be loaded at
// ehFrameAddr. Addresses in FDEs are encoded pc-relative.
func NewEH(ehFrameAddr uint64) *Builder {
	b := New()
	b.ehFrame = true
	b.ehFrameAddr = ehFrameAddr
	return b
}

func (b *Builder) uint(v uint64, sz int) {
	var buf [8]byte
	switch sz {
	case 4:
		b.order.PutUint32(buf[:], uint32(v))
	case 8:
		b.order.PutUint64(buf[:], v)
	default:
		panic(fmt.Errorf("unsupported size %d", sz))
	}
	b.frame.Write(buf[:sz])
}

// entry writes a length placeholder and returns a function that patches
// it once the body is written.
func (b *Builder) entry() (start int, end func()) {
	start = b.frame.Len()
	b.uint(0, 4)
	return start, func() {
		// pad with DW_CFA_nop to a multiple of the pointer size
		for (b.frame.Len()-start)%b.ptrSize != 0 {
			b.frame.WriteByte(0)
		}
		b.order.PutUint32(b.frame.Bytes()[start:], uint32(b.frame.Len()-start-4))
	}
}

// CIE appends a CIE to the section and returns its offset.
func (b *Builder) CIE(cie CIE) int {
	if cie.Version == 0 {
		cie.Version = 3
		if b.ehFrame {
			cie.Version = 1
		}
	}
	start, end := b.entry()
	if b.ehFrame {
		b.uint(0, 4)
	} else {
		b.uint(0xffffffff, 4)
	}
	b.frame.WriteByte(cie.Version)
	b.frame.WriteString(cie.Augmentation)
	b.frame.WriteByte(0)
	if cie.Version == 4 {
		b.frame.WriteByte(byte(b.ptrSize))
		b.frame.WriteByte(0)
	}
	leb128.EncodeUnsigned(&b.frame, cie.CodeAlign)
	leb128.EncodeSigned(&b.frame, cie.DataAlign)
	if cie.Version == 1 {
		b.frame.WriteByte(byte(cie.ReturnAddrReg))
	} else {
		leb128.EncodeUnsigned(&b.frame, cie.ReturnAddrReg)
	}
	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		var aug bytes.Buffer
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'R':
				aug.WriteByte(b.addrEnc())
			case 'L':
				aug.WriteByte(ptrEncAbs)
			case 'P':
				aug.WriteByte(ptrEncAbs)
				var buf [8]byte
				b.order.PutUint64(buf[:], cie.Personality)
				aug.Write(buf[:b.ptrSize])
			}
		}
		leb128.EncodeUnsigned(&b.frame, uint64(aug.Len()))
		b.frame.Write(aug.Bytes())
	}
	b.frame.Write(cie.Initial)
	end()
	b.cies[start] = cie
	return start
}

func (b *Builder) addrEnc() byte {
	if b.ehFrame {
		return ptrEncPCRelSdata4
	}
	return ptrEncAbs
}

// FDE appends a FDE to the section.
func (b *Builder) FDE(fde FDE) {
	cie, ok := b.cies[fde.CIE]
	if !ok {
		panic(fmt.Errorf("no CIE at offset %#x", fde.CIE))
	}
	_, end := b.entry()
	if b.ehFrame {
		b.uint(uint64(b.frame.Len()-fde.CIE), 4)
	} else {
		b.uint(uint64(fde.CIE), 4)
	}
	hasAug := len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z'
	if b.ehFrame && hasAug && bytes.IndexByte([]byte(cie.Augmentation), 'R') >= 0 {
		pc := b.ehFrameAddr + uint64(b.frame.Len())
		b.uint(uint64(uint32(int32(int64(fde.Begin-pc)))), 4)
		b.uint(fde.Size, 4)
	} else {
		b.uint(fde.Begin, b.ptrSize)
		b.uint(fde.Size, b.ptrSize)
	}
	if hasAug {
		if bytes.IndexByte([]byte(cie.Augmentation), 'L') >= 0 {
			leb128.EncodeUnsigned(&b.frame, uint64(b.ptrSize))
			b.uint(fde.LSDA, b.ptrSize)
		} else {
			leb128.EncodeUnsigned(&b.frame, 0)
		}
	}
	b.frame.Write(fde.Instructions)
	end()
}

// Terminate appends a zero terminator, as found at the end of .eh_frame.
func (b *Builder) Terminate() {
	b.uint(0, 4)
}

// Build returns the contents of the section.
func (b *Builder) Build() []byte {
	return b.frame.Bytes()
}
