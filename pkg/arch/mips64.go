package arch

import (
	"encoding/binary"

	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

// MIPS64 represents the MIPS64 CPU architecture (little endian, n64 ABI).
// There is no frame pointer convention and no signal frame support.
type MIPS64 struct{}

// Model returns the description of MIPS64.
func (MIPS64) Model() *Model { return &mips64Model }

var mips64Model = func() Model {
	m := Model{
		Name:      "mips64",
		PtrSize:   8,
		ByteOrder: binary.LittleEndian,
		FPSize:    8,
		PCRegNum:  regnum.MIPS64_PC,
		SPRegNum:  regnum.MIPS64_SP,
		BPRegNum:  regnum.MIPS64_FP,
		RARegNum:  regnum.MIPS64_RA,
		names:     regnum.MIPS64ToName,
	}
	m.setClass(ClassInt, regnum.MIPS64_R0, regnum.MIPS64_RA)
	m.setClass(ClassFloat, regnum.MIPS64_F0, regnum.MIPS64_F31)
	m.setClass(ClassInt, regnum.MIPS64_HI, regnum.MIPS64_PC)
	m.readOnly[regnum.MIPS64_R0] = true
	return m
}()
