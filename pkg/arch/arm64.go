package arch

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

// ARM64 represents the ARM64 CPU architecture.
type ARM64 struct{}

// Model returns the description of ARM64.
func (ARM64) Model() *Model { return &arm64Model }

var arm64Model = func() Model {
	m := Model{
		Name:      "arm64",
		PtrSize:   8,
		ByteOrder: binary.LittleEndian,
		FPSize:    8,
		PCRegNum:  regnum.ARM64_PC,
		SPRegNum:  regnum.ARM64_SP,
		BPRegNum:  regnum.ARM64_BP,
		RARegNum:  regnum.ARM64_LR,
		names:     regnum.ARM64ToName,

		Signal:       &arm64LinuxSignal,
		SigreturnLen: 8,
		isSigreturn:  arm64IsSigreturn,

		// user space addresses are 48 bits wide, the PAC lives above
		RAMask: 1<<48 - 1,
	}
	m.setClass(ClassInt, regnum.ARM64_X0, regnum.ARM64_PC)
	m.setClass(ClassFloat, regnum.ARM64_V0, regnum.ARM64_V31)
	m.framePointerRules = framePointerRules(m.RARegNum, m.BPRegNum, m.SPRegNum, m.PtrSize)
	return m
}()

const (
	arm64Sigreturn0 = 0xd2801168 // movz x8, #0x8b (rt_sigreturn)
	arm64Sigreturn4 = 0xd4000001 // svc  #0x0
)

func arm64IsSigreturn(code []byte) bool {
	inst, err := arm64asm.Decode(code[:4])
	if err != nil || (inst.Op != arm64asm.MOV && inst.Op != arm64asm.MOVZ) || inst.Args[0] != arm64asm.X8 {
		return false
	}
	// the decoder normalizes the immediate, check the encoding as well
	if binary.LittleEndian.Uint32(code) != arm64Sigreturn0 {
		return false
	}
	inst, err = arm64asm.Decode(code[4:8])
	return err == nil && inst.Op == arm64asm.SVC && binary.LittleEndian.Uint32(code[4:]) == arm64Sigreturn4
}

// Layout of struct rt_sigframe on linux/arm64: siginfo (128 bytes), then
// the ucontext whose uc_mcontext is 16 byte aligned at 304. The saved
// registers start after sigcontext.fault_address.
var arm64LinuxSignal = func() SignalLayout {
	l := SignalLayout{RegsOffset: 312}
	for i := RegNum(0); i <= 30; i++ {
		l.Regs = append(l.Regs, SignalReg{regnum.ARM64_X0 + i, uint64(i) * 8})
	}
	l.Regs = append(l.Regs,
		SignalReg{regnum.ARM64_SP, 31 * 8},
		SignalReg{regnum.ARM64_PC, 32 * 8})
	return l
}()
