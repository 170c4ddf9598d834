package arch

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

// AMD64 represents the AMD64 CPU architecture.
type AMD64 struct{}

// Model returns the description of AMD64.
func (AMD64) Model() *Model { return &amd64Model }

var amd64Model = func() Model {
	m := Model{
		Name:      "amd64",
		PtrSize:   8,
		ByteOrder: binary.LittleEndian,
		FPSize:    16,
		PCRegNum:  regnum.AMD64_Rip,
		SPRegNum:  regnum.AMD64_Rsp,
		BPRegNum:  regnum.AMD64_Rbp,
		RARegNum:  regnum.AMD64_Rip,
		names:     regnum.AMD64ToName,

		Signal:       &amd64LinuxSignal,
		SigreturnLen: len(amd64Sigreturn),
		isSigreturn:  amd64IsSigreturn,
	}
	m.setClass(ClassInt, regnum.AMD64_Rax, regnum.AMD64_Rip)
	m.setClass(ClassFloat, regnum.AMD64_XMM0, regnum.AMD64_XMM15)
	m.setClass(ClassInt, regnum.AMD64_Rflags, regnum.AMD64_Gs)
	m.setClass(ClassInt, regnum.AMD64_Fs_base, regnum.AMD64_Gs_base)
	for i := RegNum(regnum.AMD64_Es); i <= regnum.AMD64_Gs; i++ {
		m.readOnly[i] = true
	}
	m.framePointerRules = framePointerRules(m.RARegNum, m.BPRegNum, m.SPRegNum, m.PtrSize)
	return m
}()

// amd64Sigreturn is __restore_rt of the Linux vDSO and libc:
//
//	mov $0xf, %rax
//	syscall
var amd64Sigreturn = []byte{0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00, 0x0f, 0x05}

const amd64SysRtSigreturn = 0xf

func amd64IsSigreturn(code []byte) bool {
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Op != x86asm.MOV || inst.Args[0] != x86asm.RAX || inst.Args[1] != x86asm.Imm(amd64SysRtSigreturn) {
		return false
	}
	inst, err = x86asm.Decode(code[inst.Len:], 64)
	return err == nil && inst.Op == x86asm.SYSCALL
}

// Layout of struct rt_sigframe on linux/amd64: the trampoline runs with
// the stack pointer at the ucontext, the general purpose registers of
// uc_mcontext follow uc_flags, uc_link and uc_stack.
var amd64LinuxSignal = SignalLayout{
	RegsOffset: 40,
	Regs: []SignalReg{
		{regnum.AMD64_R8, 0x00},
		{regnum.AMD64_R9, 0x08},
		{regnum.AMD64_R10, 0x10},
		{regnum.AMD64_R11, 0x18},
		{regnum.AMD64_R12, 0x20},
		{regnum.AMD64_R13, 0x28},
		{regnum.AMD64_R14, 0x30},
		{regnum.AMD64_R15, 0x38},
		{regnum.AMD64_Rdi, 0x40},
		{regnum.AMD64_Rsi, 0x48},
		{regnum.AMD64_Rbp, 0x50},
		{regnum.AMD64_Rbx, 0x58},
		{regnum.AMD64_Rdx, 0x60},
		{regnum.AMD64_Rax, 0x68},
		{regnum.AMD64_Rcx, 0x70},
		{regnum.AMD64_Rsp, 0x78},
		{regnum.AMD64_Rip, 0x80},
		{regnum.AMD64_Rflags, 0x88},
	},
}
