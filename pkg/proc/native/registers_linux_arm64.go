package native

import (
	"debug/elf"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
	"github.com/go-delve/unwind/pkg/proc"
)

const _AARCH64_GREGS_SIZE = 34 * 8

// ptraceGetGRegs returns registers contents via PTRACE_GETREGSET,
// PTRACE_GETREGS does not exist on arm64.
func ptraceGetGRegs(pid int, regs *sys.PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(pid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

// Registers loads the general purpose registers of thread tid into ctx.
// The thread must be stopped.
func (dbp *Process) Registers(tid int, ctx *proc.Context[arch.Native]) error {
	var (
		regs sys.PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() { err = ptraceGetGRegs(tid, &regs) })
	if err != nil {
		return err
	}
	*ctx = proc.Context[arch.Native]{}
	for i, v := range regs.Regs {
		ctx.SetReg(regnum.ARM64_X0+arch.RegNum(i), v)
	}
	ctx.SetReg(regnum.ARM64_SP, regs.Sp)
	ctx.SetReg(regnum.ARM64_PC, regs.Pc)
	return nil
}
