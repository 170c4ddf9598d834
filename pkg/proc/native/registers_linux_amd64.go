package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
	"github.com/go-delve/unwind/pkg/proc"
)

// Registers loads the general purpose registers of thread tid into ctx.
// The thread must be stopped.
func (dbp *Process) Registers(tid int, ctx *proc.Context[arch.Native]) error {
	var (
		regs sys.PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return err
	}
	*ctx = proc.Context[arch.Native]{}
	for _, r := range [...]struct {
		n arch.RegNum
		v uint64
	}{
		{regnum.AMD64_Rax, regs.Rax},
		{regnum.AMD64_Rdx, regs.Rdx},
		{regnum.AMD64_Rcx, regs.Rcx},
		{regnum.AMD64_Rbx, regs.Rbx},
		{regnum.AMD64_Rsi, regs.Rsi},
		{regnum.AMD64_Rdi, regs.Rdi},
		{regnum.AMD64_Rbp, regs.Rbp},
		{regnum.AMD64_Rsp, regs.Rsp},
		{regnum.AMD64_R8, regs.R8},
		{regnum.AMD64_R9, regs.R9},
		{regnum.AMD64_R10, regs.R10},
		{regnum.AMD64_R11, regs.R11},
		{regnum.AMD64_R12, regs.R12},
		{regnum.AMD64_R13, regs.R13},
		{regnum.AMD64_R14, regs.R14},
		{regnum.AMD64_R15, regs.R15},
		{regnum.AMD64_Rip, regs.Rip},
		{regnum.AMD64_Rflags, regs.Eflags},
		{regnum.AMD64_Es, regs.Es},
		{regnum.AMD64_Cs, regs.Cs},
		{regnum.AMD64_Ss, regs.Ss},
		{regnum.AMD64_Ds, regs.Ds},
		{regnum.AMD64_Fs, regs.Fs},
		{regnum.AMD64_Gs, regs.Gs},
		{regnum.AMD64_Fs_base, regs.Fs_base},
		{regnum.AMD64_Gs_base, regs.Gs_base},
	} {
		ctx.SetReg(r.n, r.v)
	}
	return nil
}
