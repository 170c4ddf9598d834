package proc

import (
	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

// getcontext stores the registers of its caller in ctx. AX holds ctx.
//
//go:noescape
func getcontext(ctx *Context[arch.Native])

// captureWithScratch loads r14 and r15 into R14 and R15 and then captures
// the context, which Go code can not otherwise observe.
//
//go:noescape
func captureWithScratch(ctx *Context[arch.Native], r14, r15 uint64)

var capturedRegs = []arch.RegNum{
	regnum.AMD64_Rdx, regnum.AMD64_Rcx, regnum.AMD64_Rbx, regnum.AMD64_Rsi,
	regnum.AMD64_Rdi, regnum.AMD64_Rbp, regnum.AMD64_Rsp,
	regnum.AMD64_R8, regnum.AMD64_R9, regnum.AMD64_R10, regnum.AMD64_R11,
	regnum.AMD64_R12, regnum.AMD64_R13, regnum.AMD64_R14, regnum.AMD64_R15,
	regnum.AMD64_Rip,
}

var capturedFPRegs = func() []arch.RegNum {
	r := make([]arch.RegNum, 0, 16)
	for i := arch.RegNum(regnum.AMD64_XMM0); i <= regnum.AMD64_XMM15; i++ {
		r = append(r, i)
	}
	return r
}()
