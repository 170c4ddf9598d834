package proc

import (
	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

// getcontext stores the registers of its caller in ctx. R0 holds ctx, R18
// is reserved by the platform.
//
//go:noescape
func getcontext(ctx *Context[arch.Native])

var capturedRegs = func() []arch.RegNum {
	r := make([]arch.RegNum, 0, 32)
	for i := arch.RegNum(1); i <= 30; i++ {
		if i == 18 {
			continue
		}
		r = append(r, regnum.ARM64_X0+i)
	}
	return append(r, regnum.ARM64_SP, regnum.ARM64_PC)
}()

var capturedFPRegs = func() []arch.RegNum {
	r := make([]arch.RegNum, 0, 32)
	for i := arch.RegNum(regnum.ARM64_V0); i <= regnum.ARM64_V31; i++ {
		r = append(r, i)
	}
	return r
}()
