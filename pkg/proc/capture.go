//go:build amd64 || arm64

package proc

import "github.com/go-delve/unwind/pkg/arch"

// CaptureContext fills ctx with the register state of the calling
// goroutine. The captured frame is CaptureContext's own, the first Step of
// a cursor initialized with it reaches the caller. Registers used by the
// capture routine to hold ctx are left undefined.
//
//go:noinline
func CaptureContext(ctx *Context[arch.Native]) error {
	if ctx == nil {
		return ErrUnspecified
	}
	*ctx = Context[arch.Native]{}
	getcontext(ctx)
	markCaptured(ctx)
	return nil
}

func markCaptured(ctx *Context[arch.Native]) {
	for _, r := range capturedRegs {
		setbit(ctx.defined[:], r, true)
	}
	for _, r := range capturedFPRegs {
		setbit(ctx.fpdefined[:], r, true)
	}
}
