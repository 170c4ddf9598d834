package proc

import (
	"runtime"
	"strings"
	"testing"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

func funcName(pc uint64) string {
	fn := runtime.FuncForPC(uintptr(pc))
	if fn == nil {
		return "?"
	}
	return fn.Name()
}

func TestCaptureScratchRegisters(t *testing.T) {
	var ctx Context[arch.Native]
	captureWithScratch(&ctx, 0x87654321, 0x12345678)
	markCaptured(&ctx)

	for _, tc := range []struct {
		reg  arch.RegNum
		want uint64
	}{
		{regnum.AMD64_R14, 0x87654321},
		{regnum.AMD64_R15, 0x12345678},
	} {
		if v, ok := ctx.Reg(tc.reg); !ok || v != tc.want {
			t.Errorf("%s = %#x (defined %v), expected %#x", ctx.Model().RegName(tc.reg), v, ok, tc.want)
		}
	}
	if name := funcName(ctx.PC()); !strings.HasSuffix(name, "captureWithScratch") {
		t.Errorf("captured pc %#x is in %s", ctx.PC(), name)
	}
}

func TestCaptureContext(t *testing.T) {
	var ctx Context[arch.Native]
	if err := CaptureContext(&ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := ctx.Reg(regnum.AMD64_Rax); ok {
		t.Errorf("Rax should be undefined")
	}
	if name := funcName(ctx.PC()); !strings.HasSuffix(name, "proc.CaptureContext") {
		t.Errorf("captured pc %#x is in %s", ctx.PC(), name)
	}
	if sp := ctx.SP(); sp == 0 || sp%8 != 0 {
		t.Errorf("captured sp %#x", sp)
	}
	for i := arch.RegNum(regnum.AMD64_XMM0); i <= regnum.AMD64_XMM15; i++ {
		if !ctx.Defined(i) {
			t.Errorf("%s not captured", ctx.Model().RegName(i))
		}
	}
}
