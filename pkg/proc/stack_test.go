package proc

import (
	"encoding/binary"
	"testing"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/dwarf/op"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

const (
	stackBase = 0x7000
	stackSize = 0x1000

	fnC = 0x1000 // innermost
	fnB = 0x2000
	fnA = 0x3000 // outermost
)

// multiMem is a MemoryReader over several disjoint regions.
type multiMem []*SliceMemory

func (mm multiMem) ReadMemory(buf []byte, addr uint64) (int, error) {
	for _, m := range mm {
		if n, err := m.ReadMemory(buf, addr); err == nil {
			return n, nil
		}
	}
	return 0, ErrUnmapped
}

type fakeStack struct {
	stack *SliceMemory
}

func newFakeStack() *fakeStack {
	return &fakeStack{stack: &SliceMemory{Base: stackBase, Data: make([]byte, stackSize)}}
}

func (s *fakeStack) put(addr, v uint64) {
	binary.LittleEndian.PutUint64(s.stack.Data[addr-stackBase:], v)
}

// amd64CIE is the state at function entry on amd64: the CFA is rsp+8 and
// the return address is just below it.
func amd64CIE(b *dwarfbuilder.Builder, aug string) int {
	return b.CIE(dwarfbuilder.CIE{Augmentation: aug, CodeAlign: 1, DataAlign: -8, ReturnAddrReg: regnum.AMD64_Rip,
		Initial: dwarfbuilder.NewProgram().DefCFA(regnum.AMD64_Rsp, 8).Offset(regnum.AMD64_Rip, 1).Bytes()})
}

func parseModule(t testing.TB, name string, low, high uint64, b *dwarfbuilder.Builder) *Module {
	fdes, err := frame.Parse(b.Build(), binary.LittleEndian, 0, 8)
	if err != nil {
		t.Fatalf("could not parse frame section: %v", err)
	}
	return NewModule(name, low, high, fdes, FormatDebugFrame, regnum.AMD64_Rsp)
}

// chainRegistry describes three functions: C pushes rbp and calls nothing,
// B has a frame of 8 bytes, A is the outermost frame.
func chainRegistry(t testing.TB) *Registry {
	b := dwarfbuilder.New()
	cie := amd64CIE(b, "")
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnC, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().AdvanceLoc(1).DefCFAOffset(16).Offset(regnum.AMD64_Rbp, 2).Bytes()})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnB, Size: 0x100})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnA, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().Undefined(regnum.AMD64_Rip).Bytes()})
	return NewRegistry(parseModule(t, "chain", fnC, fnA+0x100, b))
}

// chainStack lays out the stack for a thread stopped in C.
func chainStack() (*fakeStack, *Context[arch.AMD64]) {
	s := newFakeStack()
	s.put(0x7100, 0xbbbb)   // rbp saved by C
	s.put(0x7108, fnB+0x20) // return address into B
	s.put(0x7110, fnA+0x30) // return address into A
	var ctx Context[arch.AMD64]
	ctx.SetReg(regnum.AMD64_Rip, fnC+0x10)
	ctx.SetReg(regnum.AMD64_Rsp, 0x7100)
	ctx.SetReg(regnum.AMD64_Rbp, 0x7300)
	ctx.SetReg(regnum.AMD64_Rbx, 0x1234)
	return s, &ctx
}

func mustStep(t *testing.T, c *Cursor[arch.AMD64], want bool) {
	t.Helper()
	more, err := c.Step()
	if err != nil {
		t.Fatalf("Step at %#x: %v", c.PC(), err)
	}
	if more != want {
		t.Fatalf("Step at %#x returned %v, expected %v", c.PC(), more, want)
	}
}

func checkReg(t *testing.T, c *Cursor[arch.AMD64], n arch.RegNum, want uint64) {
	t.Helper()
	v, err := c.Reg(n)
	if err != nil {
		t.Fatalf("Reg(%s): %v", c.RegName(n), err)
	}
	if v != want {
		t.Fatalf("Reg(%s) = %#x, expected %#x", c.RegName(n), v, want)
	}
}

func TestStepChain(t *testing.T) {
	s, ctx := chainStack()
	var c Cursor[arch.AMD64]
	if err := InitRemote(&c, ctx, chainRegistry(t), s.stack); err != nil {
		t.Fatal(err)
	}

	checkReg(t, &c, regnum.AMD64_Rip, fnC+0x10)
	if cfa, err := c.CFA(); err != nil || cfa != 0x7110 {
		t.Fatalf("CFA of C = %#x, %v", cfa, err)
	}

	mustStep(t, &c, true)
	checkReg(t, &c, regnum.AMD64_Rip, fnB+0x20)
	checkReg(t, &c, regnum.AMD64_Rsp, 0x7110)
	checkReg(t, &c, regnum.AMD64_Rbp, 0xbbbb)
	checkReg(t, &c, regnum.AMD64_Rbx, 0x1234)
	if pi, err := c.GetProcInfo(); err != nil || pi.Start != fnB || pi.Module != "chain" {
		t.Fatalf("GetProcInfo in B = %#v, %v", pi, err)
	}

	mustStep(t, &c, true)
	checkReg(t, &c, regnum.AMD64_Rip, fnA+0x30)
	checkReg(t, &c, regnum.AMD64_Rsp, 0x7118)

	mustStep(t, &c, false)
	// the end of the stack is sticky
	mustStep(t, &c, false)
	checkReg(t, &c, regnum.AMD64_Rip, fnA+0x30)
}

func TestBacktrace(t *testing.T) {
	s, ctx := chainStack()
	var c Cursor[arch.AMD64]
	if err := InitRemote(&c, ctx, chainRegistry(t), s.stack); err != nil {
		t.Fatal(err)
	}
	frames := make([]Frame, 10)
	n, err := Backtrace(&c, frames)
	if err != nil {
		t.Fatal(err)
	}
	want := []Frame{
		{PC: fnC + 0x10, SP: 0x7100, CFA: 0x7110},
		{PC: fnB + 0x20, SP: 0x7110, CFA: 0x7118},
		{PC: fnA + 0x30, SP: 0x7118, CFA: 0x7120},
	}
	if n != len(want) {
		t.Fatalf("got %d frames, expected %d", n, len(want))
	}
	for i := range want {
		f := frames[i]
		if f.PC != want[i].PC || f.SP != want[i].SP || f.CFA != want[i].CFA || !f.HasInfo || f.Signal {
			t.Errorf("frame %d: got %#v, expected %#v", i, f, want[i])
		}
	}

	// stopping early
	s, ctx = chainStack()
	InitRemote(&c, ctx, chainRegistry(t), s.stack)
	n, err = Backtrace(&c, frames[:2])
	if err != nil || n != 2 {
		t.Fatalf("Backtrace with room for 2 frames: %d %v", n, err)
	}
	s, ctx = chainStack()
	InitRemote(&c, ctx, chainRegistry(t), s.stack)
	if err := Walk(&c, func(Frame) bool { return false }); err != ErrStopUnwind {
		t.Fatalf("Walk stopped by callback returned %v", err)
	}
}

func TestMonotonicCFA(t *testing.T) {
	s, ctx := chainStack()
	b := dwarfbuilder.New()
	cie := amd64CIE(b, "")
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnC, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().AdvanceLoc(1).DefCFAOffset(16).Offset(regnum.AMD64_Rbp, 2).Bytes()})
	// B computes its CFA from rbp, which C restores to an address below
	// its own frame.
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnB, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().DefCFA(regnum.AMD64_Rbp, 16).Bytes()})
	s.put(0x7100, 0x7000)
	s.put(0x7008, fnA+0x30)

	var c Cursor[arch.AMD64]
	InitRemote(&c, ctx, NewRegistry(parseModule(t, "m", fnC, fnA, b)), s.stack)
	mustStep(t, &c, true)
	more, err := c.Step()
	if more || err != ErrBadFrame {
		t.Fatalf("expected ErrBadFrame, got %v %v", more, err)
	}
	if c.Err() != ErrBadFrame {
		t.Fatalf("Err() = %v", c.Err())
	}
	if _, err := c.Step(); err != ErrBadFrame {
		t.Fatalf("second Step after failure returned %v", err)
	}
}

func TestCorruptFrame(t *testing.T) {
	b := dwarfbuilder.New()
	cie := amd64CIE(b, "")
	// the caller's pc is this pc and the CFA is the current stack pointer
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnC, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().DefCFA(regnum.AMD64_Rsp, 0).SameValue(regnum.AMD64_Rip).Bytes()})
	s, ctx := chainStack()
	var c Cursor[arch.AMD64]
	InitRemote(&c, ctx, NewRegistry(parseModule(t, "m", fnC, fnA, b)), s.stack)
	if more, err := c.Step(); more || err != ErrBadFrame {
		t.Fatalf("expected ErrBadFrame, got %v %v", more, err)
	}
	checkReg(t, &c, regnum.AMD64_Rip, fnC+0x10)
}

func TestStepErrors(t *testing.T) {
	s, ctx := chainStack()

	t.Run("no info", func(t *testing.T) {
		var c Cursor[arch.AMD64]
		if err := InitRemote(&c, ctx, NewRegistry(), s.stack); err != nil {
			t.Fatalf("InitRemote: %v", err)
		}
		if _, err := c.GetProcInfo(); err != ErrNoInfo {
			t.Fatalf("GetProcInfo: %v", err)
		}
		if _, err := c.Step(); err != ErrNoInfo {
			t.Fatalf("Step: %v", err)
		}
	})

	t.Run("unreadable return address", func(t *testing.T) {
		var c Cursor[arch.AMD64]
		ctx := *ctx
		ctx.SetReg(regnum.AMD64_Rsp, stackBase+stackSize-8)
		InitRemote(&c, &ctx, chainRegistry(t), s.stack)
		if _, err := c.Step(); err != ErrInvalidIP {
			t.Fatalf("Step: %v", err)
		}
	})

	t.Run("bad version", func(t *testing.T) {
		b := dwarfbuilder.New()
		cie := b.CIE(dwarfbuilder.CIE{Version: 9, CodeAlign: 1, DataAlign: -8, ReturnAddrReg: regnum.AMD64_Rip})
		b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnC, Size: 0x100})
		var c Cursor[arch.AMD64]
		InitRemote(&c, ctx, NewRegistry(parseModule(t, "m", fnC, fnA, b)), s.stack)
		if _, err := c.Step(); err != ErrBadVersion {
			t.Fatalf("Step: %v", err)
		}
	})

	t.Run("malformed program", func(t *testing.T) {
		b := dwarfbuilder.New()
		cie := amd64CIE(b, "")
		b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnC, Size: 0x100,
			Instructions: dwarfbuilder.NewProgram().RestoreState().Bytes()})
		var c Cursor[arch.AMD64]
		InitRemote(&c, ctx, NewRegistry(parseModule(t, "m", fnC, fnA, b)), s.stack)
		if _, err := c.Step(); err != ErrInvalid {
			t.Fatalf("Step: %v", err)
		}
	})

	t.Run("uninitialized", func(t *testing.T) {
		var c Cursor[arch.AMD64]
		if err := InitRemote(&c, nil, NewRegistry(), s.stack); err != ErrUnspecified {
			t.Fatalf("InitRemote(nil context): %v", err)
		}
		if err := InitLocal(&c, ctx, nil); err != ErrUnspecified {
			t.Fatalf("InitLocal(nil registry): %v", err)
		}
		if _, err := c.Step(); err != ErrUnspecified {
			t.Fatalf("Step: %v", err)
		}
		if _, err := c.Reg(regnum.AMD64_Rip); err != ErrUnspecified {
			t.Fatalf("Reg: %v", err)
		}
		if err := c.SetReg(regnum.AMD64_Rip, 1); err != ErrUnspecified {
			t.Fatalf("SetReg: %v", err)
		}
		if _, err := c.GetProcInfo(); err != ErrUnspecified {
			t.Fatalf("GetProcInfo: %v", err)
		}
	})
}

func TestRegisterAccess(t *testing.T) {
	s, ctx := chainStack()
	var c Cursor[arch.AMD64]
	InitRemote(&c, ctx, chainRegistry(t), s.stack)

	for i := 0; i < 3; i++ {
		checkReg(t, &c, regnum.AMD64_Rbx, 0x1234)
	}

	for _, n := range []arch.RegNum{regnum.AMD64_R12, regnum.AMD64_XMM0, 40, 200} {
		if _, err := c.Reg(n); err != ErrBadReg {
			t.Errorf("Reg(%d): %v", n, err)
		}
	}
	if _, err := c.FPReg(regnum.AMD64_Rax); err != ErrBadReg {
		t.Errorf("FPReg(Rax): %v", err)
	}
	if err := c.SetReg(200, 1); err != ErrBadReg {
		t.Errorf("SetReg(200): %v", err)
	}
	for n := arch.RegNum(regnum.AMD64_Es); n <= regnum.AMD64_Gs; n++ {
		if err := c.SetReg(n, 1); err != ErrReadOnlyReg {
			t.Errorf("SetReg(%s): %v", c.RegName(n), err)
		}
	}

	if err := c.SetReg(regnum.AMD64_R12, 0x42); err != nil {
		t.Fatal(err)
	}
	checkReg(t, &c, regnum.AMD64_R12, 0x42)
	if v, _ := ctx.Reg(regnum.AMD64_R12); v != 0 {
		t.Fatalf("SetReg changed the context the cursor was initialized from")
	}

	xmm := [16]byte{1, 2, 3}
	if err := c.SetFPReg(regnum.AMD64_XMM0+3, xmm); err != nil {
		t.Fatal(err)
	}
	if v, err := c.FPReg(regnum.AMD64_XMM0 + 3); err != nil || v != xmm {
		t.Fatalf("FPReg(XMM3) = %v, %v", v, err)
	}

	// moving the pc out of the module
	if err := c.SetReg(regnum.AMD64_Rip, 0x9000); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetProcInfo(); err != ErrNoInfo {
		t.Fatalf("GetProcInfo after SetReg(Rip): %v", err)
	}
	if err := c.SetReg(regnum.AMD64_Rip, fnB+0x20); err != nil {
		t.Fatal(err)
	}
	if pi, err := c.GetProcInfo(); err != nil || pi.Start != fnB {
		t.Fatalf("GetProcInfo after SetReg(Rip): %#v %v", pi, err)
	}
}

func TestReadOnlyMIPS64(t *testing.T) {
	var ctx Context[arch.MIPS64]
	ctx.SetReg(regnum.MIPS64_PC, 0x1000)
	ctx.SetReg(regnum.MIPS64_SP, 0x7000)
	var c Cursor[arch.MIPS64]
	if err := InitRemote(&c, &ctx, NewRegistry(), &SliceMemory{}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetReg(regnum.MIPS64_R0, 1); err != ErrReadOnlyReg {
		t.Fatalf("SetReg(R0): %v", err)
	}
	if err := c.SetReg(regnum.MIPS64_HI, 1); err != nil {
		t.Fatalf("SetReg(HI): %v", err)
	}
	if c.RegName(regnum.MIPS64_HI) != "HI" {
		t.Fatalf("RegName(HI) = %q", c.RegName(regnum.MIPS64_HI))
	}
}

func TestFramePointerFallback(t *testing.T) {
	s := newFakeStack()
	s.put(0x7200, 0x7300)   // saved rbp of B
	s.put(0x7208, fnB+0x20) // return address
	s.put(0x7300, 0)        // end of the frame pointer chain
	s.put(0x7308, fnA+0x30)
	var ctx Context[arch.AMD64]
	ctx.SetReg(regnum.AMD64_Rip, 0x9000)
	ctx.SetReg(regnum.AMD64_Rsp, 0x7100)
	ctx.SetReg(regnum.AMD64_Rbp, 0x7200)

	var c Cursor[arch.AMD64]
	InitRemote(&c, &ctx, NewRegistry(), s.stack)
	if _, err := c.Step(); err != ErrNoInfo {
		t.Fatalf("Step without fallback: %v", err)
	}

	InitRemote(&c, &ctx, NewRegistry(), s.stack)
	c.SetFramePointerFallback(true)
	mustStep(t, &c, true)
	checkReg(t, &c, regnum.AMD64_Rip, fnB+0x20)
	checkReg(t, &c, regnum.AMD64_Rsp, 0x7210)
	checkReg(t, &c, regnum.AMD64_Rbp, 0x7300)
	if _, err := c.GetProcInfo(); err != ErrNoInfo {
		t.Fatalf("GetProcInfo: %v", err)
	}
	mustStep(t, &c, true)
	checkReg(t, &c, regnum.AMD64_Rbp, 0)
	mustStep(t, &c, false)
}

func TestExpressionRules(t *testing.T) {
	b := dwarfbuilder.New()
	cie := amd64CIE(b, "")
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnC, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().
			// cfa = rbx + 8
			DefCFAExpression(dwarfbuilder.LocationBlock(op.DW_OP_breg0+regnum.AMD64_Rbx, 8)).
			// rbp = cfa - 16
			ValExpression(regnum.AMD64_Rbp, dwarfbuilder.LocationBlock(op.DW_OP_lit0+16, op.DW_OP_minus)).
			// r12 is saved at cfa - 24
			Expression(regnum.AMD64_R12, dwarfbuilder.LocationBlock(op.DW_OP_lit0+24, op.DW_OP_minus)).
			Bytes()})
	s := newFakeStack()
	s.put(0x7200, fnA+0x30)
	s.put(0x71f0, 0xcafe)
	var ctx Context[arch.AMD64]
	ctx.SetReg(regnum.AMD64_Rip, fnC+0x10)
	ctx.SetReg(regnum.AMD64_Rsp, 0x7100)
	ctx.SetReg(regnum.AMD64_Rbx, 0x7200)

	var c Cursor[arch.AMD64]
	InitRemote(&c, &ctx, NewRegistry(parseModule(t, "m", fnC, fnA+0x100, b)), s.stack)
	mustStep(t, &c, true)
	checkReg(t, &c, regnum.AMD64_Rip, fnA+0x30)
	checkReg(t, &c, regnum.AMD64_Rsp, 0x7208)
	checkReg(t, &c, regnum.AMD64_Rbp, 0x71f8)
	checkReg(t, &c, regnum.AMD64_R12, 0xcafe)
}

func TestSameValueRules(t *testing.T) {
	b := dwarfbuilder.New()
	cie := amd64CIE(b, "")
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnC, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().
			DefCFA(regnum.AMD64_Rbp, 16).
			SameValue(regnum.AMD64_Rsp).
			SameValue(regnum.AMD64_Rbx).
			Bytes()})
	s := newFakeStack()
	s.put(0x7208, fnB+0x20)
	var ctx Context[arch.AMD64]
	ctx.SetReg(regnum.AMD64_Rip, fnC+0x10)
	ctx.SetReg(regnum.AMD64_Rsp, 0x7100)
	ctx.SetReg(regnum.AMD64_Rbp, 0x7200)
	ctx.SetReg(regnum.AMD64_Rbx, 0x1234)

	var c Cursor[arch.AMD64]
	InitRemote(&c, &ctx, NewRegistry(parseModule(t, "m", fnC, fnA+0x100, b)), s.stack)
	if cfa, err := c.CFA(); err != nil || cfa != 0x7210 {
		t.Fatalf("CFA = %#x, %v", cfa, err)
	}
	mustStep(t, &c, true)
	checkReg(t, &c, regnum.AMD64_Rip, fnB+0x20)
	// same_value keeps the stack pointer of the callee, not the CFA
	checkReg(t, &c, regnum.AMD64_Rsp, 0x7100)
	checkReg(t, &c, regnum.AMD64_Rbx, 0x1234)
}

func TestStepDoesNotAllocate(t *testing.T) {
	s, ctx := chainStack()
	reg := chainRegistry(t)
	c := new(Cursor[arch.AMD64])
	allocs := testing.AllocsPerRun(100, func() {
		InitRemote(c, ctx, reg, s.stack)
		for {
			more, err := c.Step()
			if err != nil || !more {
				break
			}
		}
	})
	if allocs != 0 {
		t.Fatalf("walking the stack allocated %v times", allocs)
	}
}

func BenchmarkStep(b *testing.B) {
	s, ctx := chainStack()
	reg := chainRegistry(b)
	c := new(Cursor[arch.AMD64])
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		InitRemote(c, ctx, reg, s.stack)
		for {
			more, err := c.Step()
			if err != nil || !more {
				break
			}
		}
	}
}
