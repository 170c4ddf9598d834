package proc

import (
	"encoding/binary"
	"testing"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

const sigtramp = 0x4000

// signalStack lays out an rt_sigframe at 0x7800 whose saved context is a
// thread stopped in C, as chainStack does.
func signalStack() *fakeStack {
	s, _ := chainStack()
	regs := uint64(0x7800 + 40)
	s.put(regs+0x80, fnC+0x10) // rip
	s.put(regs+0x78, 0x7100)   // rsp
	s.put(regs+0x50, 0x7300)   // rbp
	s.put(regs+0x58, 0x1234)   // rbx
	s.put(regs+0x40, 0xd1)     // rdi
	return s
}

func signalContext() *Context[arch.AMD64] {
	var ctx Context[arch.AMD64]
	ctx.SetReg(regnum.AMD64_Rip, sigtramp)
	ctx.SetReg(regnum.AMD64_Rsp, 0x7800)
	ctx.SetReg(regnum.AMD64_Rdi, 0x99)
	return &ctx
}

func checkSignalFrame(t *testing.T, c *Cursor[arch.AMD64]) {
	t.Helper()
	if !c.IsSignalFrame() {
		t.Fatalf("trampoline not recognized as a signal frame")
	}
	if cfa, err := c.CFA(); err != nil || cfa != 0x7800 {
		t.Fatalf("CFA of the signal frame = %#x, %v", cfa, err)
	}
	mustStep(t, c, true)
	if c.IsSignalFrame() {
		t.Fatalf("interrupted frame reported as a signal frame")
	}
	checkReg(t, c, regnum.AMD64_Rip, fnC+0x10)
	checkReg(t, c, regnum.AMD64_Rsp, 0x7100)
	checkReg(t, c, regnum.AMD64_Rdi, 0xd1)
	// the interrupted pc is exact, the lookup must not use pc-1
	if pi, err := c.GetProcInfo(); err != nil || pi.Start != fnC {
		t.Fatalf("GetProcInfo of the interrupted frame = %#v, %v", pi, err)
	}

	mustStep(t, c, true)
	checkReg(t, c, regnum.AMD64_Rip, fnB+0x20)
	checkReg(t, c, regnum.AMD64_Rbp, 0xbbbb)
	mustStep(t, c, true)
	mustStep(t, c, false)
}

func TestSigreturnTrampoline(t *testing.T) {
	s := signalStack()
	code := &SliceMemory{Base: sigtramp, Data: []byte{0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00, 0x0f, 0x05}}
	var c Cursor[arch.AMD64]
	if err := InitRemote(&c, signalContext(), chainRegistry(t), multiMem{s.stack, code}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetProcInfo(); err != ErrNoInfo {
		t.Fatalf("GetProcInfo of the trampoline: %v", err)
	}
	checkSignalFrame(t, &c)
}

func TestSignalFrameAugmentation(t *testing.T) {
	b := dwarfbuilder.New()
	cie := amd64CIE(b, "")
	sigcie := amd64CIE(b, "zS")
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnC, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().AdvanceLoc(1).DefCFAOffset(16).Offset(regnum.AMD64_Rbp, 2).Bytes()})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnB, Size: 0x100})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: fnA, Size: 0x100,
		Instructions: dwarfbuilder.NewProgram().Undefined(regnum.AMD64_Rip).Bytes()})
	b.FDE(dwarfbuilder.FDE{CIE: sigcie, Begin: sigtramp - 1, Size: 0x10})
	reg := NewRegistry(parseModule(t, "m", fnC, sigtramp+0x10, b))

	s := signalStack()
	var c Cursor[arch.AMD64]
	if err := InitRemote(&c, signalContext(), reg, s.stack); err != nil {
		t.Fatal(err)
	}
	pi, err := c.GetProcInfo()
	if err != nil || pi.Flags&FlagSignalFrame == 0 {
		t.Fatalf("GetProcInfo of the trampoline = %#v, %v", pi, err)
	}
	checkSignalFrame(t, &c)
}

func TestSignalFrameARM64(t *testing.T) {
	stack := &SliceMemory{Base: stackBase, Data: make([]byte, stackSize)}
	code := &SliceMemory{Base: sigtramp, Data: []byte{0x68, 0x11, 0x80, 0xd2, 0x01, 0x00, 0x00, 0xd4}}
	put := func(addr, v uint64) {
		binary.LittleEndian.PutUint64(stack.Data[addr-stackBase:], v)
	}
	regs := uint64(0x7800 + 312)
	put(regs+19*8, 0x19)
	put(regs+30*8, 0x2040) // lr
	put(regs+31*8, 0x7200) // sp
	put(regs+32*8, 0x1010) // pc

	var ctx Context[arch.ARM64]
	ctx.SetReg(regnum.ARM64_PC, sigtramp)
	ctx.SetReg(regnum.ARM64_SP, 0x7800)
	var c Cursor[arch.ARM64]
	InitRemote(&c, &ctx, NewRegistry(), multiMem{stack, code})
	if !c.IsSignalFrame() {
		t.Fatalf("trampoline not recognized as a signal frame")
	}
	if more, err := c.Step(); err != nil || !more {
		t.Fatalf("Step: %v %v", more, err)
	}
	for _, tc := range []struct {
		reg  arch.RegNum
		want uint64
	}{
		{regnum.ARM64_X0 + 19, 0x19},
		{regnum.ARM64_LR, 0x2040},
		{regnum.ARM64_SP, 0x7200},
		{regnum.ARM64_PC, 0x1010},
	} {
		if v, err := c.Reg(tc.reg); err != nil || v != tc.want {
			t.Errorf("%s = %#x %v, expected %#x", c.RegName(tc.reg), v, err, tc.want)
		}
	}
}

func TestSignalFrameUnreadable(t *testing.T) {
	code := &SliceMemory{Base: sigtramp, Data: []byte{0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00, 0x0f, 0x05}}
	ctx := signalContext()
	ctx.SetReg(regnum.AMD64_Rsp, 0x100000)
	var c Cursor[arch.AMD64]
	InitRemote(&c, ctx, NewRegistry(), multiMem{newFakeStack().stack, code})
	if _, err := c.Step(); err != ErrBadFrame {
		t.Fatalf("Step: %v", err)
	}
}
