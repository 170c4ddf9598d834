package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
	"github.com/go-delve/unwind/pkg/elfwriter"
	"github.com/go-delve/unwind/pkg/loader"
	"github.com/go-delve/unwind/pkg/proc"
)

func writeCore(t *testing.T, d *Dump) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(f, d))
	require.NoError(t, f.Close())
	return path
}

func openCore(t *testing.T, path string) *Core {
	t.Helper()
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

const (
	stackBase = 0x7ffe0000
	fnA       = 0x401000
	fnB       = 0x401500
	fnC       = 0x402000
)

// frameChain returns a stack where fnA was called by fnB, called by fnC,
// each with a frame pointer.
func frameChain() []byte {
	stack := make([]byte, 0x100)
	put := func(off int, v uint64) { binary.LittleEndian.PutUint64(stack[off:], v) }
	put(0x10, stackBase+0x30) // fnA's saved rbp
	put(0x18, fnB)
	put(0x30, 0) // fnB's saved rbp
	put(0x38, fnC)
	return stack
}

func TestRoundTrip(t *testing.T) {
	var ctx proc.Context[arch.AMD64]
	ctx.SetReg(regnum.AMD64_Rip, fnA)
	ctx.SetReg(regnum.AMD64_Rsp, stackBase)
	ctx.SetReg(regnum.AMD64_Rbp, stackBase+0x10)
	ctx.SetReg(regnum.AMD64_Rax, 0xdead)

	path := writeCore(t, &Dump{
		Pid:   1234,
		Name:  "crasher",
		Model: arch.AMD64{}.Model(),
		Threads: []*Thread{
			NewThread(1235, 11, &ctx),
			{Tid: 1234, Regs: []Reg{{regnum.AMD64_Rip, fnC}}},
		},
		Files:  []MappedFile{{Start: 0x400000, End: 0x403000, Offset: 0, Path: "/nonexistent/crasher"}},
		Memory: []Segment{{Addr: stackBase, Data: frameChain()}},
	})

	c := openCore(t, path)
	require.Equal(t, 1234, c.Pid)
	require.Equal(t, "amd64", c.Model.Name)
	require.Len(t, c.Threads, 2)
	require.Equal(t, 1235, c.Threads[0].Tid)
	require.Equal(t, 11, c.Threads[0].Signal)
	require.Equal(t, 0, c.Threads[1].Signal)
	require.Equal(t, []MappedFile{{Start: 0x400000, End: 0x403000, Offset: 0, Path: "/nonexistent/crasher"}}, c.Files)

	var got proc.Context[arch.AMD64]
	require.NoError(t, ThreadContext(c, c.Threads[0], &got))
	require.Equal(t, uint64(fnA), got.PC())
	require.Equal(t, uint64(stackBase), got.SP())
	rax, ok := got.Reg(regnum.AMD64_Rax)
	require.True(t, ok)
	require.Equal(t, uint64(0xdead), rax)

	var wrong proc.Context[arch.ARM64]
	require.Error(t, ThreadContext(c, c.Threads[0], &wrong))

	reg := proc.NewRegistry()
	require.Equal(t, 0, c.LoadModules(reg, loader.Options{}))

	var cur proc.Cursor[arch.AMD64]
	require.NoError(t, proc.InitRemote(&cur, &got, reg, c.Memory()))
	cur.SetFramePointerFallback(true)
	frames := make([]proc.Frame, 8)
	n, err := proc.Backtrace(&cur, frames)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for i, pc := range []uint64{fnA, fnB, fnC} {
		require.Equal(t, pc, frames[i].PC, "frame %d", i)
	}
	require.Equal(t, uint64(stackBase+0x20), frames[0].CFA)
	require.Equal(t, uint64(stackBase+0x40), frames[1].CFA)
}

func TestMappedFileMemory(t *testing.T) {
	dir := t.TempDir()
	contents := make([]byte, 0x3000)
	for i := range contents {
		contents[i] = byte(i >> 8)
	}
	lib := filepath.Join(dir, "lib.so")
	require.NoError(t, os.WriteFile(lib, contents, 0o644))

	var ctx proc.Context[arch.ARM64]
	ctx.SetReg(regnum.ARM64_PC, 0x10000)
	path := writeCore(t, &Dump{
		Pid:     1,
		Model:   arch.ARM64{}.Model(),
		Threads: []*Thread{NewThread(1, 6, &ctx)},
		// the second and third page of the file are mapped at 0x10000
		Files:  []MappedFile{{Start: 0x10000, End: 0x12000, Offset: 0x1000, Path: lib}},
		Memory: []Segment{{Addr: 0x11000, Data: bytes.Repeat([]byte{0xaa}, 0x10)}},
	})
	c := openCore(t, path)
	require.Equal(t, "arm64", c.Model.Name)
	mem := c.Memory()

	buf := make([]byte, 4)
	n, err := mem.ReadMemory(buf, 0x10000)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{0x10, 0x10, 0x10, 0x10}, buf)

	// spans the file contents and the saved segment
	n, err = mem.ReadMemory(buf, 0x10ffe)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{0x1f, 0x1f, 0xaa, 0xaa}, buf)

	_, err = mem.ReadMemory(buf, 0x11010)
	require.NoError(t, err)
	require.Equal(t, []byte{0x20, 0x20, 0x20, 0x20}, buf)

	_, err = mem.ReadMemory(buf, 0x11ffe)
	require.Equal(t, proc.ErrUnmapped, err)
	_, err = mem.ReadMemory(buf, 0x20000)
	require.Equal(t, proc.ErrUnmapped, err)
}

func TestSplicedMemory(t *testing.T) {
	var m splicedMemory
	m.add(&proc.SliceMemory{Base: 0x100, Data: bytes.Repeat([]byte{1}, 0x100)}, 0x100, 0x100)
	m.add(&proc.SliceMemory{Base: 0x140, Data: bytes.Repeat([]byte{2}, 0x10)}, 0x140, 0x10)
	require.Len(t, m.readers, 3)

	buf := make([]byte, 0x20)
	n, err := m.ReadMemory(buf, 0x130)
	require.NoError(t, err)
	require.Equal(t, 0x20, n)
	require.Equal(t, append(bytes.Repeat([]byte{1}, 0x10), bytes.Repeat([]byte{2}, 0x10)...), buf)

	n, err = m.ReadMemory(buf, 0x1f0)
	require.Equal(t, proc.ErrUnmapped, err)
	require.Equal(t, 0x10, n)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	exe := filepath.Join(t.TempDir(), "exe")
	f, err := os.Create(exe)
	require.NoError(t, err)
	w, err := elfwriter.New(f, &elf.FileHeader{Class: elf.ELFCLASS64, Data: elf.ELFDATA2LSB, Version: elf.EV_CURRENT, Type: elf.ET_EXEC, Machine: elf.EM_X86_64})
	require.NoError(t, err)
	require.NoError(t, w.WriteProgramHeaders())
	require.NoError(t, f.Close())
	_, err = Open(exe)
	require.ErrorContains(t, err, ErrNotCore.Error())

	path := writeCore(t, &Dump{Pid: 7, Model: arch.AMD64{}.Model()})
	_, err = Open(path)
	require.ErrorContains(t, err, ErrNoThreads.Error())

	f, err = os.Create(filepath.Join(t.TempDir(), "mips"))
	require.NoError(t, err)
	defer f.Close()
	require.Error(t, Write(f, &Dump{Model: arch.MIPS64{}.Model()}))
}
