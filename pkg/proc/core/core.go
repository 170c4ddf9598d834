// Package core reads and writes Linux ELF core files so that the stack of a
// crashed thread can be unwound after the process is gone.
package core

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/loader"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/proc"
)

// ErrNotCore is returned by Open for ELF files that are not core files.
var ErrNotCore = errors.New("not a core file")

// ErrNoThreads is returned by Open for core files without a thread.
var ErrNoThreads = errors.New("no thread in core file")

// Reg is the value of an integer register.
type Reg struct {
	Num   arch.RegNum
	Value uint64
}

// Thread is a thread saved in a core file.
type Thread struct {
	Tid    int
	Signal int // pending signal, zero for threads that were not interrupted
	Regs   []Reg
}

// MappedFile is a file mapped by the process, as listed in the NT_FILE
// note.
type MappedFile struct {
	Start, End uint64
	Offset     uint64 // in bytes
	Path       string
}

// Core is an open core file.
type Core struct {
	Pid   int
	Model *arch.Model
	// Threads are in the order of the notes, the thread that received the
	// fatal signal is first.
	Threads []*Thread
	Files   []MappedFile

	mem     splicedMemory
	closers []io.Closer
}

// Open reads the core file at path. The files mapped by the process are
// opened too, their contents fill the memory the core file does not hold.
func Open(path string) (*Core, error) {
	logger := logflags.LoaderLogger()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	c := &Core{closers: []io.Closer{f}}
	if err := c.read(ef, f); err != nil {
		c.Close()
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	for _, mf := range c.Files {
		mapped, err := os.Open(mf.Path)
		if err != nil {
			logger.WithError(err).Debugf("contents of %s not available", mf.Path)
			continue
		}
		c.closers = append(c.closers, mapped)
		c.mem.add(&offsetReaderAt{reader: mapped, offset: mf.Start - mf.Offset}, mf.Start, mf.End-mf.Start)
	}
	// the memory saved in the core file replaces the file contents
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD && prog.Filesz > 0 {
			c.mem.add(&offsetReaderAt{reader: prog, offset: prog.Vaddr}, prog.Vaddr, prog.Filesz)
		}
	}
	logger.Debugf("core of pid %d: %d threads, %d mapped files", c.Pid, len(c.Threads), len(c.Files))
	return c, nil
}

func (c *Core) read(ef *elf.File, r io.ReaderAt) error {
	if ef.Type != elf.ET_CORE {
		return ErrNotCore
	}
	layout, err := layoutFor(ef.Machine)
	if err != nil {
		return err
	}
	c.Model = layout.model
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		buf := make([]byte, prog.Filesz)
		if _, err := r.ReadAt(buf, int64(prog.Off)); err != nil {
			return fmt.Errorf("reading notes: %v", err)
		}
		if err := c.readNotes(buf, layout); err != nil {
			return err
		}
	}
	if len(c.Threads) == 0 {
		return ErrNoThreads
	}
	if c.Pid == 0 {
		c.Pid = c.Threads[0].Tid
	}
	return nil
}

// Memory returns the memory of the process.
func (c *Core) Memory() proc.MemoryReader {
	return &c.mem
}

// LoadModules adds the unwind tables of every file mapped by the process
// to reg. Files that can not be loaded are skipped, the number of modules
// added is returned.
func (c *Core) LoadModules(reg *proc.Registry, opts loader.Options) int {
	logger := logflags.LoaderLogger()
	seen := make(map[string]bool)
	var modules []*proc.Module
	for _, mf := range c.Files {
		if seen[mf.Path] {
			continue
		}
		seen[mf.Path] = true
		mod, err := opts.LoadMapped(mf.Path, mf.Start, mf.Offset)
		if err != nil {
			logger.WithError(err).Debugf("skipping %s", mf.Path)
			continue
		}
		modules = append(modules, mod)
	}
	reg.Add(modules...)
	return len(modules)
}

// Close closes the core file and the mapped files.
func (c *Core) Close() error {
	var err error
	for _, cl := range c.closers {
		if cerr := cl.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.closers = nil
	return err
}

// ThreadContext fills ctx with the registers of th. It fails if the core
// file is not of architecture A.
func ThreadContext[A arch.Arch](c *Core, th *Thread, ctx *proc.Context[A]) error {
	*ctx = proc.Context[A]{}
	if m := ctx.Model(); m.Name != c.Model.Name {
		return fmt.Errorf("core file is %s, not %s", c.Model.Name, m.Name)
	}
	for _, r := range th.Regs {
		ctx.SetReg(r.Num, r.Value)
	}
	return nil
}

// NewThread returns the thread described by ctx.
func NewThread[A arch.Arch](tid, signal int, ctx *proc.Context[A]) *Thread {
	th := &Thread{Tid: tid, Signal: signal}
	for n := arch.RegNum(0); n < arch.MaxRegs; n++ {
		if v, ok := ctx.Reg(n); ok {
			th.Regs = append(th.Regs, Reg{n, v})
		}
	}
	return th
}

// splicedMemory is a set of readers covering ranges of memory. Ranges
// added later replace the parts of earlier ones they overlap.
type splicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader proc.MemoryReader
}

func (r *splicedMemory) add(reader proc.MemoryReader, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length
	var kept []readerEntry
	for _, e := range r.readers {
		eend := e.offset + e.length
		if eend <= off || e.offset >= end {
			kept = append(kept, e)
			continue
		}
		if e.offset < off {
			kept = append(kept, readerEntry{e.offset, off - e.offset, e.reader})
		}
		if eend > end {
			kept = append(kept, readerEntry{end, eend - end, e.reader})
		}
	}
	kept = append(kept, readerEntry{off, length, reader})
	sort.Slice(kept, func(i, j int) bool { return kept[i].offset < kept[j].offset })
	r.readers = kept
}

// ReadMemory reads len(buf) bytes at addr, possibly from more than one
// reader.
func (r *splicedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		cur := addr + uint64(n)
		i := sort.Search(len(r.readers), func(i int) bool {
			return r.readers[i].offset+r.readers[i].length > cur
		})
		if i == len(r.readers) || r.readers[i].offset > cur {
			return n, proc.ErrUnmapped
		}
		e := r.readers[i]
		want := len(buf) - n
		if avail := e.offset + e.length - cur; uint64(want) > avail {
			want = int(avail)
		}
		got, err := e.reader.ReadMemory(buf[n:n+want], cur)
		n += got
		if err != nil {
			return n, err
		}
		if got < want {
			return n, proc.ErrUnmapped
		}
	}
	return n, nil
}

// offsetReaderAt reads memory addresses from an io.ReaderAt that holds
// the contents starting at offset.
type offsetReaderAt struct {
	reader io.ReaderAt
	offset uint64
}

func (r *offsetReaderAt) ReadMemory(buf []byte, addr uint64) (int, error) {
	n, err := r.reader.ReadAt(buf, int64(addr-r.offset))
	if err == io.EOF {
		if n == len(buf) {
			return n, nil
		}
		return n, proc.ErrUnmapped
	}
	return n, err
}
