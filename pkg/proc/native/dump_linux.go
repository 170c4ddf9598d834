//go:build linux && (amd64 || arm64)

package native

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/proc"
	"github.com/go-delve/unwind/pkg/proc/core"
)

const (
	// redZone is the area below the stack pointer a leaf function can use.
	redZone = 128
	// maxStackDump is the most stack memory saved for each thread.
	maxStackDump = 1 << 20
)

// Dump writes a core file of the stopped process to w. It holds the
// registers and the stack of every thread and the list of executable
// mappings, enough to unwind the stacks later with the binaries at hand.
// The thread of the last fatal stop is saved first.
func (dbp *Process) Dump(w io.WriteSeeker) error {
	if dbp.exited || dbp.detached {
		return ErrProcessExited
	}
	logger := logflags.NativeLogger()
	p, err := procfs.NewProc(dbp.pid)
	if err != nil {
		return errors.Wrapf(err, "could not open process %d", dbp.pid)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return errors.Wrapf(err, "could not read mappings of process %d", dbp.pid)
	}
	d := &core.Dump{Pid: dbp.pid, Model: arch.Native{}.Model()}
	if comm, err := p.Comm(); err == nil {
		d.Name = comm
	}

	tids := make([]int, 0, len(dbp.threads))
	for tid, stopped := range dbp.threads {
		if stopped {
			tids = append(tids, tid)
		}
	}
	sort.Slice(tids, func(i, j int) bool {
		if ti, tj := tids[i] == dbp.pending.Tid, tids[j] == dbp.pending.Tid; ti != tj {
			return ti
		}
		return tids[i] < tids[j]
	})

	mem := dbp.Memory()
	for _, tid := range tids {
		var ctx proc.Context[arch.Native]
		if err := dbp.Registers(tid, &ctx); err != nil {
			logger.WithError(err).Debugf("skipping thread %d", tid)
			continue
		}
		signal := 0
		if tid == dbp.pending.Tid {
			signal = int(dbp.pending.Signal)
		}
		d.Threads = append(d.Threads, core.NewThread(tid, signal, &ctx))

		seg, ok := stackSegment(maps, mem, ctx.SP())
		if !ok {
			logger.Debugf("stack of thread %d at %#x not readable", tid, ctx.SP())
			continue
		}
		d.Memory = append(d.Memory, seg)
	}

	files, err := ExecutableMappings(dbp.pid)
	if err != nil {
		return err
	}
	for _, m := range files {
		d.Files = append(d.Files, core.MappedFile{Start: m.Start, End: m.End, Offset: m.Offset, Path: m.Path})
	}
	logger.Debugf("writing core of %d: %d threads, %d stacks", dbp.pid, len(d.Threads), len(d.Memory))
	return core.Write(w, d)
}

// stackSegment reads the memory between sp and the end of the mapping
// containing it.
func stackSegment(maps []*procfs.ProcMap, mem proc.MemoryReader, sp uint64) (core.Segment, bool) {
	for _, m := range maps {
		start, end := uint64(m.StartAddr), uint64(m.EndAddr)
		if sp < start || sp >= end {
			continue
		}
		lo := start
		if sp-start > redZone {
			lo = sp - redZone
		}
		if end-lo > maxStackDump {
			end = lo + maxStackDump
		}
		buf := make([]byte, end-lo)
		n, err := mem.ReadMemory(buf, lo)
		if err != nil && n == 0 {
			return core.Segment{}, false
		}
		return core.Segment{Addr: lo, Data: buf[:n]}, true
	}
	return core.Segment{}, false
}
