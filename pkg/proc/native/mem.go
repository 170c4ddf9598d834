//go:build linux && (amd64 || arm64)

package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/unwind/pkg/proc"
)

// Memory returns a reader for the memory of the process. Reads go through
// process_vm_readv, falling back to PTRACE_PEEKDATA on the stopped thread
// when the kernel refuses it.
func (dbp *Process) Memory() proc.MemoryReader {
	return &memory{dbp: dbp}
}

type memory struct {
	dbp *Process
}

// ReadMemory copies len(buf) bytes at addr into buf.
func (m *memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if m.dbp.exited || m.dbp.detached {
		return 0, ErrProcessExited
	}
	n, err := processVmRead(m.dbp.pid, uintptr(addr), buf)
	switch err {
	case nil:
		if n == len(buf) {
			return n, nil
		}
		return n, proc.ErrUnmapped
	case sys.EFAULT, sys.EIO:
		return 0, proc.ErrUnmapped
	}

	tid := m.dbp.pending.Tid
	if tid == 0 {
		tid = m.dbp.pid
	}
	m.dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(tid, uintptr(addr), buf) })
	if err != nil {
		return n, proc.ErrUnmapped
	}
	return n, nil
}
