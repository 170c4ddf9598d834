//go:build !linux || !(amd64 || arm64)

package native

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/loader"
	"github.com/go-delve/unwind/pkg/proc"
)

// ErrNativeBackendDisabled is returned on platforms without ptrace support.
var ErrNativeBackendDisabled = errors.New("native backend not available on this platform")

// ErrProcessExited is returned by operations on a process that has exited
// or was detached from.
var ErrProcessExited = errors.New("process has exited")

// Process is a traced process.
type Process struct{}

// Stop describes why Continue returned.
type Stop struct {
	Tid    int
	Exited bool
	Status int
	Killed bool
}

func (s Stop) String() string { return fmt.Sprintf("thread %d", s.Tid) }

// Mapping is an executable, file backed mapping of a process.
type Mapping struct {
	Start, End uint64
	Offset     uint64
	Path       string
}

// Launch returns ErrNativeBackendDisabled.
func Launch(cmd []string) (*Process, error) { return nil, ErrNativeBackendDisabled }

// Attach returns ErrNativeBackendDisabled.
func Attach(pid int) (*Process, error) { return nil, ErrNativeBackendDisabled }

// ExecutableMappings returns ErrNativeBackendDisabled.
func ExecutableMappings(pid int) ([]Mapping, error) { return nil, ErrNativeBackendDisabled }

// LoadModules returns ErrNativeBackendDisabled.
func LoadModules(pid int, reg *proc.Registry, opts loader.Options) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (dbp *Process) Pid() int                    { return 0 }
func (dbp *Process) Exited() bool                { return true }
func (dbp *Process) Detach(kill bool) error      { return ErrNativeBackendDisabled }
func (dbp *Process) Continue() (Stop, error)     { return Stop{}, ErrNativeBackendDisabled }
func (dbp *Process) Memory() proc.MemoryReader   { return nil }
func (dbp *Process) Dump(w io.WriteSeeker) error { return ErrNativeBackendDisabled }
func (dbp *Process) Registers(tid int, ctx *proc.Context[arch.Native]) error {
	return ErrNativeBackendDisabled
}
