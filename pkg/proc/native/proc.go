//go:build linux && (amd64 || arm64)

package native

import (
	"errors"
	"os/exec"
	"runtime"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/unwind/pkg/logflags"
)

// ErrProcessExited is returned by operations on a process that has exited
// or was detached from.
var ErrProcessExited = errors.New("process has exited")

// Process is a traced process. Threads created after Launch or Attach are
// traced as well, so that faults in any of them are reported.
type Process struct {
	pid int

	// threads maps the thread ids known to the tracer to whether the
	// thread has reported its initial stop.
	threads map[int]bool
	pending Stop // last fatal stop, its signal is delivered on resume

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	childProcess   bool // this process was launched, not attached to

	exited, detached bool
}

// newProcess returns an initialized Process struct. Before returning, it
// will also launch a goroutine in order to handle ptrace(2) functions.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		threads:        make(map[int]bool),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

func (dbp *Process) handlePtraceFuncs() {
	// ptrace(2) expects all requests after PTRACE_ATTACH to come from the
	// same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

// Launch starts cmd stopped at its first instruction.
func Launch(cmd []string) (*Process, error) {
	if len(cmd) == 0 {
		return nil, errors.New("no command to launch")
	}
	var (
		process *exec.Cmd
		err     error
	)
	dbp := newProcess(0)
	dbp.execPtraceFunc(func() {
		process = exec.Command(cmd[0])
		process.Args = cmd
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		err = process.Start()
	})
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	dbp.pid = process.Process.Pid
	dbp.childProcess = true
	if err := dbp.initialize(); err != nil {
		if dbp.exited {
			dbp.postExit()
		} else {
			_ = dbp.Detach(true)
		}
		return nil, err
	}
	return dbp, nil
}

// Attach stops and traces the main thread of the process pid.
func Attach(pid int) (*Process, error) {
	dbp := newProcess(pid)
	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(pid) })
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	if err := dbp.initialize(); err != nil {
		if dbp.exited {
			dbp.postExit()
		} else {
			_ = dbp.Detach(false)
		}
		return nil, err
	}
	return dbp, nil
}

// initialize waits for the first stop of the main thread and enables
// tracing of new threads.
func (dbp *Process) initialize() error {
	var (
		status sys.WaitStatus
		err    error
	)
	dbp.execPtraceFunc(func() {
		_, err = sys.Wait4(dbp.pid, &status, sys.WALL, nil)
		if err != nil || !status.Stopped() {
			return
		}
		err = ptraceSetOptions(dbp.pid, sys.PTRACE_O_TRACECLONE)
	})
	if err != nil {
		return err
	}
	if !status.Stopped() {
		dbp.exited = true
		return ErrProcessExited
	}
	dbp.threads[dbp.pid] = true
	logflags.NativeLogger().Debugf("traced process %d stopped with %v", dbp.pid, status.StopSignal())
	return nil
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Exited returns true if the process has exited.
func (dbp *Process) Exited() bool {
	return dbp.exited
}

// Detach from the process, optionally killing it.
func (dbp *Process) Detach(kill bool) (err error) {
	if dbp.exited || dbp.detached {
		return nil
	}
	dbp.execPtraceFunc(func() {
		if kill {
			err = sys.Kill(dbp.pid, sys.SIGKILL)
			if err != nil {
				return
			}
			var status sys.WaitStatus
			for {
				wpid, werr := sys.Wait4(-1, &status, sys.WALL, nil)
				if werr != nil || (wpid == dbp.pid && (status.Exited() || status.Signaled())) {
					break
				}
			}
			return
		}
		for tid := range dbp.threads {
			if derr := ptraceDetach(tid, 0); derr != nil && tid == dbp.pid {
				err = derr
			}
		}
	})
	if kill {
		dbp.exited = true
	} else {
		dbp.detached = true
	}
	dbp.postExit()
	return err
}

func (dbp *Process) postExit() {
	close(dbp.ptraceChan)
	close(dbp.ptraceDoneChan)
}
