//go:build linux && (amd64 || arm64)

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/unwind/pkg/logflags"
)

// Stop describes why Continue returned.
type Stop struct {
	Tid    int        // thread that stopped, or the pid if the process exited
	Signal sys.Signal // fatal signal the thread stopped with
	Exited bool       // the process exited or was killed
	Status int        // exit status, valid if Exited and Killed is false
	Killed bool       // the process was killed by Signal
}

func (s Stop) String() string {
	switch {
	case s.Exited && s.Killed:
		return fmt.Sprintf("process killed by %v", s.Signal)
	case s.Exited:
		return fmt.Sprintf("process exited with status %d", s.Status)
	default:
		return fmt.Sprintf("thread %d stopped by %v", s.Tid, s.Signal)
	}
}

// fatalSignal returns true for the signals whose default action dumps
// core, the ones a stack trace is wanted for.
func fatalSignal(sig sys.Signal) bool {
	switch sig {
	case sys.SIGSEGV, sys.SIGBUS, sys.SIGILL, sys.SIGFPE, sys.SIGABRT, sys.SIGTRAP, sys.SIGSYS, sys.SIGQUIT:
		return true
	}
	return false
}

// Continue resumes every stopped thread and waits until a thread stops
// with a fatal signal or the process exits. Other signals are delivered
// to the thread that received them. The fatal signal of the previous stop
// is delivered when the thread is resumed.
//
// The thread that Continue reports stays stopped: its registers and stack
// can be read until the next call to Continue or Detach.
func (dbp *Process) Continue() (Stop, error) {
	if dbp.exited || dbp.detached {
		return Stop{}, ErrProcessExited
	}
	var (
		stop Stop
		err  error
	)
	dbp.execPtraceFunc(func() {
		for tid := range dbp.threads {
			sig := 0
			if tid == dbp.pending.Tid {
				sig = int(dbp.pending.Signal)
			}
			if cerr := ptraceCont(tid, sig); cerr != nil && tid == dbp.pid && cerr != sys.ESRCH {
				err = cerr
				return
			}
		}
		dbp.pending = Stop{}
		stop, err = dbp.waitFatal()
		if err == nil && !stop.Exited {
			dbp.pending = stop
		}
	})
	if stop.Exited {
		dbp.exited = true
		dbp.postExit()
	}
	return stop, err
}

// waitFatal runs on the ptrace thread.
func (dbp *Process) waitFatal() (Stop, error) {
	logger := logflags.NativeLogger()
	for {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(-1, &status, sys.WALL, nil)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			return Stop{}, err
		}
		switch {
		case status.Exited(), status.Signaled():
			delete(dbp.threads, wpid)
			if wpid != dbp.pid {
				continue
			}
			s := Stop{Tid: wpid, Exited: true}
			if status.Signaled() {
				s.Killed = true
				s.Signal = status.Signal()
			} else {
				s.Status = status.ExitStatus()
			}
			return s, nil

		case !status.Stopped():
			continue
		}

		sig := status.StopSignal()
		if sig == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE {
			msg, err := sys.PtraceGetEventMsg(wpid)
			if err == nil {
				logger.Debugf("thread %d created thread %d", wpid, msg)
				if _, ok := dbp.threads[int(msg)]; !ok {
					dbp.threads[int(msg)] = false
				}
			}
			_ = ptraceCont(wpid, 0)
			continue
		}
		if started, ok := dbp.threads[wpid]; !ok || !started {
			// initial SIGSTOP of a new thread, it may be reported before
			// the clone event of its parent
			dbp.threads[wpid] = true
			if sig == sys.SIGSTOP {
				_ = ptraceCont(wpid, 0)
				continue
			}
		}
		if fatalSignal(sig) {
			return Stop{Tid: wpid, Signal: sig}, nil
		}
		logger.Debugf("forwarding %v to thread %d", sig, wpid)
		_ = ptraceCont(wpid, int(sig))
	}
}
