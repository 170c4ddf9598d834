package proc

import "github.com/go-delve/unwind/pkg/arch"

// Frame is one frame of a stack trace.
type Frame struct {
	PC, SP uint64
	// CFA is zero if it could not be computed.
	CFA     uint64
	Signal  bool
	Info    ProcInfo
	HasInfo bool
}

func (c *Cursor[A]) frame() Frame {
	f := Frame{PC: c.PC(), SP: c.SP(), Signal: c.IsSignalFrame()}
	f.CFA, _ = c.CFA()
	if pi, err := c.GetProcInfo(); err == nil {
		f.Info, f.HasInfo = pi, true
	}
	return f
}

// Walk calls fn with the current frame of c and every caller frame after
// it, until the end of the stack. If fn returns false the walk stops and
// ErrStopUnwind is returned.
func Walk[A arch.Arch](c *Cursor[A], fn func(Frame) bool) error {
	for {
		if !fn(c.frame()) {
			return ErrStopUnwind
		}
		more, err := c.Step()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Backtrace stores the frames of c, starting from the current one, into
// frames and returns how many were stored. It stops without an error when
// frames is full.
func Backtrace[A arch.Arch](c *Cursor[A], frames []Frame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	n := 0
	err := Walk(c, func(f Frame) bool {
		frames[n] = f
		n++
		return n < len(frames)
	})
	if err == ErrStopUnwind {
		err = nil
	}
	return n, err
}
