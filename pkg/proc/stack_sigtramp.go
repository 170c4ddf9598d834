package proc

// atSigreturn returns true if the current program counter points at the
// kernel's signal return trampoline.
func (c *Cursor[A]) atSigreturn() bool {
	m := c.model
	if m.Signal == nil || m.SigreturnLen == 0 || m.SigreturnLen > len(c.scratch) {
		return false
	}
	pc := c.ctx.PC()
	if pc == 0 {
		return false
	}
	code := c.scratch[:m.SigreturnLen]
	if n, err := c.mem.ReadMemory(code, pc); err != nil || n != len(code) {
		return false
	}
	return m.IsSigreturn(code)
}

// stepSignal unwinds a signal trampoline frame: the interrupted registers
// are read from the signal context saved by the kernel on the stack. The
// program counter of the interrupted frame is exact, it is the
// instruction that was about to execute when the signal arrived.
func (c *Cursor[A]) stepSignal() (bool, error) {
	m := c.model
	sp := c.ctx.SP()
	base := sp + m.Signal.RegsOffset

	c.next = c.ctx
	for _, r := range m.Signal.Regs {
		v, err := c.readUint(base+r.Offset, m.PtrSize)
		if err != nil {
			if r.Reg == m.PCRegNum {
				return false, ErrInvalidIP
			}
			return false, ErrBadFrame
		}
		c.next.SetReg(r.Reg, v)
	}
	if c.next.PC() == 0 {
		return false, nil
	}

	c.prevCFA, c.hasPrev, c.prevSignal = sp, true, true
	c.ctx = c.next
	c.pcIsRA = false
	c.resolve()
	return true, nil
}
