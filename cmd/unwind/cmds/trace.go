package cmds

import (
	"fmt"
	"syscall"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/config"
	"github.com/go-delve/unwind/pkg/loader"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/proc"
	"github.com/go-delve/unwind/pkg/proc/core"
	"github.com/go-delve/unwind/pkg/proc/native"
)

// printBacktrace walks the stack of thread tid of p and prints one line
// per frame.
func printBacktrace(o *output, p *native.Process, tid int, conf *config.Config) error {
	logger := logflags.CLILogger()

	reg := proc.NewRegistry()
	n, err := native.LoadModules(p.Pid(), reg, loader.Options{PreferDebugFrame: conf.PreferDebugFrame})
	if err != nil {
		return err
	}
	logger.Debugf("loaded %d modules of process %d", n, p.Pid())

	var ctx proc.Context[arch.Native]
	if err := p.Registers(tid, &ctx); err != nil {
		return fmt.Errorf("could not read registers of thread %d: %v", tid, err)
	}
	return walkStack(o, &ctx, reg, p.Memory(), conf)
}

// printCoreBacktrace prints the stack of the thread that received the
// fatal signal, or of every thread if all is set.
func printCoreBacktrace(o *output, c *core.Core, all bool, conf *config.Config) error {
	reg := proc.NewRegistry()
	n := c.LoadModules(reg, loader.Options{PreferDebugFrame: conf.PreferDebugFrame})
	logflags.CLILogger().Debugf("loaded %d modules of process %d", n, c.Pid)

	threads := c.Threads
	if !all {
		threads = threads[:1]
	}
	for i, th := range threads {
		if i > 0 {
			o.printf("\n")
		}
		o.printf("thread %d", th.Tid)
		if th.Signal != 0 {
			o.printf(" (%s)", syscall.Signal(th.Signal))
		}
		o.printf("\n")
		var err error
		switch c.Model.Name {
		case "amd64":
			err = walkCoreThread[arch.AMD64](o, c, th, reg, conf)
		case "arm64":
			err = walkCoreThread[arch.ARM64](o, c, th, reg, conf)
		default:
			err = fmt.Errorf("core files of %s are not supported", c.Model.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func walkCoreThread[A arch.Arch](o *output, c *core.Core, th *core.Thread, reg *proc.Registry, conf *config.Config) error {
	var ctx proc.Context[A]
	if err := core.ThreadContext(c, th, &ctx); err != nil {
		return err
	}
	return walkStack(o, &ctx, reg, c.Memory(), conf)
}

// walkStack prints one line per frame of the stack described by ctx.
// Unwinding errors are printed, not returned.
func walkStack[A arch.Arch](o *output, ctx *proc.Context[A], reg *proc.Registry, mem proc.MemoryReader, conf *config.Config) error {
	var c proc.Cursor[A]
	if err := proc.InitRemote(&c, ctx, reg, mem); err != nil {
		return err
	}
	c.SetFramePointerFallback(conf.FramePointerFallback)

	depth := conf.Depth()
	i := 0
	err := proc.Walk(&c, func(f proc.Frame) bool {
		printFrame(o, i, f)
		i++
		return i < depth
	})
	switch err {
	case nil:
	case proc.ErrStopUnwind:
		o.warnf("(stopped after %d frames)\n", depth)
	default:
		o.errorf("unwinding stopped: %v\n", err)
	}
	return nil
}

func printFrame(o *output, i int, f proc.Frame) {
	o.printf("#%-3d %s sp=%s cfa=%s", i, o.addr(f.PC), o.addr(f.SP), o.addr(f.CFA))
	if f.HasInfo {
		o.printf(" in %s (%s+%#x)", f.Info.Module, o.addr(f.Info.Start), f.PC-f.Info.Start)
	}
	if f.Signal {
		o.printf(" %s", o.paint(ansiYellow, "<signal frame>"))
	}
	o.printf("\n")
}
