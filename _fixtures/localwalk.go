package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/loader"
	"github.com/go-delve/unwind/pkg/proc"
)

// growStack makes sure the goroutine stack will not be moved while the
// stack is walked.
//
//go:noinline
func growStack() byte {
	var buf [256 << 10]byte
	buf[len(buf)-1] = 1
	return buf[0] + buf[len(buf)-1]
}

//go:noinline
func walk(reg *proc.Registry) error {
	var ctx proc.Context[arch.Native]
	if err := proc.CaptureContext(&ctx); err != nil {
		return err
	}
	var c proc.Cursor[arch.Native]
	if err := proc.InitLocal(&c, &ctx, reg); err != nil {
		return err
	}
	var frames [4]proc.Frame
	n, err := proc.Backtrace(&c, frames[:])
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		pc := frames[i].PC
		if i > 0 {
			pc--
		}
		name := "?"
		if fn := runtime.FuncForPC(uintptr(pc)); fn != nil {
			name = fn.Name()
		}
		fmt.Printf("%s %#x\n", name, frames[i].CFA)
	}
	return nil
}

func main() {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	m, err := loader.LoadELF(exe, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	growStack()
	if err := walk(proc.NewRegistry(m)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
