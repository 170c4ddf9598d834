package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	ansiBlue   = "\x1b[34m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiReset  = "\x1b[0m"
)

// output writes the results of a command, colored when it goes to a
// terminal.
type output struct {
	w     io.Writer
	color bool
}

func newOutput(useColor bool) *output {
	if useColor && isatty.IsTerminal(os.Stdout.Fd()) {
		return &output{w: colorable.NewColorableStdout(), color: true}
	}
	return &output{w: os.Stdout}
}

func (o *output) paint(color, s string) string {
	if !o.color {
		return s
	}
	return color + s + ansiReset
}

func (o *output) addr(v uint64) string {
	return o.paint(ansiBlue, fmt.Sprintf("%#016x", v))
}

func (o *output) printf(format string, args ...interface{}) {
	fmt.Fprintf(o.w, format, args...)
}

func (o *output) warnf(format string, args ...interface{}) {
	fmt.Fprint(o.w, o.paint(ansiYellow, fmt.Sprintf(format, args...)))
}

func (o *output) errorf(format string, args ...interface{}) {
	fmt.Fprint(o.w, o.paint(ansiRed, fmt.Sprintf(format, args...)))
}
