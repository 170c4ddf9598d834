package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"

	"github.com/go-delve/unwind/pkg/config"
	"github.com/go-delve/unwind/pkg/loader"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/proc"
	"github.com/go-delve/unwind/pkg/proc/core"
	"github.com/go-delve/unwind/pkg/proc/native"
	"github.com/go-delve/unwind/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// maxDepth, framePointer, debugFrame and noColor override the
	// configuration file when set on the command line.
	maxDepth     int
	framePointer bool
	debugFrame   bool
	noColor      bool

	// bias is added to the addresses of the binary given to cfi and lookup.
	bias hexAddr

	// coreFile is where exec writes a core file of the crashed program.
	coreFile string
	// allThreads makes core print the stack of every thread.
	allThreads bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const unwindCommandLongDesc = `Unwind walks the call stack of native programs using the DWARF call frame
information of their binaries.

It can print the unwind tables of an ELF binary, look up the procedure
containing an address, and print the stack of a running or crashing process.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:           "unwind",
		Short:         "Unwind is a call stack walker for native programs.",
		Long:          unwindCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			applyFlags(cmd)
			return logflags.Setup(conf.Log, conf.LogOutput, conf.LogDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (loader, native, cli).`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().IntVarP(&maxDepth, "depth", "d", 0, "Maximum number of frames to print.")
	rootCommand.PersistentFlags().BoolVarP(&framePointer, "frame-pointer", "", false, "Follow the frame pointer chain through code without unwind information.")
	rootCommand.PersistentFlags().BoolVarP(&debugFrame, "debug-frame", "", false, "Prefer .debug_frame over .eh_frame.")
	rootCommand.PersistentFlags().BoolVarP(&noColor, "no-color", "", false, "Disable colored output.")

	cfiCommand := &cobra.Command{
		Use:   "cfi <binary>",
		Short: "Print the unwind tables of a binary.",
		Long: `Print the unwind tables of a binary.

Every procedure described by the binary is listed with the rules in effect
at each address, in the format of readelf --debug-dump=frames-interp.`,
		Args: cobra.ExactArgs(1),
		RunE: cfiCmd,
	}
	cfiCommand.Flags().Var(&bias, "bias", "Address the binary is loaded at, relative to its link address.")
	rootCommand.AddCommand(cfiCommand)

	lookupCommand := &cobra.Command{
		Use:   "lookup <binary> <address>",
		Short: "Print the procedure containing an address.",
		Args:  cobra.ExactArgs(2),
		RunE:  lookupCmd,
	}
	lookupCommand.Flags().Var(&bias, "bias", "Address the binary is loaded at, relative to its link address.")
	rootCommand.AddCommand(lookupCommand)

	traceCommand := &cobra.Command{
		Use:   "trace <pid>",
		Short: "Print the stack of a running process.",
		Long: `Print the stack of a running process.

The process is stopped, its main thread is unwound and the process is
resumed.`,
		Args: cobra.ExactArgs(1),
		RunE: traceCmd,
	}
	rootCommand.AddCommand(traceCommand)

	execCommand := &cobra.Command{
		Use:   "exec <command line>",
		Short: "Run a program and print its stack when it crashes.",
		Long: `Run a program and print its stack when it crashes.

The command line is split like a shell would, without expansions. The
program runs until a thread receives a signal whose default action is to
dump core, the stack of that thread is printed and the program is killed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: execCmd,
	}
	execCommand.Flags().StringVarP(&coreFile, "core", "", "", "Write a core file of the crashed program, for the core command.")
	rootCommand.AddCommand(execCommand)

	coreCommand := &cobra.Command{
		Use:   "core <core file>",
		Short: "Print the stack of a crashed program from its core file.",
		Long: `Print the stack of a crashed program from its core file.

The binaries listed in the core file are loaded from their original paths,
memory the core file does not hold is read from them.`,
		Args: cobra.ExactArgs(1),
		RunE: coreCmd,
	}
	coreCommand.Flags().BoolVarP(&allThreads, "all", "a", false, "Print the stack of every thread.")
	rootCommand.AddCommand(coreCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Unwind\n%s\n", version.UnwindVersion)
			if conf.Log {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

// applyFlags overrides conf with the flags set on the command line.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("log") {
		conf.Log = log
	}
	if flags.Changed("log-output") {
		conf.LogOutput = logOutput
	}
	if flags.Changed("log-dest") {
		conf.LogDest = logDest
	}
	if flags.Changed("depth") {
		conf.MaxDepth = maxDepth
	}
	if flags.Changed("frame-pointer") {
		conf.FramePointerFallback = framePointer
	}
	if flags.Changed("debug-frame") {
		conf.PreferDebugFrame = debugFrame
	}
	if noColor {
		f := false
		conf.Color = &f
	}
}

func loadBinary(path string) (*proc.Registry, *proc.Module, error) {
	mod, err := loader.Options{PreferDebugFrame: conf.PreferDebugFrame}.LoadELF(path, uint64(bias))
	if err != nil {
		return nil, nil, err
	}
	return proc.NewRegistry(mod), mod, nil
}

func cfiCmd(cmd *cobra.Command, args []string) error {
	_, mod, err := loadBinary(args[0])
	if err != nil {
		return report(err)
	}
	model, err := loader.Model(args[0])
	if err != nil {
		return report(err)
	}
	printCFI(newOutput(conf.UseColor()), mod, model)
	return nil
}

func lookupCmd(cmd *cobra.Command, args []string) error {
	var pc hexAddr
	if err := pc.Set(args[1]); err != nil {
		return report(err)
	}
	reg, _, err := loadBinary(args[0])
	if err != nil {
		return report(err)
	}
	model, err := loader.Model(args[0])
	if err != nil {
		return report(err)
	}
	if err := printLookup(newOutput(conf.UseColor()), reg, uint64(pc), model); err != nil {
		return report(fmt.Errorf("%s: %v", pc.String(), err))
	}
	return nil
}

func traceCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return report(fmt.Errorf("invalid pid: %s", args[0]))
	}
	p, err := native.Attach(pid)
	if err != nil {
		return report(fmt.Errorf("could not attach to pid %d: %v", pid, err))
	}
	err = printBacktrace(newOutput(conf.UseColor()), p, pid, conf)
	if derr := p.Detach(false); derr != nil && err == nil {
		err = derr
	}
	return report(err)
}

func execCmd(cmd *cobra.Command, args []string) error {
	cmdline, err := splitCommandLine(args)
	if err != nil {
		return report(err)
	}
	logflags.CLILogger().Debugf("launching %q", cmdline)
	p, err := native.Launch(cmdline)
	if err != nil {
		return report(fmt.Errorf("could not launch %s: %v", cmdline[0], err))
	}
	defer p.Detach(true)

	o := newOutput(conf.UseColor())
	stop, err := p.Continue()
	if err != nil {
		return report(err)
	}
	o.printf("%s\n", stop)
	if stop.Exited {
		return nil
	}
	if err := printBacktrace(o, p, stop.Tid, conf); err != nil {
		return report(err)
	}
	if coreFile == "" {
		return nil
	}
	return report(writeCore(p, coreFile))
}

func writeCore(p *native.Process, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.Dump(f); err != nil {
		f.Close()
		return fmt.Errorf("could not write core file: %v", err)
	}
	logflags.CLILogger().Debugf("core file written to %s", path)
	return f.Close()
}

func coreCmd(cmd *cobra.Command, args []string) error {
	c, err := core.Open(args[0])
	if err != nil {
		return report(err)
	}
	defer c.Close()
	return report(printCoreBacktrace(newOutput(conf.UseColor()), c, allThreads, conf))
}

// splitCommandLine returns the arguments of exec: a single argument is
// split like a shell command line, more than one are used as they are.
func splitCommandLine(args []string) ([]string, error) {
	if len(args) > 1 {
		return args, nil
	}
	v, err := argv.Argv(args[0],
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args[0])
	}
	if len(v[0]) == 0 {
		return nil, errors.New("empty command line")
	}
	return v[0], nil
}

func report(err error) error {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	return err
}
