//go:build linux && (amd64 || arm64)

package native

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/loader"
	"github.com/go-delve/unwind/pkg/proc"
	"github.com/go-delve/unwind/pkg/proc/core"
	protest "github.com/go-delve/unwind/pkg/proc/test"
)

var marker = [8]byte{'u', 'n', 'w', 'i', 'n', 'd', '!', '!'}

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithFixtures(m))
}

func launchChild(t *testing.T, argv ...string) *Process {
	t.Helper()
	p, err := Launch(argv)
	if err != nil {
		if errors.Is(err, sys.EPERM) {
			t.Skipf("ptrace not permitted: %v", err)
		}
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { _ = p.Detach(true) })
	return p
}

// executableDelta returns the distance between the text of this binary in
// the child and in the test process.
func executableDelta(t *testing.T, pid int) uint64 {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	start := func(pid int) uint64 {
		maps, err := ExecutableMappings(pid)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range maps {
			if m.Path == self {
				return m.Start - m.Offset
			}
		}
		t.Fatalf("%s not mapped in %d: %v", self, pid, maps)
		return 0
	}
	return start(pid) - start(os.Getpid())
}

func TestExecutableMappings(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	maps, err := ExecutableMappings(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	found := false
	for _, m := range maps {
		if seen[m.Path] {
			t.Errorf("%s listed twice", m.Path)
		}
		seen[m.Path] = true
		if m.Start >= m.End {
			t.Errorf("bad mapping %#v", m)
		}
		if m.Path == self {
			found = true
		}
	}
	if !found {
		t.Fatalf("test binary %s not found in %v", self, maps)
	}
}

// crashChild runs the crasher fixture until it faults.
func crashChild(t *testing.T) (*Process, Stop, protest.Fixture) {
	t.Helper()
	fixture := protest.BuildFixture(t, "crasher")
	p := launchChild(t, fixture.Path)
	stop, err := p.Continue()
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if stop.Exited || stop.Signal != sys.SIGSEGV {
		t.Fatalf("unexpected stop: %v", stop)
	}
	return p, stop, fixture
}

func TestTraceCrash(t *testing.T) {
	p, stop, fixture := crashChild(t)

	reg := proc.NewRegistry()
	n, err := LoadModules(p.Pid(), reg, loader.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("no modules loaded")
	}

	var ctx proc.Context[arch.Native]
	if err := p.Registers(stop.Tid, &ctx); err != nil {
		t.Fatal(err)
	}
	var c proc.Cursor[arch.Native]
	if err := proc.InitRemote(&c, &ctx, reg, p.Memory()); err != nil {
		t.Fatal(err)
	}
	frames := make([]proc.Frame, 8)
	got, err := proc.Backtrace(&c, frames)
	if got < 3 {
		t.Fatalf("only %d frames: %v", got, err)
	}

	for i, want := range []string{"main.crashHere", "main.callCrash", "main.main"} {
		pc := frames[i].PC
		if i > 0 {
			pc--
		}
		if s := protest.FuncName(t, fixture, pc); s != want {
			t.Errorf("frame %d is %s, expected %s", i, s, want)
		}
	}
	for i := 1; i < got; i++ {
		if frames[i].CFA <= frames[i-1].CFA {
			t.Errorf("frame %d: CFA %#x not above %#x", i, frames[i].CFA, frames[i-1].CFA)
		}
	}
}

func TestReadMemory(t *testing.T) {
	// the test binary stopped before it runs any test
	p := launchChild(t, os.Args[0], "-test.run=^$")
	delta := executableDelta(t, p.Pid())

	var buf [8]byte
	addr := uint64(uintptr(unsafe.Pointer(&marker))) + delta
	n, err := p.Memory().ReadMemory(buf[:], addr)
	if err != nil || n != len(buf) {
		t.Fatalf("ReadMemory: %d %v", n, err)
	}
	if buf != marker {
		t.Errorf("read %q, want %q", buf[:], marker[:])
	}

	if _, err := p.Memory().ReadMemory(buf[:], 0); err != proc.ErrUnmapped {
		t.Errorf("reading address 0: %v", err)
	}
}

func TestDumpCrash(t *testing.T) {
	p, stop, _ := crashChild(t)

	reg := proc.NewRegistry()
	if _, err := LoadModules(p.Pid(), reg, loader.Options{}); err != nil {
		t.Fatal(err)
	}
	var ctx proc.Context[arch.Native]
	if err := p.Registers(stop.Tid, &ctx); err != nil {
		t.Fatal(err)
	}
	var live proc.Cursor[arch.Native]
	if err := proc.InitRemote(&live, &ctx, reg, p.Memory()); err != nil {
		t.Fatal(err)
	}
	want := make([]proc.Frame, 8)
	nwant, _ := proc.Backtrace(&live, want)

	path := filepath.Join(t.TempDir(), "core")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Dump(f); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	c, err := core.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Pid != p.Pid() || len(c.Threads) == 0 {
		t.Fatalf("core of %d with %d threads", c.Pid, len(c.Threads))
	}
	th := c.Threads[0]
	if th.Tid != stop.Tid || th.Signal != int(sys.SIGSEGV) {
		t.Errorf("first thread %d with signal %d", th.Tid, th.Signal)
	}

	creg := proc.NewRegistry()
	if c.LoadModules(creg, loader.Options{}) == 0 {
		t.Fatal("no modules loaded from the core file")
	}
	var cctx proc.Context[arch.Native]
	if err := core.ThreadContext(c, th, &cctx); err != nil {
		t.Fatal(err)
	}
	var cur proc.Cursor[arch.Native]
	if err := proc.InitRemote(&cur, &cctx, creg, c.Memory()); err != nil {
		t.Fatal(err)
	}
	got := make([]proc.Frame, 8)
	ngot, _ := proc.Backtrace(&cur, got)
	// the outermost frames may read memory that is not saved
	n := ngot
	if nwant < n {
		n = nwant
	}
	if n < 3 {
		t.Fatalf("%d frames from the core file, %d from the process", ngot, nwant)
	}
	for i := 0; i < n; i++ {
		if got[i].PC != want[i].PC || got[i].CFA != want[i].CFA {
			t.Errorf("frame %d: %#x/%#x, want %#x/%#x", i, got[i].PC, got[i].CFA, want[i].PC, want[i].CFA)
		}
	}
}
