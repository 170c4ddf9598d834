// Package test builds the programs under _fixtures for the tests that
// need a binary with its unwind information.
package test

import (
	"crypto/rand"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

var (
	fixturesMu sync.Mutex
	// Fixtures is a map of Fixture.Name to Fixture.
	Fixtures = make(map[string]Fixture)
)

// FindFixturesDir returns the _fixtures directory of the module.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture compiles _fixtures/<name>.go with its DWARF sections. The
// binary is built once per test process.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := Fixtures[name]; ok {
		return f
	}

	fixturesDir := FindFixturesDir()
	source, err := filepath.Abs(filepath.Join(fixturesDir, name+".go"))
	if err != nil {
		t.Fatal(err)
	}

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	// go test strips DWARF from the binaries it runs, go build does not
	cmd := exec.Command("go", "build", "-buildmode=exe", "-gcflags=-N -l", "-o", tmpfile, name+".go")
	cmd.Dir = fixturesDir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("could not compile %s: %v\n%s", source, err, out)
	}
	if err := checkFrameSection(tmpfile); err != nil {
		os.Remove(tmpfile)
		t.Fatalf("fixture %s: %v", name, err)
	}

	Fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: source}
	return Fixtures[name]
}

func checkFrameSection(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if f.Section(".debug_frame") == nil && f.Section(".zdebug_frame") == nil && f.Section(".eh_frame") == nil {
		return fmt.Errorf("%s has no call frame information", path)
	}
	return nil
}

// FuncName returns the name of the function of fixture f containing pc.
func FuncName(t testing.TB, f Fixture, pc uint64) string {
	t.Helper()
	ef, err := elf.Open(f.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()
	syms, err := ef.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value <= pc && pc < s.Value+s.Size {
			return s.Name
		}
	}
	return "?"
}

// RunTestsWithFixtures runs the tests, the fixtures they built are deleted
// before returning.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	// Remove the fixtures.
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}
