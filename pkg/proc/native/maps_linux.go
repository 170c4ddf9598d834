//go:build linux && (amd64 || arm64)

package native

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"github.com/go-delve/unwind/pkg/loader"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/proc"
)

// Mapping is an executable, file backed mapping of a process.
type Mapping struct {
	Start, End uint64
	Offset     uint64
	Path       string
}

// ExecutableMappings returns the executable mappings of process pid that
// are backed by a file, one per file: the first one listed.
func ExecutableMappings(pid int) ([]Mapping, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open process %d", pid)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "could not read mappings of process %d", pid)
	}
	seen := make(map[string]bool)
	var r []Mapping
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute || m.Inode == 0 {
			continue
		}
		// [vdso], [vsyscall] and deleted files can not be opened
		if !strings.HasPrefix(m.Pathname, "/") || strings.HasSuffix(m.Pathname, " (deleted)") {
			continue
		}
		if seen[m.Pathname] {
			continue
		}
		seen[m.Pathname] = true
		r = append(r, Mapping{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Path:   m.Pathname,
		})
	}
	return r, nil
}

// LoadModules adds the unwind tables of every executable mapping of
// process pid to reg. Files that can not be loaded are skipped, the
// number of modules added is returned.
func LoadModules(pid int, reg *proc.Registry, opts loader.Options) (int, error) {
	logger := logflags.NativeLogger()
	maps, err := ExecutableMappings(pid)
	if err != nil {
		return 0, err
	}
	var modules []*proc.Module
	for _, m := range maps {
		mod, err := opts.LoadMapped(m.Path, m.Start, m.Offset)
		if err != nil {
			logger.WithError(err).Debugf("skipping %s", m.Path)
			continue
		}
		logger.Debugf("loaded %s at %#x-%#x", m.Path, mod.Low, mod.High)
		modules = append(modules, mod)
	}
	reg.Add(modules...)
	return len(modules), nil
}
