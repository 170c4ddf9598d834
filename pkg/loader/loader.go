// Package loader reads the unwind information of ELF binaries and turns
// it into modules that can be added to a proc.Registry.
package loader

import (
	"debug/elf"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/proc"
)

// ErrNoUnwindInfo is returned for binaries without .eh_frame and
// .debug_frame sections.
var ErrNoUnwindInfo = errors.New("no unwind information")

// UnsupportedMachineError is returned for binaries of an architecture the
// unwinder does not support.
type UnsupportedMachineError struct {
	Machine elf.Machine
	Class   elf.Class
}

func (err *UnsupportedMachineError) Error() string {
	return fmt.Sprintf("unsupported machine %v (%v)", err.Machine, err.Class)
}

// Options control how binaries are loaded.
type Options struct {
	// PreferDebugFrame makes the loader use .debug_frame when both
	// .debug_frame and .eh_frame are present.
	PreferDebugFrame bool
}

// LoadELF loads the binary at path, bias is the difference between the
// address it is loaded at and its link-time address.
func LoadELF(path string, bias uint64) (*proc.Module, error) {
	return Options{}.LoadELF(path, bias)
}

// LoadELF loads the binary at path, bias is the difference between the
// address it is loaded at and its link-time address.
func (o Options) LoadELF(path string, bias uint64) (*proc.Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer f.Close()
	return o.load(f, path, bias)
}

// LoadMapped loads the binary at path, given the address it is mapped at
// and the file offset of the mapping, as listed in /proc/<pid>/maps.
func (o Options) LoadMapped(path string, start, offset uint64) (*proc.Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer f.Close()
	bias, ok := mappingBias(f, start, offset)
	if !ok {
		return nil, errors.Errorf("no segment of %s is mapped at offset %#x", path, offset)
	}
	return o.load(f, path, bias)
}

// Model returns the architecture the binary at path was built for.
func Model(path string) (*arch.Model, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer f.Close()
	return machineModel(f)
}

// mappingBias returns the load bias of f when the file offset offset is
// mapped at start.
func mappingBias(f *elf.File, start, offset uint64) (uint64, bool) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		// the mapping starts at the page containing the segment
		pageOff := p.Off &^ (uint64(pageSize) - 1)
		if offset < pageOff || offset >= p.Off+p.Filesz {
			continue
		}
		return start + p.Off - offset - p.Vaddr, true
	}
	return 0, false
}

const pageSize = 0x1000

func machineModel(f *elf.File) (*arch.Model, error) {
	switch {
	case f.Machine == elf.EM_X86_64:
		return arch.AMD64{}.Model(), nil
	case f.Machine == elf.EM_AARCH64:
		return arch.ARM64{}.Model(), nil
	case f.Machine == elf.EM_MIPS && f.Class == elf.ELFCLASS64:
		return arch.MIPS64{}.Model(), nil
	}
	return nil, &UnsupportedMachineError{Machine: f.Machine, Class: f.Class}
}

// textRange returns the link-time range of the executable segments of f.
func textRange(f *elf.File) (low, high uint64, ok bool) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		if !ok || p.Vaddr < low {
			low = p.Vaddr
		}
		if !ok || p.Vaddr+p.Memsz > high {
			high = p.Vaddr + p.Memsz
		}
		ok = true
	}
	if ok {
		return low, high, true
	}
	if text := f.Section(".text"); text != nil {
		return text.Addr, text.Addr + text.Size, true
	}
	return 0, 0, false
}

func (o Options) load(f *elf.File, name string, bias uint64) (*proc.Module, error) {
	logger := logflags.LoaderLogger()
	model, err := machineModel(f)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	low, high, ok := textRange(f)
	if !ok {
		return nil, errors.Errorf("%s has no executable code", name)
	}

	sections := []struct {
		name   string
		format proc.Format
	}{
		{"eh_frame", proc.FormatEHFrame},
		{"debug_frame", proc.FormatDebugFrame},
	}
	if o.PreferDebugFrame {
		sections[0], sections[1] = sections[1], sections[0]
	}

	var lastErr error
	for _, sec := range sections {
		data, addr, err := frameSection(f, sec.name)
		if err != nil {
			lastErr = errors.Wrapf(err, "could not read .%s of %s", sec.name, name)
			continue
		}
		if len(data) == 0 {
			continue
		}
		var fdes frame.FrameDescriptionEntries
		if sec.format == proc.FormatEHFrame {
			fdes, err = frame.ParseEH(data, f.ByteOrder, bias, model.PtrSize, addr)
		} else {
			fdes, err = frame.Parse(data, f.ByteOrder, bias, model.PtrSize)
		}
		if err != nil {
			logger.Warnf("could not parse .%s of %s: %v", sec.name, name, err)
			lastErr = errors.Wrapf(err, "could not parse .%s of %s", sec.name, name)
			continue
		}
		if len(fdes) == 0 {
			continue
		}
		logger.Debugf("%s: %d FDEs in .%s, code at %#x-%#x", name, len(fdes), sec.name, low+bias, high+bias)
		return proc.NewModule(name, low+bias, high+bias, fdes, sec.format, uint64(model.SPRegNum)), nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.Wrap(ErrNoUnwindInfo, name)
}
