package proc

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-delve/unwind/pkg/dwarf/frame"
)

// Format is the section the unwind information of a module came from.
type Format uint8

const (
	FormatDebugFrame Format = iota // .debug_frame
	FormatEHFrame                  // .eh_frame
)

func (f Format) String() string {
	switch f {
	case FormatDebugFrame:
		return "debug_frame"
	case FormatEHFrame:
		return "eh_frame"
	}
	return "unknown"
}

// ProcFlags describe properties of a procedure.
type ProcFlags uint8

const (
	// FlagSignalFrame marks signal return trampolines.
	FlagSignalFrame ProcFlags = 1 << iota
	// FlagDynamicStack is set when the CFA is, at some point of the
	// procedure, computed from a register other than the stack pointer.
	FlagDynamicStack
)

func (f ProcFlags) String() string {
	var names []string
	if f&FlagSignalFrame != 0 {
		names = append(names, "signal-frame")
	}
	if f&FlagDynamicStack != 0 {
		names = append(names, "dynamic-stack")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ProcInfo describes the procedure containing a program counter.
type ProcInfo struct {
	Start, End  uint64 // [Start, End)
	FDE         *frame.FrameDescriptionEntry
	Format      Format
	Personality uint64 // never interpreted
	LSDA        uint64 // never interpreted
	Flags       ProcFlags
	Module      string
}

// Module is the unwind information of one loaded object. A module is
// immutable once added to a Registry.
type Module struct {
	Name      string
	Low, High uint64 // [Low, High)
	FDEs      frame.FrameDescriptionEntries
	Format    Format

	flags []ProcFlags
}

// NewModule returns a module covering [low, high) described by fdes. The
// entries must already be relocated to their load addresses. spRegNum is
// the stack pointer of the architecture, used to compute
// FlagDynamicStack.
func NewModule(name string, low, high uint64, fdes frame.FrameDescriptionEntries, format Format, spRegNum uint64) *Module {
	fdes = frame.NewFrameIndex().Append(fdes)
	m := &Module{Name: name, Low: low, High: high, FDEs: fdes, Format: format, flags: make([]ProcFlags, len(fdes))}
	var fctxt frame.FrameContext
	for i, fde := range fdes {
		if fde.CIE.SignalFrame {
			m.flags[i] |= FlagSignalFrame
		}
		if fde.End() == fde.Begin() {
			continue
		}
		if err := fctxt.Establish(fde, fde.End()-1); err != nil {
			continue
		}
		if fctxt.CFARegsUsed&^(1<<spRegNum) != 0 {
			m.flags[i] |= FlagDynamicStack
		}
	}
	return m
}

// Cover returns true if pc is inside the module.
func (m *Module) Cover(pc uint64) bool {
	return pc >= m.Low && pc < m.High
}

// lookup returns the procedure containing pc, false if the module has no
// information for it.
func (m *Module) lookup(pc uint64) (ProcInfo, bool) {
	i := m.FDEs.Search(pc)
	if i < 0 {
		return ProcInfo{}, false
	}
	fde := m.FDEs[i]
	return ProcInfo{
		Start:       fde.Begin(),
		End:         fde.End(),
		FDE:         fde,
		Format:      m.Format,
		Personality: fde.CIE.Personality,
		LSDA:        fde.LSDA,
		Flags:       m.flags[i],
		Module:      m.Name,
	}, true
}

// Registry maps program counters to procedures. Lookup can be called
// concurrently with Add and Remove and never blocks: writers publish a new
// sorted list of modules, readers load the current one.
type Registry struct {
	mu      sync.Mutex // serializes writers
	modules atomic.Pointer[[]*Module]
}

// NewRegistry returns a Registry containing modules.
func NewRegistry(modules ...*Module) *Registry {
	r := &Registry{}
	r.Add(modules...)
	return r
}

// Add publishes modules.
func (r *Registry) Add(modules ...*Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.Modules()
	list := make([]*Module, 0, len(old)+len(modules))
	list = append(list, old...)
	list = append(list, modules...)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Low < list[j].Low
	})
	r.modules.Store(&list)
}

// Remove unpublishes every module with the given name and returns how
// many were removed.
func (r *Registry) Remove(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.Modules()
	list := make([]*Module, 0, len(old))
	for _, m := range old {
		if m.Name != name {
			list = append(list, m)
		}
	}
	r.modules.Store(&list)
	return len(old) - len(list)
}

// Modules returns the current snapshot of modules sorted by Low. The
// returned slice must not be modified.
func (r *Registry) Modules() []*Module {
	if p := r.modules.Load(); p != nil {
		return *p
	}
	return nil
}

// Lookup returns the procedure containing pc. When modules overlap, the
// first module covering pc that has information for it is used.
func (r *Registry) Lookup(pc uint64) (ProcInfo, error) {
	mods := r.Modules()
	// modules with Low <= pc
	n := sort.Search(len(mods), func(i int) bool {
		return mods[i].Low > pc
	})
	for i := 0; i < n; i++ {
		m := mods[i]
		if !m.Cover(pc) {
			continue
		}
		if pi, ok := m.lookup(pc); ok {
			return pi, nil
		}
	}
	return ProcInfo{}, ErrNoInfo
}
