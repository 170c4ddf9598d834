package cmds

import (
	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/proc"
)

func regNamer(model *arch.Model) func(uint64) string {
	return func(n uint64) string { return model.RegName(arch.RegNum(n)) }
}

// printCFI prints the unwind table of every procedure of mod.
func printCFI(o *output, mod *proc.Module, model *arch.Model) {
	name := regNamer(model)
	o.printf("%s: %d procedures in .%s, code at %s-%s\n", mod.Name, len(mod.FDEs), mod.Format, o.addr(mod.Low), o.addr(mod.High))
	for _, fde := range mod.FDEs {
		o.printf("\n%s-%s augmentation=%q", o.addr(fde.Begin()), o.addr(fde.End()), fde.CIE.Augmentation)
		if fde.CIE.SignalFrame {
			o.printf(" signal-frame")
		}
		o.printf("\n")
		if !fde.CIE.Supported() {
			o.warnf("  unsupported CIE version %d\n", fde.CIE.Version)
			continue
		}
		err := fde.Rows(func(loc uint64, fctxt *frame.FrameContext) bool {
			o.printf("  %s %s\n", o.addr(loc), fctxt.Format(name))
			return true
		})
		if err != nil {
			o.errorf("  %v\n", err)
		}
	}
}

// printLookup prints the procedure information of pc and the unwind rule
// row in effect there.
func printLookup(o *output, reg *proc.Registry, pc uint64, model *arch.Model) error {
	info, err := reg.Lookup(pc)
	if err != nil {
		return err
	}
	o.printf("module      %s\n", info.Module)
	o.printf("procedure   %s-%s\n", o.addr(info.Start), o.addr(info.End))
	o.printf("format      %s\n", info.Format)
	o.printf("flags       %s\n", info.Flags)
	if info.Personality != 0 {
		o.printf("personality %s\n", o.addr(info.Personality))
	}
	if info.LSDA != 0 {
		o.printf("lsda        %s\n", o.addr(info.LSDA))
	}
	fctxt, err := info.FDE.EstablishFrame(pc)
	if err != nil {
		return err
	}
	o.printf("rules       %s\n", fctxt.Format(regNamer(model)))
	return nil
}
