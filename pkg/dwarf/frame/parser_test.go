package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-delve/unwind/pkg/dwarf/dwarfbuilder"
)

func TestParseCIE(t *testing.T) {
	b := dwarfbuilder.New()
	initial := dwarfbuilder.NewProgram().DefCFA(7, 8).Offset(16, 1).Bytes()
	cie := b.CIE(dwarfbuilder.CIE{CodeAlign: 1, DataAlign: -4, ReturnAddrReg: 16, Initial: initial})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x20})

	fdes, err := Parse(b.Build(), binary.LittleEndian, 0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}

	common := fdes[0].CIE

	if common.Version != 3 {
		t.Fatalf("Expected Version 3, but get %d", common.Version)
	}
	if common.Augmentation != "" {
		t.Fatalf("Expected Augmentation \"\", but get %s", common.Augmentation)
	}
	if common.CodeAlignmentFactor != 1 {
		t.Fatalf("Expected CodeAlignmentFactor 1, but get %d", common.CodeAlignmentFactor)
	}
	if common.DataAlignmentFactor != -4 {
		t.Fatalf("Expected DataAlignmentFactor -4, but get %d", common.DataAlignmentFactor)
	}
	if common.ReturnAddressRegister != 16 {
		t.Fatalf("Expected ReturnAddressRegister 16, but get %d", common.ReturnAddressRegister)
	}
	// the builder pads the entry with DW_CFA_nop
	if !bytes.HasPrefix(common.InitialInstructions, initial) {
		t.Fatalf("Expected InitialInstructions %v, but get %v", initial, common.InitialInstructions)
	}
	if fdes[0].Begin() != 0x1000 || fdes[0].End() != 0x1020 {
		t.Fatalf("wrong FDE range %#x-%#x", fdes[0].Begin(), fdes[0].End())
	}
}

func TestParseStaticBase(t *testing.T) {
	b := dwarfbuilder.New()
	cie := b.CIE(dwarfbuilder.CIE{CodeAlign: 1, DataAlign: -8, ReturnAddrReg: 16})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x2000, Size: 0x10})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x10})

	fdes, err := Parse(b.Build(), binary.LittleEndian, 0x7f0000000000, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 2 {
		t.Fatalf("expected 2 FDEs, got %d", len(fdes))
	}
	if fdes[0].Begin() != 0x7f0000001000 || fdes[1].Begin() != 0x7f0000002000 {
		t.Fatalf("FDEs not relocated or not sorted: %#x %#x", fdes[0].Begin(), fdes[1].Begin())
	}
	if fdes[0].CIE != fdes[1].CIE {
		t.Fatalf("CIE decoded twice")
	}
}

func TestParseLastEntry(t *testing.T) {
	for _, terminated := range []bool{false, true} {
		b := dwarfbuilder.New()
		cie := b.CIE(dwarfbuilder.CIE{CodeAlign: 1, DataAlign: -8, ReturnAddrReg: 16})
		b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x10})
		b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x2000, Size: 0x10})
		if terminated {
			b.Terminate()
		}
		fdes, err := Parse(b.Build(), binary.LittleEndian, 0, 8)
		if err != nil {
			t.Fatal(err)
		}
		if len(fdes) != 2 {
			t.Fatalf("terminated=%v: expected 2 FDEs, got %d", terminated, len(fdes))
		}
		if fde, err := fdes.FDEForPC(0x2008); err != nil || fde.Begin() != 0x2000 {
			t.Fatalf("terminated=%v: last FDE not found: %v", terminated, err)
		}
	}
}

func TestParseEH(t *testing.T) {
	const ehFrameAddr = 0x500000

	b := dwarfbuilder.NewEH(ehFrameAddr)
	plain := b.CIE(dwarfbuilder.CIE{Augmentation: "zR", CodeAlign: 1, DataAlign: -8, ReturnAddrReg: 16,
		Initial: dwarfbuilder.NewProgram().DefCFA(7, 8).Offset(16, 1).Bytes()})
	sig := b.CIE(dwarfbuilder.CIE{Augmentation: "zPLRS", CodeAlign: 1, DataAlign: -8, ReturnAddrReg: 16, Personality: 0x401234})
	b.FDE(dwarfbuilder.FDE{CIE: plain, Begin: 0x401000, Size: 0x40})
	b.FDE(dwarfbuilder.FDE{CIE: sig, Begin: 0x400800, Size: 0x10, LSDA: 0x402000})
	b.Terminate()

	fdes, err := ParseEH(b.Build(), binary.LittleEndian, 0, 8, ehFrameAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 2 {
		t.Fatalf("expected 2 FDEs, got %d", len(fdes))
	}

	sigfde, plainfde := fdes[0], fdes[1]
	if plainfde.Begin() != 0x401000 || plainfde.End() != 0x401040 {
		t.Errorf("wrong range for pc-relative FDE: %#x-%#x", plainfde.Begin(), plainfde.End())
	}
	if plainfde.CIE.SignalFrame {
		t.Errorf("plain CIE marked as signal frame")
	}
	if sigfde.Begin() != 0x400800 {
		t.Errorf("wrong begin %#x", sigfde.Begin())
	}
	if !sigfde.CIE.SignalFrame {
		t.Errorf("'S' augmentation not detected")
	}
	if sigfde.CIE.Personality != 0x401234 {
		t.Errorf("wrong personality %#x", sigfde.CIE.Personality)
	}
	if sigfde.LSDA != 0x402000 {
		t.Errorf("wrong LSDA %#x", sigfde.LSDA)
	}
	if !sigfde.CIE.Supported() || !plainfde.CIE.Supported() {
		t.Errorf("CIEs should be supported")
	}
}

func TestParseMalformed(t *testing.T) {
	b := dwarfbuilder.New()
	cie := b.CIE(dwarfbuilder.CIE{CodeAlign: 1, DataAlign: -8, ReturnAddrReg: 16})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x10})
	data := b.Build()

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"truncated", data[:len(data)-3]},
		{"short length", data[:2]},
		{"bad CIE pointer", func() []byte {
			d := append([]byte(nil), data...)
			// the FDE is the last 24 bytes, its CIE pointer follows the length
			binary.LittleEndian.PutUint32(d[len(d)-24+4:], 0x7777)
			return d
		}()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data, binary.LittleEndian, 0, 8)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	b := dwarfbuilder.New()
	cie := b.CIE(dwarfbuilder.CIE{Version: 2, CodeAlign: 1, DataAlign: -8, ReturnAddrReg: 16})
	b.FDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x10})

	fdes, err := Parse(b.Build(), binary.LittleEndian, 0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	if fdes[0].CIE.Supported() {
		t.Fatalf("version 2 CIE reported as supported")
	}
	if _, err := fdes[0].EstablishFrame(0x1008); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func BenchmarkParse(b *testing.B) {
	bld := dwarfbuilder.New()
	cie := bld.CIE(dwarfbuilder.CIE{CodeAlign: 1, DataAlign: -8, ReturnAddrReg: 16})
	for i := uint64(0); i < 10000; i++ {
		bld.FDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x400000 + i*0x100, Size: 0x80,
			Instructions: dwarfbuilder.NewProgram().AdvanceLoc(1).DefCFAOffset(16).Offset(6, 2).Bytes()})
	}
	data := bld.Build()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Parse(data, binary.LittleEndian, 0, 8)
	}
}
