package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
)

// Offsets in struct elf_prstatus and struct elf_prpsinfo of 64-bit Linux.
const (
	prstatusCursig = 12
	prstatusPid    = 32
	prstatusRegs   = 112
	prpsinfoPid    = 24
	prpsinfoFname  = 40
	prpsinfoSize   = 136
)

const noteNameCore = "CORE"

// noReg marks the slots of the saved registers that are not part of an
// execution context.
const noReg = ^arch.RegNum(0)

// regLayout is the order of the registers saved in the NT_PRSTATUS note.
type regLayout struct {
	machine elf.Machine
	model   *arch.Model
	regs    []arch.RegNum
}

// prstatusSize returns the size of struct elf_prstatus, pr_reg is followed
// by pr_fpvalid and padding.
func (l *regLayout) prstatusSize() int {
	return prstatusRegs + 8*len(l.regs) + 8
}

var amd64Layout = regLayout{
	machine: elf.EM_X86_64,
	model:   arch.AMD64{}.Model(),
	regs: []arch.RegNum{
		regnum.AMD64_R15, regnum.AMD64_R14, regnum.AMD64_R13, regnum.AMD64_R12,
		regnum.AMD64_Rbp, regnum.AMD64_Rbx, regnum.AMD64_R11, regnum.AMD64_R10,
		regnum.AMD64_R9, regnum.AMD64_R8, regnum.AMD64_Rax, regnum.AMD64_Rcx,
		regnum.AMD64_Rdx, regnum.AMD64_Rsi, regnum.AMD64_Rdi,
		noReg, // orig_rax
		regnum.AMD64_Rip, regnum.AMD64_Cs, regnum.AMD64_Rflags, regnum.AMD64_Rsp,
		regnum.AMD64_Ss, regnum.AMD64_Fs_base, regnum.AMD64_Gs_base,
		regnum.AMD64_Ds, regnum.AMD64_Es, regnum.AMD64_Fs, regnum.AMD64_Gs,
	},
}

var arm64Layout = func() regLayout {
	l := regLayout{machine: elf.EM_AARCH64, model: arch.ARM64{}.Model()}
	for i := arch.RegNum(0); i <= 30; i++ {
		l.regs = append(l.regs, regnum.ARM64_X0+i)
	}
	l.regs = append(l.regs, regnum.ARM64_SP, regnum.ARM64_PC, noReg) // pstate
	return l
}()

// UnsupportedMachineError is returned for core files of architectures
// whose saved registers can not be decoded.
type UnsupportedMachineError struct {
	Machine elf.Machine
}

func (err *UnsupportedMachineError) Error() string {
	return fmt.Sprintf("core files of %v are not supported", err.Machine)
}

func layoutFor(machine elf.Machine) (*regLayout, error) {
	switch machine {
	case elf.EM_X86_64:
		return &amd64Layout, nil
	case elf.EM_AARCH64:
		return &arm64Layout, nil
	}
	return nil, &UnsupportedMachineError{machine}
}

func layoutForModel(m *arch.Model) (*regLayout, error) {
	for _, l := range []*regLayout{&amd64Layout, &arm64Layout} {
		if l.model.Name == m.Name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("core files of %s are not supported", m.Name)
}

var errTruncatedNote = errors.New("truncated note")

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// readNotes decodes the notes of a PT_NOTE segment.
func (c *Core) readNotes(buf []byte, l *regLayout) error {
	bo := binary.LittleEndian
	for len(buf) > 0 {
		if len(buf) < 12 {
			return errTruncatedNote
		}
		namesz, descsz, typ := uint64(bo.Uint32(buf)), uint64(bo.Uint32(buf[4:])), elf.NType(bo.Uint32(buf[8:]))
		buf = buf[12:]
		if uint64(len(buf)) < align4(namesz) {
			return errTruncatedNote
		}
		name := string(bytes.TrimRight(buf[:namesz], "\x00"))
		buf = buf[align4(namesz):]
		if uint64(len(buf)) < descsz {
			return errTruncatedNote
		}
		desc := buf[:descsz]
		if uint64(len(buf)) < align4(descsz) {
			buf = buf[descsz:]
		} else {
			buf = buf[align4(descsz):]
		}
		if name != noteNameCore {
			continue
		}

		switch typ {
		case elf.NT_PRSTATUS:
			th, err := l.readPrstatus(desc)
			if err != nil {
				return err
			}
			c.Threads = append(c.Threads, th)
		case elf.NT_PRPSINFO:
			if len(desc) >= prpsinfoPid+4 {
				c.Pid = int(int32(bo.Uint32(desc[prpsinfoPid:])))
			}
		case _NT_FILE:
			files, err := readFileNote(desc)
			if err != nil {
				return err
			}
			c.Files = append(c.Files, files...)
		}
	}
	return nil
}

func (l *regLayout) readPrstatus(desc []byte) (*Thread, error) {
	if len(desc) < prstatusRegs+8*len(l.regs) {
		return nil, fmt.Errorf("NT_PRSTATUS note too short: %d bytes", len(desc))
	}
	bo := binary.LittleEndian
	th := &Thread{
		Tid:    int(int32(bo.Uint32(desc[prstatusPid:]))),
		Signal: int(bo.Uint16(desc[prstatusCursig:])),
	}
	for i, n := range l.regs {
		if n == noReg {
			continue
		}
		th.Regs = append(th.Regs, Reg{n, bo.Uint64(desc[prstatusRegs+8*i:])})
	}
	return th, nil
}

func (l *regLayout) prstatus(th *Thread) []byte {
	bo := binary.LittleEndian
	desc := make([]byte, l.prstatusSize())
	bo.PutUint16(desc[prstatusCursig:], uint16(th.Signal))
	bo.PutUint32(desc[prstatusPid:], uint32(th.Tid))
	for _, r := range th.Regs {
		for i, n := range l.regs {
			if n == r.Num {
				bo.PutUint64(desc[prstatusRegs+8*i:], r.Value)
			}
		}
	}
	return desc
}

func prpsinfo(pid int, fname string) []byte {
	desc := make([]byte, prpsinfoSize)
	binary.LittleEndian.PutUint32(desc[prpsinfoPid:], uint32(pid))
	copy(desc[prpsinfoFname:prpsinfoFname+15], fname)
	return desc
}

// _NT_FILE is the note listing the files mapped by the process.
const _NT_FILE elf.NType = 0x46494c45

// readFileNote decodes a NT_FILE note: a count and a page size, count
// (start, end, page offset) triples, then count NUL terminated paths.
func readFileNote(desc []byte) ([]MappedFile, error) {
	bo := binary.LittleEndian
	if len(desc) < 16 {
		return nil, errTruncatedNote
	}
	count, pageSize := bo.Uint64(desc), bo.Uint64(desc[8:])
	desc = desc[16:]
	if count > uint64(len(desc))/24 {
		return nil, errTruncatedNote
	}
	files := make([]MappedFile, count)
	for i := range files {
		files[i] = MappedFile{
			Start:  bo.Uint64(desc),
			End:    bo.Uint64(desc[8:]),
			Offset: bo.Uint64(desc[16:]) * pageSize,
		}
		desc = desc[24:]
	}
	for i := range files {
		end := bytes.IndexByte(desc, 0)
		if end < 0 {
			return nil, errTruncatedNote
		}
		files[i].Path = string(desc[:end])
		desc = desc[end+1:]
	}
	return files, nil
}

func fileNote(files []MappedFile, pageSize uint64) []byte {
	bo := binary.LittleEndian
	desc := bo.AppendUint64(nil, uint64(len(files)))
	desc = bo.AppendUint64(desc, pageSize)
	for _, f := range files {
		desc = bo.AppendUint64(desc, f.Start)
		desc = bo.AppendUint64(desc, f.End)
		desc = bo.AppendUint64(desc, f.Offset/pageSize)
	}
	for _, f := range files {
		desc = append(desc, f.Path...)
		desc = append(desc, 0)
	}
	return desc
}
