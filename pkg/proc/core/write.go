package core

import (
	"debug/elf"
	"io"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/elfwriter"
)

// Segment is a range of memory saved in a core file.
type Segment struct {
	Addr uint64
	Data []byte
}

// Dump is the contents of a core file.
type Dump struct {
	Pid     int
	Name    string // executable name, truncated to 15 bytes
	Model   *arch.Model
	Threads []*Thread
	Files   []MappedFile
	Memory  []Segment
}

const filePageSize = 0x1000

// Write writes d to w as an ELF core file readable by Open.
func Write(w io.WriteSeeker, d *Dump) error {
	l, err := layoutForModel(d.Model)
	if err != nil {
		return err
	}
	ew, err := elfwriter.New(w, &elf.FileHeader{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		OSABI:   elf.ELFOSABI_NONE,
		Type:    elf.ET_CORE,
		Machine: l.machine,
	})
	if err != nil {
		return err
	}

	notes := []elfwriter.Note{{Type: elf.NT_PRPSINFO, Name: noteNameCore, Data: prpsinfo(d.Pid, d.Name)}}
	for _, th := range d.Threads {
		notes = append(notes, elfwriter.Note{Type: elf.NT_PRSTATUS, Name: noteNameCore, Data: l.prstatus(th)})
	}
	if len(d.Files) > 0 {
		notes = append(notes, elfwriter.Note{Type: _NT_FILE, Name: noteNameCore, Data: fileNote(d.Files, filePageSize)})
	}
	ew.WriteNotes(notes)
	for _, seg := range d.Memory {
		ew.WriteSegment(seg.Addr, seg.Data, elf.PF_R|elf.PF_W)
	}
	return ew.WriteProgramHeaders()
}
