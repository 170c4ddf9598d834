// Package elfwriter writes 64-bit little endian ELF files one piece at a
// time, the program header table is written last.
//
// Only what core files need is supported: there are no section headers.
package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
)

// ErrUnsupported is returned by New for files that are not 64-bit little
// endian.
var ErrUnsupported = errors.New("only 64-bit little endian ELF files can be written")

const (
	ehsize    = 64
	phentsize = 56
)

// Writer writes ELF files. The first write error is kept in Err and every
// following call does nothing.
type Writer struct {
	w     io.WriteSeeker
	Err   error
	Progs []*elf.ProgHeader

	offPhoff int64
	offPhnum int64
}

// Note is an entry of a PT_NOTE segment.
type Note struct {
	Type elf.NType
	Name string
	Data []byte
}

// New writes the file header described by fhdr at the start of w.
func New(w io.WriteSeeker, fhdr *elf.FileHeader) (*Writer, error) {
	if fhdr.Class != elf.ELFCLASS64 || fhdr.Data != elf.ELFDATA2LSB {
		return nil, ErrUnsupported
	}
	if off, err := w.Seek(0, io.SeekCurrent); err != nil || off != 0 {
		return nil, errors.New("the file header must be written at offset 0")
	}
	r := &Writer{w: w}

	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(fhdr.Version), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})
	r.u16(uint16(fhdr.Type))
	r.u16(uint16(fhdr.Machine))
	r.u32(uint32(fhdr.Version))
	r.u64(0) // e_entry
	r.offPhoff = r.Here()
	r.u64(0) // e_phoff
	r.u64(0) // e_shoff
	r.u32(0) // e_flags
	r.u16(ehsize)
	r.u16(phentsize)
	r.offPhnum = r.Here()
	r.u16(0) // e_phnum
	r.u16(0) // e_shentsize
	r.u16(0) // e_shnum
	r.u16(uint16(elf.SHN_UNDEF))

	if r.Err == nil && r.Here() != ehsize {
		r.Err = errors.New("bad ELF header size")
	}
	return r, r.Err
}

// WriteNotes writes notes at the current offset and adds the PT_NOTE
// segment holding them to Progs.
func (w *Writer) WriteNotes(notes []Note) {
	if len(notes) == 0 {
		return
	}
	w.Align(4)
	h := &elf.ProgHeader{Type: elf.PT_NOTE, Align: 4, Off: uint64(w.Here())}
	for _, note := range notes {
		name := append([]byte(note.Name), 0)
		w.u32(uint32(len(name)))
		w.u32(uint32(len(note.Data)))
		w.u32(uint32(note.Type))
		w.Write(name)
		w.Align(4)
		w.Write(note.Data)
		w.Align(4)
	}
	h.Filesz = uint64(w.Here()) - h.Off
	w.Progs = append(w.Progs, h)
}

// WriteSegment writes data at the current offset, page aligned, and adds a
// PT_LOAD segment mapping it at vaddr to Progs.
func (w *Writer) WriteSegment(vaddr uint64, data []byte, flags elf.ProgFlag) {
	w.Align(0x1000)
	h := &elf.ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  flags,
		Off:    uint64(w.Here()),
		Vaddr:  vaddr,
		Filesz: uint64(len(data)),
		Memsz:  uint64(len(data)),
		Align:  0x1000,
	}
	w.Write(data)
	w.Progs = append(w.Progs, h)
}

// WriteProgramHeaders writes Progs at the end of the file and points the
// file header at them. No segment can be written after it.
func (w *Writer) WriteProgramHeaders() error {
	w.Align(8)
	phoff := w.Here()
	for _, prog := range w.Progs {
		w.u32(uint32(prog.Type))
		w.u32(uint32(prog.Flags))
		w.u64(prog.Off)
		w.u64(prog.Vaddr)
		w.u64(prog.Paddr)
		w.u64(prog.Filesz)
		w.u64(prog.Memsz)
		w.u64(prog.Align)
	}
	end := w.Here()

	w.seek(w.offPhoff)
	w.u64(uint64(phoff))
	w.seek(w.offPhnum)
	w.u16(uint16(len(w.Progs)))
	w.seek(end)
	return w.Err
}

// Here returns the current offset from the start of the file.
func (w *Writer) Here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// Align pads the file with zeroes up to the next multiple of align.
func (w *Writer) Align(align int64) {
	off := w.Here()
	if pad := (off+align-1)&^(align-1) - off; pad > 0 {
		w.Write(make([]byte, pad))
	}
}

func (w *Writer) Write(buf []byte) {
	if w.Err != nil {
		return
	}
	_, w.Err = w.w.Write(buf)
}

func (w *Writer) seek(off int64) {
	if w.Err != nil {
		return
	}
	_, w.Err = w.w.Seek(off, io.SeekStart)
}

func (w *Writer) u16(n uint16) {
	w.Write(binary.LittleEndian.AppendUint16(nil, n))
}

func (w *Writer) u32(n uint32) {
	w.Write(binary.LittleEndian.AppendUint32(nil, n))
}

func (w *Writer) u64(n uint64) {
	w.Write(binary.LittleEndian.AppendUint64(nil, n))
}
