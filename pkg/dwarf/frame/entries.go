package frame

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// CommonInformationEntry represents a Common Information Entry in
// the Dwarf .debug_frame or .eh_frame section.
type CommonInformationEntry struct {
	Length                uint32
	CIE_id                uint32
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
	staticBase            uint64

	// Personality is the address of the personality routine ('P'
	// augmentation), zero if absent. It is never interpreted here.
	Personality uint64
	// SignalFrame is set by the 'S' augmentation: FDEs using this CIE
	// describe signal trampolines.
	SignalFrame bool

	// eh_frame pointer encoding
	ptrEncAddr ptrEnc
	lsdaEnc    ptrEnc
	hasAugData bool
	badVersion bool
	ptrSize    int
	// ehFrameAddr is the link-time address of the section, zero for .debug_frame.
	ehFrameAddr uint64
}

// Supported returns false if the CIE version or augmentation string could
// not be understood; FDEs referencing it can not be executed.
func (cie *CommonInformationEntry) Supported() bool {
	return !cie.badVersion
}

// FrameDescriptionEntry represents a Frame Descriptor Entry in the
// Dwarf .debug_frame or .eh_frame section.
type FrameDescriptionEntry struct {
	Length       uint32
	CIE          *CommonInformationEntry
	Instructions []byte
	begin, size  uint64
	order        binary.ByteOrder

	// LSDA is the address of the language specific data area ('L'
	// augmentation), zero if absent.
	LSDA uint64

	// instrAddr is the link-time address of Instructions[0], used for
	// pc-relative DW_CFA_set_loc operands in .eh_frame.
	instrAddr uint64
}

// NewFrameDescriptionEntry returns an FDE covering [begin, begin+size)
// whose program is instructions, executed after the CIE's initial
// instructions.
func NewFrameDescriptionEntry(cie *CommonInformationEntry, begin, size uint64, instructions []byte, order binary.ByteOrder) *FrameDescriptionEntry {
	return &FrameDescriptionEntry{CIE: cie, begin: begin, size: size, Instructions: instructions, order: order}
}

// Cover returns whether or not the given address is within the
// bounds of this frame.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns address of first location for this frame.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns address of last location for this frame.
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// Translate moves the beginning of fde forward by delta.
func (fde *FrameDescriptionEntry) Translate(delta uint64) {
	fde.begin += delta
}

// EstablishFrame set up frame for the given PC.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64) (*FrameContext, error) {
	fctxt := new(FrameContext)
	if err := fctxt.Establish(fde, pc); err != nil {
		return nil, err
	}
	return fctxt, nil
}

type FrameDescriptionEntries []*FrameDescriptionEntry

// NewFrameIndex returns an empty FDE table.
func NewFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 1000)
}

// ErrNoFDEForPC FDE for PC not found error
type ErrNoFDEForPC struct {
	PC uint64
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

// FDEForPC returns the Frame Description Entry for the given PC.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	if fde := fdes.Find(pc); fde != nil {
		return fde, nil
	}
	return nil, &ErrNoFDEForPC{pc}
}

// Find is like FDEForPC but returns nil instead of an error, so that it
// can be used where allocating an error value is not acceptable.
func (fdes FrameDescriptionEntries) Find(pc uint64) *FrameDescriptionEntry {
	if idx := fdes.Search(pc); idx >= 0 {
		return fdes[idx]
	}
	return nil
}

// Search returns the index of the entry covering pc, or -1.
func (fdes FrameDescriptionEntries) Search(pc uint64) int {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].Cover(pc) || fdes[i].Begin() >= pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return -1
	}
	return idx
}

// Append appends otherFDEs to fdes and returns the result, sorted and
// without entries covering the same range twice.
func (fdes FrameDescriptionEntries) Append(otherFDEs FrameDescriptionEntries) FrameDescriptionEntries {
	r := append(fdes, otherFDEs...)
	r.sort()
	uniqFDEs := r[:0]
	for _, fde := range r {
		if len(uniqFDEs) > 0 {
			last := uniqFDEs[len(uniqFDEs)-1]
			if last.Begin() == fde.Begin() && last.End() == fde.End() {
				continue
			}
		}
		uniqFDEs = append(uniqFDEs, fde)
	}
	return uniqFDEs
}

func (fdes FrameDescriptionEntries) sort() {
	sort.SliceStable(fdes, func(i, j int) bool {
		return fdes[i].Begin() < fdes[j].Begin()
	})
}

// ptrEnc represents a pointer encoding value, used during eh_frame decoding
// to determine how pointers were encoded.
// Least significant 4 (0xf) bytes encode the size  as well as its
// signed-ness,  most significant 4 bytes (0xf0 == ptrEncFlagsMask) are flags
// describing how the value should be interpreted (absolute, relative...)
// See https://www.airs.com/blog/archives/460.
type ptrEnc uint8

const (
	ptrEncAbs    ptrEnc = 0x00 // pointer-sized unsigned integer
	ptrEncOmit   ptrEnc = 0xff // omitted
	ptrEncUleb   ptrEnc = 0x01 // ULEB128
	ptrEncUdata2 ptrEnc = 0x02 // 2 bytes
	ptrEncUdata4 ptrEnc = 0x03 // 4 bytes
	ptrEncUdata8 ptrEnc = 0x04 // 8 bytes
	ptrEncSigned ptrEnc = 0x08 // pointer-sized signed integer
	ptrEncSleb   ptrEnc = 0x09 // SLEB128
	ptrEncSdata2 ptrEnc = 0x0a // 2 bytes, signed
	ptrEncSdata4 ptrEnc = 0x0b // 4 bytes, signed
	ptrEncSdata8 ptrEnc = 0x0c // 8 bytes, signed

	ptrEncFlagsMask ptrEnc = 0xf0

	ptrEncPCRel    ptrEnc = 0x10 // value is relative to the memory address where it appears
	ptrEncTextRel  ptrEnc = 0x20 // value is relative to the address of the text section
	ptrEncDataRel  ptrEnc = 0x30 // value is relative to the address of the data section
	ptrEncFuncRel  ptrEnc = 0x40 // value is relative to the start of the function
	ptrEncAligned  ptrEnc = 0x50 // value should be aligned
	ptrEncIndirect ptrEnc = 0x80 // value is an address where the real value of the pointer is stored

	ptrEncSupportedFlags = ptrEncPCRel | ptrEncIndirect
)

// Supported returns true if this pointer encoding is supported.
func (ptrEnc ptrEnc) Supported() bool {
	if ptrEnc != ptrEncOmit {
		szenc := ptrEnc & 0x0f
		if ((szenc > ptrEncUdata8) && (szenc < ptrEncSigned)) || (szenc > ptrEncSdata8) {
			// These values aren't defined at the moment
			return false
		}
		if (ptrEnc&ptrEncFlagsMask)&^ptrEncSupportedFlags != 0 {
			// Only the PC relative and indirect flags are supported
			return false
		}
	}
	return true
}
