// Package frame contains data structures and
// related functions for parsing and searching
// through Dwarf .debug_frame and .eh_frame data, and
// the interpreter for the call frame instructions
// they contain.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
)

// Most files have a single CIE shared by all FDEs, a handful is enough to
// avoid decoding the same CIE twice.
const cieCacheSize = 256

// ErrMalformed is returned when a CIE or FDE extends beyond the end of the
// section or can not be decoded.
var ErrMalformed = errors.New("malformed call frame information")

// ErrUnsupportedEncoding is returned for eh_frame pointer encodings this
// package does not know how to decode.
var ErrUnsupportedEncoding = errors.New("unsupported pointer encoding")

type parsefunc func(*parseContext) parsefunc

type parseContext struct {
	staticBase  uint64
	ehFrameAddr uint64
	ehFrame     bool

	data    []byte
	off     int
	entries FrameDescriptionEntries
	cies    *lru.Cache
	order   binary.ByteOrder
	ptrSize int
	err     error

	// current entry
	start  int
	body   []byte
	bodyAt int
	isCIE  bool
	cieOff int
}

// Parse takes in data (a byte slice) from a .debug_frame section and
// returns FrameDescriptionEntries, sorted by start address. Each
// FrameDescriptionEntry has a pointer to its CommonInformationEntry.
// staticBase is added to every address.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int) (FrameDescriptionEntries, error) {
	return parse(data, order, staticBase, ptrSize, false, 0)
}

// ParseEH is like Parse for the contents of a .eh_frame section whose
// link-time address is ehFrameAddr.
func ParseEH(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	return parse(data, order, staticBase, ptrSize, true, ehFrameAddr)
}

func parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrame bool, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	cies, _ := lru.New(cieCacheSize)
	pctx := &parseContext{
		data:        data,
		order:       order,
		staticBase:  staticBase,
		ptrSize:     ptrSize,
		ehFrame:     ehFrame,
		ehFrameAddr: ehFrameAddr,
		entries:     NewFrameIndex(),
		cies:        cies,
	}

	for fn := parselength; fn != nil; {
		fn = fn(pctx)
	}

	pctx.entries.sort()
	return pctx.entries, pctx.err
}

func (ctx *parseContext) fail(err error) parsefunc {
	ctx.err = fmt.Errorf("%w at offset %#x: %v", ErrMalformed, ctx.start, err)
	return nil
}

// header decodes the length and id fields of the entry at off.
func (ctx *parseContext) header(off int) (body []byte, bodyAt int, id uint64, idAt int, err error) {
	if off+4 > len(ctx.data) {
		return nil, 0, 0, 0, errors.New("truncated length")
	}
	length := uint64(ctx.order.Uint32(ctx.data[off:]))
	off += 4
	idSize := 4
	if length == 0xffffffff {
		if off+8 > len(ctx.data) {
			return nil, 0, 0, 0, errors.New("truncated 64-bit length")
		}
		length = ctx.order.Uint64(ctx.data[off:])
		off += 8
		idSize = 8
	}
	if length == 0 {
		return nil, off, 0, off, nil
	}
	end := uint64(off) + length
	if length < uint64(idSize) || end > uint64(len(ctx.data)) {
		return nil, 0, 0, 0, fmt.Errorf("entry length %#x exceeds section", length)
	}
	idAt = off
	if idSize == 4 {
		id = uint64(ctx.order.Uint32(ctx.data[off:]))
		if !ctx.ehFrame && id == 0xffffffff {
			id = ^uint64(0)
		}
	} else {
		id = ctx.order.Uint64(ctx.data[off:])
	}
	off += idSize
	return ctx.data[off:end], off, id, idAt, nil
}

func parselength(ctx *parseContext) parsefunc {
	if ctx.off >= len(ctx.data) {
		return nil
	}
	ctx.start = ctx.off
	body, bodyAt, id, idAt, err := ctx.header(ctx.off)
	if err != nil {
		return ctx.fail(err)
	}
	if body == nil {
		// ZERO terminator
		ctx.off = bodyAt
		return parselength
	}
	ctx.off = bodyAt + len(body)
	ctx.body, ctx.bodyAt = body, bodyAt

	if ctx.ehFrame {
		ctx.isCIE = id == 0
		ctx.cieOff = idAt - int(id)
	} else {
		ctx.isCIE = id == ^uint64(0)
		ctx.cieOff = int(id)
	}

	if ctx.isCIE {
		return parseCIE
	}
	return parseFDE
}

func parseCIE(ctx *parseContext) parsefunc {
	if _, err := ctx.cieAt(ctx.start); err != nil {
		return ctx.fail(err)
	}
	return parselength
}

// cieAt returns the CIE starting at section offset off.
func (ctx *parseContext) cieAt(off int) (*CommonInformationEntry, error) {
	if v, ok := ctx.cies.Get(off); ok {
		return v.(*CommonInformationEntry), nil
	}
	if off < 0 || off >= len(ctx.data) {
		return nil, fmt.Errorf("CIE pointer %#x outside of section", off)
	}
	body, bodyAt, _, _, err := ctx.header(off)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("empty CIE at %#x", off)
	}
	cie, err := ctx.decodeCIE(body, bodyAt)
	if err != nil {
		return nil, err
	}
	ctx.cies.Add(off, cie)
	return cie, nil
}

func (ctx *parseContext) decodeCIE(data []byte, dataAt int) (*CommonInformationEntry, error) {
	cie := &CommonInformationEntry{
		Length:     uint32(len(data)),
		staticBase: ctx.staticBase,
		ptrSize:    ctx.ptrSize,
		ptrEncAddr: ptrEncAbs,
		lsdaEnc:    ptrEncOmit,
	}
	if ctx.ehFrame {
		cie.ehFrameAddr = ctx.ehFrameAddr
	} else {
		cie.CIE_id = 0xffffffff
	}

	// parse version
	if len(data) < 1 {
		return nil, errors.New("truncated CIE")
	}
	cie.Version = data[0]
	pos := 1
	switch cie.Version {
	case 1, 3, 4:
	default:
		cie.badVersion = true
		return cie, nil
	}

	// parse augmentation
	var i int
	for i = pos; i < len(data) && data[i] != 0; i++ {
	}
	if i >= len(data) {
		return nil, errors.New("unterminated augmentation string")
	}
	cie.Augmentation = string(data[pos:i])
	pos = i + 1

	if cie.Version == 4 {
		if pos+2 > len(data) {
			return nil, errors.New("truncated CIE")
		}
		if addrSize := int(data[pos]); addrSize != 0 {
			cie.ptrSize = addrSize
		}
		pos += 2 // address_size, segment_selector_size
	}

	var (
		n   int
		err error
	)

	// parse code alignment factor
	cie.CodeAlignmentFactor, n, err = leb128.Unsigned(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	// parse data alignment factor
	cie.DataAlignmentFactor, n, err = leb128.Signed(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	// parse return address register
	if cie.Version == 1 {
		if pos >= len(data) {
			return nil, errors.New("truncated CIE")
		}
		cie.ReturnAddressRegister = uint64(data[pos])
		pos++
	} else {
		cie.ReturnAddressRegister, n, err = leb128.Unsigned(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
	}

	switch {
	case cie.Augmentation == "":
	case cie.Augmentation[0] == 'z':
		augLen, n, err := leb128.Unsigned(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if uint64(pos)+augLen > uint64(len(data)) {
			return nil, errors.New("augmentation data exceeds CIE")
		}
		aug := data[pos : pos+int(augLen)]
		augAt := dataAt + pos
		pos += int(augLen)
		cie.hasAugData = true
		if err := ctx.decodeAugmentation(cie, aug, augAt); err != nil {
			return nil, err
		}
	default:
		// Pre-'z' augmentations carry data we can not size.
		cie.badVersion = true
		return cie, nil
	}

	// The rest of this entry consists of the instructions
	cie.InitialInstructions = data[pos:]
	return cie, nil
}

func (ctx *parseContext) decodeAugmentation(cie *CommonInformationEntry, aug []byte, augAt int) error {
	pos := 0
	for _, ch := range cie.Augmentation[1:] {
		switch ch {
		case 'L':
			if pos >= len(aug) {
				return errors.New("truncated augmentation data")
			}
			cie.lsdaEnc = ptrEnc(aug[pos])
			pos++
		case 'R':
			if pos >= len(aug) {
				return errors.New("truncated augmentation data")
			}
			cie.ptrEncAddr = ptrEnc(aug[pos])
			pos++
		case 'P':
			if pos >= len(aug) {
				return errors.New("truncated augmentation data")
			}
			enc := ptrEnc(aug[pos])
			pos++
			v, n, err := decodePtr(aug[pos:], enc, ctx.ptrSize, ctx.order, ctx.ehFrameAddr+uint64(augAt+pos))
			if err != nil {
				return err
			}
			pos += n
			cie.Personality = v + ctx.staticBase
		case 'S':
			cie.SignalFrame = true
		case 'B', 'G':
			// pointer authentication key B and memory tagging, no data
		default:
			// The augmentation length lets us skip what we don't understand.
			return nil
		}
	}
	return nil
}

func parseFDE(ctx *parseContext) parsefunc {
	cie, err := ctx.cieAt(ctx.cieOff)
	if err != nil {
		return ctx.fail(err)
	}

	r := ctx.body
	fde := &FrameDescriptionEntry{Length: uint32(len(r)), CIE: cie, order: ctx.order}

	var enc ptrEnc = ptrEncAbs
	if ctx.ehFrame && cie.Supported() {
		enc = cie.ptrEncAddr
	}
	pos := 0
	begin, n, err := decodePtr(r, enc, cie.ptrSize, ctx.order, ctx.ehFrameAddr+uint64(ctx.bodyAt))
	if err != nil {
		return ctx.fail(err)
	}
	pos += n
	size, n, err := decodePtr(r[pos:], enc&0x0f, cie.ptrSize, ctx.order, 0)
	if err != nil {
		return ctx.fail(err)
	}
	pos += n

	if cie.hasAugData {
		augLen, n, err := leb128.Unsigned(r[pos:])
		if err != nil {
			return ctx.fail(err)
		}
		pos += n
		if uint64(pos)+augLen > uint64(len(r)) {
			return ctx.fail(errors.New("augmentation data exceeds FDE"))
		}
		if cie.lsdaEnc != ptrEncOmit && augLen > 0 {
			lsda, _, err := decodePtr(r[pos:pos+int(augLen)], cie.lsdaEnc, cie.ptrSize, ctx.order, ctx.ehFrameAddr+uint64(ctx.bodyAt+pos))
			if err != nil {
				return ctx.fail(err)
			}
			if lsda != 0 {
				fde.LSDA = lsda + ctx.staticBase
			}
		}
		pos += int(augLen)
	}

	// The rest of this entry consists of the instructions
	fde.Instructions = r[pos:]
	fde.instrAddr = ctx.ehFrameAddr + uint64(ctx.bodyAt+pos)

	if begin == 0 {
		// Entries for functions discarded at link time.
		return parselength
	}
	fde.begin = begin + ctx.staticBase
	fde.size = size
	ctx.entries = append(ctx.entries, fde)
	return parselength
}

// decodePtr decodes a pointer encoded with enc at the start of b. pc is
// the address of b[0], used by pc-relative encodings.
func decodePtr(b []byte, enc ptrEnc, ptrSize int, order binary.ByteOrder, pc uint64) (uint64, int, error) {
	if enc == ptrEncOmit {
		return 0, 0, nil
	}
	if !enc.Supported() {
		return 0, 0, fmt.Errorf("%w %#x", ErrUnsupportedEncoding, uint8(enc))
	}
	var (
		v uint64
		n int
	)
	need := func(sz int) bool {
		if len(b) < sz {
			return false
		}
		n = sz
		return true
	}
	format := enc & 0x0f
	if format == ptrEncAbs || format == ptrEncSigned {
		switch ptrSize {
		case 4:
			format |= ptrEncUdata4
		default:
			format |= ptrEncUdata8
		}
	}
	switch format {
	case ptrEncUleb:
		var err error
		v, n, err = leb128.Unsigned(b)
		if err != nil {
			return 0, 0, err
		}
	case ptrEncSleb:
		s, sn, err := leb128.Signed(b)
		if err != nil {
			return 0, 0, err
		}
		v, n = uint64(s), sn
	case ptrEncUdata2:
		if !need(2) {
			return 0, 0, ErrMalformed
		}
		v = uint64(order.Uint16(b))
	case ptrEncUdata4:
		if !need(4) {
			return 0, 0, ErrMalformed
		}
		v = uint64(order.Uint32(b))
	case ptrEncUdata8, ptrEncSdata8:
		if !need(8) {
			return 0, 0, ErrMalformed
		}
		v = order.Uint64(b)
	case ptrEncSdata2:
		if !need(2) {
			return 0, 0, ErrMalformed
		}
		v = uint64(int64(int16(order.Uint16(b))))
	case ptrEncSdata4:
		if !need(4) {
			return 0, 0, ErrMalformed
		}
		v = uint64(int64(int32(order.Uint32(b))))
	default:
		return 0, 0, fmt.Errorf("%w %#x", ErrUnsupportedEncoding, uint8(enc))
	}

	if enc&ptrEncFlagsMask&^ptrEncIndirect == ptrEncPCRel {
		v += pc
	}
	return v, n, nil
}
