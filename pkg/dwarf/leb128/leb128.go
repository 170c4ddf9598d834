// Package leb128 reads and writes the variable length integers of DWARF,
// section 7.6 of the DWARF 4 standard.
//
// The decoders work on byte slices: call frame programs and expressions
// are decoded in place while unwinding, without going through a reader.
package leb128

import (
	"errors"
	"io"
)

// ErrTruncated is returned when the input ends in the middle of an encoded
// number.
var ErrTruncated = errors.New("truncated LEB128 value")

// Unsigned decodes an unsigned LEB128 number at the start of data and
// returns it along with the number of bytes consumed. Bits past the 64th
// are discarded.
func Unsigned(data []byte) (uint64, int, error) {
	var (
		result uint64
		shift  uint
	)
	for i, b := range data {
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}

// Signed decodes a signed LEB128 number at the start of data and returns
// it along with the number of bytes consumed.
func Signed(data []byte) (int64, int, error) {
	var (
		result int64
		shift  uint
	)
	for i, b := range data {
		if shift < 64 {
			result |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -(1 << shift)
			}
			return result, i + 1, nil
		}
	}
	return 0, 0, ErrTruncated
}

// EncodeUnsigned writes x to out in the unsigned format.
func EncodeUnsigned(out io.ByteWriter, x uint64) {
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			b |= 0x80
		}
		out.WriteByte(b)
		if x == 0 {
			return
		}
	}
}

// EncodeSigned writes x to out in the signed format.
func EncodeSigned(out io.ByteWriter, x int64) {
	for {
		b := byte(x & 0x7f)
		x >>= 7
		done := (x == 0 && b&0x40 == 0) || (x == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out.WriteByte(b)
		if done {
			return
		}
	}
}
