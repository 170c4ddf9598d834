package proc

import (
	"errors"
	"runtime/debug"
	"unsafe"
)

// MemoryReader is like io.ReaderAt, but the offset is an uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ErrUnmapped is returned for addresses that are not mapped.
var ErrUnmapped = errors.New("address not mapped")

// minAddr is the lowest address LocalMemory will read from, the first
// page is never mapped.
const minAddr = 0x1000

// LocalMemory reads the memory of the current process with plain loads.
// A load from an address that is not mapped is turned into ErrUnmapped
// instead of crashing the program.
type LocalMemory struct{}

// ReadMemory copies len(buf) bytes at addr into buf.
func (LocalMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	if addr < minAddr || addr+uint64(len(buf)) < addr {
		return 0, ErrUnmapped
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(interface{ Addr() uintptr }); !ok {
				panic(r)
			}
			n, err = 0, ErrUnmapped
		}
	}()
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	return copy(buf, src), nil
}

// SliceMemory is a MemoryReader over a byte slice mapped at Base, used for
// core dumps, saved stacks and synthetic memory.
type SliceMemory struct {
	Base uint64
	Data []byte
}

// ReadMemory copies len(buf) bytes at addr into buf.
func (m *SliceMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.Base || addr-m.Base >= uint64(len(m.Data)) || uint64(len(buf)) > uint64(len(m.Data))-(addr-m.Base) {
		return 0, ErrUnmapped
	}
	return copy(buf, m.Data[addr-m.Base:]), nil
}

// readUintRaw reads an unsigned integer of size sz at addr using buf as
// scratch space.
func readUintRaw(mem MemoryReader, buf *[16]byte, addr uint64, sz int, le bool) (uint64, error) {
	b := buf[:sz]
	n, err := mem.ReadMemory(b, addr)
	if err != nil {
		return 0, err
	}
	if n != sz {
		return 0, ErrUnmapped
	}
	var v uint64
	if le {
		for i := sz - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
	} else {
		for i := 0; i < sz; i++ {
			v = v<<8 | uint64(b[i])
		}
	}
	return v, nil
}
