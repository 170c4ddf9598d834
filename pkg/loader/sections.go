package loader

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"
	"io"
)

// frameSection returns the contents of the named call frame section,
// decompressing it if needed, and its link-time address. It returns nil
// data if the section does not exist or has no contents in the file.
//
// For example frameSection(f, "debug_frame") returns the contents of
// .debug_frame or, if it doesn't exist, the decompressed contents of
// .zdebug_frame.
func frameSection(f *elf.File, name string) ([]byte, uint64, error) {
	sec := f.Section("." + name)
	if sec != nil {
		if sec.Type == elf.SHT_NOBITS {
			return nil, 0, nil
		}
		b, err := sec.Data()
		return b, sec.Addr, err
	}
	sec = f.Section(".z" + name)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, 0, nil
	}
	b, err := sec.Data()
	if err != nil {
		return nil, 0, err
	}
	b, err = decompressMaybe(b)
	return b, sec.Addr, err
}

func decompressMaybe(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		// not compressed
		return b, nil
	}

	dlen := binary.BigEndian.Uint64(b[4:12])
	dbuf := make([]byte, dlen)
	r, err := zlib.NewReader(bytes.NewBuffer(b[12:]))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, dbuf); err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return dbuf, nil
}
