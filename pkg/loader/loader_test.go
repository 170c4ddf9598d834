package loader

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	protest "github.com/go-delve/unwind/pkg/proc/test"
)

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithFixtures(m))
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadELF(filepath.Join(t.TempDir(), "does-not-exist"), 0)
	require.Error(t, err)

	notelf := filepath.Join(t.TempDir(), "notelf")
	require.NoError(t, os.WriteFile(notelf, []byte("#!/bin/sh\nexit 0\n"), 0755))
	_, err = LoadELF(notelf, 0)
	require.Error(t, err)
}

func TestMappingBias(t *testing.T) {
	load := func(off, vaddr, filesz uint64) *elf.Prog {
		return &elf.Prog{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: off, Vaddr: vaddr, Filesz: filesz, Memsz: filesz}}
	}
	exec := &elf.File{Progs: []*elf.Prog{load(0, 0x400000, 0x1000), load(0x1000, 0x401000, 0x2000)}}
	pie := &elf.File{Progs: []*elf.Prog{load(0, 0, 0x1000), load(0x1040, 0x2040, 0x2000)}}

	for _, tc := range []struct {
		f             *elf.File
		start, offset uint64
		bias          uint64
		ok            bool
	}{
		{exec, 0x401000, 0x1000, 0, true},
		{exec, 0x400000, 0, 0, true},
		{pie, 0x7f0000001000, 0x1000, 0x7f0000000000 - 0x1000, true},
		{pie, 0x7f0000000000, 0, 0x7f0000000000, true},
		{pie, 0x7f0000010000, 0x10000, 0, false},
	} {
		bias, ok := mappingBias(tc.f, tc.start, tc.offset)
		require.Equal(t, tc.ok, ok, "start %#x offset %#x", tc.start, tc.offset)
		if ok {
			require.Equal(t, tc.bias, bias, "start %#x offset %#x", tc.start, tc.offset)
		}
	}

	low, high, ok := textRange(pie)
	require.True(t, ok)
	require.Equal(t, uint64(0), low)
	require.Equal(t, uint64(0x4040), high)
}
