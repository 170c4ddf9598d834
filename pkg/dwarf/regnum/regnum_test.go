package regnum

import "testing"

func TestNames(t *testing.T) {
	for _, tc := range []struct {
		got, want string
	}{
		{AMD64ToName(AMD64_R14), "R14"},
		{AMD64ToName(AMD64_XMM0 + 3), "XMM3"},
		{AMD64ToName(AMD64_Fs_base), "Fs_base"},
		{AMD64ToName(40), "unknown40"},
		{ARM64ToName(ARM64_LR), "X30"},
		{ARM64ToName(ARM64_V0 + 31), "V31"},
		{MIPS64ToName(MIPS64_HI), "HI"},
		{MIPS64ToName(MIPS64_F0 + 1), "F1"},
	} {
		if tc.got != tc.want {
			t.Errorf("got %q want %q", tc.got, tc.want)
		}
	}
	if AMD64NameToDwarf["eflags"] != AMD64_Rflags || AMD64NameToDwarf["rip"] != AMD64_Rip {
		t.Errorf("bad AMD64NameToDwarf entries")
	}
	if ARM64NameToDwarf["lr"] != ARM64_LR {
		t.Errorf("bad ARM64NameToDwarf entries")
	}
}
