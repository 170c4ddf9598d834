package regnum

import "fmt"

// DWARF register numbers for MIPS as used by GCC and LLVM: the 32 general
// purpose registers, the 32 floating point registers and the HI/LO pair
// that holds multiply and divide results.

const (
	MIPS64_R0  = 0 // hardwired to zero
	MIPS64_R4  = 4 // a0
	MIPS64_SP  = 29
	MIPS64_FP  = 30
	MIPS64_RA  = 31
	MIPS64_F0  = 32 // F1 through F31 follow
	MIPS64_F31 = 63
	MIPS64_HI  = 64
	MIPS64_LO  = 65
	// MIPS64_PC is not a DWARF register; it is the slot the unwinder
	// stores the program counter in, following the HI/LO pair.
	MIPS64_PC = 66

	// MIPS64MaxRegNum is the highest register number in the MIPS64 model.
	MIPS64MaxRegNum = MIPS64_PC
)

// MIPS64ToName returns the name of DWARF register num, or "unknownN".
func MIPS64ToName(num uint64) string {
	switch {
	case num <= MIPS64_RA:
		return fmt.Sprintf("R%d", num)
	case num >= MIPS64_F0 && num <= MIPS64_F31:
		return fmt.Sprintf("F%d", num-MIPS64_F0)
	case num == MIPS64_HI:
		return "HI"
	case num == MIPS64_LO:
		return "LO"
	case num == MIPS64_PC:
		return "PC"
	default:
		return fmt.Sprintf("unknown%d", num)
	}
}
