package proc

import "fmt"

// ErrorCode is the error returned by the cursor operations.
type ErrorCode int

const (
	ErrUnspecified ErrorCode = iota + 1 // unspecified failure, or a cursor that was never initialized
	ErrNoMem                            // out of memory
	ErrBadReg                           // register not in the architecture, wrong class or undefined in this frame
	ErrReadOnlyReg                      // register can not be written
	ErrStopUnwind                       // the walk was stopped by the caller
	ErrInvalidIP                        // the return address could not be recovered
	ErrBadFrame                         // the frame is corrupt or could not be recovered
	ErrInvalid                          // malformed unwind information
	ErrBadVersion                       // unwind information of an unsupported version
	ErrNoInfo                           // no unwind information for the program counter
)

var errorCodeNames = [...]string{
	ErrUnspecified: "unspecified error",
	ErrNoMem:       "out of memory",
	ErrBadReg:      "bad register",
	ErrReadOnlyReg: "read-only register",
	ErrStopUnwind:  "unwinding stopped",
	ErrInvalidIP:   "invalid return address",
	ErrBadFrame:    "bad frame",
	ErrInvalid:     "malformed unwind information",
	ErrBadVersion:  "unsupported unwind information version",
	ErrNoInfo:      "no unwind information",
}

func (e ErrorCode) Error() string {
	if e > 0 && int(e) < len(errorCodeNames) {
		return errorCodeNames[e]
	}
	return fmt.Sprintf("unwind error %d", int(e))
}
