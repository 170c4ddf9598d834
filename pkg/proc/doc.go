// Package proc is a low-level package that walks the call stack of a
// thread using the unwind information emitted by the compiler.
//
// proc implements:
// * capture of the register state of the calling goroutine
// * a cursor that steps from a frame to its caller
// * lookup of the procedure containing an address
// * unwinding through signal trampolines
//
// The cursor does not allocate and does not take locks while stepping, it
// can be used from signal handlers and other constrained contexts.
package proc
