//go:build !amd64 && !arm64 && !mips64le

package arch

// Native is the architecture of the running program. Local unwinding is
// not supported here, AMD64 only gives the type a value.
type Native = AMD64
