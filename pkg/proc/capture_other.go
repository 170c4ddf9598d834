//go:build !amd64 && !arm64

package proc

import "github.com/go-delve/unwind/pkg/arch"

// CaptureContext is not supported on this architecture.
func CaptureContext(ctx *Context[arch.Native]) error {
	return ErrUnspecified
}
