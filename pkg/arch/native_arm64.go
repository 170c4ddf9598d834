package arch

// Native is the architecture of the running program.
type Native = ARM64
