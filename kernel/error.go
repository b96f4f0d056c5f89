package kernel

// Error describes a kernel error. Kernel errors are defined as package-level
// pointers to the Error structure and are compared by identity, so callers can
// test `err == vmm.ErrNotMapped` without unwrapping.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
