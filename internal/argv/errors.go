package argv

import "errors"

var (
	// ErrInvalidShape is returned when a `qemu:` node uses a shape the
	// surface does not admit (a multi-key mapping, or a value that is
	// neither scalar, sequence nor mapping).
	ErrInvalidShape = errors.New("invalid qemu argument shape")

	// ErrEmptySequence is returned when the top-level `qemu:` sequence is
	// empty while vCPU pinning was requested.
	ErrEmptySequence = errors.New("qemu sequence is empty")
)
