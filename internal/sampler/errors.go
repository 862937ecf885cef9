package sampler

import "errors"

var (
	// ErrNoValidWindows indicates no episode is long enough for the window.
	ErrNoValidWindows = errors.New("no valid windows")
	// ErrIndexOutOfRange indicates an (episode, start) pair outside the store.
	ErrIndexOutOfRange = errors.New("window index out of range")
	// ErrWindowOverrun indicates an episode too short for the window even after shifting.
	ErrWindowOverrun = errors.New("window overruns episode")
	// ErrShapeMismatch indicates records that cannot be stacked together.
	ErrShapeMismatch = errors.New("record shape mismatch")
	// ErrKeyMismatch indicates mapping fields with different key sets.
	ErrKeyMismatch = errors.New("mapping key mismatch")
	// ErrUnhandledField indicates a schema field the assembler cannot stack.
	ErrUnhandledField = errors.New("unhandled field type")
	// ErrStaleEpoch indicates an epoch whose episodes were evicted mid-traversal.
	ErrStaleEpoch = errors.New("epoch invalidated by eviction")
	// ErrUnknownDevice indicates an unsupported compute device name.
	ErrUnknownDevice = errors.New("unknown device")
)
