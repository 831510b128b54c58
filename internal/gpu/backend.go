package gpu

import (
	"errors"
	"fmt"
)

// Handle is the address-sized identifier of a native GPU resources object.
// Zero means no object.
type Handle uintptr

// Native operation names, shared by errors, logs and metrics.
const (
	OpNewResources          = "new_resources"
	OpNoTempMemory          = "no_temp_memory"
	OpSetTempMemory         = "set_temp_memory"
	OpSetTempMemoryFraction = "set_temp_memory_fraction"
	OpSetPinnedMemory       = "set_pinned_memory"
)

var (
	// ErrGPUNotAvailable is returned by backends on builds without GPU support.
	ErrGPUNotAvailable = errors.New("GPU support not enabled in this build")
	// ErrResourcesClosed is returned when a released pool is used.
	ErrResourcesClosed = errors.New("gpu resources are closed")
	// ErrUnknownHandle is returned by a backend for a handle it never issued or already freed.
	ErrUnknownHandle = errors.New("unknown or released gpu resources handle")
)

// Backend is the set of native entry points a resource pool is built on.
//
// None of the configuration calls are safe to run concurrently on the same
// handle. FreeResources must be called at most once per handle.
type Backend interface {
	Name() string
	NewResources() (Handle, error)
	FreeResources(h Handle)
	NoTempMemory(h Handle) error
	SetTempMemory(h Handle, size uint64) error
	SetTempMemoryFraction(h Handle, fraction float32) error
	SetPinnedMemory(h Handle, size uint64) error
}

// NativeError carries the status reported by a native entry point.
type NativeError struct {
	Op      string
	Code    int
	Message string
}

func (e *NativeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: native status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: native status %d: %s", e.Op, e.Code, e.Message)
}
