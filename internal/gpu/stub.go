//go:build !gpu || !linux

package gpu

import gerrors "github.com/23skdu/gpures/internal/errors"

// DefaultBackend returns the native backend compiled into this build.
// Builds without the gpu tag have none.
func DefaultBackend() Backend {
	return unavailableBackend{}
}

// unavailableBackend refuses every allocation, so no handle ever exists and
// the configuration calls are unreachable through StandardResources.
type unavailableBackend struct{}

func (unavailableBackend) Name() string { return "unavailable" }

func (unavailableBackend) NewResources() (Handle, error) {
	return 0, gerrors.WrapUnavailableError(ErrGPUNotAvailable, OpNewResources, "rebuild with -tags gpu on linux")
}

func (unavailableBackend) FreeResources(Handle) {}

func (unavailableBackend) NoTempMemory(Handle) error { return ErrGPUNotAvailable }

func (unavailableBackend) SetTempMemory(Handle, uint64) error { return ErrGPUNotAvailable }

func (unavailableBackend) SetTempMemoryFraction(Handle, float32) error { return ErrGPUNotAvailable }

func (unavailableBackend) SetPinnedMemory(Handle, uint64) error { return ErrGPUNotAvailable }

func (unavailableBackend) BindFlatIndex(Resources, IndexConfig) (Index, error) {
	return nil, ErrGPUNotAvailable
}
