package gpu

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	gerrors "github.com/23skdu/gpures/internal/errors"
	"github.com/23skdu/gpures/internal/metrics"
)

// String formats the handle the way native pointers are usually printed.
func (h Handle) String() string {
	return fmt.Sprintf("0x%x", uintptr(h))
}

// Resources is the capability any GPU resources provider offers to the code
// that binds indexes to a device.
type Resources interface {
	// RawHandle returns the native handle. It has no side effects and
	// returns the same value for the whole lifetime of the owner.
	RawHandle() Handle

	// NoTempMemory disables the temporary memory arena; every temporary
	// allocation goes to the device allocator at the point of use.
	NoTempMemory() error

	// SetTempMemory reserves a fixed arena of size bytes on every device.
	// A size of 0 is accepted.
	SetTempMemory(size uint64) error

	// SetTempMemoryFraction reserves the given fraction of device memory as
	// temporary memory. The value is passed to the native layer unchecked.
	SetTempMemoryFraction(fraction float32) error

	// SetPinnedMemory sets the amount of pinned host memory used for
	// asynchronous host/device transfers.
	SetPinnedMemory(size uint64) error
}

// Option configures NewStandardResources.
type Option func(*options)

type options struct {
	backend  Backend
	logger   zerolog.Logger
	deviceID int
}

// WithBackend selects the native backend. The default is DefaultBackend().
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithLogger sets the logger used for lifecycle and configuration events.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDeviceID records the device the pool is meant for. It only labels
// logs and metrics; device selection belongs to the index binder.
func WithDeviceID(id int) Option {
	return func(o *options) { o.deviceID = id }
}

// StandardResources owns exactly one native GPU resources object.
//
// A StandardResources may be created on one goroutine and handed to another,
// but it must never be used from two goroutines at once, and it must never be
// copied. Several indexes may share it as long as they all run on the
// goroutine that holds it. Close releases the native object; keep the owner
// alive for as long as indexes bound to it are in use.
type StandardResources struct {
	bound threadBound

	backend  Backend
	handle   Handle
	deviceID int
	device   string
	logger   zerolog.Logger
}

// NewStandardResources allocates a native GPU resources object.
// On failure nothing is allocated and nothing needs releasing.
func NewStandardResources(opts ...Option) (*StandardResources, error) {
	o := options{
		backend: DefaultBackend(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	name := o.backend.Name()
	h, err := o.backend.NewResources()
	if err == nil && h == 0 {
		err = &NativeError{Op: OpNewResources, Message: "native allocation returned a null handle"}
	}
	if err != nil {
		metrics.GPUResourcesAllocationsTotal.WithLabelValues(name, "error").Inc()
		o.logger.Error().
			Err(err).
			Str("backend", name).
			Int("device", o.deviceID).
			Msg("GPU resources allocation failed")
		return nil, gerrors.WrapNativeAllocationError(err, OpNewResources, "failed to allocate GPU resources").
			WithContext("backend", name).
			WithContext("device", o.deviceID)
	}

	r := &StandardResources{
		backend:  o.backend,
		handle:   h,
		deviceID: o.deviceID,
		device:   strconv.Itoa(o.deviceID),
		logger:   o.logger.With().Str("component", "gpu_resources").Stringer("handle", h).Logger(),
	}
	runtime.SetFinalizer(r, (*StandardResources).finalize)

	metrics.GPUResourcesAllocationsTotal.WithLabelValues(name, "success").Inc()
	metrics.GPUResourcesLive.Inc()
	r.logger.Debug().Str("backend", name).Int("device", o.deviceID).Msg("GPU resources allocated")

	return r, nil
}

// RawHandle returns the native handle, or 0 once the pool is closed.
func (r *StandardResources) RawHandle() Handle {
	return r.handle
}

// DeviceID returns the device recorded by WithDeviceID.
func (r *StandardResources) DeviceID() int {
	return r.deviceID
}

// Backend returns the native backend the pool was allocated with.
func (r *StandardResources) Backend() Backend {
	return r.backend
}

// NoTempMemory implements Resources.
func (r *StandardResources) NoTempMemory() error {
	err := r.configure(OpNoTempMemory, nil, r.backend.NoTempMemory)
	if err == nil {
		metrics.GPUTempMemoryBytes.WithLabelValues(r.device).Set(0)
	}
	return err
}

// SetTempMemory implements Resources.
func (r *StandardResources) SetTempMemory(size uint64) error {
	err := r.configure(OpSetTempMemory, size, func(h Handle) error {
		return r.backend.SetTempMemory(h, size)
	})
	if err == nil {
		metrics.GPUTempMemoryBytes.WithLabelValues(r.device).Set(float64(size))
	}
	return err
}

// SetTempMemoryFraction implements Resources.
func (r *StandardResources) SetTempMemoryFraction(fraction float32) error {
	return r.configure(OpSetTempMemoryFraction, fraction, func(h Handle) error {
		return r.backend.SetTempMemoryFraction(h, fraction)
	})
}

// SetPinnedMemory implements Resources.
func (r *StandardResources) SetPinnedMemory(size uint64) error {
	err := r.configure(OpSetPinnedMemory, size, func(h Handle) error {
		return r.backend.SetPinnedMemory(h, size)
	})
	if err == nil {
		metrics.GPUPinnedMemoryBytes.WithLabelValues(r.device).Set(float64(size))
	}
	return err
}

// configure runs one native configuration call and converts its status.
func (r *StandardResources) configure(op string, arg any, call func(Handle) error) error {
	if r.handle == 0 {
		return gerrors.WrapAllocationConfigError(ErrResourcesClosed, op, "resources already released")
	}

	start := time.Now()
	err := call(r.handle)
	metrics.GPUConfigCallDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.GPUConfigCallsTotal.WithLabelValues(op, "error").Inc()
		r.logger.Warn().Err(err).Str("op", op).Interface("arg", arg).Msg("GPU resources configuration failed")
		return gerrors.WrapAllocationConfigError(err, op, "native configuration call failed").
			WithContext("handle", r.handle).
			WithContext("argument", arg)
	}

	metrics.GPUConfigCallsTotal.WithLabelValues(op, "success").Inc()
	r.logger.Debug().Str("op", op).Interface("arg", arg).Msg("GPU resources configured")
	return nil
}

// Close releases the native object. It is safe to call on a pool that was
// never configured, and calling it again is a no-op.
func (r *StandardResources) Close() error {
	if r.handle == 0 {
		return nil
	}
	r.release("close")
	runtime.SetFinalizer(r, nil)
	return nil
}

func (r *StandardResources) finalize() {
	if r.handle != 0 {
		r.release("finalizer")
	}
}

func (r *StandardResources) release(reason string) {
	h := r.handle
	r.handle = 0
	r.backend.FreeResources(h)

	metrics.GPUResourcesReleasesTotal.WithLabelValues(r.backend.Name(), reason).Inc()
	metrics.GPUResourcesLive.Dec()
	r.logger.Debug().Str("reason", reason).Msg("GPU resources released")
}

// Borrow returns a non-owning view of r.
func (r *StandardResources) Borrow() Borrowed {
	return Borrowed{owner: r}
}

// Borrowed is a non-owning view of a StandardResources, obtained only from
// StandardResources.Borrow. It forwards every call to its owner and has no
// say over the owner's lifetime. A zero Borrowed has no owner: RawHandle
// returns 0 and every configuration call fails with ErrResourcesClosed.
type Borrowed struct {
	owner *StandardResources
}

// RawHandle returns the owner's native handle.
func (b Borrowed) RawHandle() Handle {
	if b.owner == nil {
		return 0
	}
	return b.owner.RawHandle()
}

// NoTempMemory forwards to the owner.
func (b Borrowed) NoTempMemory() error {
	if b.owner == nil {
		return errNoOwner(OpNoTempMemory)
	}
	return b.owner.NoTempMemory()
}

// SetTempMemory forwards to the owner.
func (b Borrowed) SetTempMemory(size uint64) error {
	if b.owner == nil {
		return errNoOwner(OpSetTempMemory)
	}
	return b.owner.SetTempMemory(size)
}

// SetTempMemoryFraction forwards to the owner.
func (b Borrowed) SetTempMemoryFraction(fraction float32) error {
	if b.owner == nil {
		return errNoOwner(OpSetTempMemoryFraction)
	}
	return b.owner.SetTempMemoryFraction(fraction)
}

// SetPinnedMemory forwards to the owner.
func (b Borrowed) SetPinnedMemory(size uint64) error {
	if b.owner == nil {
		return errNoOwner(OpSetPinnedMemory)
	}
	return b.owner.SetPinnedMemory(size)
}

func errNoOwner(op string) error {
	return gerrors.WrapAllocationConfigError(ErrResourcesClosed, op, "borrowed view has no owner")
}

var (
	_ Resources = (*StandardResources)(nil)
	_ Resources = (*Borrowed)(nil)
)
