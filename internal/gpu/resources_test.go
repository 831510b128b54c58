package gpu

import (
	"bytes"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/23skdu/gpures/internal/errors"
	"github.com/23skdu/gpures/internal/metrics"
)

func newSimulated(t *testing.T) (*SimulatedBackend, *StandardResources) {
	t.Helper()
	backend := NewSimulatedBackend()
	res, err := NewStandardResources(WithBackend(backend))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })
	return backend, res
}

func TestNewStandardResources_NonZeroHandle(t *testing.T) {
	backend, res := newSimulated(t)

	assert.NotZero(t, res.RawHandle())
	assert.Equal(t, 1, backend.Allocations())
	assert.Equal(t, 1, backend.Live())
	assert.Equal(t, res.RawHandle(), res.RawHandle())
}

func TestSetTempMemory_KeepsHandle(t *testing.T) {
	backend, res := newSimulated(t)
	before := res.RawHandle()

	for _, size := range []uint64{0, 1, 1 << 20, 1 << 30} {
		require.NoError(t, res.SetTempMemory(size))
		assert.Equal(t, before, res.RawHandle())

		state, ok := backend.State(before)
		require.True(t, ok)
		assert.Equal(t, size, state.TempMemoryBytes)
		assert.Equal(t, size == 0, state.TempMemoryDisabled)
	}
	assert.Equal(t, 1, backend.Allocations())
}

func TestNoTempMemory(t *testing.T) {
	backend, res := newSimulated(t)

	require.NoError(t, res.SetTempMemory(1<<20))
	require.NoError(t, res.NoTempMemory())
	require.NoError(t, res.NoTempMemory())

	state, ok := backend.State(res.RawHandle())
	require.True(t, ok)
	assert.True(t, state.TempMemoryDisabled)
	assert.Zero(t, state.TempMemoryBytes)
}

func TestSetTempMemoryFraction_InRange(t *testing.T) {
	backend, res := newSimulated(t)

	for _, f := range []float32{0, 0.25, 0.5, 1} {
		require.NoError(t, res.SetTempMemoryFraction(f), "fraction %v", f)
		state, _ := backend.State(res.RawHandle())
		assert.Equal(t, uint64(float64(f)*float64(simulatedDeviceMemory)), state.TempMemoryBytes)
	}
}

func TestSetTempMemoryFraction_OutOfRangeIsNativeDecision(t *testing.T) {
	backend, res := newSimulated(t)
	require.NoError(t, res.SetTempMemory(4096))

	for _, f := range []float32{-0.1, 1.5} {
		err := res.SetTempMemoryFraction(f)
		require.Error(t, err)
		assert.True(t, gerrors.IsType(err, gerrors.ErrorTypeAllocationConfig))
		assert.Equal(t, OpSetTempMemoryFraction, gerrors.OperationOf(err))

		var native *NativeError
		require.ErrorAs(t, err, &native)
		assert.Equal(t, OpSetTempMemoryFraction, native.Op)
	}

	// Failed calls leave the previous configuration in place.
	state, _ := backend.State(res.RawHandle())
	assert.Equal(t, uint64(4096), state.TempMemoryBytes)
}

func TestSetPinnedMemory(t *testing.T) {
	backend, res := newSimulated(t)

	state, _ := backend.State(res.RawHandle())
	assert.Equal(t, DefaultPinnedMemoryBytes, state.PinnedMemoryBytes)

	require.NoError(t, res.SetPinnedMemory(64<<20))
	state, _ = backend.State(res.RawHandle())
	assert.Equal(t, uint64(64<<20), state.PinnedMemoryBytes)
}

func TestBorrowedRawHandleMatchesOwner(t *testing.T) {
	backend, res := newSimulated(t)
	borrowed := res.Borrow()

	assert.Equal(t, res.RawHandle(), borrowed.RawHandle())

	require.NoError(t, borrowed.SetTempMemory(0))
	require.NoError(t, borrowed.SetTempMemoryFraction(0.1))
	require.NoError(t, borrowed.NoTempMemory())
	require.NoError(t, borrowed.SetPinnedMemory(1<<20))
	assert.Equal(t, res.RawHandle(), borrowed.RawHandle())
	assert.Equal(t, 1, backend.Allocations())

	state, _ := backend.State(res.RawHandle())
	assert.Equal(t, uint64(1<<20), state.PinnedMemoryBytes)

	require.NoError(t, res.Close())
	assert.Equal(t, res.RawHandle(), borrowed.RawHandle())
	assert.Zero(t, borrowed.RawHandle())
}

func TestBorrowedCannotRelease(t *testing.T) {
	backend, res := newSimulated(t)

	var r Resources = res.Borrow()
	_, ok := r.(interface{ Close() error })
	assert.False(t, ok, "a borrowed view must not expose Close")
	assert.Equal(t, 0, backend.Releases())
}

func TestZeroBorrowedHasNoOwner(t *testing.T) {
	var b Borrowed
	assert.Zero(t, b.RawHandle())

	calls := map[string]func() error{
		OpNoTempMemory:          b.NoTempMemory,
		OpSetTempMemory:         func() error { return b.SetTempMemory(1) },
		OpSetTempMemoryFraction: func() error { return b.SetTempMemoryFraction(0.5) },
		OpSetPinnedMemory:       func() error { return b.SetPinnedMemory(1) },
	}
	for op, call := range calls {
		err := call()
		assert.ErrorIs(t, err, ErrResourcesClosed, op)
		assert.True(t, gerrors.IsType(err, gerrors.ErrorTypeAllocationConfig), op)
		assert.Equal(t, op, gerrors.OperationOf(err))
	}
}

func TestIndependentPoolsHaveDistinctHandles(t *testing.T) {
	backend := NewSimulatedBackend()
	seen := make(map[Handle]bool)
	pools := make([]*StandardResources, 0, 8)

	for i := 0; i < 8; i++ {
		res, err := NewStandardResources(WithBackend(backend))
		require.NoError(t, err)
		assert.False(t, seen[res.RawHandle()], "handle %s issued twice", res.RawHandle())
		seen[res.RawHandle()] = true
		pools = append(pools, res)
	}
	assert.Equal(t, 8, backend.Live())

	for _, res := range pools {
		require.NoError(t, res.Close())
	}
	assert.Equal(t, 0, backend.Live())
}

func TestCloseWithoutConfiguration(t *testing.T) {
	backend := NewSimulatedBackend()
	res, err := NewStandardResources(WithBackend(backend))
	require.NoError(t, err)

	require.NoError(t, res.Close())
	require.NoError(t, res.Close())

	assert.Equal(t, 1, backend.Releases())
	assert.Equal(t, 0, backend.InvalidReleases())
	assert.Equal(t, 0, backend.Live())
	assert.Zero(t, res.RawHandle())
}

func TestUseAfterClose(t *testing.T) {
	backend := NewSimulatedBackend()
	res, err := NewStandardResources(WithBackend(backend))
	require.NoError(t, err)
	require.NoError(t, res.Close())

	calls := []func() error{
		res.NoTempMemory,
		func() error { return res.SetTempMemory(1) },
		func() error { return res.SetTempMemoryFraction(0.5) },
		func() error { return res.SetPinnedMemory(1) },
	}
	for _, call := range calls {
		err := call()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResourcesClosed)
	}
	assert.Equal(t, 0, backend.InvalidReleases())
}

func TestAllocationFailure(t *testing.T) {
	backend := NewSimulatedBackend()
	cause := &NativeError{Op: OpNewResources, Code: 2, Message: "out of device memory"}
	backend.FailNext(OpNewResources, cause)

	res, err := NewStandardResources(WithBackend(backend), WithDeviceID(3))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, gerrors.IsType(err, gerrors.ErrorTypeNativeAllocation))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, backend.Allocations())
	assert.Equal(t, 0, backend.Live())

	var se *gerrors.StructuredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Context["device"])

	// Only the next call fails.
	res, err = NewStandardResources(WithBackend(backend))
	require.NoError(t, err)
	require.NoError(t, res.Close())
}

func TestConfigFailureKeepsPoolUsable(t *testing.T) {
	backend, res := newSimulated(t)
	require.NoError(t, res.SetTempMemory(1<<20))

	backend.FailNext(OpSetTempMemory, errors.New("device busy"))
	err := res.SetTempMemory(2 << 20)
	require.Error(t, err)
	assert.True(t, gerrors.IsType(err, gerrors.ErrorTypeAllocationConfig))
	assert.Equal(t, OpSetTempMemory, gerrors.OperationOf(err))
	assert.Contains(t, err.Error(), "device busy")

	state, _ := backend.State(res.RawHandle())
	assert.Equal(t, uint64(1<<20), state.TempMemoryBytes)

	require.NoError(t, res.SetPinnedMemory(1<<20))
	require.NoError(t, res.SetTempMemory(2<<20))
}

func TestEachConfigFailureNamesItsStep(t *testing.T) {
	ops := map[string]func(Resources) error{
		OpNoTempMemory:          func(r Resources) error { return r.NoTempMemory() },
		OpSetTempMemory:         func(r Resources) error { return r.SetTempMemory(1) },
		OpSetTempMemoryFraction: func(r Resources) error { return r.SetTempMemoryFraction(0.5) },
		OpSetPinnedMemory:       func(r Resources) error { return r.SetPinnedMemory(1) },
	}
	for op, call := range ops {
		t.Run(op, func(t *testing.T) {
			backend, res := newSimulated(t)
			backend.FailNext(op, errors.New("native failure"))

			err := call(res.Borrow())
			require.Error(t, err)
			assert.Equal(t, op, gerrors.OperationOf(err))
			assert.True(t, gerrors.IsType(err, gerrors.ErrorTypeAllocationConfig))
		})
	}
}

func TestEndToEndScenario(t *testing.T) {
	backend := NewSimulatedBackend()
	res, err := NewStandardResources(WithBackend(backend))
	require.NoError(t, err)

	require.NoError(t, res.SetTempMemory(0))
	require.NoError(t, res.SetPinnedMemory(1<<20))

	first := res.RawHandle()
	second := res.RawHandle()
	assert.NotZero(t, first)
	assert.Equal(t, first, second)

	state, ok := backend.State(first)
	require.True(t, ok)
	assert.Equal(t, PoolState{TempMemoryDisabled: true, TempMemoryBytes: 0, PinnedMemoryBytes: 1 << 20}, state)

	require.NoError(t, res.Close())
	_, ok = backend.State(first)
	assert.False(t, ok)
	assert.Equal(t, 1, backend.Releases())
}

func TestMoveToAnotherGoroutine(t *testing.T) {
	backend := NewSimulatedBackend()
	res, err := NewStandardResources(WithBackend(backend))
	require.NoError(t, err)

	handoff := make(chan *StandardResources)
	errs := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		owned := <-handoff
		if err := owned.SetTempMemory(1 << 10); err != nil {
			errs <- err
			return
		}
		errs <- owned.Close()
	}()
	handoff <- res
	wg.Wait()

	require.NoError(t, <-errs)
	assert.Equal(t, 1, backend.Releases())
}

func TestStandardResourcesIsThreadBound(t *testing.T) {
	typ := reflect.TypeOf((*StandardResources)(nil)).Elem()
	marker := reflect.TypeOf(threadBound{})

	found := false
	for i := 0; i < typ.NumField(); i++ {
		if typ.Field(i).Type == marker {
			found = true
		}
	}
	assert.True(t, found, "StandardResources must carry the threadBound marker")

	// copylocks keys off sync.Locker on the pointer type only.
	assert.Implements(t, (*sync.Locker)(nil), &threadBound{})
	_, valueIsLocker := interface{}(threadBound{}).(sync.Locker)
	assert.False(t, valueIsLocker)
}

func TestResourcesMetrics(t *testing.T) {
	backend := NewSimulatedBackend()
	liveBefore := testutil.ToFloat64(metrics.GPUResourcesLive)
	okBefore := testutil.ToFloat64(metrics.GPUConfigCallsTotal.WithLabelValues(OpSetPinnedMemory, "success"))

	res, err := NewStandardResources(WithBackend(backend), WithDeviceID(7))
	require.NoError(t, err)
	assert.Equal(t, liveBefore+1, testutil.ToFloat64(metrics.GPUResourcesLive))

	require.NoError(t, res.SetPinnedMemory(512))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.GPUConfigCallsTotal.WithLabelValues(OpSetPinnedMemory, "success")))
	assert.Equal(t, float64(512), testutil.ToFloat64(metrics.GPUPinnedMemoryBytes.WithLabelValues("7")))

	require.NoError(t, res.Close())
	assert.Equal(t, liveBefore, testutil.ToFloat64(metrics.GPUResourcesLive))
}

func TestResourcesLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	backend := NewSimulatedBackend()

	res, err := NewStandardResources(WithBackend(backend), WithLogger(logger))
	require.NoError(t, err)

	backend.FailNext(OpSetPinnedMemory, errors.New("pinned allocation refused"))
	require.Error(t, res.SetPinnedMemory(1))
	require.NoError(t, res.Close())

	out := buf.String()
	assert.Contains(t, out, "GPU resources allocated")
	assert.Contains(t, out, "GPU resources configuration failed")
	assert.Contains(t, out, "pinned allocation refused")
	assert.Contains(t, out, "GPU resources released")
	assert.Contains(t, out, res.Backend().Name())
}
