package gpu

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/23skdu/gpures/internal/metrics"
)

const (
	// Defaults mirror the native engine's StandardGpuResources.
	DefaultTempMemoryBytes   uint64 = 1536 << 20
	DefaultPinnedMemoryBytes uint64 = 256 << 20

	simulatedDeviceMemory uint64 = 16 << 30
	simulatedHandleBase   Handle = 0x10000
	simulatedHandleStride Handle = 0x100
)

// PoolState is the configuration the simulated native layer holds for one
// resources object.
type PoolState struct {
	TempMemoryDisabled bool
	TempMemoryBytes    uint64
	PinnedMemoryBytes  uint64
}

// SimulatedBackend is an in-process stand-in for the native engine. It keeps
// a table of live handles, applies configuration only when a call succeeds,
// and can be told to fail the next call of a given operation.
//
// Handles are never reused. The table is safe for concurrent use; the pools
// it hands out are not.
type SimulatedBackend struct {
	mu           sync.Mutex
	next         Handle
	pools        map[Handle]*PoolState
	failures     map[string]error
	deviceMemory uint64

	allocations     int
	releases        int
	invalidReleases int
}

// NewSimulatedBackend returns an empty simulated backend.
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{
		next:         simulatedHandleBase,
		pools:        make(map[Handle]*PoolState),
		failures:     make(map[string]error),
		deviceMemory: simulatedDeviceMemory,
	}
}

func (b *SimulatedBackend) Name() string { return "simulated" }

// FailNext makes the next call of op fail with err.
func (b *SimulatedBackend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

func (b *SimulatedBackend) injected(op string) error {
	err, ok := b.failures[op]
	if !ok {
		return nil
	}
	delete(b.failures, op)
	return err
}

func (b *SimulatedBackend) NewResources() (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected(OpNewResources); err != nil {
		return 0, err
	}

	h := b.next
	b.next += simulatedHandleStride
	b.pools[h] = &PoolState{
		TempMemoryBytes:   DefaultTempMemoryBytes,
		PinnedMemoryBytes: DefaultPinnedMemoryBytes,
	}
	b.allocations++
	return h, nil
}

func (b *SimulatedBackend) FreeResources(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pools[h]; !ok {
		b.invalidReleases++
		return
	}
	delete(b.pools, h)
	b.releases++
}

// update runs fn against the live state of h under the table lock.
func (b *SimulatedBackend) update(op string, h Handle, fn func(*PoolState) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.pools[h]
	if !ok {
		return &NativeError{Op: op, Code: -1, Message: ErrUnknownHandle.Error()}
	}
	if err := b.injected(op); err != nil {
		return err
	}
	next := *state
	if err := fn(&next); err != nil {
		return err
	}
	*state = next
	return nil
}

func (b *SimulatedBackend) NoTempMemory(h Handle) error {
	return b.update(OpNoTempMemory, h, func(s *PoolState) error {
		s.TempMemoryDisabled = true
		s.TempMemoryBytes = 0
		return nil
	})
}

func (b *SimulatedBackend) SetTempMemory(h Handle, size uint64) error {
	return b.update(OpSetTempMemory, h, func(s *PoolState) error {
		s.TempMemoryDisabled = size == 0
		s.TempMemoryBytes = size
		return nil
	})
}

func (b *SimulatedBackend) SetTempMemoryFraction(h Handle, fraction float32) error {
	return b.update(OpSetTempMemoryFraction, h, func(s *PoolState) error {
		if math.IsNaN(float64(fraction)) || fraction < 0 || fraction > 1 {
			return &NativeError{Op: OpSetTempMemoryFraction, Code: -1, Message: fmt.Sprintf("fraction %v outside [0, 1]", fraction)}
		}
		size := uint64(float64(fraction) * float64(b.deviceMemory))
		s.TempMemoryDisabled = size == 0
		s.TempMemoryBytes = size
		return nil
	})
}

func (b *SimulatedBackend) SetPinnedMemory(h Handle, size uint64) error {
	return b.update(OpSetPinnedMemory, h, func(s *PoolState) error {
		s.PinnedMemoryBytes = size
		return nil
	})
}

// State returns a snapshot of the configuration held for h.
func (b *SimulatedBackend) State(h Handle) (PoolState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.pools[h]
	if !ok {
		return PoolState{}, false
	}
	return *s, true
}

// Live reports how many handles are allocated and not yet released.
func (b *SimulatedBackend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pools)
}

// Allocations reports successful NewResources calls.
func (b *SimulatedBackend) Allocations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocations
}

// Releases reports FreeResources calls on live handles.
func (b *SimulatedBackend) Releases() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releases
}

// InvalidReleases reports FreeResources calls on unknown or already released handles.
func (b *SimulatedBackend) InvalidReleases() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidReleases
}

func (b *SimulatedBackend) alive(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pools[h]
	return ok
}

// BindFlatIndex implements IndexBinder with a brute-force host index that
// behaves like a device-resident flat index bound to r.
func (b *SimulatedBackend) BindFlatIndex(r Resources, cfg IndexConfig) (Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := r.RawHandle()
	if !b.alive(h) {
		return nil, &NativeError{Op: "bind_index", Code: -1, Message: ErrUnknownHandle.Error()}
	}

	dist := hnsw.EuclideanDistance
	if cfg.Metric == MetricCosine {
		dist = hnsw.CosineDistance
	}

	metrics.GPUIndexesBound.WithLabelValues(b.Name()).Inc()
	return &simulatedFlatIndex{
		backend:   b,
		handle:    h,
		resources: r,
		dim:       cfg.Dimension,
		dist:      dist,
	}, nil
}

type simulatedFlatIndex struct {
	backend   *SimulatedBackend
	handle    Handle
	resources Resources // keeps the owner reachable; never released here
	dim       int
	dist      hnsw.DistanceFunc

	mu      sync.RWMutex
	ids     []int64
	vectors []float32
	closed  bool
}

func (idx *simulatedFlatIndex) usable() error {
	if idx.closed {
		return fmt.Errorf("index is closed")
	}
	if !idx.backend.alive(idx.handle) {
		return fmt.Errorf("gpu resources %s were released: %w", idx.handle, ErrResourcesClosed)
	}
	return nil
}

func (idx *simulatedFlatIndex) Add(ids []int64, vectors []float32) (err error) {
	start := time.Now()
	defer func() { observe("add", start, err) }()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err = idx.usable(); err != nil {
		return err
	}
	if err = validateAdd(idx.dim, ids, vectors); err != nil {
		return err
	}

	idx.ids = append(idx.ids, ids...)
	idx.vectors = append(idx.vectors, vectors...)
	return nil
}

func (idx *simulatedFlatIndex) Search(vector []float32, k int) (labels []int64, distances []float32, err error) {
	start := time.Now()
	defer func() { observe("search", start, err) }()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err = idx.usable(); err != nil {
		return nil, nil, err
	}
	if err = validateSearch(idx.dim, vector, k); err != nil {
		return nil, nil, err
	}

	type candidate struct {
		pos  int
		dist float32
	}
	n := len(idx.ids)
	candidates := make([]candidate, n)
	for i := 0; i < n; i++ {
		candidates[i] = candidate{pos: i, dist: idx.dist(vector, idx.vectors[i*idx.dim:(i+1)*idx.dim])}
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		default:
			return 0
		}
	})

	// Missing results are padded like the native engine does.
	labels = make([]int64, k)
	distances = make([]float32, k)
	for i := 0; i < k; i++ {
		if i < n {
			labels[i] = idx.ids[candidates[i].pos]
			distances[i] = candidates[i].dist
			continue
		}
		labels[i] = -1
		distances[i] = math.MaxFloat32
	}
	return labels, distances, nil
}

func (idx *simulatedFlatIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.closed = true
	idx.ids = nil
	idx.vectors = nil
	idx.resources = nil
	return nil
}

var (
	_ Backend     = (*SimulatedBackend)(nil)
	_ IndexBinder = (*SimulatedBackend)(nil)
)
