//go:build gpu && linux

package gpu

/*
#cgo LDFLAGS: -lfaiss_c -lfaiss -lcudart -lcublas
#include <stdlib.h>
#include <faiss/c_api/faiss_c.h>
#include <faiss/c_api/error_c.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/IndexFlat_c.h>
#include <faiss/c_api/gpu/StandardGpuResources_c.h>
#include <faiss/c_api/gpu/GpuAutoTune_c.h>
*/
import "C"
import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	gerrors "github.com/23skdu/gpures/internal/errors"
	"github.com/23skdu/gpures/internal/metrics"
)

// DefaultBackend returns the faiss backend.
func DefaultBackend() Backend {
	return faissBackend{}
}

// faissBackend calls the faiss C API. It is stateless; all state lives
// behind the handles it returns.
type faissBackend struct{}

func lastError() string {
	if msg := C.faiss_get_last_error(); msg != nil {
		return C.GoString(msg)
	}
	return ""
}

func check(op string, code C.int) error {
	if code == 0 {
		return nil
	}
	return &NativeError{Op: op, Code: int(code), Message: lastError()}
}

func toNative(h Handle) *C.FaissStandardGpuResources {
	return (*C.FaissStandardGpuResources)(unsafe.Pointer(uintptr(h)))
}

func (faissBackend) Name() string { return "faiss" }

func (faissBackend) NewResources() (Handle, error) {
	var res *C.FaissStandardGpuResources
	if err := check(OpNewResources, C.faiss_StandardGpuResources_new(&res)); err != nil {
		return 0, err
	}
	return Handle(uintptr(unsafe.Pointer(res))), nil
}

func (faissBackend) FreeResources(h Handle) {
	C.faiss_StandardGpuResources_free(toNative(h))
}

func (faissBackend) NoTempMemory(h Handle) error {
	return check(OpNoTempMemory, C.faiss_StandardGpuResources_noTempMemory(toNative(h)))
}

func (faissBackend) SetTempMemory(h Handle, size uint64) error {
	return check(OpSetTempMemory, C.faiss_StandardGpuResources_setTempMemory(toNative(h), C.size_t(size)))
}

func (faissBackend) SetTempMemoryFraction(h Handle, fraction float32) error {
	return check(OpSetTempMemoryFraction, C.faiss_StandardGpuResources_setTempMemoryFraction(toNative(h), C.float(fraction)))
}

func (faissBackend) SetPinnedMemory(h Handle, size uint64) error {
	return check(OpSetPinnedMemory, C.faiss_StandardGpuResources_setPinnedMemory(toNative(h), C.size_t(size)))
}

// BindFlatIndex builds an L2 flat index on the host and clones it onto the
// device using the resources behind r.
func (b faissBackend) BindFlatIndex(r Resources, cfg IndexConfig) (Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Metric == MetricCosine {
		return nil, gerrors.NewValidationError("bind_index", "cosine metric is not supported by the faiss flat binder")
	}
	h := r.RawHandle()
	if h == 0 {
		return nil, gerrors.WrapAllocationConfigError(ErrResourcesClosed, "bind_index", "resources already released")
	}

	var cpu *C.FaissIndexFlatL2
	if err := check("bind_index", C.faiss_IndexFlatL2_new_with(&cpu, C.idx_t(cfg.Dimension))); err != nil {
		return nil, err
	}
	defer C.faiss_Index_free((*C.FaissIndex)(unsafe.Pointer(cpu)))

	var gpuIdx *C.FaissGpuIndex
	provider := (*C.FaissGpuResourcesProvider)(unsafe.Pointer(toNative(h)))
	if err := check("bind_index", C.faiss_index_cpu_to_gpu(provider, C.int(cfg.DeviceID), (*C.FaissIndex)(unsafe.Pointer(cpu)), &gpuIdx)); err != nil {
		return nil, fmt.Errorf("failed to move index to device %d: %w", cfg.DeviceID, err)
	}

	idx := &FaissGPUIndex{
		dim:       cfg.Dimension,
		deviceID:  cfg.DeviceID,
		resources: r,
		index:     (*C.FaissIndex)(unsafe.Pointer(gpuIdx)),
	}

	// Set finalizer to ensure cleanup
	runtime.SetFinalizer(idx, (*FaissGPUIndex).Close)

	metrics.GPUIndexesBound.WithLabelValues(b.Name()).Inc()
	return idx, nil
}

// FaissGPUIndex wraps a faiss GPU flat index. Faiss labels are insertion
// positions; ids maps them back to caller ids.
type FaissGPUIndex struct {
	dim       int
	deviceID  int
	resources Resources // keeps the owner reachable; never released here
	index     *C.FaissIndex
	ids       []int64
	mu        sync.RWMutex
	closed    bool
}

// Add adds vectors to the GPU index
func (idx *FaissGPUIndex) Add(ids []int64, vectors []float32) (err error) {
	start := time.Now()
	defer func() { observe("add", start, err) }()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("index is closed")
	}
	if err = validateAdd(idx.dim, ids, vectors); err != nil {
		return err
	}
	n := len(ids)
	if n == 0 {
		return nil
	}

	if err = check("add", C.faiss_Index_add(idx.index, C.idx_t(n), (*C.float)(unsafe.Pointer(&vectors[0])))); err != nil {
		return err
	}
	idx.ids = append(idx.ids, ids...)
	return nil
}

// Search queries the GPU index for k-nearest neighbors
func (idx *FaissGPUIndex) Search(vector []float32, k int) (labels []int64, distances []float32, err error) {
	start := time.Now()
	defer func() { observe("search", start, err) }()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, nil, fmt.Errorf("index is closed")
	}
	if err = validateSearch(idx.dim, vector, k); err != nil {
		return nil, nil, err
	}

	distances = make([]float32, k)
	positions := make([]C.idx_t, k)
	err = check("search", C.faiss_Index_search(
		idx.index,
		1, // single query
		(*C.float)(unsafe.Pointer(&vector[0])),
		C.idx_t(k),
		(*C.float)(unsafe.Pointer(&distances[0])),
		&positions[0],
	))
	if err != nil {
		return nil, nil, err
	}

	labels = make([]int64, k)
	for i, p := range positions {
		if p < 0 || int(p) >= len(idx.ids) {
			labels[i] = -1
			continue
		}
		labels[i] = idx.ids[p]
	}
	return labels, distances, nil
}

// Close frees the device index. The resources it was bound to stay live.
func (idx *FaissGPUIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	if idx.index != nil {
		C.faiss_Index_free(idx.index)
		idx.index = nil
	}
	idx.ids = nil
	idx.resources = nil
	idx.closed = true
	runtime.SetFinalizer(idx, nil)
	return nil
}

var (
	_ Backend     = faissBackend{}
	_ IndexBinder = faissBackend{}
)
