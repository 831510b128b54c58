package gpu

import (
	"fmt"
	"time"

	gerrors "github.com/23skdu/gpures/internal/errors"
	"github.com/23skdu/gpures/internal/metrics"
)

// Index defines the interface for a GPU-accelerated vector index.
type Index interface {
	// Add adds vectors to the index.
	Add(ids []int64, vectors []float32) error

	// Search queries the index for the k-nearest neighbors.
	Search(vector []float32, k int) (ids []int64, distances []float32, err error)

	// Close releases the index. The resources it was bound to stay live.
	Close() error
}

// IndexBinder attaches indexes to a resource pool. A binder copies the raw
// handle into the index; it never releases it.
type IndexBinder interface {
	BindFlatIndex(r Resources, cfg IndexConfig) (Index, error)
}

// Metric selects the distance used by a flat index.
type Metric string

const (
	MetricL2     Metric = "l2"
	MetricCosine Metric = "cosine"
)

// IndexConfig describes an index to bind to GPU resources.
type IndexConfig struct {
	DeviceID  int
	Dimension int
	Metric    Metric
}

// Validate checks the index configuration.
func (c IndexConfig) Validate() error {
	if c.Dimension <= 0 {
		return gerrors.NewValidationError("bind_index", fmt.Sprintf("dimension must be positive, got %d", c.Dimension))
	}
	if c.DeviceID < 0 {
		return gerrors.NewValidationError("bind_index", fmt.Sprintf("device id must not be negative, got %d", c.DeviceID))
	}
	switch c.Metric {
	case "", MetricL2, MetricCosine:
	default:
		return gerrors.NewValidationError("bind_index", fmt.Sprintf("unknown metric %q", c.Metric))
	}
	return nil
}

func validateAdd(dim int, ids []int64, vectors []float32) error {
	if len(vectors)%dim != 0 {
		return gerrors.NewValidationError("add", fmt.Sprintf("vector data length %d not divisible by dimension %d", len(vectors), dim))
	}
	n := len(vectors) / dim
	if len(ids) != n {
		return gerrors.NewValidationError("add", fmt.Sprintf("id count %d does not match vector count %d", len(ids), n))
	}
	return nil
}

func validateSearch(dim int, vector []float32, k int) error {
	if len(vector) != dim {
		return gerrors.NewValidationError("search", fmt.Sprintf("query vector dimension %d does not match index dimension %d", len(vector), dim))
	}
	if k <= 0 {
		return gerrors.NewValidationError("search", fmt.Sprintf("k must be positive, got %d", k))
	}
	return nil
}

// observe records latency and outcome of an index operation.
func observe(op string, start time.Time, err error) {
	if err != nil {
		metrics.VectorSearchGPUOperationsTotal.WithLabelValues(op, "error").Inc()
		return
	}
	metrics.VectorSearchGPULatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.VectorSearchGPUOperationsTotal.WithLabelValues(op, "success").Inc()
}
