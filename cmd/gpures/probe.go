package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/23skdu/gpures/internal/gpu"
)

// ProbeReport summarises one probe run against a resource pool.
type ProbeReport struct {
	Backend  string
	Handle   gpu.Handle
	Indexes  int
	Vectors  int
	Duration time.Duration
}

// probe binds cfg.ProbeIndexes flat indexes to res, fills each from an Arrow
// vector column and checks that every index finds its own first vector.
// All work happens on the calling goroutine.
func probe(res *gpu.StandardResources, cfg Config, logger zerolog.Logger) (ProbeReport, error) {
	start := time.Now()
	report := ProbeReport{
		Backend: res.Backend().Name(),
		Handle:  res.RawHandle(),
	}

	binder, ok := res.Backend().(gpu.IndexBinder)
	if !ok {
		return report, fmt.Errorf("backend %s cannot bind indexes", report.Backend)
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.ProbeDimension), uint64(cfg.ProbeVectors)))
	ids := make([]int64, cfg.ProbeVectors)
	vectors := make([]float32, cfg.ProbeVectors*cfg.ProbeDimension)
	for i := range ids {
		ids[i] = int64(i)
	}
	for i := range vectors {
		vectors[i] = rng.Float32()
	}

	col, err := gpu.NewVectorColumn(memory.NewGoAllocator(), cfg.ProbeDimension, vectors)
	if err != nil {
		return report, err
	}
	defer col.Release()

	indexes := make([]gpu.Index, 0, cfg.ProbeIndexes)
	defer func() {
		for _, idx := range indexes {
			_ = idx.Close()
		}
	}()

	for i := 0; i < cfg.ProbeIndexes; i++ {
		idx, err := binder.BindFlatIndex(res.Borrow(), gpu.IndexConfig{
			DeviceID:  cfg.DeviceID,
			Dimension: cfg.ProbeDimension,
			Metric:    gpu.MetricL2,
		})
		if err != nil {
			return report, fmt.Errorf("bind index %d: %w", i, err)
		}
		indexes = append(indexes, idx)

		if err := gpu.AddArrow(idx, ids, col); err != nil {
			return report, fmt.Errorf("fill index %d: %w", i, err)
		}
	}

	k := min(10, cfg.ProbeVectors)
	for i, idx := range indexes {
		labels, distances, err := idx.Search(vectors[:cfg.ProbeDimension], k)
		if err != nil {
			return report, fmt.Errorf("search index %d: %w", i, err)
		}
		if labels[0] != ids[0] {
			return report, fmt.Errorf("index %d returned %d for its own vector %d", i, labels[0], ids[0])
		}
		logger.Debug().Int("index", i).Float32("distance", distances[0]).Msg("probe search ok")
	}

	report.Indexes = len(indexes)
	report.Vectors = cfg.ProbeVectors
	report.Duration = time.Since(start)
	return report, nil
}
