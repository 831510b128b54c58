package health

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PoolSnapshot is what the owning goroutine publishes about its resource
// pool. It carries plain values only, never the pool itself.
type PoolSnapshot struct {
	Backend  string
	Handle   string
	DeviceID int
	Released bool
}

// PoolChecker reports the most recently published PoolSnapshot.
type PoolChecker struct {
	tracer   trace.Tracer
	snapshot atomic.Pointer[PoolSnapshot]
}

func NewPoolChecker(tracer trace.Tracer) *PoolChecker {
	return &PoolChecker{tracer: tracer}
}

// Publish replaces the snapshot seen by later checks.
func (pc *PoolChecker) Publish(s PoolSnapshot) {
	pc.snapshot.Store(&s)
}

func (pc *PoolChecker) Name() string {
	return "gpu_resources"
}

func (pc *PoolChecker) Check(ctx context.Context) *ComponentHealth {
	_, span := pc.tracer.Start(ctx, "PoolChecker.Check")
	defer span.End()

	h := &ComponentHealth{
		Name:        pc.Name(),
		LastChecked: time.Now(),
	}

	s := pc.snapshot.Load()
	switch {
	case s == nil:
		h.Status = StatusUnhealthy
		h.Message = "resource pool not created"
	case s.Released:
		h.Status = StatusUnhealthy
		h.Message = "resource pool released"
	default:
		h.Status = StatusHealthy
		h.Message = "resource pool live"
	}
	if s != nil {
		h.Metadata = map[string]any{
			"backend":   s.Backend,
			"handle":    s.Handle,
			"device_id": s.DeviceID,
		}
		span.SetAttributes(attribute.String("gpures.backend", s.Backend))
	}
	return h
}
