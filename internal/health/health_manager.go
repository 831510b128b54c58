package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/gpures/internal/metrics"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) value() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	}
	return 0
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string         `json:"name"`
	Status      HealthStatus   `json:"status"`
	Message     string         `json:"message,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SystemHealth represents the overall process health
type SystemHealth struct {
	Status     HealthStatus                `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     time.Duration               `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	CheckCount int64                       `json:"check_count"`
}

// HealthChecker defines the interface for component health checks.
// Check may be called from any goroutine.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// HealthManager aggregates registered checkers into one report.
type HealthManager struct {
	startTime    time.Time
	version      string
	logger       zerolog.Logger
	tracer       trace.Tracer
	checkCounter atomic.Int64

	mu       sync.RWMutex
	checkers []HealthChecker
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string, logger zerolog.Logger, tracer trace.Tracer) *HealthManager {
	return &HealthManager{
		startTime: time.Now(),
		version:   version,
		logger:    logger,
		tracer:    tracer,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	hm.checkers = append(hm.checkers, checker)
	hm.mu.Unlock()
	hm.logger.Debug().Str("component", checker.Name()).Msg("Registered health checker")
}

// CheckHealth runs every registered checker. The overall status is the worst
// component status.
func (hm *HealthManager) CheckHealth(ctx context.Context) *SystemHealth {
	ctx, span := hm.tracer.Start(ctx, "HealthManager.CheckHealth")
	defer span.End()

	count := hm.checkCounter.Add(1)
	checkStart := time.Now()
	span.SetAttributes(
		attribute.String("gpures.version", hm.version),
		attribute.Int64("gpures.health.check_count", count),
	)

	hm.mu.RLock()
	checkers := append([]HealthChecker(nil), hm.checkers...)
	hm.mu.RUnlock()

	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  checkStart,
		Uptime:     time.Since(hm.startTime),
		Version:    hm.version,
		Components: make(map[string]*ComponentHealth, len(checkers)),
		CheckCount: count,
	}

	for _, checker := range checkers {
		componentCheckStart := time.Now()
		componentHealth := checker.Check(ctx)
		duration := time.Since(componentCheckStart)

		metrics.HealthCheckDurationSeconds.WithLabelValues(checker.Name()).Observe(duration.Seconds())
		metrics.HealthCheckStatus.WithLabelValues(checker.Name()).Set(componentHealth.Status.value())

		health.Components[checker.Name()] = componentHealth
		if componentHealth.Status.value() < health.Status.value() {
			health.Status = componentHealth.Status
		}

		span.SetAttributes(
			attribute.String("gpures.health.component."+checker.Name()+".status", string(componentHealth.Status)),
		)
	}

	span.SetAttributes(
		attribute.String("gpures.health.overall_status", string(health.Status)),
		attribute.Int("gpures.health.components_checked", len(checkers)),
	)

	hm.logger.Debug().
		Str("overall_status", string(health.Status)).
		Int("components_checked", len(checkers)).
		Dur("duration", time.Since(checkStart)).
		Msg("Health check completed")

	return health
}

// HTTPHandler returns an http handler for health checks
func (hm *HealthManager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			hm.logger.Error().Err(err).Msg("Failed to encode health response")
		}
	})
}
