// Command gpures creates one GPU resource pool, applies the configured memory
// policy, probes it with a few bound indexes and optionally keeps it alive
// behind a gRPC health endpoint and a Prometheus metrics listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/gpures/internal/gpu"
	"github.com/23skdu/gpures/internal/health"
	"github.com/23skdu/gpures/internal/logging"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("gpures", flag.ContinueOnError)
	fs.SetOutput(stdout)
	envFile := fs.String("env-file", "", "Load environment variables from this file before reading configuration")
	serveFlag := fs.Bool("serve", false, "Keep the pool alive and serve gRPC health and metrics until interrupted")
	indexes := fs.Int("indexes", 0, "Number of probe indexes to bind (overrides GPURES_PROBE_INDEXES)")
	dim := fs.Int("dim", 0, "Probe vector dimension (overrides GPURES_PROBE_DIMENSION)")
	vectors := fs.Int("vectors", 0, "Vectors added to each probe index (overrides GPURES_PROBE_VECTORS)")
	listen := fs.String("listen", "", "gRPC health listen address (overrides GPURES_LISTEN_ADDR)")
	metricsAddr := fs.String("metrics", "", "Metrics listen address (overrides GPURES_METRICS_ADDR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			_, _ = fmt.Fprintf(stdout, "failed to load %s: %v\n", *envFile, err)
			return 1
		}
	}

	cfg, err := LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "failed to process config: %v\n", err)
		return 1
	}
	if *indexes > 0 {
		cfg.ProbeIndexes = *indexes
	}
	if *dim > 0 {
		cfg.ProbeDimension = *dim
	}
	if *vectors > 0 {
		cfg.ProbeVectors = *vectors
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := ValidateConfig(&cfg); err != nil {
		_, _ = fmt.Fprintf(stdout, "invalid config: %v\n", err)
		return 1
	}

	logger, err := logging.NewLogger(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Output: stdout,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "failed to build logger: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cfg, *serveFlag, logger); err != nil {
		logger.Error().Err(err).Msg("gpures failed")
		return 1
	}
	return 0
}

// execute owns the pool for its whole life. The pool never leaves the
// calling goroutine; only the health and metrics servers run elsewhere.
func execute(ctx context.Context, cfg Config, serve bool, logger zerolog.Logger) error {
	res, err := gpu.NewStandardResources(
		gpu.WithBackend(cfg.Backend()),
		gpu.WithLogger(logger),
		gpu.WithDeviceID(cfg.DeviceID),
	)
	if err != nil {
		return err
	}
	defer func() { _ = res.Close() }()

	if err := cfg.Apply(res.Borrow()); err != nil {
		return err
	}

	report, err := probe(res, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info().
		Str("backend", report.Backend).
		Stringer("handle", report.Handle).
		Int("indexes", report.Indexes).
		Int("vectors", report.Vectors).
		Dur("duration", report.Duration).
		Msg("probe complete")

	if !serve {
		return nil
	}

	checker := health.NewPoolChecker(otel.Tracer("gpures"))
	snapshot := health.PoolSnapshot{
		Backend:  report.Backend,
		Handle:   report.Handle.String(),
		DeviceID: res.DeviceID(),
	}
	checker.Publish(snapshot)
	return serveUntilDone(ctx, cfg, logger, checker, func() error {
		err := res.Close()
		snapshot.Released = true
		checker.Publish(snapshot)
		return err
	})
}

// serveUntilDone reports SERVING until ctx is cancelled, then calls release,
// flips the health status to NOT_SERVING and stops both listeners. The HTTP
// listener also serves the pool report from checker on /healthz.
func serveUntilDone(ctx context.Context, cfg Config, logger zerolog.Logger, checker *health.PoolChecker, release func() error) error {
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	grpcServer := grpc.NewServer(cfg.BuildGRPCServerOptions()...)
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	manager := health.NewHealthManager(version, logger, otel.Tracer("gpures"))
	manager.RegisterChecker(checker)
	mux.Handle("/healthz", manager.HTTPHandler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("address", cfg.ListenAddr).Msg("Starting health server")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("address", cfg.MetricsAddr).Msg("Starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-gctx.Done()
	logger.Info().Msg("Shutting down")

	releaseErr := release()
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	stopGRPC(shutdownCtx, grpcServer)

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return releaseErr
}

// stopGRPC drains in-flight calls until ctx expires. Open health Watch
// streams never finish on their own, so the server is then stopped hard.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.Stop()
		<-stopped
	}
}
