package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowrunner/flowstudio/bus"
	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/engine"
	flowotel "github.com/flowrunner/flowstudio/otel"
	"github.com/flowrunner/flowstudio/server"
	"github.com/flowrunner/flowstudio/store"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Flow Studio HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.flowstudio/flowstudio.db)")
	cmd.Flags().String("provider", "", "LLM provider for model nodes")
	cmd.Flags().String("api-key", "", "Provider API key (or set FLOWSTUDIO_API_KEY)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Schedule poll interval")
	cmd.Flags().Duration("flow-cache-ttl", 5*time.Minute, "Flow definition cache TTL")
	cmd.Flags().String("otlp-endpoint", "", "OTLP HTTP endpoint for trace export (e.g. localhost:4318)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	schedulePoll, _ := cmd.Flags().GetDuration("schedule-poll")
	flowCacheTTL, _ := cmd.Flags().GetDuration("flow-cache-ttl")

	dsn, err := resolveSQLiteDSN(cmd)
	if err != nil {
		return err
	}

	logger := slog.Default()

	db, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	flows := store.NewCachedFlowStore(db, store.CachedFlowStoreConfig{TTL: flowCacheTTL})

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()
	events := bus.NewMemEventStore()

	shutdownTracing, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	tracing := flowotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("flowstudio/engine"))
	metrics, err := flowotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("flowstudio/engine"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	storeSub := bus.NewStoreSubscriber(events, logger)
	handler := flowotel.EnrichHandler(func(e engine.Event) {
		metrics.Handle(e)
		storeSub.Handle(e)
	}, tracing)

	invoker, err := resolveInvoker(cmd)
	if err != nil {
		return err
	}

	cat := catalog.New()
	eng := engine.New(engine.Config{
		Catalog: cat,
		Invoker: invoker,
		EventHandler: func(e engine.Event) {
			tracing.Handle(e)
			handler(e)
		},
		Bus: eb,
	})

	apiServer := server.New(server.Config{
		Catalog:    cat,
		Engine:     eng,
		Flows:      flows,
		Runs:       db.Runs(),
		Schedules:  db,
		Bus:        eb,
		EventStore: events,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})

	scheduler, err := server.NewScheduler(server.SchedulerConfig{
		Server:       apiServer,
		Store:        db,
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	scheduler.Start()
	defer func() {
		_ = scheduler.Stop(context.Background())
	}()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Flow Studio listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// setupTracing installs an OTLP HTTP trace exporter when an endpoint is
// configured. The returned function flushes and shuts the provider
// down; with no endpoint it is a no-op.
func setupTracing(cmd *cobra.Command) (func(), error) {
	endpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	if strings.TrimSpace(endpoint) == "" {
		return func() {}, nil
	}

	exporter, err := otlptracehttp.New(cmd.Context(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otelapi.SetTracerProvider(tp)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}

func resolveSQLiteDSN(cmd *cobra.Command) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("FLOWSTUDIO_SQLITE_PATH"))
	}
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dir := filepath.Join(home, ".flowstudio")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dir, "flowstudio.db")
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn, nil
}
