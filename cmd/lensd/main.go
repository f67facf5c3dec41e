package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sylphxai/lens/internal/config"
	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/engine"
	"github.com/sylphxai/lens/internal/graph"
	"github.com/sylphxai/lens/internal/logging"
	"github.com/sylphxai/lens/internal/metrics"
	"github.com/sylphxai/lens/internal/oplog"
	"github.com/sylphxai/lens/internal/reconnect"
	"github.com/sylphxai/lens/internal/resolver"
	"github.com/sylphxai/lens/internal/transport/ws"
	"github.com/sylphxai/lens/internal/value"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging, cfg.Metrics.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()

	cacheMode, err := parseCacheMode(cfg.Graph.CacheMode)
	if err != nil {
		logger.Fatal("invalid graph cache mode", zap.Error(err))
	}

	graphManager := graph.New(graph.Config{
		CacheMode: cacheMode,
		CacheTTL:  cfg.Graph.CacheTTL,
		OpLog: oplog.Config{
			MaxEntries: cfg.OpLog.MaxEntries,
			MaxBytes:   cfg.OpLog.MaxBytes,
			MaxAge:     cfg.OpLog.MaxAge,
		},
		Metrics: metricsRegistry,
	}, logger)

	resolverRegistry := resolver.NewRegistry()
	resolverRegistry.RequireExplicitType = cfg.Resolver.RequireExplicitType
	resolverRegistry.Metrics = metricsRegistry
	registerNoteEntity(resolverRegistry)

	eng := engine.New(resolverRegistry, logger)
	registerNoteOperations(eng, graphManager)

	reconnectResolver, err := reconnect.New(graphManager, reconnect.Config{
		CompressThreshold: cfg.Reconnect.CompressThreshold,
		Metrics:           metricsRegistry,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize reconnect resolver", zap.Error(err))
	}

	wsServer := ws.NewServer(cfg, logger, graphManager, eng, resolverRegistry, reconnectResolver, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := wsServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, wsServer, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	wsServer.Stop()
	logger.Info("transport stopped")
}

func parseCacheMode(s string) (graph.CacheMode, error) {
	switch strings.ToLower(s) {
	case "", "retain":
		return graph.CacheModeRetain, nil
	case "evict":
		return graph.CacheModeEvictImmediate, nil
	case "ttl":
		return graph.CacheModeTTL, nil
	default:
		return 0, fmt.Errorf("unknown graph cache_mode %q (want retain, evict, or ttl)", s)
	}
}

// registerNoteEntity wires up a minimal entity so the binary is
// runnable out of the box; a real deployment registers its own domain
// entities and operations the same way.
func registerNoteEntity(reg *resolver.Registry) {
	reg.Register(resolver.NewEntityDef("Note", []resolver.FieldDef{
		{Name: "id", Kind: resolver.FieldExpose},
		{Name: "title", Kind: resolver.FieldExpose},
		{Name: "body", Kind: resolver.FieldExpose},
		{
			Name: "wordCount",
			Kind: resolver.FieldResolve,
			Resolve: func(_ context.Context, parent *value.Object) (value.Value, error) {
				body, _ := parent.Get("body")
				if body.Kind() != value.KindString || body.String() == "" {
					return value.Int(0), nil
				}
				return value.Int(int64(len(strings.Fields(body.String())))), nil
			},
		},
	}))
}

func registerNoteOperations(eng *engine.Engine, g *graph.Manager) {
	eng.Register(&engine.Handler{
		Path: "notes.create",
		Kind: engine.KindMutation,
		Validate: func(input value.Value) (value.Value, error) {
			obj := input.AsObject()
			title, _ := obj.Get("title")
			if title.Kind() != value.KindString || title.String() == "" {
				return value.Value{}, fmt.Errorf("notes.create: title is required")
			}
			return input, nil
		},
		Run: func(_ context.Context, _ string, input value.Value, _ resolver.EmitFunc, _ resolver.CleanupRegistrar) (value.Value, error) {
			obj := input.AsObject()
			title, _ := obj.Get("title")
			body, _ := obj.Get("body")
			if body.Kind() != value.KindString {
				body = value.String("")
			}

			id := uuid.NewString()
			note := value.NewObject()
			note.Set("__typename", value.String("Note"))
			note.Set("id", value.String(id))
			note.Set("title", title)
			note.Set("body", body)

			if err := g.ProcessCommand("Note", id, emitcmd.Full(value.ObjectVal(note), true)); err != nil {
				return value.Value{}, fmt.Errorf("notes.create: %w", err)
			}
			return value.ObjectVal(note), nil
		},
	})

	eng.Register(&engine.Handler{
		Path: "notes.watch",
		Kind: engine.KindQuery,
		Validate: func(input value.Value) (value.Value, error) {
			obj := input.AsObject()
			id, _ := obj.Get("id")
			if id.Kind() != value.KindString || id.String() == "" {
				return value.Value{}, fmt.Errorf("notes.watch: id is required")
			}
			return input, nil
		},
		Run: func(_ context.Context, clientID string, input value.Value, _ resolver.EmitFunc, onCleanup resolver.CleanupRegistrar) (value.Value, error) {
			idVal, _ := input.AsObject().Get("id")
			id := idVal.String()

			if err := g.Subscribe(clientID, "Note", id, graph.AllFields()); err != nil {
				return value.Value{}, fmt.Errorf("notes.watch: %w", err)
			}
			onCleanup(func() { g.Unsubscribe(clientID, "Note", id) })

			snapshot, ok := g.Snapshot("Note", id)
			if !ok {
				empty := value.NewObject()
				empty.Set("__typename", value.String("Note"))
				empty.Set("id", idVal)
				return value.ObjectVal(empty), nil
			}
			snapshot.Set("__typename", value.String("Note"))
			return value.ObjectVal(snapshot), nil
		},
	})
}

func runHTTPServer(ctx context.Context, cfg config.Config, wsServer *ws.Server, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":      "healthy",
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"connections": wsServer.ConnectionCount(),
		})
	})

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())
	}

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diagnostics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
