// Command lyeriaserver is the main entry point for the Lyeria room server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/lyeria/internal/config"
	"github.com/MrWong99/lyeria/internal/generator"
	"github.com/MrWong99/lyeria/internal/observe"
	"github.com/MrWong99/lyeria/internal/roommanager"
	transporthttp "github.com/MrWong99/lyeria/internal/transport/http"
	"github.com/MrWong99/lyeria/internal/transport/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lyeriaserver: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lyeriaserver starting",
		"listen_addr", cfg.ListenAddr,
		"log_level", cfg.LogLevel,
		"app_env", cfg.AppEnv,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.AppName,
	})
	if err != nil {
		slog.Error("failed to initialise observability providers", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(shutdownCtx); err != nil {
			slog.Error("observability shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Room manager ───────────────────────────────────────────────────────────
	mgr := roommanager.New(roommanager.Options{
		GeneratorConfig: generator.Config{
			UseMock: cfg.UseMockGenerator || cfg.GeminiAPIKey == "",
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
		},
		ReservationTTL: cfg.ReservationTTL,
		IdleTimeout:    cfg.RoomIdleTimeout,
	})
	mgr.StartReaper()
	defer mgr.StopReaper()

	printStartupSummary(cfg)

	// ── HTTP + WebSocket routing ───────────────────────────────────────────────
	router := chi.NewRouter()
	httpDeps := transporthttp.Deps{
		Manager:     mgr,
		Metrics:     metrics,
		TokenSecret: []byte(cfg.TokenSecret),
		TokenTTL:    cfg.TokenTTL,
		CORSOrigins: cfg.CORSOrigins,
	}
	router.Mount("/", transporthttp.NewRouter(httpDeps))
	ws.Mount(router, ws.Deps{
		Manager:     mgr,
		Metrics:     metrics,
		TokenSecret: []byte(cfg.TokenSecret),
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server ready, press Ctrl+C to shut down")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping...")
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	if err := mgr.CloseAll(shutdownCtx); err != nil {
		slog.Error("room manager shutdown error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        lyeria — startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.ListenAddr)
	fmt.Printf("║  App env         : %-19s ║\n", cfg.AppEnv)
	fmt.Printf("║  Mock generator  : %-19t ║\n", cfg.UseMockGenerator || cfg.GeminiAPIKey == "")
	fmt.Printf("║  Gemini model    : %-19s ║\n", cfg.GeminiModel)
	fmt.Printf("║  Token TTL       : %-19s ║\n", cfg.TokenTTL)
	fmt.Printf("║  Reservation TTL : %-19s ║\n", cfg.ReservationTTL)
	fmt.Printf("║  Room idle TO    : %-19s ║\n", cfg.RoomIdleTimeout)
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
