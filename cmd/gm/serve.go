package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gmhub/gm/internal/agent"
	"github.com/gmhub/gm/internal/config"
	"github.com/gmhub/gm/internal/dispatch"
	"github.com/gmhub/gm/internal/httpapi"
	"github.com/gmhub/gm/internal/logging"
	"github.com/gmhub/gm/internal/session"
	db "github.com/gmhub/gm/internal/store"
	"github.com/gmhub/gm/internal/synchub"
	"github.com/gmhub/gm/internal/timeout"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	claudeModel := fs.String("claude-model", "", "model override passed to the claude-code CLI")
	geminiModel := fs.String("gemini-model", "", "model override passed to the gemini-cli CLI")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("migrate database: %w", err)
	}

	store := db.NewStore(sqlDB)
	sessions := session.NewRegistry()
	defer sessions.Close()

	agents := agent.NewRegistry()
	agents.Register("claude-code", func() agent.Runner { return agent.NewClaudeCodeRunner(*claudeModel) })
	agents.Register("gemini-cli", func() agent.Runner { return agent.NewGeminiCLIRunner(*geminiModel) })

	hub := synchub.New()
	timeouts := timeout.New()
	disp := dispatch.New(store, sessions, agents, hub, timeouts)

	api := httpapi.New(store, sessions, disp, hub, cfg.BaseURL)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("listen: %w", err)
	}

	logging.PrintBanner(version, cfg.Addr())
	logging.PrintAccessURL(cfg.Addr(), cfg.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("server listening", "addr", cfg.Addr(), "baseURL", cfg.BaseURL)
	if err := server.Serve(ln); err != http.ErrServerClosed {
		_ = sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	if _, err := sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = sqlDB.Close()
	return nil
}
