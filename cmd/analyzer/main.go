// Command analyzer uploads a resume and a job description, drives one
// analysis run against the remote backend and prints the final report as
// JSON on stdout, with progress on stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/resume-fit-pipeline/internal/adapter/api"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/adapter/session"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/config"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/domain"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/observability"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/pipeline"
)

func main() {
	if err := run(); err != nil {
		slog.Error("analyzer failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg)

	resumePath := flag.String("resume", "", "path to the resume PDF")
	jdPath := flag.String("jd", "", "path to the job description PDF")
	flag.Parse()
	if *resumePath == "" || *jdPath == "" {
		flag.Usage()
		return fmt.Errorf("both -resume and -jd are required")
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	sessions := session.New(cfg)
	client := api.New(cfg)
	ctrl := pipeline.New(sessions, client, cfg)

	ctrl.Subscribe(func(st domain.ProgressState) {
		if st.Terminal() {
			return
		}
		fmt.Fprintf(os.Stderr, "[%3d%%] %-28s %s\n", st.Progress, st.CurrentStatus, st.Message)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctrl.Cancel()
	}()

	if cfg.IsDev() {
		if err := client.Health(ctx); err != nil {
			slog.Warn("backend health probe failed", slog.Any("error", err))
		}
	}

	sess, err := sessions.Session(ctx)
	if err != nil {
		return err
	}
	up, err := client.Upload(ctx, sess.AccessToken, *resumePath, *jdPath)
	if err != nil {
		return err
	}

	st, err := ctrl.Start(context.Background(), up)
	if err != nil {
		if st.Error != "" {
			fmt.Fprintln(os.Stderr, st.Error)
		}
		return err
	}

	out, err := json.MarshalIndent(st.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func setupLogger(cfg config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.IsProd() {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func serveMetrics(addr string) {
	reg := prometheus.NewRegistry()
	observability.Register(reg)
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	slog.Info("metrics listener started", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Warn("metrics listener stopped", slog.Any("error", err))
	}
}
