package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gpuschedd/internal/config"
	"gpuschedd/internal/executor"
	"gpuschedd/internal/gpumon"
	"gpuschedd/internal/httpapi"
	"gpuschedd/internal/scheduler"
	"gpuschedd/internal/scriptparse"
)

func main() {
	// Flags with environment variable defaults
	defaultAddr := ":8080"
	if v := os.Getenv("GPUSCHEDD_ADDR"); v != "" {
		defaultAddr = v
	}
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. :8080")
	configPath := flag.String("config", os.Getenv("GPUSCHEDD_CONFIG"), "Optional config file (.yaml, .json or .toml)")
	retrySec := flag.Int("retry-interval", 5, "Seconds to wait before retrying a task when no GPU is idle")
	idleSec := flag.Int("idle-interval", 1, "Seconds to sleep when the backlog is empty")
	errorSec := flag.Int("error-interval", 5, "Seconds to pause the loop after an unexpected error")
	pythonBin := flag.String("python-bin", "", "Interpreter for Python scripts (default python)")
	shellBin := flag.String("shell-bin", "", "Interpreter for shell scripts (default bash)")
	graceSec := flag.Int("grace-seconds", 10, "Seconds between SIGTERM and SIGKILL when stopping a script")
	concurrent := flag.Bool("concurrent", false, "Run admitted tasks in parallel instead of one at a time")
	corsEnabled := flag.Bool("cors", false, "Enable CORS middleware")
	corsOrigins := flag.String("cors-origins", "*", "Comma-separated allowed CORS origins")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	// Optional config file; explicitly set flags win over file values.
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["addr"] && cfg.Addr != "" {
			*addr = cfg.Addr
		}
		if !set["retry-interval"] && cfg.RetryInterval > 0 {
			*retrySec = cfg.RetryInterval
		}
		if !set["idle-interval"] && cfg.IdleInterval > 0 {
			*idleSec = cfg.IdleInterval
		}
		if !set["error-interval"] && cfg.ErrorInterval > 0 {
			*errorSec = cfg.ErrorInterval
		}
		if !set["python-bin"] && cfg.PythonBin != "" {
			*pythonBin = cfg.PythonBin
		}
		if !set["shell-bin"] && cfg.ShellBin != "" {
			*shellBin = cfg.ShellBin
		}
		if !set["grace-seconds"] && cfg.GraceSeconds > 0 {
			*graceSec = cfg.GraceSeconds
		}
		if !set["concurrent"] && cfg.Concurrent {
			*concurrent = true
		}
		if !set["cors"] && cfg.CORSEnabled {
			*corsEnabled = true
		}
		if !set["cors-origins"] && cfg.CORSOrigins != "" {
			*corsOrigins = cfg.CORSOrigins
		}
		if !set["log-level"] && cfg.LogLevel != "" {
			*logLevel = cfg.LogLevel
		}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(*logLevel))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(lvl)
	httpapi.SetLogger(logger)

	mon := gpumon.New(gpumon.NewNVMLQuerier(), logger)
	defer mon.Close()
	parser := scriptparse.New(logger)
	exec := executor.New(executor.Config{
		PythonBin:   *pythonBin,
		ShellBin:    *shellBin,
		GracePeriod: time.Duration(*graceSec) * time.Second,
		Logger:      logger,
	})
	sched := scheduler.New(scheduler.Config{
		Monitor:             mon,
		Parser:              parser,
		Runner:              exec,
		RetryInterval:       time.Duration(*retrySec) * time.Second,
		IdleInterval:        time.Duration(*idleSec) * time.Second,
		ErrorInterval:       time.Duration(*errorSec) * time.Second,
		ConcurrentExecution: *concurrent,
		Logger:              logger,
	})
	sched.Start()

	httpapi.SetCORSOptions(*corsEnabled, splitCSV(*corsOrigins),
		[]string{"GET", "POST", "OPTIONS"},
		[]string{"Accept", "Content-Type", "X-Log-Level"})

	mux := httpapi.NewMux(sched)
	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		logger.Info().Str("addr", *addr).Msg("gpuschedd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	sched.Stop()
	exec.KillAll()
}

// splitCSV splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
