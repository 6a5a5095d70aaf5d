package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/internal/admin"
	"github.com/always-cache/offline-cache/internal/config"
	"github.com/always-cache/offline-cache/internal/obs"
	"github.com/always-cache/offline-cache/lifecycle"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	portFlag           int
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string
	installRetryFlag   time.Duration

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the application")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", config.DefaultDB, "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.DurationVar(&installRetryFlag, "install-retry", 30*time.Second, "Interval between install attempts while the app shell cannot be fetched")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	// flags given on the command line win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			cfg.Origin = originFlag
		case "db":
			cfg.DB = dbFilenameFlag
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	if installRetryFlag <= 0 {
		log.Fatal().Dur("install-retry", installRetryFlag).Msg("Install retry interval must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := obs.SetupTracing(ctx, "offline-cache", cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	// set up sqlite memory provider
	dbFilename := cfg.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	provider, err := cache.NewSQLiteProvider(dbFilename)
	if err != nil {
		return err
	}
	defer provider.Close()

	origin := cfg.OriginURL()
	storage := cache.NewStorage(provider)
	network := fetch.NewHTTPFetcher(origin, nil)
	metrics := obs.NewMetrics()

	controller, err := offlinecache.New(offlinecache.Config{
		CacheName:    cfg.CacheName,
		AppShell:     cfg.AppShell,
		Scope:        *origin,
		SkipWaiting:  cfg.SkipWaiting,
		ClaimClients: cfg.ClaimClients,
		Storage:      storage,
		Network:      network,
		Logger:       &log.Logger,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	host := lifecycle.NewHost(ctx, network, &log.Logger)
	go register(ctx, host, controller)

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))
	r.Mount("/_offline", admin.NewRouter(storage, host, log.Logger))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Handle("/*", offlinecache.Handler(host, origin, &log.Logger))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: r,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Serving %s on port %v with cache %s", origin.String(), portFlag, cfg.CacheName)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server gracefully")
		}
	}

	// pending write-backs finish before the database is closed
	host.Wait()
	controller.Wait()
	return nil
}

// register installs the controller, retrying until it succeeds or ctx is done.
// Until then requests go straight to the origin.
func register(ctx context.Context, host *lifecycle.Host, controller *offlinecache.Controller) {
	ticker := time.NewTicker(installRetryFlag)
	defer ticker.Stop()
	for {
		w, err := host.Register(ctx, controller)
		if err == nil {
			log.Info().Str("worker", w.ID).Str("state", string(w.State())).Msg("Controller registered")
			return
		}
		log.Warn().Err(err).Dur("retry", installRetryFlag).Msg("Install failed, serving from origin until retry")
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
