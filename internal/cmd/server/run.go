package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rzbill/herald/internal/broker"
	cfgpkg "github.com/rzbill/herald/internal/config"
	"github.com/rzbill/herald/internal/metrics"
	httpserver "github.com/rzbill/herald/internal/server/http"
	logpkg "github.com/rzbill/herald/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := func() string { return getenv(key) }(); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	HTTPAddr string
	DataDir  string
	Config   cfgpkg.Config
}

// Run starts the broker and HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context
	// or if signal delivery needs to be observed here. We layer a
	// local signal context over the provided one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}

	// Build process-wide logger using env/ApplyConfig; defaults: level=info, format=text
	logCfg := &logpkg.Config{
		Level:  getenvDefault("HERALD_LOG_LEVEL", cfg.LogLevel),
		Format: getenvDefault("HERALD_LOG_FORMAT", cfg.LogFormat),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		// Fallback to a sane default
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(logCfg.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	bc, err := cfg.BrokerConfig()
	if err != nil {
		return err
	}
	reg := metrics.New()
	b := broker.New(bc, broker.Options{Logger: procLogger, Metrics: reg})
	if err := b.Connect(sctx); err != nil {
		return err
	}
	defer func() { _ = b.Disconnect(context.Background()) }()

	procLogger.Info("Starting Herald server",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("transport", string(bc.DefaultTransport)),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	hsrv := httpserver.New(b, reg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http error", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// Shut the HTTP surface down before disconnecting the broker so in-flight
	// requests never observe closed backend connections.
	hsrv.Close()
	wg.Wait()
	return nil
}
