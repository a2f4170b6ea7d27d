// Command sift runs the ingest engine: it walks the configured
// collections, expands and digests what it finds, and publishes the
// resulting documents to the index.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/siftlab/sift/config"
	"github.com/siftlab/sift/engine"
	"github.com/siftlab/sift/index"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/pipeline"
	"github.com/siftlab/sift/version"
	"github.com/siftlab/sift/worker"

	_ "github.com/siftlab/sift/blob/local"
	_ "github.com/siftlab/sift/blob/s3"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configFile  = flag.String("config", "", "path to config file (default: search config.{yml,yaml,json})")
		once        = flag.Bool("once", false, "exit once every task has reached a terminal state")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}

	if err := run(*configFile, *once); err != nil {
		fmt.Fprintln(os.Stderr, "sift:", err)
		os.Exit(1)
	}
}

func run(configFile string, once bool) error {
	var opts []config.LoaderOption
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}

	var cfg config.Config
	if err := config.Load(&cfg, opts...); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyDefaults()

	log := logger.New(&cfg.Logging, cfg.Name)
	log.Info("starting", logger.Fields(
		"version", version.Get().String(),
		"environment", cfg.Environment,
		"collections", len(cfg.Collections),
	))

	pub, err := index.NewHTTP(cfg.Index, log)
	if err != nil {
		return fmt.Errorf("index publisher: %w", err)
	}

	funcs := worker.NewRegistry()
	if err := pipeline.New(pub, log).Register(funcs); err != nil {
		return err
	}

	eng, err := engine.New(cfg, funcs, log, engine.WithPublisher(pub))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	if once {
		waitForCompletion(ctx, eng, log)
	} else {
		log.Info("running, waiting for shutdown signal")
		<-ctx.Done()
	}

	log.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		return err
	}

	reportHealth(stopCtx, eng, log)
	return nil
}

// waitForCompletion polls until every record across all collections is
// terminal, or the context is canceled by a signal.
func waitForCompletion(ctx context.Context, eng *engine.Engine, log *logger.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := eng.ProcessingComplete(ctx)
			if err != nil {
				log.Error("completion check failed", logger.ErrorFields("engine", err))
				continue
			}
			if done {
				log.Info("all tasks terminal")
				return
			}
		}
	}
}

func reportHealth(ctx context.Context, eng *engine.Engine, log *logger.Logger) {
	for _, h := range eng.Health(ctx) {
		fields := logger.Fields("status", string(h.Status), "message", h.Message)
		if h.Status == engine.StatusHealthy {
			log.Info(h.Name, fields)
		} else {
			log.Warn(h.Name, fields)
		}
	}
}
