// Command laika runs the correlation and rule-evaluation engine against a
// YAML configuration file, wiring its configured sources, targets, and
// rules into a running Dispatcher until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-laika/laika/pkg/laika"
	"github.com/go-laika/laika/pkg/laika/config"
	"github.com/go-laika/laika/pkg/laika/control"
	"github.com/go-laika/laika/pkg/laika/dispatcher"
	"github.com/go-laika/laika/pkg/laika/laikaerr"
	"github.com/go-laika/laika/pkg/laika/observability"
	"github.com/go-laika/laika/pkg/laika/sources"
	"github.com/go-laika/laika/pkg/laika/store"
	"github.com/go-laika/laika/pkg/laika/targets"
)

// Exit codes: 0 on clean shutdown, non-zero otherwise.
// ConfigError failures get their own code so a deployment script can tell
// "bad config" apart from "crashed while running".
const (
	exitSuccess     = 0
	exitRuntimeErr  = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var storePath string
	var deadLetterCap int

	cmd := &cobra.Command{
		Use:           "laika",
		Short:         "Run the Laika correlation and rule-evaluation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), configPath, storePath, deadLetterCap)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the engine's YAML configuration file (required)")
	cmd.Flags().StringVar(&storePath, "store", "", "path to a SQLite context store file; empty uses an in-memory store")
	cmd.Flags().IntVar(&deadLetterCap, "dead-letter-capacity", 1000, "number of parked deliveries the in-memory dead-letter sink retains")
	_ = cmd.MarkFlagRequired("config")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		var cfgErr *laikaerr.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, "config error:", err)
			return exitConfigError
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitRuntimeErr
	}
	return exitSuccess
}

// runEngine loads configuration, wires every component, and runs the
// Dispatcher until ctx is cancelled (SIGINT/SIGTERM) or a worker stops on
// a permanent store error. A source that fails is logged and does not stop
// the engine.
func runEngine(ctx context.Context, configPath, storePath string, deadLetterCap int) error {
	logger := slog.Default()

	cfg, err := config.LoadLaikaConfig(configPath)
	if err != nil {
		return err
	}

	eventTypes, err := buildEventTypes(cfg)
	if err != nil {
		return err
	}
	rules, err := compileRules(cfg)
	if err != nil {
		return err
	}
	targetMap, err := buildTargets(cfg)
	if err != nil {
		return err
	}
	srcs, err := buildSources(cfg)
	if err != nil {
		return err
	}

	var st store.Store
	if storePath != "" {
		st, err = store.NewSQLiteStore(storePath)
		if err != nil {
			return &laikaerr.StoreError{Op: "open", Err: err, Permanent: true}
		}
	} else {
		st = store.NewMemoryStore()
	}
	defer st.Close()

	sourceDefaults := make(map[string]laika.Classifier, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sourceDefaults[src.Name] = src.DefaultClassifier
	}

	d := dispatcher.New(dispatcher.Config{
		EventTypes:               eventTypes,
		Rules:                    rules,
		Store:                    st,
		Targets:                  targetMap,
		DeadLetter:               targets.NewInMemoryDeadLetter(deadLetterCap),
		SourceDefaultClassifiers: sourceDefaults,
		NumWorkers:               cfg.NumWorkers,
		Logger:                   logger,
		Metrics:                  observability.NewMetricsRecorder(),
		Tracer:                   observability.NewSpanManager(),
	})

	for _, src := range srcs {
		go runSource(ctx, logger, d, src)
	}

	sweeper := control.NewSweeper(st, cfg.TimeToIdle, cfg.SweepInterval, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("time-to-idle sweeper stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("laika engine starting", slog.Int("sources", len(srcs)), slog.Int("rules", len(rules)), slog.Int("targets", len(targetMap)))
	err = d.Run(ctx)
	<-d.Done()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("laika engine stopped")
	return nil
}

// runSource feeds one Source's records into the Dispatcher until ctx is
// cancelled, logging (and dropping) any record the Dispatcher can't match.
func runSource(ctx context.Context, logger *slog.Logger, d *dispatcher.Dispatcher, src sources.Source) {
	out := make(chan *laika.Record, 64)
	go func() {
		if err := src.Run(ctx, out); err != nil {
			logger.Error("source stopped with error", slog.String("source", src.Name()), slog.String("error", err.Error()))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-out:
			if err := d.Ingest(rec); err != nil {
				logger.Debug("ingest dropped record", slog.String("source", src.Name()), slog.String("error", err.Error()))
			}
		}
	}
}
