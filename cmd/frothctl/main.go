package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/config"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/metrics"
	"codeberg.org/mutker/frothctl/internal/pidfile"
)

const sinkShutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, logger.IsService())
	logger.Debug().Str("level", cfg.LogLevel).Msg("Config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TrainModel {
		if err := trainModel(ctx, cfg); err != nil {
			logger.Fatal().Err(err).Msg("Failed to train anomaly model")
		}
		return
	}

	pid := pidfile.File{}
	if err := pid.Write(); err != nil {
		if errors.HasCode(err, errors.ErrAlreadyRunning) {
			logger.Fatal().Err(err).Msg("Another frothctl instance is running")
		}
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}

	err = run(ctx, cfg)
	if rmErr := pid.Remove(); rmErr != nil {
		logger.Error().Err(rmErr).Msg("Failed to remove PID file")
	}
	if err != nil {
		logger.Error().Err(err).Msg("frothctl stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

// run starts every component and blocks until ctx is cancelled. Producers
// stop first; the event sinks then drain before the pump is released.
func run(ctx context.Context, cfg *config.Config) error {
	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()

	var sinks errgroup.Group
	sinks.Go(func() error { return app.bus.Run(sinkCtx) })
	if app.stream != nil {
		sinks.Go(func() error { return app.stream.Run(sinkCtx) })
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.orchestrator.Run(gctx) })
	g.Go(func() error {
		err := app.source.Run(gctx)
		app.channel.Close()
		return err
	})
	if app.commands != nil {
		g.Go(func() error { return app.commands.Run(gctx) })
	}
	if app.server != nil {
		g.Go(func() error { return app.server.Run(gctx) })
	}

	logger.Info().
		Str("actuator", cfg.Actuator.Kind).
		Str("source", cfg.Source.Kind).
		Bool("mqtt", cfg.MQTT.Enabled()).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("history", cfg.History.Enabled).
		Msg("frothctl started")

	runErr := g.Wait()
	logger.Info().Msg("Control loop stopped, draining event sinks")

	stopSinks()
	done := make(chan error, 1)
	go func() { done <- sinks.Wait() }()

	select {
	case err := <-done:
		if err != nil && runErr == nil {
			runErr = err
		}
	case <-time.After(sinkShutdownTimeout):
		logger.Warn().Dur("timeout", sinkShutdownTimeout).Msg("Event sinks did not drain in time")
	}

	return runErr
}

// trainModel fits the anomaly baseline on stored history and writes it to
// the configured model path.
func trainModel(ctx context.Context, cfg *config.Config) error {
	errFactory := errors.New()
	log := logger.With("train")

	if !cfg.History.Enabled {
		return errFactory.WithMessage(errors.ErrMissingConfig, "training needs history.enabled")
	}

	history, err := metrics.NewService(historyConfig(cfg), log)
	if err != nil {
		return err
	}
	defer history.Close()

	samples, err := history.TrainingSamples(ctx, cfg.TrainSamples)
	if err != nil {
		return err
	}

	baseline, err := anomaly.NewBaseline(baselineConfig(cfg))
	if err != nil {
		return err
	}
	if err := baseline.Train(samples); err != nil {
		return err
	}
	if err := baseline.Save(cfg.Anomaly.ModelPath); err != nil {
		return err
	}

	log.Info().
		Int("samples", len(samples)).
		Str("path", cfg.Anomaly.ModelPath).
		Msg("Anomaly model trained")

	return nil
}
