// Package metrics keeps the cycle history in SQLite. It is fed as an
// events.Sink and read back for status queries and classifier training.
package metrics

import (
	"context"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/measurement"
)

type service struct {
	repo HistoryRepository
	cfg  Config
	log  logger.Logger
}

// No-op implementation
type noopHistoryCollector struct{}

func NewService(cfg Config, log logger.Logger) (HistoryCollector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if log == nil {
		log = logger.With("history")
	}

	// If history is disabled, return a no-op collector
	if !cfg.Enabled {
		log.Debug().Msg("History collection disabled, using no-op collector")
		return &noopHistoryCollector{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create history repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("History service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
		log:  log,
	}, nil
}

func (s *service) PublishCycle(ctx context.Context, ev events.CycleEvent) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.RecordCycle(cycleRecordFromEvent(ev)); err != nil {
			return errFactory.Wrap(ErrHistoryCollection, err)
		}
	}

	return nil
}

func (s *service) PublishAlert(ctx context.Context, a events.Alert) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		rec := &AlertRecord{
			ID:        a.ID,
			Timestamp: a.Timestamp,
			Level:     string(a.Level),
			Kind:      string(a.Kind),
			Message:   a.Message,
		}
		if err := s.repo.RecordAlert(rec); err != nil {
			return errFactory.Wrap(ErrHistoryCollection, err)
		}
	}

	return nil
}

func (s *service) Recent(ctx context.Context, limit int) ([]CycleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New().Wrap(ErrOperationTimeout, err)
	}
	return s.repo.Recent(limit)
}

// TrainingSamples returns the measurements of the most recent limit cycles,
// oldest first.
func (s *service) TrainingSamples(ctx context.Context, limit int) ([]measurement.Measurement, error) {
	records, err := s.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}

	samples := make([]measurement.Measurement, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if m, ok := records[i].Measurement(); ok {
			samples = append(samples, m)
		}
	}

	s.log.Debug().
		Int("cycles", len(records)).
		Int("samples", len(samples)).
		Msg("Loaded training samples")

	return samples, nil
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, errors.New().Wrap(ErrOperationTimeout, err)
	}
	return s.repo.Stats()
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*service) IsReadOnly() bool {
	return false
}

// No-op implementation
func (*noopHistoryCollector) PublishCycle(context.Context, events.CycleEvent) error {
	return nil
}

func (*noopHistoryCollector) PublishAlert(context.Context, events.Alert) error {
	return nil
}

func (*noopHistoryCollector) Recent(context.Context, int) ([]CycleRecord, error) {
	return nil, nil
}

func (*noopHistoryCollector) TrainingSamples(context.Context, int) ([]measurement.Measurement, error) {
	return nil, nil
}

func (*noopHistoryCollector) Stats(context.Context) (Stats, error) {
	return Stats{}, nil
}

func (*noopHistoryCollector) Close() error {
	return nil
}

func (*noopHistoryCollector) IsReadOnly() bool {
	return true
}
