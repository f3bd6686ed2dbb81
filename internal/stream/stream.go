// Package stream mirrors cycle events and alerts onto Kafka topics for
// plant historians and downstream analytics.
package stream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/logger"
)

const (
	DefaultQueueSize = 256
	DefaultBatchSize = 50
	writeTimeout     = 10 * time.Second
	drainTimeout     = 5 * time.Second
)

type Config struct {
	Brokers     []string
	CycleTopic  string
	AlertTopic  string
	QueueSize   int
	BatchSize   int
	ClientLabel string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stats are the publisher counters
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

// Publisher is an events.Sink backed by a bounded queue and a single
// writer goroutine. Publishing never waits on Kafka: a full queue drops
// the event.
type Publisher struct {
	cfg    Config
	writer messageWriter
	queue  chan kafka.Message
	log    logger.Logger

	running atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewPublisher(cfg Config, log logger.Logger) (*Publisher, error) {
	errFactory := errors.New()

	if len(cfg.Brokers) == 0 {
		return nil, errFactory.WithData(errors.ErrInvalidConfig, "at least one kafka broker is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              batchSize(cfg),
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: false,
	}

	return newPublisherWithWriter(cfg, writer, log)
}

func newPublisherWithWriter(cfg Config, writer messageWriter, log logger.Logger) (*Publisher, error) {
	errFactory := errors.New()

	if writer == nil {
		return nil, errFactory.New(errors.ErrInvalidArgument)
	}
	if cfg.CycleTopic == "" && cfg.AlertTopic == "" {
		return nil, errFactory.WithData(errors.ErrInvalidConfig, "no kafka topic configured")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ClientLabel == "" {
		cfg.ClientLabel = "frothctl"
	}
	if log == nil {
		log = logger.With("kafka")
	}

	return &Publisher{
		cfg:    cfg,
		writer: writer,
		queue:  make(chan kafka.Message, cfg.QueueSize),
		log:    log,
	}, nil
}

func batchSize(cfg Config) int {
	if cfg.BatchSize > 0 {
		return cfg.BatchSize
	}
	return DefaultBatchSize
}

func (p *Publisher) PublishCycle(_ context.Context, ev events.CycleEvent) error {
	if p.cfg.CycleTopic == "" {
		return nil
	}
	return p.enqueue(p.cfg.CycleTopic, p.cfg.ClientLabel, ev.Timestamp, ev)
}

func (p *Publisher) PublishAlert(_ context.Context, a events.Alert) error {
	if p.cfg.AlertTopic == "" {
		return nil
	}
	return p.enqueue(p.cfg.AlertTopic, string(a.Kind), a.Timestamp, a)
}

func (p *Publisher) enqueue(topic, key string, ts time.Time, v interface{}) error {
	errFactory := errors.New()

	value, err := json.Marshal(v)
	if err != nil {
		p.failed.Add(1)
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(p.cfg.ClientLabel)},
		},
	}

	select {
	case p.queue <- msg:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.log.Warn().
				Str("topic", topic).
				Uint64("dropped", p.dropped.Load()).
				Msg("Kafka queue full, dropping events")
		}
	}

	return nil
}

// Run writes queued messages in batches until ctx is cancelled, then
// drains what is left and closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	errFactory := errors.New()

	if !p.running.CompareAndSwap(false, true) {
		return errFactory.New(errors.ErrAlreadyRunning)
	}

	p.log.Info().
		Str("cycle_topic", p.cfg.CycleTopic).
		Str("alert_topic", p.cfg.AlertTopic).
		Msg("Kafka publisher started")

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			p.drain(drainCtx)
			cancel()

			if err := p.writer.Close(); err != nil {
				p.log.Error().Err(err).Msg("Failed to close kafka writer")
				return errFactory.Wrap(errors.ErrShutdownFailed, err)
			}
			p.log.Info().Msg("Kafka publisher stopped")
			return nil
		case msg := <-p.queue:
			p.write(ctx, p.collect(msg))
		}
	}
}

// collect gathers msg plus whatever is already queued, up to a batch.
func (p *Publisher) collect(msg kafka.Message) []kafka.Message {
	batch := []kafka.Message{msg}
	limit := batchSize(p.cfg)
	for len(batch) < limit {
		select {
		case next := <-p.queue:
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (p *Publisher) drain(ctx context.Context) {
	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, p.collect(msg))
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, batch []kafka.Message) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, batch...); err != nil {
		p.failed.Add(uint64(len(batch)))
		p.log.Warn().
			Err(err).
			Int("batch", len(batch)).
			Msg("Failed to write events to kafka")
		return
	}
	p.written.Add(uint64(len(batch)))
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Written: p.written.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
		Queued:  len(p.queue),
	}
}
