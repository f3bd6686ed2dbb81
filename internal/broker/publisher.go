package broker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/logger"
)

type PublisherConfig struct {
	EventsTopic string
	AlertsTopic string
	QoS         byte
	Timeout     time.Duration
}

// Publisher is an events.Sink that forwards cycle events and alerts as
// JSON. Alerts are retained so a late subscriber sees the latest one.
type Publisher struct {
	client Client
	cfg    PublisherConfig
	log    logger.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewPublisher(client Client, cfg PublisherConfig, log logger.Logger) (*Publisher, error) {
	errFactory := errors.New()

	if client == nil {
		return nil, errFactory.New(errors.ErrInvalidArgument)
	}
	if cfg.EventsTopic == "" && cfg.AlertsTopic == "" {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "no topic configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPublishTimeout
	}
	if log == nil {
		log = logger.With("mqtt")
	}

	return &Publisher{client: client, cfg: cfg, log: log}, nil
}

func (p *Publisher) PublishCycle(ctx context.Context, ev events.CycleEvent) error {
	if p.cfg.EventsTopic == "" {
		return nil
	}
	return p.publish(ctx, p.cfg.EventsTopic, false, ev)
}

func (p *Publisher) PublishAlert(ctx context.Context, a events.Alert) error {
	if p.cfg.AlertsTopic == "" {
		return nil
	}
	return p.publish(ctx, p.cfg.AlertsTopic, true, a)
}

func (p *Publisher) publish(ctx context.Context, topic string, retained bool, v interface{}) error {
	errFactory := errors.New()

	payload, err := json.Marshal(v)
	if err != nil {
		p.failed.Add(1)
		return errFactory.Wrap(ErrPublishFailed, err)
	}

	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if err := waitToken(ctx, token, p.cfg.Timeout); err != nil {
		p.failed.Add(1)
		p.log.Debug().Err(err).Str("topic", topic).Msg("Publish failed")
		return err
	}

	p.published.Add(1)
	return nil
}

// Counts returns how many messages were published and how many failed.
func (p *Publisher) Counts() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}
