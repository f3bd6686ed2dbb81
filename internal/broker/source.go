package broker

import (
	"context"
	"encoding/json"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/measurement"
)

// Sender accepts measurements without blocking
type Sender interface {
	Send(m measurement.Measurement) bool
}

// SourceStats counts what arrived on the measurement topic
type SourceStats struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
}

// Source feeds vision measurements from an MQTT topic into the channel.
// Decoding happens in the client callback; validation is left to the
// control loop so that bad frames surface as sensor faults.
type Source struct {
	client Client
	topic  string
	qos    byte
	out    Sender
	log    logger.Logger

	received  atomic.Uint64
	malformed atomic.Uint64
}

func NewSource(client Client, topic string, qos byte, out Sender, log logger.Logger) (*Source, error) {
	errFactory := errors.New()

	if client == nil || out == nil {
		return nil, errFactory.New(errors.ErrInvalidArgument)
	}
	if topic == "" {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "measurement topic is required")
	}
	if log == nil {
		log = logger.With("source")
	}

	return &Source{
		client: client,
		topic:  topic,
		qos:    qos,
		out:    out,
		log:    log,
	}, nil
}

// Run subscribes and blocks until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	errFactory := errors.New()

	token := s.client.Subscribe(s.topic, s.qos, s.handle)
	if err := waitToken(ctx, token, DefaultConnectTimeout); err != nil {
		return errFactory.Wrap(ErrSubscribeFailed, err)
	}

	s.log.Info().Str("topic", s.topic).Msg("Subscribed to measurement topic")

	<-ctx.Done()

	s.client.Unsubscribe(s.topic)
	s.log.Debug().Msg("Measurement source stopped")

	return nil
}

func (s *Source) handle(_ mqtt.Client, msg mqtt.Message) {
	var m measurement.Measurement
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		s.malformed.Add(1)
		s.log.Warn().
			Err(err).
			Str("topic", msg.Topic()).
			Msg("Discarding malformed measurement")
		return
	}

	s.received.Add(1)
	if !s.out.Send(m) {
		s.log.Debug().Msg("Measurement channel closed, dropping measurement")
	}
}

func (s *Source) Stats() SourceStats {
	return SourceStats{
		Received:  s.received.Load(),
		Malformed: s.malformed.Load(),
	}
}
