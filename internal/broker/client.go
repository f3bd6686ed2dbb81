// Package broker connects the controller to an MQTT broker: measurements
// come in from the vision pipeline, cycle events and alerts go out, and
// operator commands are answered on a request/response topic pair.
package broker

import (
	"context"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 2 * time.Second
)

// Client is the part of mqtt.Client the broker components use
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Connect dials the broker with automatic reconnection. The initial
// connection must succeed within ConnectTimeout.
func Connect(ctx context.Context, cfg Config, log logger.Logger) (mqtt.Client, error) {
	errFactory := errors.New()

	if cfg.Broker == "" {
		return nil, errFactory.WithData(errors.ErrMissingConfig, "mqtt broker")
	}
	if log == nil {
		log = logger.With("mqtt")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "frothctl-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)

	opts.OnConnect = func(mqtt.Client) {
		log.Info().
			Str("broker", broker).
			Str("client_id", cfg.ClientID).
			Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().
			Err(err).
			Str("broker", broker).
			Msg("MQTT connection lost, reconnecting")
	}

	client := mqtt.NewClient(opts)

	log.Debug().Str("broker", broker).Msg("Connecting to MQTT broker")

	token := client.Connect()
	if err := waitToken(ctx, token, cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		if errors.HasCode(err, ErrPublishTimeout) {
			return nil, errFactory.WithData(ErrConnectTimeout, broker)
		}
		return nil, errFactory.Wrap(ErrConnectFailed, err)
	}

	return client, nil
}

// waitToken waits for token, the timeout or ctx, whichever comes first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	errFactory := errors.New()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errFactory.Wrap(ErrPublishFailed, err)
		}
		return nil
	case <-timer.C:
		return errFactory.New(ErrPublishTimeout)
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrShutdown, ctx.Err())
	}
}
