package broker

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/operator"
)

const commandQueueSize = 16

type CommandConfig struct {
	CommandTopic  string
	ResponseTopic string
	QoS           byte
}

// CommandHandler answers operator commands received over MQTT. The client
// callback only queues; commands run on the Run goroutine.
type CommandHandler struct {
	client   Client
	surface  operator.Surface
	cfg      CommandConfig
	commands chan operator.Command
	log      logger.Logger
}

func NewCommandHandler(client Client, surface operator.Surface, cfg CommandConfig, log logger.Logger) (*CommandHandler, error) {
	errFactory := errors.New()

	if client == nil || surface == nil {
		return nil, errFactory.New(errors.ErrInvalidArgument)
	}
	if cfg.CommandTopic == "" || cfg.ResponseTopic == "" {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "command and response topics are required")
	}
	if log == nil {
		log = logger.With("mqtt.commands")
	}

	return &CommandHandler{
		client:   client,
		surface:  surface,
		cfg:      cfg,
		commands: make(chan operator.Command, commandQueueSize),
		log:      log,
	}, nil
}

// Run subscribes to the command topic and serves commands until ctx is
// cancelled.
func (h *CommandHandler) Run(ctx context.Context) error {
	errFactory := errors.New()

	token := h.client.Subscribe(h.cfg.CommandTopic, h.cfg.QoS, h.handle)
	if err := waitToken(ctx, token, DefaultConnectTimeout); err != nil {
		return errFactory.Wrap(ErrSubscribeFailed, err)
	}

	h.log.Info().Str("topic", h.cfg.CommandTopic).Msg("Operator command handler started")

	for {
		select {
		case <-ctx.Done():
			h.client.Unsubscribe(h.cfg.CommandTopic)
			h.log.Debug().Msg("Operator command handler stopped")
			return nil
		case cmd := <-h.commands:
			resp := operator.Handle(ctx, h.surface, cmd, "mqtt")
			if resp.Status == operator.StatusError {
				h.log.Warn().
					Str("command", cmd.Command).
					Str("error_code", resp.ErrorCode).
					Msg("Operator command rejected")
			} else {
				h.log.Info().Str("command", cmd.Command).Msg("Operator command applied")
			}
			h.respond(ctx, resp)
		}
	}
}

func (h *CommandHandler) handle(_ mqtt.Client, msg mqtt.Message) {
	var cmd operator.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.log.Warn().Err(err).Msg("Failed to parse operator command")
		h.respond(context.Background(), operator.Response{
			CommandAck: "unknown",
			Status:     operator.StatusError,
			Error:      "invalid JSON",
			ErrorCode:  string(ErrDecodeFailed),
			Timestamp:  time.Now().UTC(),
		})
		return
	}

	select {
	case h.commands <- cmd:
	default:
		h.log.Warn().Str("command", cmd.Command).Msg("Command queue full, dropping command")
		h.respond(context.Background(), operator.Response{
			ID:         cmd.ID,
			CommandAck: cmd.Command,
			Status:     operator.StatusError,
			Error:      "command queue full",
			ErrorCode:  string(errors.ErrUnavailable),
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (h *CommandHandler) respond(ctx context.Context, resp operator.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode command response")
		return
	}

	token := h.client.Publish(h.cfg.ResponseTopic, h.cfg.QoS, false, payload)
	if err := waitToken(ctx, token, DefaultPublishTimeout); err != nil {
		h.log.Warn().Err(err).Msg("Failed to publish command response")
	}
}
