package main

import (
	"context"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/mutker/frothctl/internal/actuator"
	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/broker"
	"codeberg.org/mutker/frothctl/internal/config"
	"codeberg.org/mutker/frothctl/internal/control"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/measurement"
	"codeberg.org/mutker/frothctl/internal/metrics"
	"codeberg.org/mutker/frothctl/internal/pi"
	"codeberg.org/mutker/frothctl/internal/safety"
	"codeberg.org/mutker/frothctl/internal/server"
	"codeberg.org/mutker/frothctl/internal/stream"
	"codeberg.org/mutker/frothctl/internal/telemetry"
	"codeberg.org/mutker/frothctl/internal/vision"
)

const (
	busBufferLocal  = 64
	busBufferRemote = 256
)

type runner interface {
	Run(ctx context.Context) error
}

type app struct {
	client       mqtt.Client
	driver       actuator.Driver
	channel      *measurement.Channel
	bus          *events.Bus
	history      metrics.HistoryCollector
	stream       *stream.Publisher
	orchestrator *control.Orchestrator
	source       runner
	commands     *broker.CommandHandler
	server       *server.Server
}

// build wires the components described by cfg. On error everything opened
// so far is released.
func build(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if cfg.MQTT.Enabled() {
		a.client, err = broker.Connect(ctx, broker.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger.With("mqtt"))
		if err != nil {
			return a, err
		}
	}

	if a.driver, err = newDriver(cfg, a.client); err != nil {
		return a, err
	}

	a.channel = measurement.NewChannel(cfg.Measurement.ChannelCapacity)

	collector := telemetry.New()
	a.bus = events.NewBus(logger.With("events"))
	if err = a.bus.Subscribe("log", events.NewLogSink(logger.With("cycle")), busBufferLocal); err != nil {
		return a, err
	}
	if err = a.bus.Subscribe("prometheus", collector, busBufferLocal); err != nil {
		return a, err
	}

	if a.history, err = metrics.NewService(historyConfig(cfg), logger.With("history")); err != nil {
		return a, err
	}
	if !a.history.IsReadOnly() {
		if err = a.bus.Subscribe("history", a.history, busBufferRemote); err != nil {
			return a, err
		}
	}

	if a.client != nil {
		publisher, perr := broker.NewPublisher(a.client, broker.PublisherConfig{
			EventsTopic: cfg.MQTT.EventsTopic,
			AlertsTopic: cfg.MQTT.AlertsTopic,
			QoS:         byte(cfg.MQTT.QoS),
		}, logger.With("mqtt"))
		if perr != nil {
			return a, perr
		}
		if err = a.bus.Subscribe("mqtt", publisher, busBufferRemote); err != nil {
			return a, err
		}
	}

	if cfg.Kafka.Enabled {
		a.stream, err = stream.NewPublisher(stream.Config{
			Brokers:     cfg.Kafka.Brokers,
			CycleTopic:  cfg.Kafka.CycleTopic,
			AlertTopic:  cfg.Kafka.AlertTopic,
			QueueSize:   cfg.Kafka.QueueSize,
			BatchSize:   cfg.Kafka.BatchSize,
			ClientLabel: cfg.Kafka.ClientLabel,
		}, logger.With("kafka"))
		if err != nil {
			return a, err
		}
		if err = a.bus.Subscribe("kafka", a.stream, busBufferRemote); err != nil {
			return a, err
		}
	}

	classifier, err := loadClassifier(cfg)
	if err != nil {
		return a, err
	}

	a.orchestrator, err = control.New(controlConfig(cfg), control.Deps{
		Measurements: a.channel,
		Classifier:   classifier,
		Driver:       a.driver,
		Sink:         a.bus,
		Logger:       logger.With("control"),
	})
	if err != nil {
		return a, err
	}

	if a.source, err = newSource(cfg, a); err != nil {
		return a, err
	}

	if a.client != nil {
		a.commands, err = broker.NewCommandHandler(a.client, a.orchestrator, broker.CommandConfig{
			CommandTopic:  cfg.MQTT.CommandTopic,
			ResponseTopic: cfg.MQTT.ResponseTopic,
			QoS:           byte(cfg.MQTT.QoS),
		}, logger.With("commands"))
		if err != nil {
			return a, err
		}
	}

	collector.WatchChannel(a.channel.Stats)
	collector.WatchBus(a.bus.Stats)

	if cfg.Server.Enabled {
		deps := server.Deps{
			Surface: a.orchestrator,
			Metrics: collector.Handler(),
			Logger:  logger.With("http"),
		}
		if !a.history.IsReadOnly() {
			deps.History = a.history
		}
		if a.server, err = server.New(server.Config{Address: cfg.Server.Address}, deps); err != nil {
			return a, err
		}
	}

	return a, nil
}

func (a *app) close() {
	if a.driver != nil {
		if err := a.driver.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to release pump driver")
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close history")
		}
	}
	if a.client != nil {
		a.client.Disconnect(250)
	}
}

func newDriver(cfg *config.Config, client mqtt.Client) (actuator.Driver, error) {
	errFactory := errors.New()

	switch cfg.Actuator.Kind {
	case config.ActuatorSim:
		return actuator.NewSimDriver(actuator.FullRange(), cfg.Actuator.DeviceNames()...), nil
	case config.ActuatorPWM:
		d, err := actuator.NewSysfsDriver(actuator.PWMConfig{
			Root:        cfg.Actuator.PWMRoot,
			Chip:        cfg.Actuator.PWMChip,
			Channels:    cfg.Actuator.PWMChannels,
			Devices:     cfg.Actuator.Devices,
			FrequencyHz: cfg.Actuator.FrequencyHz,
		}, logger.With("pwm"))
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.ActuatorMQTT:
		if client == nil {
			return nil, errFactory.WithMessage(errors.ErrMissingConfig, "mqtt actuator needs mqtt.broker")
		}
		d, err := actuator.NewMQTTDriver(client, actuator.MQTTConfig{
			Topic:       cfg.Actuator.Topic,
			DeviceTopic: cfg.Actuator.DeviceTopic,
			Devices:     cfg.Actuator.DeviceNames(),
			QoS:         byte(cfg.MQTT.QoS),
			Timeout:     cfg.Actuator.Timeout,
			Limits:      actuator.FullRange(),
		}, logger.With("pump"))
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, errFactory.WithData(errors.ErrInvalidConfig, "unknown actuator kind "+cfg.Actuator.Kind)
	}
}

func newSource(cfg *config.Config, a *app) (runner, error) {
	errFactory := errors.New()

	switch cfg.Source.Kind {
	case config.SourceSim:
		// The simulated froth responds to the duty the loop last commanded.
		duty := vision.DutyFunc(func() float64 { return a.orchestrator.Status().FinalDuty })
		model := vision.DefaultModel()
		model.MaxBubbles = float64(cfg.Measurement.MaxBubbleCount)
		return vision.NewSimulator(vision.Config{
			Model:    model,
			Interval: cfg.Source.Interval,
			Seed:     cfg.Source.Seed,
		}, duty, a.channel, logger.With("vision"))
	case config.SourceMQTT:
		if a.client == nil {
			return nil, errFactory.WithMessage(errors.ErrMissingConfig, "mqtt source needs mqtt.broker")
		}
		return broker.NewSource(a.client, cfg.Source.Topic, byte(cfg.MQTT.QoS), a.channel, logger.With("vision"))
	default:
		return nil, errFactory.WithData(errors.ErrInvalidConfig, "unknown source kind "+cfg.Source.Kind)
	}
}

// loadClassifier returns the stored baseline, or nil when anomaly gating is
// disabled or no model has been trained yet.
func loadClassifier(cfg *config.Config) (anomaly.Classifier, error) {
	if !cfg.Anomaly.Enabled {
		return nil, nil
	}

	log := logger.With("anomaly")
	if _, err := os.Stat(cfg.Anomaly.ModelPath); os.IsNotExist(err) {
		log.Warn().
			Str("path", cfg.Anomaly.ModelPath).
			Msg("No anomaly model found, verdicts stay normal until one is trained")
		return nil, nil
	}

	baseline, err := anomaly.LoadBaseline(cfg.Anomaly.ModelPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.Anomaly.ModelPath).Msg("Anomaly model loaded")

	return baseline, nil
}

func controlConfig(cfg *config.Config) control.Config {
	c := control.DefaultConfig()
	c.Period = cfg.Control.Interval
	c.ReceiveTimeout = cfg.Control.ReceiveTimeout
	c.Mode = control.Mode(cfg.Control.Mode)
	c.ManualDuty = cfg.Control.ManualDuty
	c.MaxClockSkew = cfg.Control.MaxClockSkew
	c.DeviceDuties = cfg.Actuator.DeviceDuties
	c.MaxBubbleCount = cfg.Measurement.MaxBubbleCount
	c.WindowSize = cfg.Anomaly.WindowSize
	c.Controller = pi.Config{
		Setpoint:       cfg.Control.Setpoint,
		Kp:             cfg.Control.Kp,
		Ki:             cfg.Control.Ki,
		OutputLimits:   pi.Limits{Min: cfg.Control.OutputMin, Max: cfg.Control.OutputMax},
		IntegralLimits: pi.Limits{Min: cfg.Control.IntegralMin, Max: cfg.Control.IntegralMax},
	}
	c.Safety = safety.Config{
		WatchdogTimeout: cfg.Safety.WatchdogTimeout,
		MaxDutyCycle:    cfg.Safety.MaxDutyCycle,
		ResetToken:      cfg.Safety.ResetToken,
	}
	return c
}

func historyConfig(cfg *config.Config) metrics.Config {
	c := metrics.DefaultConfig()
	c.Enabled = cfg.History.Enabled
	c.DBPath = cfg.History.Database
	c.BatchSize = cfg.History.BatchSize
	c.FlushInterval = cfg.History.FlushInterval
	c.Retention = cfg.History.Retention
	c.BackupOnMigrate = cfg.History.BackupOnMigrate
	return c
}

func baselineConfig(cfg *config.Config) anomaly.BaselineConfig {
	return anomaly.BaselineConfig{
		WarningZ:   cfg.Anomaly.WarningZ,
		CriticalZ:  cfg.Anomaly.CriticalZ,
		MinSamples: cfg.Anomaly.MinSamples,
		Recent:     cfg.Anomaly.Recent,
	}
}
