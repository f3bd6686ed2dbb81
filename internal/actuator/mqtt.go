package actuator

import (
	"context"
	"encoding/json"
	"math"
	"path"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
)

const (
	defaultPublishTimeout = 2 * time.Second
	DefaultDeviceTopic    = "frothctl/devices"
)

// Publisher is the part of mqtt.Client the remote pump driver needs
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig describes a remote pump controller reached over MQTT.
// Each named device is commanded on DeviceTopic/<name>.
type MQTTConfig struct {
	Topic       string
	DeviceTopic string
	Devices     []string
	QoS         byte
	Timeout     time.Duration
	Limits      Limits
}

// MQTTDriver hands the duty cycle to a pump controller on another host.
// A command counts as applied once the broker acknowledges it.
type MQTTDriver struct {
	client  Publisher
	cfg     MQTTConfig
	duty    float64
	devices map[string]float64
	closed  bool
	mu      sync.Mutex
	logger  logger.Logger
}

type dutyCommand struct {
	DutyCycle float64   `json:"duty_cycle"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMQTTDriver(client Publisher, cfg MQTTConfig, log logger.Logger) (*MQTTDriver, error) {
	errFactory := errors.New()

	if client == nil {
		return nil, errFactory.New(ErrNotInitialized)
	}
	if cfg.Topic == "" {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "pump topic is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = FullRange()
	}

	if cfg.DeviceTopic == "" {
		cfg.DeviceTopic = DefaultDeviceTopic
	}

	devices := make(map[string]float64, len(cfg.Devices))
	for _, name := range cfg.Devices {
		if name == "" {
			return nil, errFactory.WithData(errors.ErrInvalidArgument, "device name is required")
		}
		devices[name] = 0
	}
	cfg.Devices = append([]string(nil), cfg.Devices...)
	sort.Strings(cfg.Devices)

	return &MQTTDriver{client: client, cfg: cfg, devices: devices, logger: log}, nil
}

func (d *MQTTDriver) Apply(ctx context.Context, duty float64) error {
	errFactory := errors.New()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errFactory.New(ErrClosed)
	}
	if math.IsNaN(duty) || !d.cfg.Limits.Contains(duty) {
		return errFactory.WithData(ErrDutyRange, duty)
	}

	if err := d.publish(ctx, d.cfg.Topic, duty); err != nil {
		return err
	}
	d.duty = duty

	return nil
}

func (d *MQTTDriver) Devices() []string {
	return append([]string(nil), d.cfg.Devices...)
}

func (d *MQTTDriver) ApplyDevice(ctx context.Context, name string, duty float64) error {
	errFactory := errors.New()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errFactory.New(ErrClosed)
	}
	if _, ok := d.devices[name]; !ok {
		return errFactory.WithData(ErrUnknownDevice, name)
	}
	if math.IsNaN(duty) || !FullRange().Contains(duty) {
		return errFactory.WithData(ErrDutyRange, duty)
	}

	if err := d.publish(ctx, path.Join(d.cfg.DeviceTopic, name), duty); err != nil {
		return err
	}
	d.devices[name] = duty

	return nil
}

// publish sends a retained command so a reconnecting pump controller
// picks up the latest duty.
func (d *MQTTDriver) publish(ctx context.Context, topic string, duty float64) error {
	errFactory := errors.New()

	payload, err := json.Marshal(dutyCommand{DutyCycle: duty, Timestamp: time.Now().UTC()})
	if err != nil {
		return errFactory.Wrap(ErrPublishFailed, err)
	}

	token := d.client.Publish(topic, d.cfg.QoS, true, payload)

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errFactory.Wrap(ErrPublishFailed, err)
		}
	case <-timer.C:
		return errFactory.WithData(ErrPublishTimeout, topic)
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrShutdown, ctx.Err())
	}

	d.logger.Debug().Str("topic", topic).Float64("duty", duty).Msg("Pump command acknowledged")

	return nil
}

func (d *MQTTDriver) Limits() Limits {
	return d.cfg.Limits
}

// Close publishes a zero duty for the pump and every device before giving
// up the driver.
func (d *MQTTDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	var firstErr error
	if err := d.publish(ctx, d.cfg.Topic, 0); err != nil {
		firstErr = err
	} else {
		d.duty = 0
	}
	for _, name := range d.cfg.Devices {
		if err := d.publish(ctx, path.Join(d.cfg.DeviceTopic, name), 0); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.devices[name] = 0
	}

	return firstErr
}

func (d *MQTTDriver) Duty() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duty
}

func (d *MQTTDriver) DeviceDuty(name string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[name]
}
