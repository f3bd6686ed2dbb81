package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/frothctl/internal/errors"
)

const (
	DefaultConfigFile = "/etc/frothctl.toml"
	DefaultEnvPrefix  = "FROTHCTL"
	DefaultLogLevel   = "info"
)

// Driver and source kinds
const (
	ActuatorSim  = "sim"
	ActuatorPWM  = "pwm"
	ActuatorMQTT = "mqtt"
	SourceSim    = "sim"
	SourceMQTT   = "mqtt"
)

type Config struct {
	LogLevel     string `mapstructure:"log_level"`
	Debug        bool   `mapstructure:"debug"`
	Verbose      bool   `mapstructure:"verbose"`
	TrainModel   bool   `mapstructure:"train_model"`
	TrainSamples int    `mapstructure:"train_samples"`

	Control     ControlConfig     `mapstructure:"control"`
	Safety      SafetyConfig      `mapstructure:"safety"`
	Measurement MeasurementConfig `mapstructure:"measurement"`
	Anomaly     AnomalyConfig     `mapstructure:"anomaly"`
	Actuator    ActuatorConfig    `mapstructure:"actuator"`
	Source      SourceConfig      `mapstructure:"source"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	History     HistoryConfig     `mapstructure:"history"`
	Server      ServerConfig      `mapstructure:"server"`
}

type ControlConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	Mode           string        `mapstructure:"mode"`
	ManualDuty     float64       `mapstructure:"manual_duty"`
	MaxClockSkew   time.Duration `mapstructure:"max_clock_skew"`
	Setpoint       float64       `mapstructure:"setpoint"`
	Kp             float64       `mapstructure:"kp"`
	Ki             float64       `mapstructure:"ki"`
	OutputMin      float64       `mapstructure:"output_min"`
	OutputMax      float64       `mapstructure:"output_max"`
	IntegralMin    float64       `mapstructure:"integral_min"`
	IntegralMax    float64       `mapstructure:"integral_max"`
}

type SafetyConfig struct {
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`
	MaxDutyCycle    float64       `mapstructure:"max_duty_cycle"`
	ResetToken      string        `mapstructure:"reset_token"`
}

type MeasurementConfig struct {
	ChannelCapacity int `mapstructure:"channel_capacity"`
	MaxBubbleCount  int `mapstructure:"max_bubble_count"`
}

type AnomalyConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	ModelPath  string  `mapstructure:"model_path"`
	WindowSize int     `mapstructure:"window_size"`
	WarningZ   float64 `mapstructure:"warning_z"`
	CriticalZ  float64 `mapstructure:"critical_z"`
	MinSamples int     `mapstructure:"min_samples"`
	Recent     int     `mapstructure:"recent"`
}

type ActuatorConfig struct {
	Kind        string        `mapstructure:"kind"`
	PWMRoot     string        `mapstructure:"pwm_root"`
	PWMChip     int           `mapstructure:"pwm_chip"`
	PWMChannels []int         `mapstructure:"pwm_channels"`
	FrequencyHz int           `mapstructure:"frequency_hz"`
	Topic       string        `mapstructure:"topic"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Devices maps auxiliary device names to PWM channels. The sim and
	// mqtt drivers only use the names.
	Devices      map[string]int     `mapstructure:"devices"`
	DeviceTopic  string             `mapstructure:"device_topic"`
	DeviceDuties map[string]float64 `mapstructure:"device_duties"`
}

// DeviceNames returns the configured device names in sorted order
func (c ActuatorConfig) DeviceNames() []string {
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c ActuatorConfig) deviceDutiesValid() bool {
	for name, duty := range c.DeviceDuties {
		if _, ok := c.Devices[name]; !ok || duty < 0 || duty > 100 {
			return false
		}
	}
	return true
}

type SourceConfig struct {
	Kind     string        `mapstructure:"kind"`
	Topic    string        `mapstructure:"topic"`
	Interval time.Duration `mapstructure:"interval"`
	Seed     int64         `mapstructure:"seed"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	EventsTopic    string        `mapstructure:"events_topic"`
	AlertsTopic    string        `mapstructure:"alerts_topic"`
	CommandTopic   string        `mapstructure:"command_topic"`
	ResponseTopic  string        `mapstructure:"response_topic"`
}

// Enabled reports whether a broker is configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	CycleTopic  string   `mapstructure:"cycle_topic"`
	AlertTopic  string   `mapstructure:"alert_topic"`
	QueueSize   int      `mapstructure:"queue_size"`
	BatchSize   int      `mapstructure:"batch_size"`
	ClientLabel string   `mapstructure:"client_label"`
}

type HistoryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Database        string        `mapstructure:"database"`
	BatchSize       int           `mapstructure:"batch_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	BackupOnMigrate bool          `mapstructure:"backup_on_migrate"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Load reads configuration from the command line, the environment and the
// config file.
func Load(opts ...Option) (*Config, error) {
	return LoadArgs(os.Args[1:], opts...)
}

// LoadArgs is Load with an explicit argument list.
func LoadArgs(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("frothctl", pflag.ContinueOnError)
	configFile := defineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := o.configPath
	if fs.Changed("config") {
		path = *configFile
	}
	if path == "" {
		if env, ok := os.LookupEnv(o.envPrefix + "_CONFIG"); ok {
			path = env
		} else {
			path = DefaultConfigFile
		}
	}
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if config.Debug {
		config.LogLevel = string(LogLevelDebug)
	} else if config.Verbose {
		switch LogLevel(config.LogLevel) {
		case LogLevelWarning, LogLevelError:
			config.LogLevel = string(LogLevelInfo)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && path == DefaultConfigFile {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("train_model", false)
	v.SetDefault("train_samples", 500)

	v.SetDefault("control.interval", time.Second)
	v.SetDefault("control.receive_timeout", 250*time.Millisecond)
	v.SetDefault("control.mode", "auto")
	v.SetDefault("control.manual_duty", 0.0)
	v.SetDefault("control.max_clock_skew", 2*time.Second)
	v.SetDefault("control.setpoint", 120.0)
	v.SetDefault("control.kp", 0.5)
	v.SetDefault("control.ki", 0.1)
	v.SetDefault("control.output_min", 0.0)
	v.SetDefault("control.output_max", 100.0)
	v.SetDefault("control.integral_min", -100.0)
	v.SetDefault("control.integral_max", 100.0)

	v.SetDefault("safety.watchdog_timeout", 5*time.Second)
	v.SetDefault("safety.max_duty_cycle", 80.0)
	v.SetDefault("safety.reset_token", "")

	v.SetDefault("measurement.channel_capacity", 2)
	v.SetDefault("measurement.max_bubble_count", 10000)

	v.SetDefault("anomaly.enabled", true)
	v.SetDefault("anomaly.model_path", "/var/lib/frothctl/baseline.json")
	v.SetDefault("anomaly.window_size", 256)
	v.SetDefault("anomaly.warning_z", 3.0)
	v.SetDefault("anomaly.critical_z", 5.0)
	v.SetDefault("anomaly.min_samples", 5)
	v.SetDefault("anomaly.recent", 10)

	v.SetDefault("actuator.kind", ActuatorSim)
	v.SetDefault("actuator.pwm_root", "/sys/class/pwm")
	v.SetDefault("actuator.pwm_chip", 0)
	v.SetDefault("actuator.pwm_channels", []int{0})
	v.SetDefault("actuator.frequency_hz", 1000)
	v.SetDefault("actuator.topic", "frothctl/pump/duty")
	v.SetDefault("actuator.timeout", 2*time.Second)
	v.SetDefault("actuator.device_topic", "frothctl/devices")

	v.SetDefault("source.kind", SourceSim)
	v.SetDefault("source.topic", "frothctl/vision/measurements")
	v.SetDefault("source.interval", 500*time.Millisecond)
	v.SetDefault("source.seed", 1)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.events_topic", "frothctl/events/cycle")
	v.SetDefault("mqtt.alerts_topic", "frothctl/events/alert")
	v.SetDefault("mqtt.command_topic", "frothctl/control/command")
	v.SetDefault("mqtt.response_topic", "frothctl/control/response")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.cycle_topic", "frothctl.cycles")
	v.SetDefault("kafka.alert_topic", "frothctl.alerts")
	v.SetDefault("kafka.queue_size", 256)
	v.SetDefault("kafka.batch_size", 50)
	v.SetDefault("kafka.client_label", "frothctl")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.database", "/var/lib/frothctl/history.db")
	v.SetDefault("history.batch_size", 20)
	v.SetDefault("history.flush_interval", 5*time.Second)
	v.SetDefault("history.retention", 7*24*time.Hour)
	v.SetDefault("history.backup_on_migrate", true)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", ":8080")
}

// flagKeys maps command line flags to viper keys.
var flagKeys = map[string]string{
	"log-level":        "log_level",
	"debug":            "debug",
	"verbose":          "verbose",
	"train-model":      "train_model",
	"train-samples":    "train_samples",
	"interval":         "control.interval",
	"mode":             "control.mode",
	"setpoint":         "control.setpoint",
	"kp":               "control.kp",
	"ki":               "control.ki",
	"max-duty":         "safety.max_duty_cycle",
	"watchdog-timeout": "safety.watchdog_timeout",
	"actuator":         "actuator.kind",
	"source":           "source.kind",
	"mqtt-broker":      "mqtt.broker",
	"history-db":       "history.database",
	"listen":           "server.address",
}

func defineFlags(fs *pflag.FlagSet) *string {
	configFile := fs.String("config", "", "Path to the TOML configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.Bool("train-model", false, "Train the anomaly baseline from history and exit")
	fs.Int("train-samples", 500, "Number of recent cycles used for training")
	fs.Duration("interval", time.Second, "Control cycle period")
	fs.String("mode", "auto", "Initial control mode (auto, manual)")
	fs.Float64("setpoint", 120, "Target bubble count")
	fs.Float64("kp", 0.5, "Proportional gain")
	fs.Float64("ki", 0.1, "Integral gain")
	fs.Float64("max-duty", 80, "Maximum pump duty cycle in percent")
	fs.Duration("watchdog-timeout", 5*time.Second, "Stale measurement timeout")
	fs.String("actuator", ActuatorSim, "Pump driver (sim, pwm, mqtt)")
	fs.String("source", SourceSim, "Measurement source (sim, mqtt)")
	fs.String("mqtt-broker", "", "MQTT broker URL")
	fs.String("history-db", "/var/lib/frothctl/history.db", "Cycle history database")
	fs.String("listen", ":8080", "HTTP listen address")
	return configFile
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks cross-field constraints. Controller gains and limits are
// validated again when the controller is built.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Control.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Control.Interval.String())
	}

	checks := []struct {
		ok     bool
		field  string
		value  interface{}
		reason string
	}{
		{c.Control.ReceiveTimeout > 0 && c.Control.ReceiveTimeout < c.Control.Interval,
			"control.receive_timeout", c.Control.ReceiveTimeout, "must be positive and shorter than control.interval"},
		{c.Control.Mode == "auto" || c.Control.Mode == "manual",
			"control.mode", c.Control.Mode, "must be auto or manual"},
		{c.Control.ManualDuty >= 0 && c.Control.ManualDuty <= 100,
			"control.manual_duty", c.Control.ManualDuty, "must be within [0, 100]"},
		{c.Control.MaxClockSkew > 0,
			"control.max_clock_skew", c.Control.MaxClockSkew, "must be positive"},
		{c.Safety.WatchdogTimeout > 0,
			"safety.watchdog_timeout", c.Safety.WatchdogTimeout, "must be positive"},
		{c.Safety.MaxDutyCycle > 0 && c.Safety.MaxDutyCycle <= 100,
			"safety.max_duty_cycle", c.Safety.MaxDutyCycle, "must be within (0, 100]"},
		{c.Measurement.ChannelCapacity > 0,
			"measurement.channel_capacity", c.Measurement.ChannelCapacity, "must be positive"},
		{c.Measurement.MaxBubbleCount > 0,
			"measurement.max_bubble_count", c.Measurement.MaxBubbleCount, "must be positive"},
		{c.Anomaly.WindowSize > 0,
			"anomaly.window_size", c.Anomaly.WindowSize, "must be positive"},
		{c.Actuator.Kind == ActuatorSim || c.Actuator.Kind == ActuatorPWM || c.Actuator.Kind == ActuatorMQTT,
			"actuator.kind", c.Actuator.Kind, "must be sim, pwm or mqtt"},
		{c.Actuator.Kind != ActuatorPWM || len(c.Actuator.PWMChannels) > 0,
			"actuator.pwm_channels", c.Actuator.PWMChannels, "at least one channel is required"},
		{c.Actuator.deviceDutiesValid(),
			"actuator.device_duties", c.Actuator.DeviceDuties, "must name configured devices with duties within [0, 100]"},
		{c.Actuator.Kind != ActuatorMQTT || c.MQTT.Enabled(),
			"mqtt.broker", c.MQTT.Broker, "required by the mqtt actuator"},
		{c.Source.Kind == SourceSim || c.Source.Kind == SourceMQTT,
			"source.kind", c.Source.Kind, "must be sim or mqtt"},
		{c.Source.Kind != SourceMQTT || c.MQTT.Enabled(),
			"mqtt.broker", c.MQTT.Broker, "required by the mqtt source"},
		{c.Source.Kind != SourceSim || c.Source.Interval > 0,
			"source.interval", c.Source.Interval, "must be positive"},
		{c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2,
			"mqtt.qos", c.MQTT.QoS, "must be 0, 1 or 2"},
		{!c.Kafka.Enabled || len(c.Kafka.Brokers) > 0,
			"kafka.brokers", c.Kafka.Brokers, "required when kafka is enabled"},
		{!(c.History.Enabled || c.TrainModel) || c.History.Database != "",
			"history.database", c.History.Database, "required when history is enabled"},
		{!c.TrainModel || c.TrainSamples > 0,
			"train_samples", c.TrainSamples, "must be positive"},
		{!c.Server.Enabled || c.Server.Address != "",
			"server.address", c.Server.Address, "required when the server is enabled"},
	}
	for _, check := range checks {
		if !check.ok {
			return errFactory.Wrap(errors.ErrInvalidConfig, &validationError{
				field:  check.field,
				value:  check.value,
				reason: check.reason,
			})
		}
	}

	return nil
}
