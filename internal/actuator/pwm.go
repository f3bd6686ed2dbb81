package actuator

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
)

const (
	DefaultPWMRoot     = "/sys/class/pwm"
	DefaultFrequencyHz = 1000

	nanosPerSecond = 1_000_000_000
)

// PWMConfig selects the sysfs PWM channels that drive the dosing pumps.
// Devices maps auxiliary equipment names to their own channels.
type PWMConfig struct {
	Root        string
	Chip        int
	Channels    []int
	Devices     map[string]int
	FrequencyHz int
}

// SysfsDriver drives one or more frother pumps through the Linux PWM sysfs
// interface. Every frother channel receives the same duty cycle; each
// auxiliary device has its own.
type SysfsDriver struct {
	chipDir  string
	channels []int
	devices  map[string]int
	names    []string
	periodNs int64
	limits   Limits
	closed   bool
	mu       sync.Mutex
	logger   logger.Logger
}

func NewSysfsDriver(cfg PWMConfig, log logger.Logger) (*SysfsDriver, error) {
	errFactory := errors.New()

	if len(cfg.Channels) == 0 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "no pwm channels configured")
	}
	if cfg.Root == "" {
		cfg.Root = DefaultPWMRoot
	}
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = DefaultFrequencyHz
	}
	if log == nil {
		log = logger.With("pwm")
	}

	used := make(map[int]string, len(cfg.Channels)+len(cfg.Devices))
	for _, ch := range cfg.Channels {
		if owner, ok := used[ch]; ok {
			return nil, errFactory.WithData(errors.ErrInvalidArgument,
				fmt.Sprintf("pwm channel %d assigned twice (%s)", ch, owner))
		}
		used[ch] = "frother"
	}
	names := make([]string, 0, len(cfg.Devices))
	for name, ch := range cfg.Devices {
		if owner, ok := used[ch]; ok {
			return nil, errFactory.WithData(errors.ErrInvalidArgument,
				fmt.Sprintf("pwm channel %d of device %s already used by %s", ch, name, owner))
		}
		used[ch] = name
		names = append(names, name)
	}
	sort.Strings(names)

	chipDir := filepath.Join(cfg.Root, fmt.Sprintf("pwmchip%d", cfg.Chip))
	if _, err := os.Stat(chipDir); err != nil {
		return nil, errFactory.Wrap(ErrChipNotFound, err)
	}

	d := &SysfsDriver{
		chipDir:  chipDir,
		channels: append([]int(nil), cfg.Channels...),
		devices:  make(map[string]int, len(cfg.Devices)),
		names:    names,
		periodNs: nanosPerSecond / int64(cfg.FrequencyHz),
		limits:   FullRange(),
		logger:   log,
	}
	for name, ch := range cfg.Devices {
		d.devices[name] = ch
	}

	for ch := range used {
		if err := d.initChannel(ch); err != nil {
			return nil, err
		}
	}

	d.logger.Info().
		Str("chip", chipDir).
		Ints("channels", d.channels).
		Strs("devices", d.names).
		Int64("periodNs", d.periodNs).
		Msg("PWM pumps initialized")

	return d, nil
}

func (d *SysfsDriver) channelDir(ch int) string {
	return filepath.Join(d.chipDir, fmt.Sprintf("pwm%d", ch))
}

func (d *SysfsDriver) initChannel(ch int) error {
	errFactory := errors.New()
	dir := d.channelDir(ch)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := writeAttr(filepath.Join(d.chipDir, "export"), strconv.Itoa(ch)); err != nil {
			return errFactory.Wrap(ErrExportFailed, err)
		}
		if _, err := os.Stat(dir); err != nil {
			return errFactory.Wrap(ErrExportFailed, err)
		}
	}

	// duty_cycle may never exceed period, so clear it first
	if err := writeAttr(filepath.Join(dir, "duty_cycle"), "0"); err != nil {
		return errFactory.Wrap(ErrSetDutyCycle, err)
	}
	if err := writeAttr(filepath.Join(dir, "period"), strconv.FormatInt(d.periodNs, 10)); err != nil {
		return errFactory.Wrap(ErrSetPeriod, err)
	}
	if err := writeAttr(filepath.Join(dir, "enable"), "1"); err != nil {
		return errFactory.Wrap(ErrEnableChannel, err)
	}

	return nil
}

// checkApply validates a command. Callers hold mu.
func (d *SysfsDriver) checkApply(ctx context.Context, duty float64) error {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(errors.ErrShutdown, err)
	}
	if d.closed {
		return errFactory.New(ErrClosed)
	}
	if math.IsNaN(duty) || !d.limits.Contains(duty) {
		return errFactory.WithData(ErrDutyRange, duty)
	}

	return nil
}

func (d *SysfsDriver) writeDuty(ch int, duty float64) error {
	ns := strconv.FormatInt(int64(math.Round(float64(d.periodNs)*duty/100)), 10)
	if err := writeAttr(filepath.Join(d.channelDir(ch), "duty_cycle"), ns); err != nil {
		return errors.New().Wrap(ErrSetDutyCycle, err)
	}
	return nil
}

func (d *SysfsDriver) Apply(ctx context.Context, duty float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkApply(ctx, duty); err != nil {
		return err
	}
	for _, ch := range d.channels {
		if err := d.writeDuty(ch, duty); err != nil {
			return err
		}
	}
	d.logger.Debug().Msgf("Set pump duty: %.2f%%", duty)

	return nil
}

func (d *SysfsDriver) Devices() []string {
	return append([]string(nil), d.names...)
}

func (d *SysfsDriver) ApplyDevice(ctx context.Context, name string, duty float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, ok := d.devices[name]
	if !ok {
		return errors.New().WithData(ErrUnknownDevice, name)
	}
	if err := d.checkApply(ctx, duty); err != nil {
		return err
	}
	if err := d.writeDuty(ch, duty); err != nil {
		return err
	}
	d.logger.Debug().Str("device", name).Float64("duty", duty).Msg("Set device duty")

	return nil
}

func (d *SysfsDriver) Limits() Limits {
	return d.limits
}

// Close zeroes and disables every channel, devices included. Channels stay
// exported.
func (d *SysfsDriver) Close() error {
	errFactory := errors.New()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	all := append([]int(nil), d.channels...)
	for _, name := range d.names {
		all = append(all, d.devices[name])
	}

	var firstErr error
	for _, ch := range all {
		dir := d.channelDir(ch)
		if err := writeAttr(filepath.Join(dir, "duty_cycle"), "0"); err != nil && firstErr == nil {
			firstErr = errFactory.Wrap(ErrSetDutyCycle, err)
		}
		if err := writeAttr(filepath.Join(dir, "enable"), "0"); err != nil && firstErr == nil {
			firstErr = errFactory.Wrap(ErrEnableChannel, err)
		}
	}

	return firstErr
}

func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return newSysfsError(filepath.Base(path), err)
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return newSysfsError(filepath.Base(path), err)
	}

	return newSysfsError(filepath.Base(path), f.Close())
}
