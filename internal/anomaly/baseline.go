package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/measurement"
)

const (
	DefaultWarningZ   = 3.0
	DefaultCriticalZ  = 5.0
	DefaultMinSamples = 5
	DefaultRecent     = 10

	modelVersion = 1
	minStdDev    = 1e-6
)

// Features extracted per measurement. The rate of change needs the
// preceding sample, so the first sample of a window only contributes to the
// others.
const (
	featureCount = iota
	featureSize
	featureSpread
	featureRate
	numFeatures
)

var featureNames = [numFeatures]string{"bubble_count", "avg_bubble_size", "size_std_dev", "count_rate"}

// BaselineConfig tunes the Baseline classifier
type BaselineConfig struct {
	WarningZ   float64 `json:"warning_z"`
	CriticalZ  float64 `json:"critical_z"`
	MinSamples int     `json:"min_samples"`
	Recent     int     `json:"recent"`
}

func DefaultBaselineConfig() BaselineConfig {
	return BaselineConfig{
		WarningZ:   DefaultWarningZ,
		CriticalZ:  DefaultCriticalZ,
		MinSamples: DefaultMinSamples,
		Recent:     DefaultRecent,
	}
}

type featureStats struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

type model struct {
	Version   int            `json:"version"`
	TrainedAt time.Time      `json:"trained_at"`
	Samples   int            `json:"samples"`
	Config    BaselineConfig `json:"config"`
	Features  []featureStats `json:"features"`
}

// Baseline flags drift away from statistics learned during normal
// operation. The score is the largest absolute z-score of the recent
// feature means.
type Baseline struct {
	cfg   BaselineConfig
	model *model
}

func NewBaseline(cfg BaselineConfig) (*Baseline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Baseline{cfg: cfg}, nil
}

func (c BaselineConfig) validate() error {
	errFactory := errors.New()

	if c.WarningZ <= 0 || c.CriticalZ <= c.WarningZ {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("thresholds must satisfy 0 < warning_z < critical_z, got %v/%v", c.WarningZ, c.CriticalZ))
	}
	if c.MinSamples < 2 {
		return errFactory.WithData(errors.ErrInvalidConfig, "min_samples must be at least 2")
	}
	if c.Recent < c.MinSamples {
		return errFactory.WithData(errors.ErrInvalidConfig, "recent must be >= min_samples")
	}

	return nil
}

func (b *Baseline) Trained() bool {
	return b.model != nil
}

// Train learns the per-feature mean and standard deviation from samples
// taken during normal operation.
func (b *Baseline) Train(samples []measurement.Measurement) error {
	errFactory := errors.New()

	if len(samples) < 2*b.cfg.MinSamples {
		return errFactory.WithData(errors.ErrInvalidArgument,
			fmt.Sprintf("need at least %d training samples, got %d", 2*b.cfg.MinSamples, len(samples)))
	}

	cols := extract(samples)
	m := &model{
		Version:   modelVersion,
		TrainedAt: time.Now().UTC(),
		Samples:   len(samples),
		Config:    b.cfg,
		Features:  make([]featureStats, numFeatures),
	}
	for i, col := range cols {
		mean, std := stat.MeanStdDev(col, nil)
		m.Features[i] = featureStats{Name: featureNames[i], Mean: mean, StdDev: std}
	}

	b.model = m

	return nil
}

func (b *Baseline) Score(window []measurement.Measurement) (Verdict, error) {
	if b.model == nil || len(window) < b.cfg.MinSamples {
		return Verdict{Classification: Normal}, nil
	}

	if len(window) > b.cfg.Recent {
		window = window[len(window)-b.cfg.Recent:]
	}

	cols := extract(window)
	score := 0.0
	for i, col := range cols {
		if len(col) == 0 {
			continue
		}
		f := b.model.Features[i]
		z := math.Abs(stat.Mean(col, nil)-f.Mean) / math.Max(f.StdDev, minStdDev)
		score = math.Max(score, z)
	}

	switch {
	case score >= b.cfg.CriticalZ:
		return Verdict{Classification: Critical, Score: score}, nil
	case score >= b.cfg.WarningZ:
		return Verdict{Classification: Warning, Score: score}, nil
	default:
		return Verdict{Classification: Normal, Score: score}, nil
	}
}

func extract(samples []measurement.Measurement) [numFeatures][]float64 {
	var cols [numFeatures][]float64
	for i := range cols {
		cols[i] = make([]float64, 0, len(samples))
	}

	for i, m := range samples {
		cols[featureCount] = append(cols[featureCount], float64(m.BubbleCount()))
		cols[featureSize] = append(cols[featureSize], m.AvgBubbleSize())
		cols[featureSpread] = append(cols[featureSpread], m.SizeStdDev())
		if i > 0 {
			cols[featureRate] = append(cols[featureRate], float64(m.BubbleCount()-samples[i-1].BubbleCount()))
		}
	}

	return cols
}

// Save writes the trained model to path atomically
func (b *Baseline) Save(path string) error {
	errFactory := errors.New()

	if b.model == nil {
		return errFactory.WithMessage(errors.ErrInvalidOperation, "baseline classifier is not trained")
	}

	data, err := json.MarshalIndent(b.model, "", "  ")
	if err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}

// LoadBaseline reads a model written by Save. The thresholds stored with
// the model are used.
func LoadBaseline(path string) (*Baseline, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	var m model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if m.Version != modelVersion || len(m.Features) != numFeatures {
		return nil, errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("unsupported model version %d with %d features", m.Version, len(m.Features)))
	}

	b, err := NewBaseline(m.Config)
	if err != nil {
		return nil, err
	}
	b.model = &m

	return b, nil
}
