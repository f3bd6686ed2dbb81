// Package telemetry exposes the control loop as Prometheus metrics.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/measurement"
	"codeberg.org/mutker/frothctl/internal/safety"
)

const namespace = "frothctl"

// Collector is an events.Sink that keeps Prometheus collectors current.
type Collector struct {
	registry *prometheus.Registry

	requestedDuty    prometheus.Gauge
	finalDuty        prometheus.Gauge
	controllerOutput prometheus.Gauge
	integral         prometheus.Gauge
	setpoint         prometheus.Gauge
	bubbleCount      prometheus.Gauge
	bubbleSize       prometheus.Gauge
	stability        prometheus.Gauge
	anomalyScore     prometheus.Gauge
	safetyTripped    prometheus.Gauge
	manualMode       prometheus.Gauge
	deviceDuty       *prometheus.GaugeVec

	cycles        prometheus.Counter
	heldCycles    prometheus.Counter
	idleCycles    prometheus.Counter
	retries       prometheus.Counter
	sensorFaults  prometheus.Counter
	verdicts      *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	trips         *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	mu            sync.Mutex
	lastTrippedAt time.Time
}

// New registers the collectors on a fresh registry together with the Go
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Collector{
		registry: reg,

		requestedDuty:    gauge("pump", "requested_duty_percent", "Duty cycle requested by the controller or operator"),
		finalDuty:        gauge("pump", "final_duty_percent", "Duty cycle dispatched after the interlock"),
		controllerOutput: gauge("controller", "output_percent", "Last PI controller output"),
		integral:         gauge("controller", "integral", "PI controller integral term"),
		setpoint:         gauge("controller", "setpoint_bubbles", "Target bubble count"),
		bubbleCount:      gauge("froth", "bubble_count", "Bubble count of the newest valid measurement"),
		bubbleSize:       gauge("froth", "avg_bubble_size", "Average bubble size of the newest valid measurement"),
		stability:        gauge("froth", "stability", "Froth stability score of the newest valid measurement"),
		anomalyScore:     gauge("anomaly", "score", "Score of the last anomaly verdict"),
		safetyTripped:    gauge("safety", "tripped", "1 while the interlock is latched"),
		manualMode:       gauge("control", "manual_mode", "1 while the operator holds manual control"),
		deviceDuty: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "duty_percent",
			Help:      "Duty cycle applied to each auxiliary device",
		}, []string{"device"}),

		cycles:       counter("control", "cycles_total", "Control cycles executed"),
		heldCycles:   counter("control", "held_cycles_total", "Cycles that held the previous duty on a critical verdict"),
		idleCycles:   counter("control", "idle_cycles_total", "Cycles without a fresh valid measurement"),
		retries:      counter("pump", "dispatch_retries_total", "Actuator dispatch retries"),
		sensorFaults: counter("froth", "sensor_faults_total", "Sensor fault alerts raised"),
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anomaly",
			Name:      "verdicts_total",
			Help:      "Anomaly verdicts by classification",
		}, []string{"classification"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by level and kind",
		}, []string{"level", "kind"}),
		trips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "trips_total",
			Help:      "Interlock trips by cause",
		}, []string{"cause"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "cycle_duration_seconds",
			Help:      "Control cycle processing duration",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (c *Collector) PublishCycle(_ context.Context, ev events.CycleEvent) error {
	c.cycles.Inc()
	c.cycleDuration.Observe(ev.Duration.Seconds())

	c.requestedDuty.Set(ev.Requested)
	c.finalDuty.Set(ev.FinalDuty)
	c.integral.Set(ev.Integral)
	c.setpoint.Set(ev.Setpoint)
	if ev.ControllerOutput != nil {
		c.controllerOutput.Set(*ev.ControllerOutput)
	}
	c.manualMode.Set(boolToFloat(ev.Mode == "manual"))
	for name, duty := range ev.Devices {
		c.deviceDuty.WithLabelValues(name).Set(duty)
	}

	if m := ev.Measurement; m != nil {
		c.bubbleCount.Set(float64(m.BubbleCount()))
		c.bubbleSize.Set(m.AvgBubbleSize())
		c.stability.Set(m.Stability())
		c.anomalyScore.Set(ev.Verdict.Score)
		c.verdicts.WithLabelValues(ev.Verdict.Classification.String()).Inc()
	} else {
		c.idleCycles.Inc()
	}
	if ev.Held {
		c.heldCycles.Inc()
	}
	if ev.Retries > 0 {
		c.retries.Add(float64(ev.Retries))
	}

	tripped := ev.Safety.State == safety.StateTripped
	c.safetyTripped.Set(boolToFloat(tripped))

	c.mu.Lock()
	if tripped && !ev.Safety.TrippedAt.Equal(c.lastTrippedAt) {
		c.lastTrippedAt = ev.Safety.TrippedAt
		c.trips.WithLabelValues(string(ev.Safety.Cause)).Inc()
	}
	c.mu.Unlock()

	return nil
}

func (c *Collector) PublishAlert(_ context.Context, a events.Alert) error {
	c.alerts.WithLabelValues(string(a.Level), string(a.Kind)).Inc()
	if a.Kind == events.KindSensor {
		c.sensorFaults.Inc()
	}
	return nil
}

// WatchChannel exports the measurement channel counters, read at scrape
// time.
func (c *Collector) WatchChannel(stats func() measurement.Stats) {
	factory := promauto.With(c.registry)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "sent_total",
		Help:      "Measurements offered to the channel",
	}, func() float64 { return float64(stats().Sent) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "dropped_total",
		Help:      "Measurements evicted before they were consumed",
	}, func() float64 { return float64(stats().Dropped) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "buffered",
		Help:      "Measurements waiting in the channel",
	}, func() float64 { return float64(stats().Buffered) })
}

// WatchBus exports per-sink delivery counters of the event bus.
func (c *Collector) WatchBus(stats func() map[string]events.SubscriberStats) {
	c.registry.MustRegister(&busCollector{stats: stats})
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

var (
	busDeliveredDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "delivered_total"),
		"Events delivered to a sink", []string{"sink"}, nil)
	busDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "dropped_total"),
		"Events dropped because a sink queue was full", []string{"sink"}, nil)
	busFailedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "failed_total"),
		"Events a sink returned an error for", []string{"sink"}, nil)
	busQueuedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "queued"),
		"Events waiting in a sink queue", []string{"sink"}, nil)
)

type busCollector struct {
	stats func() map[string]events.SubscriberStats
}

func (b *busCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- busDeliveredDesc
	ch <- busDroppedDesc
	ch <- busFailedDesc
	ch <- busQueuedDesc
}

func (b *busCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range b.stats() {
		ch <- prometheus.MustNewConstMetric(busDeliveredDesc, prometheus.CounterValue, float64(s.Delivered), name)
		ch <- prometheus.MustNewConstMetric(busDroppedDesc, prometheus.CounterValue, float64(s.Dropped), name)
		ch <- prometheus.MustNewConstMetric(busFailedDesc, prometheus.CounterValue, float64(s.Failed), name)
		ch <- prometheus.MustNewConstMetric(busQueuedDesc, prometheus.GaugeValue, float64(s.Queued), name)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
