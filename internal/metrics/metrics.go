// Package metrics exposes the recording core's Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the recording metrics. Its Observe methods are called
// from the control goroutine and the saver goroutine.
type Collector struct {
	gatherer prometheus.Gatherer

	Status          *prometheus.GaugeVec
	PhaseIndex      prometheus.Gauge
	ActinicPercent  prometheus.Gauge
	Samples         *prometheus.CounterVec
	DroppedSamples  *prometheus.CounterVec
	Calibrations    *prometheus.CounterVec
	ControllerSwaps *prometheus.CounterVec
	Saves           *prometheus.CounterVec
	SaveDurations   prometheus.Histogram
	DroppedEvents   *prometheus.CounterVec
}

// New registers the recording metrics against reg, defaulting to the global
// registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	status, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "actinic_recording_status",
		Help: "1 for the current recording status, 0 otherwise.",
	}, []string{"status"}), "actinic_recording_status")
	if err != nil {
		return nil, err
	}
	phase, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "actinic_phase_index",
		Help: "Index of the executing actinic phase, -1 when no schedule runs.",
	}), "actinic_phase_index")
	if err != nil {
		return nil, err
	}
	intensity, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "actinic_intensity_percent",
		Help: "Intensity last sent to the actinic beam.",
	}), "actinic_intensity_percent")
	if err != nil {
		return nil, err
	}
	samples, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actinic_samples_total",
		Help: "Calibrated samples delivered, labeled by channel.",
	}, []string{"channel"}), "actinic_samples_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actinic_samples_dropped_total",
		Help: "Raw samples discarded, labeled by channel and reason.",
	}, []string{"channel", "reason"}), "actinic_samples_dropped_total")
	if err != nil {
		return nil, err
	}
	calibrations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actinic_calibrations_total",
		Help: "Finished calibration workflows, labeled by channel and outcome.",
	}, []string{"channel", "outcome"}), "actinic_calibrations_total")
	if err != nil {
		return nil, err
	}
	swaps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actinic_controller_swaps_total",
		Help: "Controller replacements, labeled by role.",
	}, []string{"role"}), "actinic_controller_swaps_total")
	if err != nil {
		return nil, err
	}
	saves, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actinic_recordings_saved_total",
		Help: "Recording saves, labeled by result.",
	}, []string{"result"}), "actinic_recordings_saved_total")
	if err != nil {
		return nil, err
	}
	saveDurations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "actinic_recording_save_duration_seconds",
		Help:    "Time spent handing a finished recording to the savers.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}), "actinic_recording_save_duration_seconds")
	if err != nil {
		return nil, err
	}
	droppedEvents, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actinic_events_dropped_total",
		Help: "Events dropped because a subscriber was too slow, labeled by kind.",
	}, []string{"kind"}), "actinic_events_dropped_total")
	if err != nil {
		return nil, err
	}

	phase.Set(-1)
	return &Collector{
		gatherer:        gatherer,
		Status:          status,
		PhaseIndex:      phase,
		ActinicPercent:  intensity,
		Samples:         samples,
		DroppedSamples:  dropped,
		Calibrations:    calibrations,
		ControllerSwaps: swaps,
		Saves:           saves,
		SaveDurations:   saveDurations,
		DroppedEvents:   droppedEvents,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveStatus(status string) {
	if c == nil {
		return
	}
	c.Status.Reset()
	c.Status.WithLabelValues(status).Set(1)
}

func (c *Collector) ObservePhase(index int, intensityPercent float64) {
	if c == nil {
		return
	}
	c.PhaseIndex.Set(float64(index))
	c.ActinicPercent.Set(intensityPercent)
}

func (c *Collector) ObserveSample(channel int) {
	if c == nil {
		return
	}
	c.Samples.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (c *Collector) ObserveDroppedSample(channel int, reason string) {
	if c == nil {
		return
	}
	c.DroppedSamples.WithLabelValues(strconv.Itoa(channel), reason).Inc()
}

func (c *Collector) ObserveCalibration(channel int, outcome string) {
	if c == nil {
		return
	}
	c.Calibrations.WithLabelValues(strconv.Itoa(channel), outcome).Inc()
}

func (c *Collector) ObserveSwap(role string) {
	if c == nil {
		return
	}
	c.ControllerSwaps.WithLabelValues(role).Inc()
}

func (c *Collector) ObserveSave(err error, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Saves.WithLabelValues(result).Inc()
	c.SaveDurations.Observe(d.Seconds())
}

// ObserveDroppedEvent matches the event bus drop hook.
func (c *Collector) ObserveDroppedEvent(kind string) {
	if c == nil {
		return
	}
	c.DroppedEvents.WithLabelValues(kind).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
