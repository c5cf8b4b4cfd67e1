// Package output hands finished recordings to savers.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Recording is a finished experiment as handed over by the recording core.
type Recording struct {
	ID          string          `yaml:"id"`
	Destination string          `yaml:"destination"`
	StartedAt   time.Time       `yaml:"started_at"`
	FinishedAt  time.Time       `yaml:"finished_at"`
	ActinicID   string          `yaml:"actinic_controller"`
	Measuring   MeasuringRecord `yaml:"measuring"`
	Phases      []PhaseRecord   `yaml:"phases"`
	Channels    []ChannelRecord `yaml:"channels"`
}

type MeasuringRecord struct {
	ControllerID     string  `yaml:"controller"`
	FrequencyHz      float64 `yaml:"frequency_hz"`
	IntensityPercent float64 `yaml:"intensity_percent"`
}

type PhaseRecord struct {
	DurationMs        int64   `yaml:"duration_ms"`
	IntensityPercent  float64 `yaml:"intensity_percent"`
	FilterPosition    int     `yaml:"filter_position"`
	FilterDescription string  `yaml:"filter_description,omitempty"`
}

type ChannelRecord struct {
	Index            int       `yaml:"index"`
	SignalType       string    `yaml:"signal_type"`
	ControllerID     string    `yaml:"controller"`
	Slope            float64   `yaml:"slope"`
	Offset           float64   `yaml:"offset"`
	CalibratedAt     time.Time `yaml:"calibrated_at"`
	SamplesPerMinute float64   `yaml:"samples_per_minute"`
	Points           []Point   `yaml:"points"`
}

// Point is one calibrated sample, timestamped from the experiment onset.
type Point struct {
	ElapsedMs int64   `yaml:"t"`
	Value     float64 `yaml:"v"`
	Volts     float64 `yaml:"volts"`
}

// SampleCount is the number of points over every channel.
func (r *Recording) SampleCount() int {
	n := 0
	for _, c := range r.Channels {
		n += len(c.Points)
	}
	return n
}

// Saver persists a finished recording.
type Saver interface {
	Name() string
	Save(ctx context.Context, rec *Recording) error
}

var ErrNoDestination = errors.New("no output destination")

// Multi saves to every saver and joins their errors. A failing saver does
// not prevent the others from running.
type Multi struct {
	savers []Saver
	logger *slog.Logger
}

func NewMulti(logger *slog.Logger, savers ...Saver) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{savers: savers, logger: logger.With("component", "output")}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Add(s Saver) {
	m.savers = append(m.savers, s)
}

func (m *Multi) Save(ctx context.Context, rec *Recording) error {
	if rec == nil {
		return fmt.Errorf("nil recording")
	}
	var errs []error
	for _, s := range m.savers {
		start := time.Now()
		if err := s.Save(ctx, rec); err != nil {
			m.logger.Error("Failed to save recording", "saver", s.Name(), "id", rec.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		m.logger.Info("Recording saved", "saver", s.Name(), "id", rec.ID,
			"samples", rec.SampleCount(), "duration", time.Since(start))
	}
	return errors.Join(errs...)
}
