package recording

import (
	"fmt"
	"math"
	"slices"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/phase"
)

// AddChannel appends a channel and returns its index. Only while idle.
func (m *Model) AddChannel(spec ChannelSpec) (int, error) {
	index := -1
	var err error
	ok := m.do(func() {
		if m.status != Idle {
			err = fmt.Errorf("%w: %s", ErrDisabled, m.status)
			return
		}
		if spec.SignalType != "" {
			if _, err = channel.ParseSignalType(string(spec.SignalType)); err != nil {
				return
			}
		}
		ch := m.newChannel(len(m.channels), spec)
		m.channels = append(m.channels, ch)
		ch.StartSampling()
		index = ch.Index()
		m.put(keyChannelCount, len(m.channels))
		m.flush()
		m.logger.Info("Channel added", "channel", index, "signal_type", ch.SignalType())
		m.publishChannels()
	})
	if !ok {
		return -1, ErrClosed
	}
	return index, err
}

// RemoveChannel stops and drops channel i; later channels move down.
func (m *Model) RemoveChannel(i int) error {
	return m.withChannel(i, func(ch *channel.Manager) error {
		if m.status != Idle {
			return fmt.Errorf("%w: %s", ErrDisabled, m.status)
		}
		ch.Close()
		ch.Forget()
		m.channels = slices.Delete(m.channels, i, i+1)
		for j := i; j < len(m.channels); j++ {
			m.channels[j].Reindex(j)
		}
		m.put(keyChannelCount, len(m.channels))
		m.flush()
		m.logger.Info("Channel removed", "channel", i)
		return nil
	})
}

func (m *Model) SelectController(i int, id string) error {
	return m.withChannel(i, func(ch *channel.Manager) error {
		if ch.IsCalibrating() {
			return fmt.Errorf("%w: channel %d is calibrating", ErrDisabled, i)
		}
		return ch.SelectController(id)
	})
}

// SetSamplingRate returns the rate in effect after clamping.
func (m *Model) SetSamplingRate(i int, perMinute float64) (float64, error) {
	var rate float64
	err := m.withChannel(i, func(ch *channel.Manager) error {
		if ch.IsCalibrating() {
			return fmt.Errorf("%w: channel %d is calibrating", ErrDisabled, i)
		}
		var err error
		rate, err = ch.SetSamplingRate(perMinute)
		return err
	})
	return rate, err
}

func (m *Model) SetSignalType(i int, t channel.SignalType) error {
	return m.withChannel(i, func(ch *channel.Manager) error {
		if m.status != Idle {
			return fmt.Errorf("%w: %s", ErrDisabled, m.status)
		}
		return ch.SetSignalType(t)
	})
}

// SetCalibration enters calibration constants by hand.
func (m *Model) SetCalibration(i int, slope, offset float64) error {
	return m.withChannel(i, func(ch *channel.Manager) error {
		if m.status != Idle && !m.status.stopped() {
			return fmt.Errorf("%w: %s", ErrDisabled, m.status)
		}
		ch.SetCalibration(slope, offset)
		return nil
	})
}

func (m *Model) withChannel(i int, fn func(*channel.Manager) error) error {
	var err error
	ok := m.do(func() {
		ch := m.channelAt(i)
		if ch == nil {
			err = fmt.Errorf("%w: %d of %d", ErrChannelIndex, i, len(m.channels))
			return
		}
		err = fn(ch)
		m.publishChannels()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

// SetOutputDestination sets where finished recordings are saved.
func (m *Model) SetOutputDestination(path string) error {
	if !m.do(func() {
		m.destination = path
		m.put(keyDestination, path)
		m.flush()
	}) {
		return ErrClosed
	}
	return nil
}

// SetMeasuringFrequency must pick one of the frequencies every active
// controller supports, when they announce any.
func (m *Model) SetMeasuringFrequency(hz float64) error {
	var err error
	ok := m.do(func() {
		if math.IsNaN(hz) || math.IsInf(hz, 0) || hz < 0 {
			err = fmt.Errorf("%w: %v", ErrUnsupportedFrequency, hz)
			return
		}
		if m.status == UnderCalibration {
			err = fmt.Errorf("%w: %s", ErrDisabled, m.status)
			return
		}
		if supported := m.reg.MeasuringFrequencies(); len(supported) > 0 && !slices.Contains(supported, hz) {
			err = fmt.Errorf("%w: %v not in %v", ErrUnsupportedFrequency, hz, supported)
			return
		}
		m.measuring.FrequencyHz = hz
		m.put(keyMeasuringFrequency, hz)
		m.flush()
		m.applyMeasuring()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

func (m *Model) SetMeasuringIntensity(percent float64) error {
	var err error
	ok := m.do(func() {
		if err = phase.ValidateIntensity(percent); err != nil {
			return
		}
		if m.status == UnderCalibration {
			err = fmt.Errorf("%w: %s", ErrDisabled, m.status)
			return
		}
		m.measuring.IntensityPercent = percent
		m.put(keyMeasuringIntensity, percent)
		m.flush()
		m.applyMeasuring()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

func (m *Model) SetIdlePolicy(p IdlePolicy) error {
	if p != IdleOff && p != IdleOn {
		return fmt.Errorf("unknown idle policy %q", p)
	}
	if !m.do(func() {
		m.measuring.IdlePolicy = p
		m.applyMeasuring()
	}) {
		return ErrClosed
	}
	return nil
}
