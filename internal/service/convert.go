package service

import (
	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/config"
	"github.com/labphoton/actinic/internal/lockin"
	"github.com/labphoton/actinic/internal/output"
	"github.com/labphoton/actinic/internal/recording"
	"github.com/labphoton/actinic/internal/serialdev"
)

func serialConfig(cfg *config.Config) serialdev.Config {
	s := cfg.Devices.Serial
	return serialdev.Config{
		BaudRate:             s.BaudRate,
		ProbeTimeout:         s.ProbeTimeout,
		Patterns:             s.Ports,
		MeasuringFrequencies: s.MeasuringFrequencies,
		MaxSamplesPerMinute:  s.MaxSamplesPerMinute,
		CommandTimeout:       s.CommandTimeout,
	}
}

func lockinClientConfig(cfg *config.Config) lockin.ClientConfig {
	return lockin.ClientConfig{
		Broker:   cfg.LockIn.Broker,
		ClientID: cfg.LockIn.ClientID,
		Username: cfg.LockIn.Username,
		Password: cfg.LockIn.Password,
	}
}

func lockinConfig(cfg *config.Config) lockin.Config {
	c := lockin.DefaultConfig()
	c.TopicPrefix = cfg.LockIn.TopicPrefix
	c.ListenWindow = cfg.LockIn.ListenWindow
	return c
}

func calibrationSettings(cfg *config.Config) channel.CalibrationSettings {
	c := cfg.Calibration
	return channel.CalibrationSettings{
		OffSettle:          c.OffSettle,
		OnSettle:           c.OnSettle,
		ReferencePercent:   c.ReferencePercent,
		MeasuringIntensity: c.MeasuringIntensity,
		Reads:              c.Reads,
		Ticks:              c.Ticks,
	}
}

func archiveConfig(cfg *config.Config) output.ArchiveConfig {
	a := cfg.Archive
	return output.ArchiveConfig{
		Addr:        a.Addr,
		Database:    a.Database,
		Username:    a.Username,
		Password:    a.Password,
		DialTimeout: a.DialTimeout,
	}
}

func measuringSettings(cfg *config.Config) recording.MeasuringSettings {
	return recording.MeasuringSettings{
		FrequencyHz:      cfg.Measuring.FrequencyHz,
		IntensityPercent: cfg.Measuring.Intensity(),
		IdlePolicy:       recording.IdlePolicy(cfg.Measuring.IdlePolicy),
	}
}

// channelSpecs converts the profile channels. Signal types were validated
// when the configuration was loaded.
func channelSpecs(cfg *config.Config) []recording.ChannelSpec {
	specs := make([]recording.ChannelSpec, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		t, err := channel.ParseSignalType(ch.SignalType)
		if err != nil {
			t = channel.Fluorescence
		}
		specs = append(specs, recording.ChannelSpec{
			SignalType:       t,
			ControllerID:     ch.Controller,
			SamplesPerMinute: ch.SamplesPerMinute,
		})
	}
	return specs
}
