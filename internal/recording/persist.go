package recording

import "github.com/labphoton/actinic/internal/phase"

const (
	keyPhases             = "recording.phases"
	keyDestination        = "recording.destination"
	keyChannelCount       = "recording.channels"
	keyMeasuringFrequency = "measuring.frequency_hz"
	keyMeasuringIntensity = "measuring.intensity_percent"
)

func (m *Model) savePhases() {
	m.put(keyPhases, phase.Clone(m.phases))
	m.flush()
}
