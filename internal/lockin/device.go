package lockin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/labphoton/actinic/internal/device"
)

const defaultMaxSamplesPerMinute = 1200

// Device is a lock-in amplifier reached over MQTT. Readings arrive
// asynchronously; Sample hands out the next one.
type Device struct {
	id      string
	freqs   []float64
	maxRate float64
	broker  Broker
	cfg     Config

	readings chan device.Sample

	mu   sync.Mutex
	lost bool
}

func newDevice(a Announcement, broker Broker, cfg Config) *Device {
	maxRate := a.MaxSamplesPerMinute
	if maxRate <= 0 {
		maxRate = defaultMaxSamplesPerMinute
	}
	return &Device{
		id:       a.ID,
		freqs:    append([]float64(nil), a.Frequencies...),
		maxRate:  maxRate,
		broker:   broker,
		cfg:      cfg,
		readings: make(chan device.Sample, 1),
	}
}

func (d *Device) UniqueID() string                      { return "lockin:" + d.id }
func (d *Device) ShouldBeReplacedWhenBetterFound() bool { return false }
func (d *Device) ReplacementPriority() int              { return 20 }
func (d *Device) SupportedFrequencies() []float64       { return d.freqs }
func (d *Device) MaxSamplesPerMinute() float64          { return d.maxRate }

func (d *Device) roles() []device.Role {
	return []device.Role{device.RoleSignalSource}
}

func (d *Device) IsFunctional() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.lost
}

func (d *Device) markLost() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}

// SendFrequency sets the reference frequency the lock-in demodulates at.
func (d *Device) SendFrequency(hz float64) error {
	if !d.IsFunctional() {
		return fmt.Errorf("%s: %w", d.UniqueID(), device.ErrDisconnected)
	}
	payload := strconv.FormatFloat(hz, 'f', -1, 64)
	if err := wait(d.broker.Publish(d.topic("frequency"), d.cfg.QoS, false, payload)); err != nil {
		d.markLost()
		return fmt.Errorf("%s: %w: %v", d.UniqueID(), device.ErrDisconnected, err)
	}
	return nil
}

func (d *Device) Sample(ctx context.Context) (device.Sample, error) {
	if !d.IsFunctional() {
		return device.Sample{}, fmt.Errorf("%s: %w", d.UniqueID(), device.ErrDisconnected)
	}
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	select {
	case s := <-d.readings:
		return s, nil
	case <-ctx.Done():
		return device.Sample{}, ctx.Err()
	case <-timeout.C:
		d.markLost()
		return device.Sample{}, fmt.Errorf("%s: no reading: %w", d.UniqueID(), device.ErrDisconnected)
	}
}

// handleSample keeps only the freshest reading.
func (d *Device) handleSample(_ mqtt.Client, msg mqtt.Message) {
	var r Reading
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		return
	}
	ts := time.Now()
	if r.Timestamp > 0 {
		ts = time.UnixMilli(r.Timestamp)
	}
	s := device.Sample{Volts: r.Volts, Time: ts}
	select {
	case d.readings <- s:
	default:
		select {
		case <-d.readings:
		default:
		}
		select {
		case d.readings <- s:
		default:
		}
	}
}

func (d *Device) topic(leaf string) string {
	return d.cfg.TopicPrefix + "/" + d.id + "/" + leaf
}

func (d *Device) sampleTopic() string { return d.topic("sample") }
