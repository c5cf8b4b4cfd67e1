package lockin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/labphoton/actinic/internal/registry"
)

// Announcement is published by a lock-in on <prefix>/announce.
type Announcement struct {
	ID                  string    `json:"id"`
	Frequencies         []float64 `json:"frequencies"`
	MaxSamplesPerMinute float64   `json:"max_samples_per_minute"`
}

// Reading is published by a lock-in on <prefix>/<id>/sample.
type Reading struct {
	Volts     float64 `json:"volts"`
	Timestamp int64   `json:"ts"`
}

type Config struct {
	TopicPrefix  string
	ListenWindow time.Duration
	QoS          byte
}

func DefaultConfig() Config {
	return Config{TopicPrefix: "lockin", ListenWindow: 3 * time.Second, QoS: 1}
}

// Discovery listens for lock-in announcements and keeps the registry in
// sync with what is online.
type Discovery struct {
	broker Broker
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	reg     *registry.Registry
	devices map[string]*Device
	started bool
}

func NewDiscovery(broker Broker, cfg Config, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultConfig().TopicPrefix
	}
	return &Discovery{
		broker:  broker,
		cfg:     cfg,
		logger:  logger.With("component", "lockin"),
		devices: make(map[string]*Device),
	}
}

func (d *Discovery) Name() string { return "lockin" }

// Discover subscribes to announcements and waits for the listen window so
// that lock-ins already online are registered before it returns.
// Subscriptions stay active afterwards.
func (d *Discovery) Discover(ctx context.Context, reg *registry.Registry) error {
	if err := d.Start(reg); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.cfg.ListenWindow):
		return nil
	}
}

func (d *Discovery) Start(reg *registry.Registry) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.reg = reg
	d.started = true
	d.mu.Unlock()

	if err := wait(d.broker.Subscribe(d.announceTopic(), d.cfg.QoS, d.handleAnnounce)); err != nil {
		return fmt.Errorf("failed to subscribe to announcements: %w", err)
	}
	if err := wait(d.broker.Subscribe(d.cfg.TopicPrefix+"/+/status", d.cfg.QoS, d.handleStatus)); err != nil {
		return fmt.Errorf("failed to subscribe to status: %w", err)
	}
	d.logger.Info("Listening for lock-in announcements", "topic", d.announceTopic())
	return nil
}

// Stop unsubscribes from every topic and unregisters the known lock-ins.
func (d *Discovery) Stop() {
	d.mu.Lock()
	devices := d.devices
	d.devices = make(map[string]*Device)
	reg := d.reg
	d.started = false
	d.mu.Unlock()

	topics := []string{d.announceTopic(), d.cfg.TopicPrefix + "/+/status"}
	for id, dev := range devices {
		topics = append(topics, dev.sampleTopic())
		dev.markLost()
		if reg != nil {
			reg.Remove(dev.UniqueID())
		}
		d.logger.Debug("Lock-in released", "id", id)
	}
	if err := wait(d.broker.Unsubscribe(topics...)); err != nil {
		d.logger.Warn("Failed to unsubscribe", "error", err)
	}
}

func (d *Discovery) Devices() []*Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := make([]*Device, 0, len(d.devices))
	for _, dev := range d.devices {
		list = append(list, dev)
	}
	return list
}

func (d *Discovery) announceTopic() string {
	return d.cfg.TopicPrefix + "/announce"
}

func (d *Discovery) handleAnnounce(_ mqtt.Client, msg mqtt.Message) {
	var a Announcement
	if err := json.Unmarshal(msg.Payload(), &a); err != nil {
		d.logger.Warn("Ignoring malformed announcement", "error", err)
		return
	}
	if a.ID == "" || strings.ContainsAny(a.ID, "/+#") {
		d.logger.Warn("Ignoring announcement with invalid id", "id", a.ID)
		return
	}

	d.mu.Lock()
	if _, exists := d.devices[a.ID]; exists {
		d.mu.Unlock()
		return
	}
	dev := newDevice(a, d.broker, d.cfg)
	d.devices[a.ID] = dev
	reg := d.reg
	d.mu.Unlock()

	if err := wait(d.broker.Subscribe(dev.sampleTopic(), d.cfg.QoS, dev.handleSample)); err != nil {
		d.logger.Warn("Failed to subscribe to lock-in samples", "id", a.ID, "error", err)
		d.mu.Lock()
		delete(d.devices, a.ID)
		d.mu.Unlock()
		return
	}
	d.logger.Info("Lock-in discovered", "id", a.ID, "frequencies", a.Frequencies)
	if reg != nil {
		reg.Register(dev, dev.roles()...)
	}
}

func (d *Discovery) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	id := extractDeviceID(d.cfg.TopicPrefix, msg.Topic())
	if id == "" || strings.TrimSpace(string(msg.Payload())) != "offline" {
		return
	}

	d.mu.Lock()
	dev, ok := d.devices[id]
	if ok {
		delete(d.devices, id)
	}
	reg := d.reg
	d.mu.Unlock()
	if !ok {
		return
	}

	dev.markLost()
	if err := wait(d.broker.Unsubscribe(dev.sampleTopic())); err != nil {
		d.logger.Warn("Failed to unsubscribe", "id", id, "error", err)
	}
	d.logger.Info("Lock-in went offline", "id", id)
	if reg != nil {
		reg.Remove(dev.UniqueID())
	}
}

// extractDeviceID returns the id segment of <prefix>/<id>/<leaf>.
func extractDeviceID(prefix, topic string) string {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}

func wait(token mqtt.Token) error {
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timed out waiting for broker")
	}
	return token.Error()
}
