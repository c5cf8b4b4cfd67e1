package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/labphoton/actinic/internal/config"
	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/lockin"
	"github.com/labphoton/actinic/internal/registry"
	"github.com/labphoton/actinic/internal/serialdev"
)

// DeviceInfo describes a registered controller.
type DeviceInfo struct {
	ID                  string        `json:"id"`
	Roles               []device.Role `json:"roles"`
	ActiveRoles         []device.Role `json:"active_roles"`
	Functional          bool          `json:"functional"`
	Priority            int           `json:"priority"`
	Frequencies         []float64     `json:"frequencies,omitempty"`
	MaxSamplesPerMinute float64       `json:"max_samples_per_minute,omitempty"`
}

func listDevices(reg *registry.Registry) []DeviceInfo {
	byID := make(map[string]*DeviceInfo)
	for _, role := range device.Roles {
		for _, c := range reg.Available(role) {
			info, ok := byID[c.UniqueID()]
			if !ok {
				info = &DeviceInfo{
					ID:          c.UniqueID(),
					Functional:  c.IsFunctional(),
					Priority:    c.ReplacementPriority(),
					Frequencies: c.SupportedFrequencies(),
				}
				if src, ok := c.(device.SignalSource); ok {
					info.MaxSamplesPerMinute = src.MaxSamplesPerMinute()
				}
				byID[c.UniqueID()] = info
			}
			info.Roles = append(info.Roles, role)
		}
	}
	for _, role := range []device.Role{device.RoleActinic, device.RoleMeasuring} {
		if info, ok := byID[reg.Active(role).UniqueID()]; ok {
			info.ActiveRoles = append(info.ActiveRoles, role)
		}
	}

	list := make([]DeviceInfo, 0, len(byID))
	for _, info := range byID {
		list = append(list, *info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// discovery owns the transports that find controllers: serial ports, the
// lock-in broker and the simulated fallback.
type discovery struct {
	reg     *registry.Registry
	logger  *slog.Logger
	timeout time.Duration

	serial *serialdev.Scanner
	client mqtt.Client
	lockin *lockin.Discovery
}

func newDiscovery(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *discovery {
	d := &discovery{
		reg:     reg,
		logger:  logger,
		timeout: cfg.Devices.Discovery,
	}

	if cfg.Devices.Simulated {
		rate := cfg.Devices.Serial.MaxSamplesPerMinute
		reg.Register(device.NewSimulated("sim-actinic", rate), device.RoleActinic)
		reg.Register(device.NewSimulated("sim-measuring", rate), device.RoleMeasuring, device.RoleSignalSource)
		logger.Info("Simulated controllers registered")
	}

	if !cfg.Devices.Serial.Disabled {
		d.serial = serialdev.NewScanner(serialConfig(cfg), logger)
		d.serial.SkipPorts(func(name string) bool {
			for _, role := range device.Roles {
				if c, ok := reg.Lookup(role, "serial:"+name); ok && c.IsFunctional() {
					return true
				}
			}
			return false
		})
	}

	if cfg.LockIn.Enabled {
		client, err := lockin.Dial(lockinClientConfig(cfg), logger)
		if err != nil {
			logger.Warn("Lock-in discovery disabled", "broker", cfg.LockIn.Broker, "error", err)
		} else {
			d.client = client
			d.lockin = lockin.NewDiscovery(client, lockinConfig(cfg), logger)
		}
	}

	return d
}

func (d *discovery) discoverers() []registry.Discoverer {
	var list []registry.Discoverer
	if d.serial != nil {
		list = append(list, d.serial)
	}
	if d.lockin != nil {
		list = append(list, d.lockin)
	}
	return list
}

// run probes every transport once, bounded by the discovery timeout.
func (d *discovery) run(ctx context.Context) error {
	discoverers := d.discoverers()
	if len(discoverers) == 0 {
		return nil
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := registry.Discover(ctx, d.reg, discoverers...)
	d.logger.Info("Device discovery finished", "duration", time.Since(start).Round(time.Millisecond), "error", err)
	return err
}

func (d *discovery) close() {
	if d.lockin != nil {
		d.lockin.Stop()
	}
	if d.client != nil {
		d.client.Disconnect(250)
	}
}

// ProbeDevices runs a one-shot discovery and lists what answered. Every
// transport is released before it returns.
func ProbeDevices(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]DeviceInfo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := registry.New(logger)
	defer reg.Close()

	d := newDiscovery(cfg, reg, logger)
	defer d.close()

	if err := d.run(ctx); err != nil {
		return nil, err
	}
	return listDevices(reg), nil
}
