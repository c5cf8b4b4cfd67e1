package serialdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/registry"
)

// Config controls serial discovery.
type Config struct {
	BaudRate             int
	ProbeTimeout         time.Duration
	Patterns             []string
	MeasuringFrequencies []float64
	MaxSamplesPerMinute  float64
	CommandTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaudRate:             115200,
		ProbeTimeout:         2 * time.Second,
		Patterns:             []string{"/dev/ttyUSB*", "/dev/ttyACM*", "COM*"},
		MeasuringFrequencies: []float64{10, 100, 1000, 10000},
		MaxSamplesPerMinute:  600,
		CommandTimeout:       500 * time.Millisecond,
	}
}

// Found is a port that answered with a known signature.
type Found struct {
	Name string
	Kind Kind
	Port Port
}

// Scanner probes serial ports for instrument controllers.
type Scanner struct {
	cfg    Config
	list   func(patterns []string) ([]string, error)
	open   Opener
	skip   func(name string) bool
	logger *slog.Logger
}

func NewScanner(cfg Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		list:   ListSerial,
		open:   OpenSerial,
		logger: logger.With("component", "serial"),
	}
}

func (s *Scanner) Name() string { return "serial" }

// SkipPorts excludes ports from later probes, typically the ones a
// registered controller already holds.
func (s *Scanner) SkipPorts(skip func(name string) bool) { s.skip = skip }

// Probe pings every candidate port in parallel. Ports with an unknown reply,
// a duplicate kind, or no reply before every expected kind has been found
// are closed. The returned ports stay open and belong to the caller.
func (s *Scanner) Probe(ctx context.Context) ([]Found, error) {
	names, err := s.list(s.cfg.Patterns)
	if err != nil {
		return nil, err
	}
	if s.skip != nil {
		names = slices.DeleteFunc(names, s.skip)
	}
	if len(names) == 0 {
		s.logger.Info("No serial ports to probe")
		return nil, nil
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		found []Found
		seen  = make(map[Kind]bool)
	)

	g, gctx := errgroup.WithContext(probeCtx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			port, err := s.open(name, s.cfg.BaudRate)
			if err != nil {
				s.logger.Debug("Failed to open port", "port", name, "error", err)
				return nil
			}

			kind, err := Identify(gctx, port, s.cfg.ProbeTimeout)
			if err != nil {
				port.Close()
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("Port did not identify", "port", name, "error", err)
				}
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if seen[kind] {
				s.logger.Warn("Closing port with duplicate signature", "port", name, "kind", kind)
				port.Close()
				return nil
			}
			seen[kind] = true
			found = append(found, Found{Name: name, Kind: kind, Port: port})
			s.logger.Info("Serial controller identified", "port", name, "kind", kind)

			if len(seen) == len(ExpectedKinds) {
				cancel()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return found, err
	}
	if err := ctx.Err(); err != nil {
		closeAll(found)
		return nil, err
	}
	return found, nil
}

// Discover probes the serial ports and registers the controllers found.
func (s *Scanner) Discover(ctx context.Context, reg *registry.Registry) error {
	found, err := s.Probe(ctx)
	if err != nil {
		return err
	}
	for _, f := range found {
		c := NewController(f.Name, f.Kind, f.Port, s.cfg)
		switch f.Kind {
		case KindActinic:
			reg.Register(c, device.RoleActinic)
		case KindMeasuring:
			reg.Register(c, device.RoleMeasuring, device.RoleSignalSource)
		default:
			c.Close()
			return fmt.Errorf("unexpected controller kind %q", f.Kind)
		}
	}
	return nil
}

func closeAll(found []Found) {
	for _, f := range found {
		f.Port.Close()
	}
}
