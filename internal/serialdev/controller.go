package serialdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/labphoton/actinic/internal/device"
)

const (
	cmdIntensity = 'I'
	cmdFrequency = 'F'
	cmdSample    = 'S'
)

// Controller drives one serial device. Commands are serialised on the port;
// the first I/O error marks it non functional for good.
type Controller struct {
	name    string
	kind    Kind
	freqs   []float64
	maxRate float64
	timeout time.Duration

	mu         sync.Mutex
	port       Port
	functional bool
}

func NewController(name string, kind Kind, port Port, cfg Config) *Controller {
	c := &Controller{
		name:       name,
		kind:       kind,
		maxRate:    cfg.MaxSamplesPerMinute,
		timeout:    cfg.CommandTimeout,
		port:       port,
		functional: true,
	}
	if kind == KindMeasuring {
		c.freqs = append([]float64(nil), cfg.MeasuringFrequencies...)
	}
	if c.timeout <= 0 {
		c.timeout = 500 * time.Millisecond
	}
	return c
}

func (c *Controller) UniqueID() string                      { return "serial:" + c.name }
func (c *Controller) ShouldBeReplacedWhenBetterFound() bool { return false }
func (c *Controller) ReplacementPriority() int              { return 10 }
func (c *Controller) SupportedFrequencies() []float64       { return c.freqs }
func (c *Controller) MaxSamplesPerMinute() float64          { return c.maxRate }
func (c *Controller) Kind() Kind                            { return c.kind }

func (c *Controller) IsFunctional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.functional
}

// SendIntensity sends the intensity in tenths of a percent.
func (c *Controller) SendIntensity(percent float64) error {
	if percent < 0 || percent > 100 || math.IsNaN(percent) {
		return fmt.Errorf("intensity must be within [0,100], got %v", percent)
	}
	frame := make([]byte, 3)
	frame[0] = cmdIntensity
	binary.BigEndian.PutUint16(frame[1:], uint16(math.Round(percent*10)))
	return c.write(frame)
}

func (c *Controller) SendFrequency(hz float64) error {
	if c.kind != KindMeasuring {
		return nil
	}
	frame := make([]byte, 5)
	frame[0] = cmdFrequency
	binary.BigEndian.PutUint32(frame[1:], math.Float32bits(float32(hz)))
	return c.write(frame)
}

// Sample requests one voltage reading.
func (c *Controller) Sample(ctx context.Context) (device.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.functional {
		return device.Sample{}, fmt.Errorf("%s: %w", c.UniqueID(), device.ErrDisconnected)
	}
	if _, err := c.port.Write([]byte{cmdSample}); err != nil {
		return device.Sample{}, c.faultLocked(err)
	}
	reply := make([]byte, 4)
	if err := readFull(ctx, c.port, reply, time.Now().Add(c.timeout)); err != nil {
		if ctx.Err() != nil {
			return device.Sample{}, ctx.Err()
		}
		return device.Sample{}, c.faultLocked(err)
	}
	volts := math.Float32frombits(binary.BigEndian.Uint32(reply))
	return device.Sample{Volts: float64(volts), Time: time.Now()}, nil
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functional = false
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func (c *Controller) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.functional {
		return fmt.Errorf("%s: %w", c.UniqueID(), device.ErrDisconnected)
	}
	if _, err := c.port.Write(frame); err != nil {
		return c.faultLocked(err)
	}
	return nil
}

func (c *Controller) faultLocked(err error) error {
	c.functional = false
	return fmt.Errorf("%s: %w: %v", c.UniqueID(), device.ErrDisconnected, err)
}
