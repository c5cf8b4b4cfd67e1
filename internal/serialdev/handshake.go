// Package serialdev discovers and drives the instrument's serial controllers.
package serialdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.bug.st/serial"
)

// Ping is sent to every candidate port; a controller answers with its
// four byte signature.
var Ping = []byte{'?', 'I', 'D'}

// Kind is the hardware identified by a signature.
type Kind string

const (
	KindActinic   Kind = "actinic"
	KindMeasuring Kind = "measuring"
)

var signatures = map[string]Kind{
	"ACTN": KindActinic,
	"MEAS": KindMeasuring,
}

// ExpectedKinds are the controllers a complete instrument exposes.
var ExpectedKinds = []Kind{KindActinic, KindMeasuring}

var (
	ErrTimeout          = errors.New("serial read timeout")
	ErrUnknownSignature = errors.New("unknown signature")
)

// Port is the part of serial.Port the controllers use.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a port by name.
type Opener func(name string, baud int) (Port, error)

// OpenSerial opens a real serial port through go.bug.st/serial.
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListSerial lists the serial ports matching any of the glob patterns; no
// patterns means every port.
func ListSerial(patterns []string) ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return filterPorts(ports, patterns), nil
}

func filterPorts(ports, patterns []string) []string {
	if len(patterns) == 0 {
		return ports
	}
	var matched []string
	for _, p := range ports {
		for _, pattern := range patterns {
			if ok, _ := filepath.Match(pattern, p); ok {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched
}

// readFull reads exactly len(buf) bytes or fails once the deadline passes or
// ctx is cancelled. The port read timeout bounds each individual read.
func readFull(ctx context.Context, port Port, buf []byte, deadline time.Time) error {
	n := 0
	for n < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		m, err := port.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// Identify sends the ping and decodes the reply.
func Identify(ctx context.Context, port Port, timeout time.Duration) (Kind, error) {
	if err := port.SetReadTimeout(timeout / 10); err != nil {
		return "", fmt.Errorf("failed to set read timeout: %w", err)
	}
	if _, err := port.Write(Ping); err != nil {
		return "", fmt.Errorf("failed to send ping: %w", err)
	}
	reply := make([]byte, 4)
	if err := readFull(ctx, port, reply, time.Now().Add(timeout)); err != nil {
		return "", err
	}
	kind, ok := signatures[string(reply)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSignature, reply)
	}
	return kind, nil
}
