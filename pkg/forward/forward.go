// Package forward relays received text, one line per reading, to a file,
// FIFO or serial port.
package forward

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"orientlink/pkg/protocol"
)

const (
	KindFile   = "file"
	KindSerial = "serial"
)

type Target struct {
	Kind string
	Path string
	Baud int
}

// openSerial is swapped in tests.
var openSerial = func(path string, baud int) (io.WriteCloser, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Open returns the sink described by target.
func Open(target Target) (io.WriteCloser, error) {
	switch target.Kind {
	case KindFile:
		f, err := os.OpenFile(target.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open forward file: %w", err)
		}
		return f, nil
	case KindSerial:
		port, err := openSerial(target.Path, target.Baud)
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", target.Path, err)
		}
		return port, nil
	default:
		return nil, fmt.Errorf("unknown forward kind %q", target.Kind)
	}
}

type Forwarder struct {
	w   io.Writer
	log zerolog.Logger

	mu      sync.Mutex
	written uint64
	failed  uint64
}

func NewForwarder(w io.Writer, log zerolog.Logger) *Forwarder {
	return &Forwarder{w: w, log: log}
}

// Consume writes every reading until in closes or ctx ends. Write errors
// are logged and the reading is skipped.
func (f *Forwarder) Consume(ctx context.Context, in <-chan protocol.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-in:
			if !ok {
				return
			}
			if len(reading.Raw) == 0 {
				continue
			}
			if err := f.Write(reading); err != nil {
				f.log.Warn().Err(err).Msg("Forward write error")
			}
		}
	}
}

func (f *Forwarder) Write(reading protocol.Reading) error {
	line := strings.TrimRight(reading.Text(), "\r\n") + "\n"

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := io.WriteString(f.w, line); err != nil {
		f.failed++
		return err
	}
	f.written++
	return nil
}

// Stats returns how many lines were written and how many failed.
func (f *Forwarder) Stats() (written uint64, failed uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written, f.failed
}
