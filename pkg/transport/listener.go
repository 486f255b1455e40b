package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orientlink/pkg/protocol"
)

const DefaultReadBufferSize = 1024

// Listener binds an address, serves exactly one inbound connection and
// turns every read into a protocol.Reading. Later connection attempts
// stay queued in the backlog and are never accepted.
type Listener struct {
	addr         string
	bufSize      int
	framing      protocol.Framing
	log          zerolog.Logger
	errorHandler func(error)

	ready chan struct{}
	done  chan struct{}
	mu    sync.RWMutex
	bound net.Addr
}

type ListenerOption func(*Listener)

func WithReadBufferSize(n int) ListenerOption {
	return func(l *Listener) {
		if n > 0 {
			l.bufSize = n
		}
	}
}

func WithListenerFraming(f protocol.Framing) ListenerOption {
	return func(l *Listener) {
		if f != "" {
			l.framing = f
		}
	}
}

func WithListenerLogger(log zerolog.Logger) ListenerOption {
	return func(l *Listener) {
		l.log = log
	}
}

func WithListenerErrorHandler(fn func(error)) ListenerOption {
	return func(l *Listener) {
		if fn != nil {
			l.errorHandler = fn
		}
	}
}

func NewListener(addr string, opts ...ListenerOption) *Listener {
	l := &Listener{
		addr:    addr,
		bufSize: DefaultReadBufferSize,
		framing: protocol.FramingRaw,
		log:     zerolog.Nop(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ready is closed once the listening socket is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Done is closed once Serve has returned and every socket is released.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Addr returns the bound address, or nil before Ready.
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bound
}

// Serve blocks until the served connection ends. A clean close by the peer
// and ctx cancellation both return nil. Readings are delivered to out when
// it is non-nil. Serve may be called only once per Listener.
func (l *Listener) Serve(ctx context.Context, out chan<- protocol.Reading) error {
	defer close(l.done)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		l.log.Error().Err(err).Msg("Error")
		l.handleError(err)
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	defer ln.Close()

	l.mu.Lock()
	l.bound = ln.Addr()
	l.mu.Unlock()
	close(l.ready)
	l.log.Info().Msgf("Listening on %s...", ln.Addr())

	stopListener := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stopListener()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			l.log.Info().Msg("Connection closed.")
			return nil
		}
		l.log.Error().Err(err).Msg("Error")
		l.handleError(err)
		return fmt.Errorf("accept: %w", err)
	}

	connID := uuid.NewString()
	log := l.log.With().Str("conn_id", connID).Logger()
	log.Info().Msgf("Connected by %s", conn.RemoteAddr())

	stopConn := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stopConn()
		_ = conn.Close()
		log.Info().Msg("Connection closed.")
	}()

	return l.readLoop(ctx, conn, connID, log, out)
}

func (l *Listener) readLoop(ctx context.Context, conn net.Conn, connID string, log zerolog.Logger, out chan<- protocol.Reading) error {
	remote := conn.RemoteAddr().String()
	deframer := protocol.NewDeframer(l.framing)
	buf := make([]byte, l.bufSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			log.Info().Msgf("Received: %s", chunk)
			reading := protocol.Reading{
				ConnID:    connID,
				Remote:    remote,
				Timestamp: time.Now(),
				Raw:       chunk,
				Samples:   deframer.Feed(chunk),
			}
			if !l.emit(ctx, out, reading) {
				return nil
			}
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			if tail := deframer.Flush(); len(tail) > 0 {
				l.emit(ctx, out, protocol.Reading{
					ConnID:    connID,
					Remote:    remote,
					Timestamp: time.Now(),
					Samples:   tail,
				})
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Err(err).Msg("Error")
		l.handleError(err)
		return fmt.Errorf("read: %w", err)
	}
}

func (l *Listener) emit(ctx context.Context, out chan<- protocol.Reading, reading protocol.Reading) bool {
	if out == nil {
		return true
	}
	select {
	case out <- reading:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Listener) handleError(err error) {
	if l.errorHandler != nil {
		l.errorHandler(err)
	}
}
