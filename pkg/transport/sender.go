package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"orientlink/pkg/protocol"
)

const DefaultSendInterval = 500 * time.Millisecond

// Sender dials the listener and streams generated samples until the
// connection fails, the sample limit is reached or ctx ends.
type Sender struct {
	addr         string
	resolve      func() string
	gen          *protocol.Generator
	framing      protocol.Framing
	interval     time.Duration
	startupDelay time.Duration
	dialTimeout  time.Duration
	retry        time.Duration
	retryMax     time.Duration
	attempts     int
	limit        int
	ready        <-chan struct{}
	log          zerolog.Logger
	errorHandler func(error)

	sent atomic.Uint64
}

type SenderOption func(*Sender)

func WithInterval(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStartupDelay keeps the legacy fixed pause before the first dial.
func WithStartupDelay(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.startupDelay = d
		}
	}
}

func WithSenderFraming(f protocol.Framing) SenderOption {
	return func(s *Sender) {
		if f != "" {
			s.framing = f
		}
	}
}

func WithDialTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

func WithConnectRetry(interval time.Duration, max time.Duration) SenderOption {
	return func(s *Sender) {
		if interval > 0 {
			s.retry = interval
		}
		if max > 0 {
			s.retryMax = max
		}
	}
}

// WithConnectAttempts bounds dialing; zero retries until ctx ends.
func WithConnectAttempts(n int) SenderOption {
	return func(s *Sender) {
		if n >= 0 {
			s.attempts = n
		}
	}
}

// WithLimit stops streaming after n samples; zero streams forever.
func WithLimit(n int) SenderOption {
	return func(s *Sender) {
		if n >= 0 {
			s.limit = n
		}
	}
}

// WithReadySignal makes the sender wait for ready before its first dial.
func WithReadySignal(ready <-chan struct{}) SenderOption {
	return func(s *Sender) {
		s.ready = ready
	}
}

// WithAddrResolver picks the dial address after the ready signal fires,
// which lets a sender follow a listener bound to port 0. An empty result
// fails the connect.
func WithAddrResolver(fn func() string) SenderOption {
	return func(s *Sender) {
		s.resolve = fn
	}
}

func WithSenderLogger(log zerolog.Logger) SenderOption {
	return func(s *Sender) {
		s.log = log
	}
}

func WithSenderErrorHandler(fn func(error)) SenderOption {
	return func(s *Sender) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

func NewSender(addr string, gen *protocol.Generator, opts ...SenderOption) *Sender {
	if gen == nil {
		gen = protocol.NewGenerator()
	}
	s := &Sender{
		addr:        addr,
		gen:         gen,
		framing:     protocol.FramingRaw,
		interval:    DefaultSendInterval,
		dialTimeout: 5 * time.Second,
		retry:       100 * time.Millisecond,
		retryMax:    2 * time.Second,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sent reports how many samples have been written so far.
func (s *Sender) Sent() uint64 {
	return s.sent.Load()
}

// Run connects and streams. ctx cancellation returns nil.
func (s *Sender) Run(ctx context.Context) error {
	conn, err := s.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Error().Err(err).Msg("Error")
		s.handleError(err)
		return err
	}
	return s.Stream(ctx, conn)
}

// Connect waits for the ready signal, then dials with linear backoff.
func (s *Sender) Connect(ctx context.Context) (net.Conn, error) {
	if s.startupDelay > 0 && !sleepContext(ctx, s.startupDelay) {
		return nil, ctx.Err()
	}
	if s.ready != nil {
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	addr := s.addr
	if s.resolve != nil {
		addr = s.resolve()
	}
	if addr == "" {
		return nil, errors.New("no address to dial")
	}

	dialer := net.Dialer{Timeout: s.dialTimeout}
	attempt := 0
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			s.log.Info().Msgf("Connected to %s", addr)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempt++
		if s.attempts > 0 && attempt >= s.attempts {
			return nil, fmt.Errorf("connect %s after %d attempts: %w", addr, attempt, err)
		}
		s.log.Debug().Err(err).Int("attempt", attempt).Msg("Connect failed, retrying")
		if !s.sleepBackoff(ctx, attempt) {
			return nil, ctx.Err()
		}
	}
}

// Stream owns conn and closes it on every exit path.
func (s *Sender) Stream(ctx context.Context, conn net.Conn) error {
	stopConn := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stopConn()
		_ = conn.Close()
		s.log.Info().Msg("Connection closed.")
	}()

	sent := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		text := s.gen.Next().Format(s.gen.Precision())
		if err := Send(conn, text, s.framing); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("Error")
			s.handleError(err)
			return err
		}
		s.sent.Add(1)
		sent++
		s.log.Info().Msgf("Sent: %s", text)

		if s.limit > 0 && sent >= s.limit {
			return nil
		}
		if !sleepContext(ctx, s.interval) {
			return nil
		}
	}
}

// Send writes one payload using framing.
func Send(w io.Writer, text string, framing protocol.Framing) error {
	if _, err := w.Write(framing.Encode(text)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s *Sender) sleepBackoff(ctx context.Context, attempt int) bool {
	wait := min(s.retry*time.Duration(attempt), s.retryMax)
	return sleepContext(ctx, wait)
}

func (s *Sender) handleError(err error) {
	if s.errorHandler != nil {
		s.errorHandler(err)
	}
}

// sleepContext reports false if ctx ended before d elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
