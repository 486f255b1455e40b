package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"orientlink/pkg/config"
	"orientlink/pkg/logger"
	"orientlink/pkg/protocol"
	"orientlink/pkg/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		return runBoth([]string{}, stdout, stderr)
	}

	switch args[0] {
	case "run":
		return runBoth(args[1:], stdout, stderr)
	case "listen":
		return runListen(args[1:], stdout, stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "config":
		return runConfig(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return runBoth(args, stdout, stderr)
		}
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

type options struct {
	configPath string
	addr       string
	framing    string
	interval   time.Duration
	delay      time.Duration
	count      int
	logLevel   string
	record     string
	ws         string
	forward    string
	baud       int
	tui        bool
	text       string
}

func newFlagSet(name string, stderr io.Writer, withSender bool, withSinks bool) (*flag.FlagSet, *options) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", config.DefaultConfigPath, "TOML config path (missing file uses defaults)")
	fs.StringVar(&o.addr, "addr", "", "TCP address shared by listener and sender")
	fs.StringVar(&o.framing, "framing", "", "payload framing: raw or line")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	if withSender {
		fs.DurationVar(&o.interval, "interval", 0, "pause between samples")
		fs.DurationVar(&o.delay, "delay", 0, "fixed pause before the first connect attempt")
		fs.IntVar(&o.count, "count", 0, "stop after this many samples (0 streams forever)")
	}
	if withSinks {
		fs.StringVar(&o.record, "record", "", "JSONL file receiving every reading")
		fs.StringVar(&o.ws, "ws", "", "enable the Foxglove websocket bridge on this address")
		fs.StringVar(&o.forward, "forward", "", "forward received text to file:<path> or serial:<port>")
		fs.IntVar(&o.baud, "baud", 0, "baud rate for serial forwarding")
		fs.BoolVar(&o.tui, "tui", false, "show a terminal dashboard instead of log lines")
	}
	return fs, o
}

// loadConfig reads the config file and applies flags that were set explicitly.
func loadConfig(fs *flag.FlagSet, o *options) (config.Config, error) {
	cfg, _, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return config.Config{}, err
	}

	var applyErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Stream.Addr = o.addr
		case "framing":
			cfg.Stream.Framing = o.framing
		case "log-level":
			cfg.Log.Level = o.logLevel
		case "interval":
			cfg.Sender.Interval = o.interval.String()
		case "delay":
			cfg.Sender.StartupDelay = o.delay.String()
		case "count":
			cfg.Sender.Count = o.count
		case "record":
			cfg.Log.Record = o.record
		case "ws":
			cfg.Bridge.Enabled = true
			cfg.Bridge.WSAddr = o.ws
		case "forward":
			kind, path, ok := strings.Cut(o.forward, ":")
			if !ok || path == "" {
				applyErr = fmt.Errorf("invalid --forward %q: want file:<path> or serial:<port>", o.forward)
				return
			}
			cfg.Forward.Kind = kind
			cfg.Forward.Path = path
		case "baud":
			cfg.Forward.Baud = o.baud
		}
	})
	if applyErr != nil {
		return config.Config{}, applyErr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runBoth(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, o := newFlagSet("run", stderr, true, true)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(fs, o)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serveBoth(ctx, stop, cfg, o.tui, stdout)
}

// serveBoth runs the listener and sender until both finish or ctx ends.
func serveBoth(ctx context.Context, stop context.CancelFunc, cfg config.Config, withTUI bool, stdout io.Writer) int {
	base := logger.Init(logOutput(stdout, withTUI), cfg.Log.Level)
	mainLog := logger.ForRole(base, "Main")

	p, err := startPipeline(ctx, cfg, base, withTUI, stdout, stop)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error")
		return 1
	}

	listener := newListener(cfg, base)
	out := make(chan protocol.Reading, 256)

	var (
		roles  sync.WaitGroup
		failed atomic.Bool
	)
	roles.Add(2)
	go func() {
		defer roles.Done()
		defer close(out)
		if err := listener.Serve(ctx, out); err != nil {
			failed.Store(true)
		}
	}()
	go func() {
		defer roles.Done()
		sender := newSender(cfg, base,
			transport.WithReadySignal(readyOrDone(listener)),
			transport.WithAddrResolver(func() string {
				if addr := listener.Addr(); addr != nil {
					return addr.String()
				}
				return ""
			}),
		)
		if err := sender.Run(ctx); err != nil {
			failed.Store(true)
		}
	}()

	p.pump(ctx, out)
	roles.Wait()
	// out is closed now; publish what the listener queued after cancel
	p.pump(ctx, out)

	if ctx.Err() != nil {
		mainLog.Info().Msg("Program stopped.")
	}
	p.close()
	if failed.Load() {
		return 1
	}
	return 0
}

func runListen(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, o := newFlagSet("listen", stderr, false, true)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(fs, o)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	base := logger.Init(logOutput(stdout, o.tui), cfg.Log.Level)
	p, err := startPipeline(ctx, cfg, base, o.tui, stdout, stop)
	if err != nil {
		mainLog := logger.ForRole(base, "Main")
		mainLog.Error().Err(err).Msg("Error")
		return 1
	}

	out := make(chan protocol.Reading, 256)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		errCh <- newListener(cfg, base).Serve(ctx, out)
	}()
	p.pump(ctx, out)
	serveErr := <-errCh
	p.pump(ctx, out)
	p.close()

	if serveErr != nil {
		return 1
	}
	return 0
}

func runSend(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, o := newFlagSet("send", stderr, true, false)
	fs.StringVar(&o.text, "text", "", "send this literal payload once instead of generated samples")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(fs, o)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	base := logger.Init(stdout, cfg.Log.Level)
	sender := newSender(cfg, base)

	if o.text == "" {
		if err := sender.Run(ctx); err != nil {
			return 1
		}
		return 0
	}

	clientLog := logger.ForRole(base, "Client")
	conn, err := sender.Connect(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		clientLog.Error().Err(err).Msg("Error")
		return 1
	}
	defer func() {
		_ = conn.Close()
		clientLog.Info().Msg("Connection closed.")
	}()
	if err := transport.Send(conn, o.text, cfg.Framing()); err != nil {
		clientLog.Error().Err(err).Msg("Error")
		return 1
	}
	clientLog.Info().Msgf("Sent: %s", o.text)
	return 0
}

func runConfig(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprintln(stderr, "usage: orientd config init [--config path] [--force]")
		return 2
	}

	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", config.DefaultConfigPath, "TOML config path to write")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Fprintln(stderr, "config exists:", *path)
		return 1
	}
	cfg := config.Default()
	if err := cfg.Save(*path); err != nil {
		fmt.Fprintln(stderr, "write config:", err)
		return 1
	}
	fmt.Fprintln(stdout, "wrote", *path)
	return 0
}

func newListener(cfg config.Config, base zerolog.Logger) *transport.Listener {
	return transport.NewListener(cfg.Stream.Addr,
		transport.WithReadBufferSize(cfg.Listener.ReadBuf),
		transport.WithListenerFraming(cfg.Framing()),
		transport.WithListenerLogger(logger.ForRole(base, "Server")),
	)
}

func newSender(cfg config.Config, base zerolog.Logger, extra ...transport.SenderOption) *transport.Sender {
	gen := protocol.NewGenerator(
		protocol.WithRange(cfg.Sender.Min, cfg.Sender.Max),
		protocol.WithPrecision(cfg.Sender.Precision),
	)
	opts := []transport.SenderOption{
		transport.WithSenderFraming(cfg.Framing()),
		transport.WithInterval(config.Duration(cfg.Sender.Interval, transport.DefaultSendInterval)),
		transport.WithStartupDelay(config.Duration(cfg.Sender.StartupDelay, 0)),
		transport.WithDialTimeout(config.Duration(cfg.Sender.DialTimeout, 5*time.Second)),
		transport.WithConnectRetry(
			config.Duration(cfg.Sender.ConnectRetry, 100*time.Millisecond),
			config.Duration(cfg.Sender.ConnectRetryMax, 2*time.Second),
		),
		transport.WithConnectAttempts(cfg.Sender.ConnectAttempts),
		transport.WithLimit(cfg.Sender.Count),
		transport.WithSenderLogger(logger.ForRole(base, "Client")),
	}
	return transport.NewSender(cfg.Stream.Addr, gen, append(opts, extra...)...)
}

// readyOrDone fires when the listener is bound, or when it gave up binding,
// so the sender never waits on a listener that will not come.
func readyOrDone(l *transport.Listener) <-chan struct{} {
	gate := make(chan struct{})
	go func() {
		select {
		case <-l.Ready():
		case <-l.Done():
		}
		close(gate)
	}()
	return gate
}

func logOutput(stdout io.Writer, tui bool) io.Writer {
	if tui {
		return io.Discard
	}
	return stdout
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  orientd [run] [--config orientlink.toml] [--addr host:port] [--framing raw|line] [--interval 500ms] [--count N]")
	fmt.Fprintln(w, "                [--record file.jsonl] [--ws host:port] [--forward file:<path>|serial:<port>] [--baud N] [--tui]")
	fmt.Fprintln(w, "  orientd listen [--config ...] [--addr host:port] [sink flags]")
	fmt.Fprintln(w, "  orientd send [--config ...] [--addr host:port] [--interval 500ms] [--count N] [--text payload]")
	fmt.Fprintln(w, "  orientd config init [--config path] [--force]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run      start listener and sender in one process (default)")
	fmt.Fprintln(w, "  listen   accept one connection and log what it sends")
	fmt.Fprintln(w, "  send     connect and stream generated orientation samples")
	fmt.Fprintln(w, "  config   write a default config file")
}
