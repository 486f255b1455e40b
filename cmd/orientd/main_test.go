package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"orientlink/pkg/config"
	"orientlink/pkg/protocol"
	"orientlink/pkg/transport"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(stdout.String(), "Usage:") {
		t.Fatalf("missing usage: %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown command: bogus") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orientlink.toml")
	var stdout, stderr bytes.Buffer

	if code := run([]string{"config", "init", "--config", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("config init failed: %d %s", code, stderr.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "127.0.0.1:4120") {
		t.Fatalf("unexpected config content:\n%s", data)
	}

	if code := run([]string{"config", "init", "--config", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected refusal to overwrite, got %d", code)
	}
	if code := run([]string{"config", "init", "--config", path, "--force"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected --force to overwrite, got %d", code)
	}
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	var stderr bytes.Buffer
	fs, o := newFlagSet("run", &stderr, true, true)
	err := fs.Parse([]string{
		"--config", filepath.Join(t.TempDir(), "missing.toml"),
		"--addr", "127.0.0.1:9000",
		"--framing", "line",
		"--interval", "20ms",
		"--count", "3",
		"--forward", "serial:/dev/ttyUSB0",
		"--baud", "9600",
		"--ws", "127.0.0.1:9001",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := loadConfig(fs, o)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Stream.Addr != "127.0.0.1:9000" || cfg.Framing() != protocol.FramingLine {
		t.Fatalf("unexpected stream config: %+v", cfg.Stream)
	}
	if cfg.Sender.Interval != "20ms" || cfg.Sender.Count != 3 {
		t.Fatalf("unexpected sender config: %+v", cfg.Sender)
	}
	if cfg.Forward.Kind != "serial" || cfg.Forward.Path != "/dev/ttyUSB0" || cfg.Forward.Baud != 9600 {
		t.Fatalf("unexpected forward config: %+v", cfg.Forward)
	}
	if !cfg.Bridge.Enabled || cfg.Bridge.WSAddr != "127.0.0.1:9001" {
		t.Fatalf("unexpected bridge config: %+v", cfg.Bridge)
	}
}

func TestLoadConfigRejectsBadForward(t *testing.T) {
	var stderr bytes.Buffer
	fs, o := newFlagSet("listen", &stderr, false, true)
	if err := fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "none.toml"), "--forward", "nowhere"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := loadConfig(fs, o); err == nil {
		t.Fatalf("expected invalid --forward error")
	}
}

func TestRunStreamsAndRecords(t *testing.T) {
	dir := t.TempDir()
	record := filepath.Join(dir, "readings.jsonl")
	forwarded := filepath.Join(dir, "forward.txt")

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"run",
		"--config", filepath.Join(dir, "missing.toml"),
		"--addr", "127.0.0.1:0",
		"--framing", "line",
		"--interval", "5ms",
		"--count", "3",
		"--record", record,
		"--forward", "file:" + forwarded,
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run failed: %d\nstdout:\n%s\nstderr:\n%s", code, stdout.String(), stderr.String())
	}

	logs := stdout.String()
	for _, want := range []string{"[Server] Listening on", "[Client] Connected to", "[Client] Sent:", "[Server] Received:", "[Server] Connection closed."} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %q in output:\n%s", want, logs)
		}
	}

	file, err := os.Open(record)
	if err != nil {
		t.Fatalf("open record: %v", err)
	}
	defer file.Close()

	samples := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec struct {
			Samples []protocol.Sample `json:"samples"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode record %q: %v", scanner.Text(), err)
		}
		samples += len(rec.Samples)
	}
	if samples != 3 {
		t.Fatalf("expected 3 recorded samples, got %d", samples)
	}

	data, err := os.ReadFile(forwarded)
	if err != nil {
		t.Fatalf("read forwarded: %v", err)
	}
	if got := strings.Count(string(data), ","); got != 6 {
		t.Fatalf("expected 3 forwarded samples, got text %q", data)
	}
}

func TestSendLiteralText(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := transport.NewListener("127.0.0.1:0")
	out := make(chan protocol.Reading, 16)
	go func() {
		_ = listener.Serve(ctx, out)
	}()
	select {
	case <-listener.Ready():
	case <-time.After(time.Second):
		t.Fatalf("listener not ready")
	}

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"send",
		"--config", filepath.Join(t.TempDir(), "missing.toml"),
		"--addr", listener.Addr().String(),
		"--text", "10.5,-20.25,0.0",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("send failed: %d %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "[Client] Sent: 10.5,-20.25,0.0") {
		t.Fatalf("unexpected output:\n%s", stdout.String())
	}

	var text strings.Builder
	timeout := time.After(time.Second)
	for !strings.Contains(text.String(), "10.5,-20.25,0.0") {
		select {
		case reading := <-out:
			text.Write(reading.Raw)
		case <-timeout:
			t.Fatalf("listener never saw payload, got %q", text.String())
		}
	}
}

// syncBuffer lets the test read output while the roles still write it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeBothStopsOnInterrupt(t *testing.T) {
	record := filepath.Join(t.TempDir(), "readings.jsonl")

	cfg := config.Default()
	cfg.Stream.Addr = "127.0.0.1:0"
	cfg.Sender.Interval = "5ms"
	cfg.Log.Record = record

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout syncBuffer
	result := make(chan int, 1)
	go func() {
		result <- serveBoth(ctx, cancel, cfg, false, &stdout)
	}()

	deadline := time.After(2 * time.Second)
	for !strings.Contains(stdout.String(), "[Server] Received:") {
		select {
		case <-deadline:
			t.Fatalf("no reading before interrupt:\n%s", stdout.String())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case code := <-result:
		if code != 0 {
			t.Fatalf("expected exit 0 on interrupt, got %d\n%s", code, stdout.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after interrupt")
	}

	logs := stdout.String()
	for _, want := range []string{"[Main] Program stopped.", "[Server] Connection closed.", "[Client] Connection closed."} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %q in output:\n%s", want, logs)
		}
	}

	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		t.Fatalf("expected recorded readings before interrupt")
	}
}

func TestListenReportsSinkFailure(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"listen",
		"--config", filepath.Join(dir, "missing.toml"),
		"--addr", "127.0.0.1:0",
		"--record", filepath.Join(dir, "no-such-dir", "readings.jsonl"),
	}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d\nstdout:\n%s\nstderr:\n%s", code, stdout.String(), stderr.String())
	}
	if !strings.Contains(stdout.String(), "[Main] Error") {
		t.Fatalf("expected role-tagged error:\n%s", stdout.String())
	}
}
