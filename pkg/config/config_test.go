package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orientlink/pkg/config"
	"orientlink/pkg/protocol"
)

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "missing.toml")

	cfg, exists, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if exists {
		t.Fatalf("expected missing file to be reported")
	}
	if cfg.Stream.Addr != "127.0.0.1:4120" {
		t.Fatalf("unexpected default addr: %q", cfg.Stream.Addr)
	}
	if cfg.Framing() != protocol.FramingRaw {
		t.Fatalf("unexpected default framing: %q", cfg.Framing())
	}
	if cfg.ConfigPath() != cfgPath {
		t.Fatalf("unexpected config path: %q", cfg.ConfigPath())
	}

	if _, err := config.Load(cfgPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist from Load, got %v", err)
	}
}

func TestLoadOrDefaultFillsDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "orientlink.toml")
	mustWriteFile(t, cfgPath, `
[stream]
addr = "127.0.0.1:5000"
framing = "LINE"

[sender]
interval = "250ms"
`)

	cfg, exists, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !exists {
		t.Fatalf("expected file to exist")
	}
	if cfg.Stream.Addr != "127.0.0.1:5000" {
		t.Fatalf("unexpected addr: %q", cfg.Stream.Addr)
	}
	if cfg.Framing() != protocol.FramingLine {
		t.Fatalf("unexpected framing: %q", cfg.Framing())
	}
	if got := config.Duration(cfg.Sender.Interval, 0); got != 250*time.Millisecond {
		t.Fatalf("unexpected interval: %v", got)
	}
	if cfg.Sender.Min != -180 || cfg.Sender.Max != 180 || cfg.Sender.Precision != 2 {
		t.Fatalf("unexpected sample defaults: %+v", cfg.Sender)
	}
	if cfg.Listener.ReadBuf != 1024 {
		t.Fatalf("unexpected read buffer: %d", cfg.Listener.ReadBuf)
	}
	if cfg.Bridge.WSAddr == "" || cfg.Log.Level == "" {
		t.Fatalf("expected bridge and log defaults")
	}
}

func TestLoadOrDefaultRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"framing":  "[stream]\nframing = \"cobs\"\n",
		"interval": "[sender]\ninterval = \"soon\"\n",
		"range":    "[sender]\nmin = 10.0\nmax = -10.0\n",
		"forward":  "[forward]\nkind = \"serial\"\n",
		"kind":     "[forward]\nkind = \"pipe\"\npath = \"x\"\n",
		"syntax":   "[stream\n",
	}
	for name, content := range cases {
		cfgPath := filepath.Join(t.TempDir(), name+".toml")
		mustWriteFile(t, cfgPath, content)
		if _, _, err := config.LoadOrDefault(cfgPath); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "nested", "orientlink.toml")

	cfg := config.Default()
	cfg.Stream.Framing = "line"
	cfg.Sender.Count = 10
	cfg.Forward = config.ForwardConfig{Kind: "file", Path: "out.txt"}
	if err := cfg.Save(cfgPath); err != nil {
		t.Fatalf("save config: %v", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if !strings.Contains(string(data), "[stream]") {
		t.Fatalf("saved config missing stream table:\n%s", data)
	}

	loaded, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if loaded.Framing() != protocol.FramingLine || loaded.Sender.Count != 10 {
		t.Fatalf("unexpected loaded config: %+v", loaded)
	}
	if loaded.Forward.Kind != "file" || loaded.Forward.Path != "out.txt" {
		t.Fatalf("unexpected forward config: %+v", loaded.Forward)
	}
}

func TestDurationFallsBack(t *testing.T) {
	if got := config.Duration("nope", time.Second); got != time.Second {
		t.Fatalf("unexpected fallback: %v", got)
	}
	if got := config.Duration("-1s", time.Second); got != time.Second {
		t.Fatalf("negative duration should fall back: %v", got)
	}
}

func mustWriteFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
