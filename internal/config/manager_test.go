package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeFile(t, "beacon.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./beacon.db"},
		"engine": {
			"replay": {"max_entries": 500, "max_age": "10m"},
			"throttle": {"interval": "5s"},
			"batch": {"window": "250ms", "max_events": 50},
			"session": {"grace_period": "5m"}
		},
		"stream": {"address": "127.0.0.1:7070"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if cfg.Engine.Throttle.Interval != "5s" || cfg.Engine.Batch.MaxEvents != 50 {
		t.Fatalf("engine: %+v", cfg.Engine)
	}
	if cfg.Stream.Address != "127.0.0.1:7070" {
		t.Fatalf("stream: %+v", cfg.Stream)
	}
	if cfg.Kafka != nil || cfg.RabbitMQ != nil {
		t.Fatal("ingest adapters should be nil when omitted")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "beacon.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: none
  path: ""
engine:
  replay:
    max_entries: 100
    max_age: 2m
  throttle: {}
  batch: {}
  session: {}
stream:
  address: "127.0.0.1:7070"
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topics: ["events"]
  group_id: beacon
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Engine.Replay.MaxEntries != 100 || cfg.Engine.Replay.MaxAge != "2m" {
		t.Fatalf("replay: %+v", cfg.Engine.Replay)
	}
	if cfg.Kafka == nil || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.GroupID != "beacon" {
		t.Fatalf("kafka: %+v", cfg.Kafka)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "beacon.json", `{"stream": {"address": "x"}, "surprise": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "beacon.json", `{"stream": {"address": "x"}}{"again": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("concatenated JSON accepted")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	path := writeFile(t, "beacon.json", `{"stream": {"address": "x"}}`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestSubscribePublishFanout(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("subscriber missed publish")
	}

	// Slow subscriber: the oldest update is dropped for the newest.
	m.publish(&Config{})
	newest := &Config{}
	m.publish(newest)
	if got := <-ch; got != newest {
		t.Fatal("slow subscriber did not receive the newest config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "  10s "); err != nil || d != 10*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("junk duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
}
