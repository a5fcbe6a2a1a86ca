package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"pricewatch/internal/transport"
)

type captureAdapter struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (c *captureAdapter) Name() string { return "capture" }

func (c *captureAdapter) Send(_ context.Context, m transport.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *captureAdapter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestNewWriterIncludesWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("tick", String("window", "2025-01-01T09:00"), Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "scheduler" || m["window"] != "2025-01-01T09:00" || m["message"] != "tick" {
		t.Fatalf("unexpected record: %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("Enabled(info) = true at warn level")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens", Err(nil))
}

func TestRemoteSinkForwardsAboveMinLevel(t *testing.T) {
	ad := &captureAdapter{}
	svc, log := New(Config{
		Level:  "debug",
		Remote: RemoteConfig{Enabled: true, MinLevel: "error", RatePerSec: 10},
	}, ad)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("fetch failed", String("kind", "timeout"))

	deadline := time.Now().Add(2 * time.Second)
	for ad.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.msgs) != 1 {
		t.Fatalf("forwarded %d messages, want 1", len(ad.msgs))
	}
	body := ad.msgs[0].Body
	if !strings.Contains(body, "[ERROR] fetch failed") || !strings.Contains(body, "kind=timeout") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestParseLevelDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"", LevelInfo},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
