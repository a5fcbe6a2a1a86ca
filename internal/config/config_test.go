package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
logging:
  level: debug
source:
  strategy: page
scheduler:
  enabled: true
  timezone: Europe/London
`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level=%q", cfg.Logging.Level)
	}
	if cfg.Product.URL != DefaultProductURL || len(cfg.Product.Options) != 3 {
		t.Fatalf("product defaults not applied: %+v", cfg.Product)
	}
	if cfg.Scheduler.Tick != "10s" || cfg.Scheduler.DefaultTime != DefaultScheduleTime {
		t.Fatalf("scheduler defaults not applied: %+v", cfg.Scheduler)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path != DefaultStoragePath {
		t.Fatalf("storage defaults not applied: %+v", cfg.Storage)
	}
	if cfg.Ntfy.Topic != DefaultNtfyTopic || cfg.Ntfy.Server != DefaultNtfyServer {
		t.Fatalf("ntfy defaults not applied: %+v", cfg.Ntfy)
	}
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"logging":{"level":"info"},"bogus":1}`)
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yml", "source:\n  strategy: page\n  nope: true\n")
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := Decode("config.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestExpandEnvOnlyBraced(t *testing.T) {
	t.Setenv("PRICEWATCH_TEST_TOPIC", "my-topic")
	got := string(expandEnv([]byte(`topic: ${PRICEWATCH_TEST_TOPIC} currency: $ price: $5 ${PRICEWATCH_TEST_UNSET}`)))
	want := `topic: my-topic currency: $ price: $5 `
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestLoadEnvSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("PRICEWATCH_TEST_FROM_DOTENV=yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PRICEWATCH_TEST_FROM_DOTENV", "")
	os.Unsetenv("PRICEWATCH_TEST_FROM_DOTENV")
	if err := LoadEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("PRICEWATCH_TEST_FROM_DOTENV"); got != "yes" {
		t.Fatalf("got %q", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults ok", mutate: func(*Config) {}},
		{name: "unknown strategy", mutate: func(c *Config) { c.Source.Strategy = "carrier-pigeon" }, wantErr: "source.strategy"},
		{name: "api needs endpoint", mutate: func(c *Config) { c.Source.Strategy = "api" }, wantErr: "source.api.endpoint"},
		{name: "tick too long", mutate: func(c *Config) { c.Scheduler.Tick = "2m" }, wantErr: "scheduler.tick"},
		{name: "tick too short", mutate: func(c *Config) { c.Scheduler.Tick = "100ms" }, wantErr: "scheduler.tick"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "scheduler.timezone"},
		{name: "bad default time", mutate: func(c *Config) { c.Scheduler.DefaultTime = "9am" }, wantErr: "scheduler.default_time"},
		{name: "postgres needs dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "tape" }, wantErr: "storage.driver"},
		{name: "bad duration", mutate: func(c *Config) { c.Source.Timeout = "soon" }, wantErr: "source.timeout"},
		{name: "telegram needs chat", mutate: func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.Token = "x"
		}, wantErr: "telegram"},
		{name: "kafka needs topic", mutate: func(c *Config) {
			c.Export.Kafka.Enabled = true
			c.Export.Kafka.Brokers = []string{"localhost:9092"}
		}, wantErr: "export.kafka"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	changed, err := m.Reload(ctx)
	if err != nil || changed {
		t.Fatalf("unchanged reload: changed=%v err=%v", changed, err)
	}

	if err := os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err = m.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("changed reload: changed=%v err=%v", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level=%q", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	if err := os.WriteFile(p, []byte(`{"scheduler":{"tick":"5m"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config must not replace the committed one")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{}
	ApplyDefaults(a)
	b := &Config{}
	ApplyDefaults(b)
	b.Telegram.Token = "secret-token"
	b.Storage.Driver = "redis"
	b.Storage.DSN = "redis://:hunter2@localhost:6379/0"

	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "storage,telegram" {
		t.Fatalf("changed=%v", changed)
	}
	if got := RestartRequired(changed); len(got) != 2 {
		t.Fatalf("restart required=%v", got)
	}
}

func TestYAMLToJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, in, want string
	}{
		{name: "empty", in: "  \n", want: `{}`},
		{name: "comment only", in: "# nothing\n", want: `{}`},
		{name: "nested", in: "a:\n  b: [1, x]\n", want: `{"a":{"b":[1,"x"]}}`},
		{name: "int keys", in: "1: one\n", want: `{"1":"one"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := yamlToJSON([]byte(tt.in))
			if err != nil {
				t.Fatalf("yamlToJSON: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}
