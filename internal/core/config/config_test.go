package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/critical-images/internal/critical"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults_AreValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.Policy() != critical.DefaultPolicy() {
		t.Fatalf("default policy mismatch: %+v", cfg.Policy.Policy())
	}
	if cfg.Store.Driver != StoreRedis || cfg.Store.OpTimeout != 250*time.Millisecond {
		t.Fatalf("store defaults: %+v", cfg.Store)
	}
	if cfg.Cohort.Name != "critical_images" || cfg.Cohort.TTL != 168*time.Hour {
		t.Fatalf("cohort defaults: %+v", cfg.Cohort)
	}
	if cfg.Compute.FlushInterval != 30*time.Second {
		t.Fatalf("flush interval=%v", cfg.Compute.FlushInterval)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, `
addr: ":9000"
store:
  driver: sqlite
  sqlite_path: /tmp/props.db
policy:
  fresh_ttl: 5m
  promote_ratio: 0.7
  unknown_images: critical
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
`)
	t.Setenv("ADDR", ":9100")
	t.Setenv("PROMOTE_RATIO", "0.8")
	t.Setenv("KAFKA_BROKERS", "k3:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("addr=%q want env value", cfg.Addr)
	}
	if cfg.Store.Driver != StoreSQLite || cfg.Store.SQLitePath != "/tmp/props.db" {
		t.Fatalf("store=%+v want yaml values", cfg.Store)
	}
	p := cfg.Policy.Policy()
	if p.FreshTTL != 5*time.Minute || p.PromoteRatio != 0.8 || p.UnknownImages != critical.UnknownCritical {
		t.Fatalf("policy=%+v", p)
	}
	if p.DemoteRatio != 0.3 {
		t.Fatalf("unset fields keep defaults; demote=%v", p.DemoteRatio)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "k3:9092" {
		t.Fatalf("kafka=%+v", cfg.Kafka)
	}
	if cfg.Kafka.Topic != "critical-image-beacons" {
		t.Fatalf("topic=%q want default", cfg.Kafka.Topic)
	}
}

func TestFromEnv_ReadsConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeFile(t, "store:\n  driver: memory\n"))
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Store.Driver != StoreMemory {
		t.Fatalf("driver=%q want memory", cfg.Store.Driver)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("COMPUTE_WORKERS", "lots")
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":  func(c *Config) { c.Store.Driver = "etcd" },
		"sqlite no path":  func(c *Config) { c.Store.Driver = StoreSQLite; c.Store.SQLitePath = "" },
		"no cohort":       func(c *Config) { c.Cohort.Name = " " },
		"bad policy":      func(c *Config) { c.Policy.DemoteRatio = 0.9 },
		"no workers":      func(c *Config) { c.Compute.Workers = 0 },
		"kafka no topic":  func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Topic = "" },
		"zero op timeout": func(c *Config) { c.Store.OpTimeout = 0 },
		"negative purge":  func(c *Config) { c.Store.PurgeInterval = -time.Second },
		"log sample > 1":  func(c *Config) { c.Beacon.LogSample = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "policy: [unclosed")); err == nil {
		t.Fatalf("expected yaml error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "policy:\n  fresh_ttl: 5m\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c Config) { got <- c }) }()

	// give the watcher time to register before writing
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-got:
			if c.Policy.FreshTTL != time.Minute {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("policy:\n  fresh_ttl: 1m\n"), 0o600); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}

func TestWatch_ReloadsAfterRenameSave(t *testing.T) {
	path := writeFile(t, "policy:\n  fresh_ttl: 5m\n")
	dir := filepath.Dir(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 8)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c Config) { got <- c }) }()

	save := func(body string) {
		tmp := filepath.Join(dir, "config.yaml.tmp")
		if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
			t.Fatalf("write tmp: %v", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			t.Fatalf("rename: %v", err)
		}
	}

	// two rename saves in a row: the second only lands if the watch
	// outlived the first replacement
	wants := []time.Duration{time.Minute, 2 * time.Minute}
	bodies := []string{"policy:\n  fresh_ttl: 1m\n", "policy:\n  fresh_ttl: 2m\n"}
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for i := 0; i < len(wants); {
		select {
		case c := <-got:
			if c.Policy.FreshTTL == wants[i] {
				i++
			}
		case <-tick.C:
			save(bodies[i])
		case <-deadline:
			t.Fatalf("reload %d after rename save not observed", i+1)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestWatch_MissingFile(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), nil, func(Config) {})
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
