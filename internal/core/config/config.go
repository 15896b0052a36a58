// Package config loads the service configuration: built-in defaults, then
// an optional YAML file named by CONFIG_FILE, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/critical-images/internal/beacon/kafkafeed"
	"github.com/mohammed-shakir/critical-images/internal/critical"
)

const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

type Config struct {
	Addr       string `yaml:"addr" env:"ADDR"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`
	LogConsole bool   `yaml:"log_console" env:"LOG_CONSOLE"`
	LogSampleN int    `yaml:"log_sample_n" env:"LOG_SAMPLE_N"`

	MetricsEnabled bool   `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsPath    string `yaml:"metrics_path" env:"METRICS_PATH"`

	// StrictOrdering panics on accessor calls made before the driver was
	// populated. Meant for debug builds.
	StrictOrdering bool `yaml:"strict_ordering" env:"STRICT_ORDERING"`

	Store   StoreConfig      `yaml:"store"`
	Cohort  CohortConfig     `yaml:"cohort"`
	Policy  PolicyConfig     `yaml:"policy"`
	Compute ComputeConfig    `yaml:"compute"`
	Beacon  BeaconConfig     `yaml:"beacon"`
	Kafka   kafkafeed.Config `yaml:"kafka"`
}

type StoreConfig struct {
	Driver            string        `yaml:"driver" env:"STORE_DRIVER"`
	RedisAddr         string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB           int           `yaml:"redis_db" env:"REDIS_DB"`
	RedisPoolSize     int           `yaml:"redis_pool_size" env:"REDIS_POOL_SIZE"`
	RedisMinIdleConns int           `yaml:"redis_min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`
	RedisDialTimeout  time.Duration `yaml:"redis_dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	SQLitePath        string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MemorySize        int           `yaml:"memory_size" env:"MEMORY_STORE_SIZE"`
	OpTimeout         time.Duration `yaml:"op_timeout" env:"STORE_OP_TIMEOUT"`
	// PurgeInterval is how often backends that keep expired rows are swept.
	PurgeInterval time.Duration `yaml:"purge_interval" env:"STORE_PURGE_INTERVAL"`
}

type CohortConfig struct {
	Name string        `yaml:"name" env:"COHORT_NAME"`
	TTL  time.Duration `yaml:"ttl" env:"COHORT_TTL"`
}

type PolicyConfig struct {
	FreshTTL        time.Duration               `yaml:"fresh_ttl" env:"FRESH_TTL"`
	MinSupport      int64                       `yaml:"min_support" env:"MIN_SUPPORT"`
	PromoteRatio    float64                     `yaml:"promote_ratio" env:"PROMOTE_RATIO"`
	DemoteRatio     float64                     `yaml:"demote_ratio" env:"DEMOTE_RATIO"`
	MinImageSupport float64                     `yaml:"min_image_support" env:"MIN_IMAGE_SUPPORT"`
	DemotionWindow  time.Duration               `yaml:"demotion_window" env:"DEMOTION_WINDOW"`
	PruneBelow      float64                     `yaml:"prune_below" env:"PRUNE_BELOW"`
	UnknownImages   critical.UnknownImagePolicy `yaml:"unknown_images" env:"UNKNOWN_IMAGE_POLICY"`
}

type ComputeConfig struct {
	Workers       int           `yaml:"workers" env:"COMPUTE_WORKERS"`
	Queue         int           `yaml:"queue" env:"COMPUTE_QUEUE"`
	Timeout       time.Duration `yaml:"timeout" env:"COMPUTE_TIMEOUT"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

type BeaconConfig struct {
	DedupeSize int `yaml:"dedupe_size" env:"BEACON_DEDUPE_SIZE"`
	// LogSample is the fraction of pages whose beacons are logged at debug.
	LogSample float64 `yaml:"log_sample" env:"BEACON_LOG_SAMPLE"`
}

func Defaults() Config {
	p := critical.DefaultPolicy()
	return Config{
		Addr:           ":8090",
		LogLevel:       "info",
		LogSampleN:     1,
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
		Store: StoreConfig{
			Driver:            StoreRedis,
			RedisAddr:         "localhost:6379",
			RedisPoolSize:     64,
			RedisMinIdleConns: 4,
			RedisDialTimeout:  2 * time.Second,
			SQLitePath:        "critical-images.db",
			MemorySize:        4096,
			OpTimeout:         250 * time.Millisecond,
			PurgeInterval:     10 * time.Minute,
		},
		Cohort: CohortConfig{Name: "critical_images", TTL: 168 * time.Hour},
		Policy: PolicyConfig{
			FreshTTL:        p.FreshTTL,
			MinSupport:      p.MinSupport,
			PromoteRatio:    p.PromoteRatio,
			DemoteRatio:     p.DemoteRatio,
			MinImageSupport: p.MinImageSupport,
			DemotionWindow:  p.DemotionWindow,
			PruneBelow:      p.PruneBelow,
			UnknownImages:   p.UnknownImages,
		},
		Compute: ComputeConfig{
			Workers:       4,
			Queue:         256,
			Timeout:       2 * time.Second,
			FlushInterval: 30 * time.Second,
		},
		Beacon: BeaconConfig{DedupeSize: 65536, LogSample: 0.01},
		Kafka:  kafkafeed.DefaultConfig(),
	}
}

// FromEnv loads the configuration, reading the YAML file named by
// CONFIG_FILE when it is set.
func FromEnv() (Config, error) {
	return Load(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
}

// Load layers the YAML file at path (skipped when empty) and then the
// environment over the defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParseEnv overlays environment variables on target. Unset variables leave
// fields untouched.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c PolicyConfig) Policy() critical.Policy {
	return critical.Policy{
		FreshTTL:        c.FreshTTL,
		MinSupport:      c.MinSupport,
		PromoteRatio:    c.PromoteRatio,
		DemoteRatio:     c.DemoteRatio,
		MinImageSupport: c.MinImageSupport,
		DemotionWindow:  c.DemotionWindow,
		PruneBelow:      c.PruneBelow,
		UnknownImages:   c.UnknownImages,
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want redis, sqlite or memory", c.Store.Driver))
	}
	if c.Store.OpTimeout <= 0 {
		errs = append(errs, errors.New("store.op_timeout must be positive"))
	}
	if c.Store.PurgeInterval < 0 {
		errs = append(errs, errors.New("store.purge_interval must not be negative"))
	}
	if strings.TrimSpace(c.Cohort.Name) == "" {
		errs = append(errs, errors.New("cohort.name is required"))
	}
	if c.Cohort.TTL < 0 {
		errs = append(errs, errors.New("cohort.ttl must not be negative"))
	}
	if err := c.Policy.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if c.Compute.Workers <= 0 || c.Compute.Queue <= 0 {
		errs = append(errs, errors.New("compute.workers and compute.queue must be positive"))
	}
	if c.Compute.Timeout <= 0 {
		errs = append(errs, errors.New("compute.timeout must be positive"))
	}
	if c.Beacon.LogSample < 0 || c.Beacon.LogSample > 1 {
		errs = append(errs, errors.New("beacon.log_sample must be within [0,1]"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	return errors.Join(errs...)
}
