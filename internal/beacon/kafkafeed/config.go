package kafkafeed

import "time"

// Config is shared by the consumer runner and the publisher. The env tags
// are read by the service configuration loader.
type Config struct {
	Enabled bool `yaml:"enabled" env:"BEACON_KAFKA_ENABLED"`

	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"BEACON_TOPIC"`
	GroupID string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`

	SessionTimeout   time.Duration `yaml:"session_timeout" env:"KAFKA_SESSION_TIMEOUT"`
	Heartbeat        time.Duration `yaml:"heartbeat" env:"KAFKA_HEARTBEAT"`
	RebalanceTimeout time.Duration `yaml:"rebalance_timeout" env:"KAFKA_REBALANCE_TIMEOUT"`
	InitialOldest    bool          `yaml:"initial_oldest" env:"KAFKA_INITIAL_OLDEST"`

	// PublishQueue bounds beacons waiting for the async producer.
	PublishQueue int `yaml:"publish_queue" env:"BEACON_PUBLISH_QUEUE"`
}

func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		Topic:            "critical-image-beacons",
		GroupID:          "critical-images-finder",
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    true,
		PublishQueue:     1024,
	}
}
