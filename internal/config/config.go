package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Integrity IntegrityConfig `yaml:"integrity"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// IntegrityConfig tunes the balance-integrity engine. Zero values mean the
// defaults in internal/money.
type IntegrityConfig struct {
	MaxAbsDeltaUSD    float64 `yaml:"max_abs_delta_usd"`
	DriftToleranceUSD float64 `yaml:"drift_tolerance_usd"`
	SweepInterval     string  `yaml:"sweep_interval"`
	AutoRepair        bool    `yaml:"auto_repair"`
}

// SweepEvery parses the sweep interval, defaulting to 10 minutes.
func (c IntegrityConfig) SweepEvery() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// Load reads the yaml file, after loading .env if one is present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	return &cfg, nil
}
