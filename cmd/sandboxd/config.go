package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sandboxd/internal/common/cache"
	"sandboxd/internal/common/db"
	"sandboxd/internal/common/mq"
	"sandboxd/internal/common/storage"
	"sandboxd/internal/sandbox"
	"sandboxd/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultThreads         = 2
	defaultRetryPause      = 2 * time.Second
	defaultMountRoot       = "/mnt/bindings"
	defaultMirrorInterval  = time.Second
	defaultMirrorTTL       = 15 * time.Second
	defaultStepTopic       = "sandbox.steps"
	defaultArchivePrefix   = "transcripts"
	defaultMetricsNS       = "sandboxd"
	defaultPruneInterval   = time.Hour
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// EngineConfig selects the backend and how bindings are mounted.
type EngineConfig struct {
	sandbox.Options `yaml:",inline"`

	// LocalUserID defaults to the uid of this process.
	LocalUserID       *int   `yaml:"localUserId"`
	MountRoot         string `yaml:"mountRoot"`
	ScratchDir        string `yaml:"scratchDir"`
	TimeoutMultiplier int    `yaml:"timeoutMultiplier"`
	// DocumentRoot resolves relative file bindings of submitted executions.
	DocumentRoot string `yaml:"documentRoot"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Threads    int           `yaml:"threads"`
	RetryPause time.Duration `yaml:"retryPause"`
}

// RedisConfig enables the queue mirror when Addr is set.
type RedisConfig struct {
	cache.RedisConfig `yaml:",inline"`

	MirrorInterval time.Duration `yaml:"mirrorInterval"`
	MirrorTTL      time.Duration `yaml:"mirrorTTL"`
}

// KafkaConfig enables step events when Brokers is set.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Async        bool          `yaml:"async"`
}

// ArchiveConfig places transcripts inside the MinIO bucket.
type ArchiveConfig struct {
	Prefix string `yaml:"prefix"`
}

// HistoryConfig enables the execution history store when DSN is set.
type HistoryConfig struct {
	db.Config `yaml:",inline"`

	// Retention of zero keeps records forever.
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// AppConfig holds sandboxd config.
type AppConfig struct {
	NodeID  string              `yaml:"nodeID"`
	Server  ServerConfig        `yaml:"server"`
	Logger  logger.Config       `yaml:"logger"`
	Engine  EngineConfig        `yaml:"engine"`
	Worker  WorkerConfig        `yaml:"worker"`
	Redis   RedisConfig         `yaml:"redis"`
	Kafka   KafkaConfig         `yaml:"kafka"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
	Archive ArchiveConfig       `yaml:"archive"`
	History HistoryConfig       `yaml:"history"`
	Metrics MetricsConfig       `yaml:"metrics"`
}

// loadYAML expands ${VAR} references from the environment before decoding.
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("nodeID is required: %w", err)
		}
		cfg.NodeID = host
	}
	applyServerDefaults(&cfg.Server)
	if err := applyEngineDefaults(&cfg.Engine); err != nil {
		return nil, err
	}
	if cfg.Worker.Threads <= 0 {
		cfg.Worker.Threads = defaultThreads
	}
	if cfg.Worker.RetryPause <= 0 {
		cfg.Worker.RetryPause = defaultRetryPause
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultStepTopic
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "sandboxd-" + cfg.NodeID
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = defaultArchivePrefix + "/" + cfg.NodeID
	}
	if cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required when minio is configured")
	}
	if cfg.History.DSN != "" && cfg.History.Driver == "" {
		cfg.History.Driver = "sqlite"
	}
	if cfg.History.PruneInterval <= 0 {
		cfg.History.PruneInterval = defaultPruneInterval
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultMetricsNS
	}
	return &cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
}

func applyEngineDefaults(cfg *EngineConfig) error {
	switch cfg.Kind {
	case "", sandbox.KindDocker, sandbox.KindDockerReuse, sandbox.KindLocal:
	default:
		return fmt.Errorf("unknown engine backend %q", cfg.Kind)
	}
	if cfg.LocalUserID == nil {
		uid := os.Getuid()
		cfg.LocalUserID = &uid
	}
	if cfg.TempRoot == "" {
		cfg.TempRoot = os.TempDir()
	}
	if cfg.MountRoot == "" {
		cfg.MountRoot = defaultMountRoot
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(cfg.TempRoot, "sandboxd-steps")
	}
	if cfg.TimeoutMultiplier == 0 {
		cfg.TimeoutMultiplier = 1
	}
	if cfg.TimeoutMultiplier < 1 {
		return fmt.Errorf("engine timeoutMultiplier must be at least 1, got %d", cfg.TimeoutMultiplier)
	}
	if cfg.DocumentRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve documentRoot: %w", err)
		}
		cfg.DocumentRoot = wd
	}
	return nil
}

func applyRedisDefaults(cfg *RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MirrorInterval == 0 {
		cfg.MirrorInterval = defaultMirrorInterval
	}
	if cfg.MirrorTTL == 0 {
		cfg.MirrorTTL = defaultMirrorTTL
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Async:        k.Async,
	}
}
