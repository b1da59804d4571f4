// Package config handles loading of BleepStore's process configuration
// from environment variables.
package config

import (
	"encoding/base64"
	"os"
	"strconv"
	"strings"
)

// Config is the top-level configuration for BleepStore, populated
// entirely from environment variables (see Load).
type Config struct {
	Server      ServerConfig
	Auth        AuthConfig
	Quota       QuotaConfig
	WAL         WALConfig
	Cluster     ClusterConfig
	Housekeeper HousekeeperConfig
	Encryption  EncryptionConfig
	CloudMirror CloudMirrorConfig
	Logging     LoggingConfig
	Metrics     MetricsConfig
}

// ServerConfig holds HTTP listener and storage root settings.
type ServerConfig struct {
	Host          string
	Port          int
	Region        string
	StoragePath   string
	MaxObjectSize int64
}

// AuthConfig holds the default SigV4 credential.
type AuthConfig struct {
	AccessKey string
	SecretKey string
}

// QuotaConfig holds per-bucket quota and stats accounting settings.
type QuotaConfig struct {
	Enabled           bool
	DefaultQuotaBytes int64
	FlushInterval     int // milliseconds
}

// WALConfig holds write-ahead log settings.
type WALConfig struct {
	Enabled bool
	Path    string
	NodeID  string
}

// ClusterConfig holds replication settings shared by the server (which only
// emits WAL records) and the standalone replicator process.
type ClusterConfig struct {
	Nodes            []string
	BatchIntervalMS  int
	MaxBatchSize     int
	StatePath        string
}

// HousekeeperConfig holds background empty-directory cleanup settings.
type HousekeeperConfig struct {
	Enabled        bool
	IntervalMinute int
}

// EncryptionConfig holds server-side encryption settings.
type EncryptionConfig struct {
	Enabled   bool
	MasterKey []byte // optional; nil means per-object keys are unwrapped
}

// CloudMirrorConfig holds optional off-site cloud replication peer settings.
type CloudMirrorConfig struct {
	Provider       string // "none", "aws", "gcp", "azure"
	Bucket         string
	Prefix         string
	AWSRegion      string
	GCPProject     string
	AzureAccountURL string
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds Prometheus registration settings.
type MetricsConfig struct {
	Enabled bool
}

// Load builds a Config by reading environment variables, applying the
// defaults documented in SPEC_FULL.md §6 for anything unset.
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:        envString("HTTP_HOST", "0.0.0.0"),
			Port:        envInt("HTTP_PORT", 9000),
			Region:      envString("AWS_REGION", "us-east-1"),
			StoragePath: envString("STORAGE_PATH", "/s3"),
			MaxObjectSize: envInt64("MAX_OBJECT_SIZE_BYTES", 5*1024*1024*1024),
		},
		Auth: AuthConfig{
			AccessKey: envString("ACCESS_KEY", "bleepstore"),
			SecretKey: envString("SECRET_KEY", "bleepstore-secret"),
		},
		Quota: QuotaConfig{
			Enabled:           envBool("ENABLE_QUOTA_AND_STATS", false),
			DefaultQuotaBytes: envInt64("BUCKET_QUOTA_BYTES", 5*1024*1024*1024),
			FlushInterval:     envInt("QUOTA_FLUSH_INTERVAL_MS", 1000),
		},
		WAL: WALConfig{
			Enabled: envBoolTF("ENABLE_WAL", false),
			Path:    envString("WAL_PATH", "/wal"),
			NodeID:  envString("NODE_ID", "node-1"),
		},
		Cluster: ClusterConfig{
			Nodes:           envList("CLUSTER_NODES"),
			BatchIntervalMS: envInt("BATCH_INTERVAL_MS", 5000),
			MaxBatchSize:    envInt("MAX_BATCH_SIZE", 1000),
			StatePath:       envString("STATE_PATH", "/state"),
		},
		Housekeeper: HousekeeperConfig{
			Enabled:        envBool("AUTO_REMOVE_EMPTY_FOLDERS", false),
			IntervalMinute: envInt("AUTO_REMOVE_EMPTY_FOLDERS_EVERY_X_MIN", 5),
		},
		Encryption: EncryptionConfig{
			Enabled:   envBoolTF("ENABLE_ENCRYPTION", false),
			MasterKey: envBase64("ENCRYPTION_KEY"),
		},
		CloudMirror: CloudMirrorConfig{
			Provider:        strings.ToLower(envString("CLOUD_MIRROR_PROVIDER", "none")),
			Bucket:          envString("CLOUD_MIRROR_BUCKET", ""),
			Prefix:          envString("CLOUD_MIRROR_PREFIX", ""),
			AWSRegion:       envString("CLOUD_MIRROR_AWS_REGION", "us-east-1"),
			GCPProject:      envString("CLOUD_MIRROR_GCP_PROJECT", ""),
			AzureAccountURL: envString("CLOUD_MIRROR_AZURE_ACCOUNT_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
		Metrics: MetricsConfig{
			Enabled: envBool("METRICS_ENABLED", true),
		},
	}

	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in anything still at its zero value after reading the
// environment, mirroring the struct's documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.StoragePath == "" {
		cfg.Server.StoragePath = "/s3"
	}
	if cfg.Quota.DefaultQuotaBytes == 0 {
		cfg.Quota.DefaultQuotaBytes = 5 * 1024 * 1024 * 1024
	}
	if cfg.Quota.FlushInterval == 0 {
		cfg.Quota.FlushInterval = 1000
	}
	if cfg.WAL.Path == "" {
		cfg.WAL.Path = "/wal"
	}
	if cfg.WAL.NodeID == "" {
		cfg.WAL.NodeID = "node-1"
	}
	if cfg.Cluster.BatchIntervalMS == 0 {
		cfg.Cluster.BatchIntervalMS = 5000
	}
	if cfg.Cluster.MaxBatchSize == 0 {
		cfg.Cluster.MaxBatchSize = 1000
	}
	if cfg.Cluster.StatePath == "" {
		cfg.Cluster.StatePath = "/state"
	}
	if cfg.Housekeeper.IntervalMinute == 0 {
		cfg.Housekeeper.IntervalMinute = 5
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// envBool parses "0"/"1" style booleans (ENABLE_QUOTA_AND_STATS,
// AUTO_REMOVE_EMPTY_FOLDERS, METRICS_ENABLED).
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}

// envBoolTF parses "true"/"false" style booleans (ENABLE_WAL,
// ENABLE_ENCRYPTION).
func envBoolTF(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func envBase64(key string) []byte {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
