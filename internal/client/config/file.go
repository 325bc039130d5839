package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/timex"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape. Zero values leave the current setting
// alone; DeferredEncryption is a pointer so false can be set explicitly.
type fileConfig struct {
	DatabasePath string   `json:"database_path" yaml:"database_path"`
	Transport    string   `json:"transport" yaml:"transport"`
	ServerURL    string   `json:"server_url" yaml:"server_url"`
	GRPCAddr     string   `json:"grpc_addr" yaml:"grpc_addr"`
	Stream       string   `json:"stream" yaml:"stream"`
	StreamURL    string   `json:"stream_url" yaml:"stream_url"`
	Token        string   `json:"token" yaml:"token"`
	Identity     string   `json:"identity" yaml:"identity"`
	KafkaBrokers []string `json:"kafka_brokers" yaml:"kafka_brokers"`
	KafkaTopic   string   `json:"kafka_topic" yaml:"kafka_topic"`

	Snapshot struct {
		Bucket    string `json:"bucket" yaml:"bucket"`
		Key       string `json:"key" yaml:"key"`
		Region    string `json:"region" yaml:"region"`
		Endpoint  string `json:"endpoint" yaml:"endpoint"`
		AccessKey string `json:"access_key" yaml:"access_key"`
		SecretKey string `json:"secret_key" yaml:"secret_key"`
	} `json:"snapshot" yaml:"snapshot"`

	PollInterval        timex.Duration `json:"poll_interval" yaml:"poll_interval"`
	PromoteAfter        timex.Duration `json:"promote_after" yaml:"promote_after"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval" yaml:"online_check_interval"`
	DedupTTL            timex.Duration `json:"dedup_ttl" yaml:"dedup_ttl"`
	DedupCapacity       int            `json:"dedup_capacity" yaml:"dedup_capacity"`
	EchoWindow          timex.Duration `json:"echo_window" yaml:"echo_window"`
	BatchSize           int            `json:"batch_size" yaml:"batch_size"`
	Parallelism         int            `json:"parallelism" yaml:"parallelism"`
	MaxRetries          int            `json:"max_retries" yaml:"max_retries"`
	DecryptThreshold    int            `json:"decrypt_threshold" yaml:"decrypt_threshold"`
	DeferredEncryption  *bool          `json:"deferred_encryption" yaml:"deferred_encryption"`

	LogLevel     string `json:"log_level" yaml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format"`
	MetricsAddr  string `json:"metrics_addr" yaml:"metrics_addr"`
	KDFMemoryKiB uint32 `json:"kdf_memory_kib" yaml:"kdf_memory_kib"`
}

// loadFile overlays cfg with the file at path. Files ending in .yaml or
// .yml are YAML, anything else JSON.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	fc.apply(cfg)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}

func (fc *fileConfig) apply(cfg *Config) {
	setString(&cfg.DatabasePath, fc.DatabasePath)
	setString(&cfg.Transport, fc.Transport)
	setString(&cfg.ServerURL, fc.ServerURL)
	setString(&cfg.GRPCAddr, fc.GRPCAddr)
	setString(&cfg.Stream, fc.Stream)
	setString(&cfg.StreamURL, fc.StreamURL)
	setString(&cfg.Token, fc.Token)
	setString(&cfg.Identity, fc.Identity)
	if len(fc.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = append([]string(nil), fc.KafkaBrokers...)
	}
	setString(&cfg.KafkaTopic, fc.KafkaTopic)

	setString(&cfg.Snapshot.Bucket, fc.Snapshot.Bucket)
	setString(&cfg.Snapshot.Key, fc.Snapshot.Key)
	setString(&cfg.Snapshot.Region, fc.Snapshot.Region)
	setString(&cfg.Snapshot.Endpoint, fc.Snapshot.Endpoint)
	setString(&cfg.Snapshot.AccessKey, fc.Snapshot.AccessKey)
	setString(&cfg.Snapshot.SecretKey, fc.Snapshot.SecretKey)

	setDuration(&cfg.PollInterval, fc.PollInterval)
	setDuration(&cfg.PromoteAfter, fc.PromoteAfter)
	setDuration(&cfg.OnlineCheckInterval, fc.OnlineCheckInterval)
	setDuration(&cfg.DedupTTL, fc.DedupTTL)
	setInt(&cfg.DedupCapacity, fc.DedupCapacity)
	setDuration(&cfg.EchoWindow, fc.EchoWindow)
	setInt(&cfg.BatchSize, fc.BatchSize)
	setInt(&cfg.Parallelism, fc.Parallelism)
	setInt(&cfg.MaxRetries, fc.MaxRetries)
	setInt(&cfg.DecryptThreshold, fc.DecryptThreshold)
	if fc.DeferredEncryption != nil {
		cfg.DeferredEncryption = *fc.DeferredEncryption
	}

	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	if fc.KDFMemoryKiB != 0 {
		cfg.KDFMemoryKiB = fc.KDFMemoryKiB
	}
}
