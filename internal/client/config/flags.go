package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flag names shared by BindFlags and applyFlags.
const (
	FlagConfig              = "config"
	FlagDB                  = "db"
	FlagTransport           = "transport"
	FlagServer              = "server"
	FlagGRPCAddr            = "grpc-addr"
	FlagStream              = "stream"
	FlagStreamURL           = "stream-url"
	FlagToken               = "token"
	FlagIdentity            = "identity"
	FlagKafkaBrokers        = "kafka-brokers"
	FlagKafkaTopic          = "kafka-topic"
	FlagSnapshotBucket      = "snapshot-bucket"
	FlagSnapshotKey         = "snapshot-key"
	FlagSnapshotRegion      = "snapshot-region"
	FlagSnapshotEndpoint    = "snapshot-endpoint"
	FlagPollInterval        = "poll-interval"
	FlagPromoteAfter        = "promote-after"
	FlagOnlineCheckInterval = "online-check-interval"
	FlagDedupTTL            = "dedup-ttl"
	FlagDedupCapacity       = "dedup-capacity"
	FlagEchoWindow          = "echo-window"
	FlagBatchSize           = "batch-size"
	FlagParallelism         = "parallelism"
	FlagMaxRetries          = "max-retries"
	FlagDecryptThreshold    = "decrypt-threshold"
	FlagDeferred            = "deferred-encryption"
	FlagLogLevel            = "log-level"
	FlagLogFormat           = "log-format"
	FlagMetricsAddr         = "metrics-addr"
	FlagKDFMemory           = "kdf-memory"
)

// BindFlags registers every setting on fs. Defaults shown in help come
// from LoadDefaults; only flags the user sets override other sources.
func BindFlags(fs *pflag.FlagSet) {
	var d Config
	d.LoadDefaults()

	fs.StringP(FlagConfig, "c", "", "config file (JSON, or YAML by .yaml/.yml extension)")
	fs.String(FlagDB, d.DatabasePath, "path of the local database")
	fs.String(FlagTransport, d.Transport, "remote transport (http|grpc)")
	fs.StringP(FlagServer, "a", d.ServerURL, "base URL of the HTTP API")
	fs.String(FlagGRPCAddr, d.GRPCAddr, "address of the gRPC endpoint")
	fs.String(FlagStream, d.Stream, "change stream (ws|kafka|none)")
	fs.String(FlagStreamURL, d.StreamURL, "WebSocket stream URL (derived from --server when empty)")
	fs.String(FlagToken, d.Token, "bearer token")
	fs.String(FlagIdentity, d.Identity, "user identity the key is derived for")
	fs.StringSlice(FlagKafkaBrokers, nil, "Kafka brokers")
	fs.String(FlagKafkaTopic, d.KafkaTopic, "Kafka change topic")
	fs.String(FlagSnapshotBucket, "", "S3 bucket of the bulk snapshot")
	fs.String(FlagSnapshotKey, "", "S3 object key of the bulk snapshot")
	fs.String(FlagSnapshotRegion, "", "S3 region")
	fs.String(FlagSnapshotEndpoint, "", "S3 endpoint override")
	fs.Duration(FlagPollInterval, d.PollInterval, "poll interval")
	fs.Duration(FlagPromoteAfter, d.PromoteAfter, "realtime downtime before polling takes over")
	fs.DurationP(FlagOnlineCheckInterval, "i", d.OnlineCheckInterval, "reachability probe interval")
	fs.Duration(FlagDedupTTL, d.DedupTTL, "how long delivered event ids are remembered")
	fs.Int(FlagDedupCapacity, d.DedupCapacity, "maximum remembered event ids")
	fs.Duration(FlagEchoWindow, d.EchoWindow, "how long local writes are matched against echoes")
	fs.Int(FlagBatchSize, d.BatchSize, "rows per storage batch")
	fs.Int(FlagParallelism, d.Parallelism, "tables hydrated in parallel")
	fs.Int(FlagMaxRetries, d.MaxRetries, "delivery attempts before a queued write is discarded")
	fs.Int(FlagDecryptThreshold, d.DecryptThreshold, "consecutive decrypt failures before sync is degraded")
	fs.Bool(FlagDeferred, d.DeferredEncryption, "store rows in plaintext until shutdown")
	fs.String(FlagLogLevel, d.LogLevel, "log level (debug|info|warn|error)")
	fs.String(FlagLogFormat, d.LogFormat, "log format (text|json)")
	fs.String(FlagMetricsAddr, d.MetricsAddr, "address to serve /metrics on (disabled when empty)")
	fs.Uint32(FlagKDFMemory, d.KDFMemoryKiB, "argon2 memory in KiB")
}

// applyFlags copies the flags the user set. Flags missing from fs are
// skipped so commands may bind a subset.
func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	changed := func(name string) bool {
		f := fs.Lookup(name)
		return f != nil && f.Changed
	}

	strs := map[string]*string{
		FlagDB:               &cfg.DatabasePath,
		FlagTransport:        &cfg.Transport,
		FlagServer:           &cfg.ServerURL,
		FlagGRPCAddr:         &cfg.GRPCAddr,
		FlagStream:           &cfg.Stream,
		FlagStreamURL:        &cfg.StreamURL,
		FlagToken:            &cfg.Token,
		FlagIdentity:         &cfg.Identity,
		FlagKafkaTopic:       &cfg.KafkaTopic,
		FlagSnapshotBucket:   &cfg.Snapshot.Bucket,
		FlagSnapshotKey:      &cfg.Snapshot.Key,
		FlagSnapshotRegion:   &cfg.Snapshot.Region,
		FlagSnapshotEndpoint: &cfg.Snapshot.Endpoint,
		FlagLogLevel:         &cfg.LogLevel,
		FlagLogFormat:        &cfg.LogFormat,
		FlagMetricsAddr:      &cfg.MetricsAddr,
	}
	for name, dst := range strs {
		if !changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		FlagPollInterval:        &cfg.PollInterval,
		FlagPromoteAfter:        &cfg.PromoteAfter,
		FlagOnlineCheckInterval: &cfg.OnlineCheckInterval,
		FlagDedupTTL:            &cfg.DedupTTL,
		FlagEchoWindow:          &cfg.EchoWindow,
	}
	for name, dst := range durations {
		if !changed(name) {
			continue
		}
		v, err := fs.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	ints := map[string]*int{
		FlagDedupCapacity:    &cfg.DedupCapacity,
		FlagBatchSize:        &cfg.BatchSize,
		FlagParallelism:      &cfg.Parallelism,
		FlagMaxRetries:       &cfg.MaxRetries,
		FlagDecryptThreshold: &cfg.DecryptThreshold,
	}
	for name, dst := range ints {
		if !changed(name) {
			continue
		}
		v, err := fs.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if changed(FlagKafkaBrokers) {
		v, err := fs.GetStringSlice(FlagKafkaBrokers)
		if err != nil {
			return err
		}
		cfg.KafkaBrokers = v
	}
	if changed(FlagDeferred) {
		v, err := fs.GetBool(FlagDeferred)
		if err != nil {
			return err
		}
		cfg.DeferredEncryption = v
	}
	if changed(FlagKDFMemory) {
		v, err := fs.GetUint32(FlagKDFMemory)
		if err != nil {
			return err
		}
		cfg.KDFMemoryKiB = v
	}
	return nil
}

// ConfigPath returns the --config value, if bound.
func ConfigPath(fs *pflag.FlagSet) string {
	if fs.Lookup(FlagConfig) == nil {
		return ""
	}
	p, _ := fs.GetString(FlagConfig)
	return p
}
