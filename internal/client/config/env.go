package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const EnvPrefix = "GOPHSYNC_"

// applyEnv overlays cfg with GOPHSYNC_* variables. Set but empty variables
// are ignored; malformed numbers and durations are errors.
func applyEnv(cfg *Config, env Env) error {
	get := func(name string) (string, bool) {
		v, ok := env(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	strs := map[string]*string{
		"DB":                  &cfg.DatabasePath,
		"TRANSPORT":           &cfg.Transport,
		"SERVER_URL":          &cfg.ServerURL,
		"GRPC_ADDR":           &cfg.GRPCAddr,
		"STREAM":              &cfg.Stream,
		"STREAM_URL":          &cfg.StreamURL,
		"TOKEN":               &cfg.Token,
		"IDENTITY":            &cfg.Identity,
		"KAFKA_TOPIC":         &cfg.KafkaTopic,
		"SNAPSHOT_BUCKET":     &cfg.Snapshot.Bucket,
		"SNAPSHOT_KEY":        &cfg.Snapshot.Key,
		"SNAPSHOT_REGION":     &cfg.Snapshot.Region,
		"SNAPSHOT_ENDPOINT":   &cfg.Snapshot.Endpoint,
		"SNAPSHOT_ACCESS_KEY": &cfg.Snapshot.AccessKey,
		"SNAPSHOT_SECRET_KEY": &cfg.Snapshot.SecretKey,
		"LOG_LEVEL":           &cfg.LogLevel,
		"LOG_FORMAT":          &cfg.LogFormat,
		"METRICS_ADDR":        &cfg.MetricsAddr,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	if v, ok := get("KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitList(v)
	}

	var errs []error
	durations := map[string]*time.Duration{
		"POLL_INTERVAL":         &cfg.PollInterval,
		"PROMOTE_AFTER":         &cfg.PromoteAfter,
		"ONLINE_CHECK_INTERVAL": &cfg.OnlineCheckInterval,
		"DEDUP_TTL":             &cfg.DedupTTL,
		"ECHO_WINDOW":           &cfg.EchoWindow,
	}
	for name, dst := range durations {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				continue
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"DEDUP_CAPACITY":    &cfg.DedupCapacity,
		"BATCH_SIZE":        &cfg.BatchSize,
		"PARALLELISM":       &cfg.Parallelism,
		"MAX_RETRIES":       &cfg.MaxRetries,
		"DECRYPT_THRESHOLD": &cfg.DecryptThreshold,
	}
	for name, dst := range ints {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				continue
			}
			*dst = n
		}
	}

	if v, ok := get("DEFERRED_ENCRYPTION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDEFERRED_ENCRYPTION: %w", EnvPrefix, err))
		} else {
			cfg.DeferredEncryption = b
		}
	}
	if v, ok := get("KDF_MEMORY_KIB"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sKDF_MEMORY_KIB: %w", EnvPrefix, err))
		} else {
			cfg.KDFMemoryKiB = uint32(n)
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
