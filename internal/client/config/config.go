package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"

	StreamWebSocket = "ws"
	StreamKafka     = "kafka"
	StreamNone      = "none"
)

// S3Snapshot points at an exported dataset used as the bulk hydration
// source. Bucket and Key empty means no snapshot.
type S3Snapshot struct {
	Bucket    string
	Key       string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Config holds runtime settings for the sync daemon and CLI.
type Config struct {
	DatabasePath string

	Transport string
	ServerURL string
	GRPCAddr  string
	Stream    string
	StreamURL string
	Token     string
	Identity  string

	KafkaBrokers []string
	KafkaTopic   string

	Snapshot S3Snapshot

	PollInterval        time.Duration
	PromoteAfter        time.Duration
	OnlineCheckInterval time.Duration
	DedupTTL            time.Duration
	DedupCapacity       int
	EchoWindow          time.Duration
	BatchSize           int
	Parallelism         int
	MaxRetries          int
	DecryptThreshold    int
	DeferredEncryption  bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string

	KDFMemoryKiB uint32
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabasePath = "gophsync.db"
	c.Transport = TransportHTTP
	c.ServerURL = "http://127.0.0.1:8080"
	c.GRPCAddr = "127.0.0.1:50051"
	c.Stream = StreamWebSocket
	c.PollInterval = 15 * time.Second
	c.PromoteAfter = 30 * time.Second
	c.OnlineCheckInterval = 10 * time.Second
	c.DedupTTL = 10 * time.Minute
	c.DedupCapacity = 10_000
	c.EchoWindow = 30 * time.Second
	c.BatchSize = 200
	c.Parallelism = 4
	c.MaxRetries = 5
	c.DecryptThreshold = 5
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.KDFMemoryKiB = 64 * 1024
}

// Env looks up an environment variable.
type Env func(key string) (string, bool)

type LoadOptions struct {
	// Path is the config file. When empty GOPHSYNC_CONFIG is consulted;
	// with neither no file is read.
	Path string
	// Env defaults to os.LookupEnv.
	Env Env
	// Flags, if set, overlay the values of flags the user actually set.
	Flags *pflag.FlagSet
}

// Load applies defaults, then the config file, then GOPHSYNC_* variables,
// then explicitly set flags. Later sources win.
func Load(opts LoadOptions) (*Config, error) {
	if opts.Env == nil {
		opts.Env = os.LookupEnv
	}
	if opts.Path == "" {
		opts.Path, _ = opts.Env(EnvPrefix + "CONFIG")
	}
	cfg := &Config{}
	cfg.LoadDefaults()

	if opts.Path != "" {
		if err := loadFile(cfg, opts.Path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, opts.Env); err != nil {
		return nil, err
	}
	if opts.Flags != nil {
		if err := applyFlags(cfg, opts.Flags); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportHTTP, TransportGRPC:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Stream {
	case StreamWebSocket, StreamNone:
	case StreamKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			errs = append(errs, errors.New("kafka stream needs brokers and a topic"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown stream %q", c.Stream))
	}
	if (c.Snapshot.Bucket == "") != (c.Snapshot.Key == "") {
		errs = append(errs, errors.New("snapshot needs both bucket and key"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path is empty"))
	}
	return errors.Join(errs...)
}
