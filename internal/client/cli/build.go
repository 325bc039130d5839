package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/config"
	"github.com/dmitrijs2005/gophsync/internal/client/engine"
	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/filex"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

// kdfParams turns the configured memory cost into argon2id parameters.
func kdfParams(cfg *config.Config) cryptox.KDFParams {
	p := cryptox.DefaultKDFParams
	if cfg.KDFMemoryKiB > 0 {
		p.MemoryKiB = cfg.KDFMemoryKiB
	}
	return p
}

func newLogger(cfg *config.Config, w io.Writer) (logging.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat, w)
}

// transport is the remote side selected by the config.
type transport struct {
	remote client.Remote
	log    client.EventLog
	stream client.EventStream
	closer io.Closer
}

func (t *transport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// buildTransport constructs the remote client, the event stream and the
// optional S3 snapshot source.
func buildTransport(ctx context.Context, cfg *config.Config, creds *client.Credentials) (*transport, error) {
	t := &transport{}

	switch cfg.Transport {
	case config.TransportGRPC:
		gc, err := client.NewGRPCClient(cfg.GRPCAddr, creds)
		if err != nil {
			return nil, fmt.Errorf("failed to create grpc client: %w", err)
		}
		t.remote, t.log, t.closer = gc, gc, gc
	default:
		hc := client.NewHTTPClient(cfg.ServerURL, creds, client.HTTPOptions{})
		t.remote, t.log = hc, hc
	}

	switch cfg.Stream {
	case config.StreamWebSocket:
		url := cfg.StreamURL
		if url == "" {
			url = client.StreamURLFromBase(cfg.ServerURL)
		}
		t.stream = client.NewWSStream(url, creds)
	case config.StreamKafka:
		t.stream = client.NewKafkaStream(client.KafkaOptions{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
	}

	if cfg.Snapshot.Bucket != "" {
		snap, err := client.NewS3Snapshot(ctx, client.S3Options{
			Bucket:    cfg.Snapshot.Bucket,
			Key:       cfg.Snapshot.Key,
			Region:    cfg.Snapshot.Region,
			Endpoint:  cfg.Snapshot.Endpoint,
			AccessKey: cfg.Snapshot.AccessKey,
			SecretKey: cfg.Snapshot.SecretKey,
		})
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("failed to configure snapshot: %w", err)
		}
		t.remote = client.WithSnapshot(t.remote, snap)
	}
	return t, nil
}

func engineOptions(cfg *config.Config, t *transport, creds *client.Credentials, logger logging.Logger, m *metrics.Metrics) engine.Options {
	return engine.Options{
		Remote:              t.remote,
		Log:                 t.log,
		Stream:              t.stream,
		Credentials:         creds,
		Identity:            cfg.Identity,
		KDF:                 kdfParams(cfg),
		Deferred:            cfg.DeferredEncryption,
		BatchSize:           cfg.BatchSize,
		Parallelism:         cfg.Parallelism,
		PollInterval:        cfg.PollInterval,
		PromoteAfter:        cfg.PromoteAfter,
		OnlineCheckInterval: cfg.OnlineCheckInterval,
		DedupTTL:            cfg.DedupTTL,
		DedupCapacity:       cfg.DedupCapacity,
		EchoWindow:          cfg.EchoWindow,
		MaxRetries:          cfg.MaxRetries,
		DecryptThreshold:    cfg.DecryptThreshold,
		Logger:              logger,
		Metrics:             m,
	}
}

// session is an engine together with the resources it was built from.
type session struct {
	engine    *engine.Engine
	transport *transport
}

// openSession opens the database and assembles an engine. The engine is
// not started.
func openSession(ctx context.Context, cfg *config.Config, logger logging.Logger, m *metrics.Metrics) (*session, error) {
	creds := client.NewCredentials(cfg.Token)
	t, err := buildTransport(ctx, cfg, creds)
	if err != nil {
		return nil, err
	}

	db, err := openLocal(ctx, cfg)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	eng, err := engine.New(db, engineOptions(cfg, t, creds, logger, m))
	if err != nil {
		_ = db.Close()
		_ = t.Close()
		return nil, err
	}
	return &session{engine: eng, transport: t}, nil
}

// Close terminates the engine, which also closes the database.
func (s *session) Close(ctx context.Context) error {
	return errors.Join(s.engine.Terminate(ctx), s.transport.Close())
}

// openLocal opens the database for commands that work without a remote.
func openLocal(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if _, err := filex.EnsureParentDir(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to prepare database directory: %w", err)
	}
	db, err := client.OpenDatabase(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath, err)
	}
	return db, nil
}
