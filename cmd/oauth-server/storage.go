package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
	"github.com/giantswarm/oauth-provider/storage/registry"
	"github.com/giantswarm/oauth-provider/storage/sqlstore"
	"github.com/giantswarm/oauth-provider/storage/valkey"
)

// Storage backends selectable with --backend.
const (
	backendMemory = "memory"
	backendValkey = "valkey"
	backendSQLite = "sqlite"
)

// openedStorage is the composed adapter plus the cleanup of its parts.
type openedStorage struct {
	adapter storage.Adapter
	closers []func()
}

func (s *openedStorage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStorage builds the client registry and the state store selected by v.
// The registry keeps reloading in the background until ctx is done.
func openStorage(ctx context.Context, v *viper.Viper, logger *slog.Logger, inst *instrumentation.Instrumentation) (*openedStorage, error) {
	opened := &openedStorage{}

	reg, err := openRegistry(ctx, v, logger)
	if err != nil {
		return nil, err
	}

	var state storage.StateStore
	switch backend := v.GetString("backend"); backend {
	case backendMemory, "":
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		opened.closers = append(opened.closers, store.Stop)
		state = store
	case backendValkey:
		store, err := valkey.New(valkey.Config{
			Address:   v.GetString("valkey-addr"),
			Password:  v.GetString("valkey-password"),
			DB:        v.GetInt("valkey-db"),
			KeyPrefix: v.GetString("valkey-prefix"),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open valkey storage: %w", err)
		}
		store.SetInstrumentation(inst)
		opened.closers = append(opened.closers, store.Close)
		state = store
	case backendSQLite:
		store, err := sqlstore.Open(sqlstore.Config{
			DSN:    v.GetString("sqlite-dsn"),
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		opened.closers = append(opened.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close sqlite storage", "error", err)
			}
		})
		state = store
	default:
		return nil, fmt.Errorf("unknown storage backend %q (memory, valkey, sqlite)", backend)
	}

	logger.Info("Storage opened", "backend", v.GetString("backend"))
	opened.adapter = storage.Compose(reg, reg, state)
	return opened, nil
}

// openRegistry loads clients and users from a local file or an S3 object.
func openRegistry(ctx context.Context, v *viper.Viper, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New(logger)

	file := v.GetString("registry-file")
	bucket := v.GetString("registry-s3-bucket")
	switch {
	case file != "" && bucket != "":
		return nil, fmt.Errorf("--registry-file and --registry-s3-bucket are mutually exclusive")
	case file != "":
		if err := reg.LoadFile(file); err != nil {
			return nil, err
		}
		if v.GetBool("registry-watch") {
			if err := reg.WatchFile(ctx, file); err != nil {
				return nil, err
			}
		}
	case bucket != "":
		src, err := registry.NewS3Source(registry.S3Config{
			Endpoint:  v.GetString("registry-s3-endpoint"),
			Region:    v.GetString("registry-s3-region"),
			Bucket:    bucket,
			Key:       v.GetString("registry-s3-key"),
			AccessKey: v.GetString("registry-s3-access-key"),
			SecretKey: v.GetString("registry-s3-secret-key"),
			Insecure:  v.GetBool("registry-s3-insecure"),
		})
		if err != nil {
			return nil, err
		}
		if err := reg.LoadS3(ctx, src); err != nil {
			return nil, err
		}
		if interval := v.GetDuration("registry-poll-interval"); interval > 0 {
			go reg.PollS3(ctx, src, interval)
		}
	default:
		logger.Warn("No client registry configured, every client will be rejected")
	}
	return reg, nil
}

// durationSeconds converts a duration flag to the whole seconds used by
// server.Config. Zero keeps the server default.
func durationSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if s == 0 {
		s = 1
	}
	return s
}
