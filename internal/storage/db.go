// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage is the durable store for runs, variants, operator stats,
// recipes, human ratings, golden results, code-loop artifacts, and analytics
// snapshots, backed by an embedded BadgerDB instance.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds the BadgerDB tunables for one storage instance.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
	GCInterval time.Duration
	GCRatio    float64
}

// DefaultConfig returns production-ready settings: sync writes on, GC every
// five minutes at a 50% discard ratio.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
		GCRatio:    0.5,
	}
}

// InMemoryConfig returns settings for ephemeral, disk-free use in tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct{ logger *slog.Logger }

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debug(fmt.Sprintf(format, args...)) }

// DB wraps *badger.DB with lifecycle management and a retrying transaction
// helper matching the core's StorageError policy (3 attempts, 100ms base).
type DB struct {
	*badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
	path   string
}

// Open opens a BadgerDB instance per cfg and starts its GC loop.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("storage: path required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("storage: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	d := &DB{DB: bdb, path: cfg.Path, gcStop: make(chan struct{}), gcDone: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go d.runGC(cfg.GCInterval, cfg.GCRatio, cfg.Logger)
	} else {
		close(d.gcDone)
	}
	return d, nil
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.gcStop:
			return
		case <-ticker.C:
			if err := d.DB.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("storage: value log GC error", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call once.
func (d *DB) Close() error {
	select {
	case <-d.gcDone:
	default:
		close(d.gcStop)
		<-d.gcDone
	}
	return d.DB.Close()
}

// WithTxn retries fn inside a read-write transaction up to 3 times with a
// 100ms exponential backoff, matching the StorageError policy in spec.md §7.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("storage: context cancelled: %w", err)
		}

		txn := d.DB.NewTransaction(true)
		err := fn(txn)
		if err == nil {
			err = txn.Commit()
		}
		txn.Discard()

		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < 2 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("storage: context cancelled: %w", ctx.Err())
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("storage: transaction failed after retries: %w", lastErr)
}

// WithReadTxn executes fn inside a read-only transaction, no retries.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("storage: context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}
