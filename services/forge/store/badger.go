// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

var tracer = otel.Tracer("forge.store")

// projectKeyPrefix namespaces project records within the database.
const projectKeyPrefix = "project:"

// BadgerConfig holds configuration for the BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless
	// InMemory is true, in which case it is ignored.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. If nil,
	// BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable. Ignored for in-memory databases.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before
	// a GC pass rewrites the value log.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults: synchronous writes,
// five-minute GC interval, 50% discard ratio.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration for tests: in-memory mode,
// no sync, no GC.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is a BadgerDB-backed Store. Each project is one JSON record
// under projectKeyPrefix+id.
type Badger struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
	logger *slog.Logger
}

// OpenBadger opens a BadgerDB-backed store with the given configuration.
//
// Description:
//
//	Opens the database at cfg.Path (created if missing), or in memory
//	when cfg.InMemory is set, and starts the value log GC loop when
//	GCInterval is positive. Call Close when done.
//
// Outputs:
//
//	*Badger - The opened store.
//	error - Non-nil if the path is missing or the database cannot open.
//
// Thread Safety: the returned store is safe for concurrent use.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &Badger{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops the GC loop and closes the database.
func (s *Badger) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when nothing needed
			// collecting, which is not an error.
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func projectKey(id string) []byte {
	return []byte(projectKeyPrefix + id)
}

// SaveProject writes the full project record, stamping CreatedAt on
// first save and UpdatedAt always.
func (s *Badger) SaveProject(ctx context.Context, p *Project) error {
	if p == nil || p.ID == "" {
		return errors.New("project id must not be empty")
	}
	ctx, span := tracer.Start(ctx, "store.SaveProject")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.project_id", p.ID),
		attribute.Int("store.files", len(p.Files)),
	)

	cp := p.Clone()
	now := time.Now().UTC()
	cp.UpdatedAt = now

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if prev, err := getProject(txn, cp.ID); err == nil {
			cp.CreatedAt = prev.CreatedAt
		} else if errors.Is(err, ErrNotFound) {
			if cp.CreatedAt.IsZero() {
				cp.CreatedAt = now
			}
		} else {
			return err
		}
		return putProject(txn, cp)
	})
}

// LoadProject reads the project record for id.
func (s *Badger) LoadProject(ctx context.Context, id string) (*Project, error) {
	ctx, span := tracer.Start(ctx, "store.LoadProject")
	defer span.End()
	span.SetAttributes(attribute.String("store.project_id", id))

	var p *Project
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := getProject(txn, id)
		if err != nil {
			return err
		}
		p = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("store.files", len(p.Files)))
	return p, nil
}

// ReplaceFiles swaps the stored file snapshot.
func (s *Badger) ReplaceFiles(ctx context.Context, id string, files map[string]string) error {
	return s.mutate(ctx, "store.ReplaceFiles", id, func(p *Project) {
		p.Files = manifest.CloneFiles(files)
	})
}

// AppendMessages appends transcript entries.
func (s *Badger) AppendMessages(ctx context.Context, id string, msgs []run.ChatMessage) error {
	return s.mutate(ctx, "store.AppendMessages", id, func(p *Project) {
		p.Messages = append(p.Messages, msgs...)
	})
}

// ReplaceManifest swaps the stored manifest.
func (s *Badger) ReplaceManifest(ctx context.Context, id string, m *manifest.Manifest) error {
	return s.mutate(ctx, "store.ReplaceManifest", id, func(p *Project) {
		p.Manifest = m.Clone()
	})
}

// MessageCount returns the stored transcript length.
func (s *Badger) MessageCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := getProject(txn, id)
		if err != nil {
			return err
		}
		n = len(p.Messages)
		return nil
	})
	return n, err
}

// mutate runs a read-modify-write cycle on one project record.
func (s *Badger) mutate(ctx context.Context, op, id string, fn func(*Project)) error {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("store.project_id", id))

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := getProject(txn, id)
		if err != nil {
			return err
		}
		fn(p)
		p.UpdatedAt = time.Now().UTC()
		return putProject(txn, p)
	})
}

func getProject(txn *badger.Txn, id string) (*Project, error) {
	item, err := txn.Get(projectKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("read project %s: %w", id, err)
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", id, err)
	}
	return &p, nil
}

func putProject(txn *badger.Txn, p *Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode project %s: %w", p.ID, err)
	}
	if err := txn.Set(projectKey(p.ID), data); err != nil {
		return fmt.Errorf("put project %s: %w", p.ID, err)
	}
	return nil
}
