// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists packaged projects: the manifest, the full file
// snapshot, and the chat transcript that produced them.
//
// A creation run writes one Project record when it packages; a modify run
// loads that record to seed its working state and writes the updated files,
// messages, and manifest back when it finishes. Two backends are provided:
// an in-memory store for tests and dev mode, and a BadgerDB store for
// persistence across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

// ErrNotFound is returned when no project exists under the requested id.
var ErrNotFound = errors.New("project not found")

// Project is a packaged project snapshot.
//
// Description:
//
//	Everything a later modify run needs to pick the project back up:
//	the plan that shaped it, the files as last written, and the chat
//	transcript whose length seeds message numbering.
type Project struct {
	// ID is the run id of the creation run that packaged the project.
	ID string `json:"id"`

	// Title is the generated short title.
	Title string `json:"title"`

	// Manifest is the plan the files were built against. Modify runs
	// replace it after recomputing from the interpretation changes.
	Manifest *manifest.Manifest `json:"manifest"`

	// Files maps path to full content for every project file.
	Files map[string]string `json:"files"`

	// Messages is the chat transcript accumulated across runs.
	Messages []run.ChatMessage `json:"messages"`

	// CreatedAt is set on first save, UpdatedAt on every write.
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	out := *p
	out.Manifest = p.Manifest.Clone()
	out.Files = manifest.CloneFiles(p.Files)
	out.Messages = append([]run.ChatMessage(nil), p.Messages...)
	return &out
}

// Store persists and mutates packaged projects.
//
// Description:
//
//	SaveProject writes the whole record (creation packaging). The
//	Replace/Append methods are the narrower updates a modify run makes
//	when it packages: new file snapshot, appended transcript entries,
//	recomputed manifest. All mutators return ErrNotFound (wrapped) when
//	the project id is unknown.
//
// Thread Safety: implementations are safe for concurrent use.
type Store interface {
	// SaveProject inserts or overwrites the full project record.
	SaveProject(ctx context.Context, p *Project) error

	// LoadProject returns a copy of the stored project.
	LoadProject(ctx context.Context, id string) (*Project, error)

	// ReplaceFiles swaps the stored file snapshot for files.
	ReplaceFiles(ctx context.Context, id string, files map[string]string) error

	// AppendMessages appends msgs to the stored transcript.
	AppendMessages(ctx context.Context, id string, msgs []run.ChatMessage) error

	// ReplaceManifest swaps the stored manifest for m.
	ReplaceManifest(ctx context.Context, id string, m *manifest.Manifest) error

	// MessageCount returns the number of stored transcript entries.
	// Modify runs use it to continue message numbering.
	MessageCount(ctx context.Context, id string) (int, error)
}

// ====================================================================
// In-memory store
// ====================================================================

// Memory is a map-backed Store. Contents are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{projects: make(map[string]*Project)}
}

// SaveProject stores a deep copy of p, stamping CreatedAt on first save
// and UpdatedAt always.
func (s *Memory) SaveProject(ctx context.Context, p *Project) error {
	if p == nil || p.ID == "" {
		return errors.New("project id must not be empty")
	}
	cp := p.Clone()
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.projects[cp.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.projects[cp.ID] = cp
	return nil
}

// LoadProject returns a deep copy of the stored project.
func (s *Memory) LoadProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

// ReplaceFiles swaps the stored file snapshot.
func (s *Memory) ReplaceFiles(ctx context.Context, id string, files map[string]string) error {
	return s.update(id, func(p *Project) {
		p.Files = manifest.CloneFiles(files)
	})
}

// AppendMessages appends transcript entries.
func (s *Memory) AppendMessages(ctx context.Context, id string, msgs []run.ChatMessage) error {
	return s.update(id, func(p *Project) {
		p.Messages = append(p.Messages, msgs...)
	})
}

// ReplaceManifest swaps the stored manifest.
func (s *Memory) ReplaceManifest(ctx context.Context, id string, m *manifest.Manifest) error {
	return s.update(id, func(p *Project) {
		p.Manifest = m.Clone()
	})
}

// MessageCount returns the stored transcript length.
func (s *Memory) MessageCount(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return 0, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return len(p.Messages), nil
}

func (s *Memory) update(id string, fn func(*Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	fn(p)
	p.UpdatedAt = time.Now().UTC()
	return nil
}
