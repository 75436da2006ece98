// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Store persists a packaged archive and returns a location consumers
// can fetch it from.
//
// Thread Safety: implementations must be safe for concurrent use.
type Store interface {
	// Put saves the archive for a run and returns its location.
	Put(ctx context.Context, runID string, archive []byte) (string, error)
}

// ====================================================================
// Local directory store
// ====================================================================

// Local writes archives under a directory on the serving host.
type Local struct {
	// Dir is the artifact root. Created on first write.
	Dir string
}

// Put implements the Store interface. The archive lands at
// <dir>/<run-id>/project.zip.
func (l Local) Put(_ context.Context, runID string, archive []byte) (string, error) {
	dir := filepath.Join(l.Dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, "project.zip")
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// ====================================================================
// Google Cloud Storage store
// ====================================================================

// GCS uploads archives to a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a GCS artifact store.
//
// Inputs:
//
//	bucket - Target bucket name.
//	saKeyPath - Service-account key file. Empty uses ambient
//	credentials (workload identity, ADC).
func NewGCS(ctx context.Context, bucket, saKeyPath string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs artifact store: bucket is required")
	}
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: "runs"}, nil
}

// Put implements the Store interface. The archive lands at
// gs://<bucket>/runs/<run-id>/project.zip.
func (g *GCS) Put(ctx context.Context, runID string, archive []byte) (string, error) {
	object := filepath.Join(g.prefix, runID, "project.zip")
	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/zip"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, bytes.NewReader(archive)); err != nil {
		return "", fmt.Errorf("failed to copy archive to GCS object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}

	url := fmt.Sprintf("gs://%s/%s", g.bucket, object)
	slog.Info("Uploaded run artifact", "run_id", runID, "url", url)
	return url, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error { return g.client.Close() }

var (
	_ Store = Local{}
	_ Store = (*GCS)(nil)
)
