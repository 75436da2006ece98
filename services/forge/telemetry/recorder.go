// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports finished-run records to InfluxDB.
//
// Description:
//
//	Every finished run produces one summary point plus one point per
//	timed pipeline stage. Export is fire-and-forget: a write failure is
//	logged and the run's own outcome is unaffected.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

const writeTimeout = 10 * time.Second

// Config locates the InfluxDB bucket runs are written to.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Recorder writes finished runs to InfluxDB.
//
// Thread Safety: safe for concurrent use.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewRecorder connects a recorder to the configured bucket. The
// connection is lazy; the first write surfaces a bad URL or token.
func NewRecorder(cfg Config) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// RecordRun exports the final snapshot of a finished run.
func (r *Recorder) RecordRun(ctx context.Context, s *run.State) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := r.write.WritePoint(ctx, runPoints(s)...); err != nil {
		slog.Warn("Run telemetry write failed", "run_id", s.ID, "error", err)
	}
}

// Close releases the underlying InfluxDB client.
func (r *Recorder) Close() { r.client.Close() }

// runPoints builds the summary and per-stage points for one run.
func runPoints(s *run.State) []*write.Point {
	outcome := "failed"
	if s.TestOK() {
		outcome = "passed"
	}
	domain := ""
	if s.Router != nil {
		domain = s.Router.Domain
	}
	prompt, completion := s.Tokens.Total()

	finishedAt := s.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	points := []*write.Point{influxdb2.NewPoint(
		"forge_run",
		map[string]string{
			"mode":    string(s.Mode),
			"outcome": outcome,
			"domain":  domain,
		},
		map[string]interface{}{
			"run_id":            s.ID,
			"duration_sec":      finishedAt.Sub(s.CreatedAt).Seconds(),
			"steps":             len(s.History.Steps),
			"files":             len(s.Files),
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"tokens_left":       s.Budget.TokensLeft,
			"retries_left":      s.Budget.Retries,
			"fix_loops":         s.Counters.FixLoops,
			"replan_loops":      s.Counters.ReplanLoops,
		},
		finishedAt,
	)}

	for name, m := range s.Metrics {
		if m == nil || m.StartMS == 0 || m.EndMS == 0 {
			continue
		}
		fields := map[string]interface{}{
			"run_id":       s.ID,
			"duration_sec": float64(m.EndMS-m.StartMS) / 1000,
		}
		if m.OK != nil {
			fields["ok"] = *m.OK
		}
		points = append(points, influxdb2.NewPoint(
			"forge_stage",
			map[string]string{
				"mode":  string(s.Mode),
				"stage": name,
			},
			fields,
			time.UnixMilli(m.EndMS),
		))
	}
	return points
}

// Nop is a recorder that discards everything. Used when no InfluxDB
// endpoint is configured.
type Nop struct{}

// RecordRun discards the snapshot.
func (Nop) RecordRun(context.Context, *run.State) {}
