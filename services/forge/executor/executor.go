// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor materializes one dependency layer of file tasks at
// a time against the run's in-memory file map.
//
// The orchestrator hands it a layer of tasks plus the live file map.
// The executor snapshots the map, fans the tasks out under a bounded
// semaphore, retries transient generation failures with linear
// backoff, and applies all produced patches as one batch after the
// layer joins. Concurrent tasks only ever read the pre-layer
// snapshot, so a task never observes a sibling's in-flight write.
//
// A task that fails all its attempts is skipped with a log line, not
// a layer failure; the run loop decides what a zero-change layer
// means.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

var tracer = otel.Tracer("forge.executor")

// fileTreeLimit caps the paths carried by a files.tree event.
const fileTreeLimit = 200

// =============================================================================
// Configuration
// =============================================================================

// Config tunes one fan-out pass.
type Config struct {
	// Concurrency bounds how many tasks run at once.
	Concurrency int64

	// Attempts is the per-task generation attempt ceiling.
	Attempts int

	// BaseDelay is the linear backoff unit: the wait after attempt n
	// is n times this.
	BaseDelay time.Duration

	// FailureTag prefixes failure log lines, "[fail]" by default.
	FailureTag string
}

// DefaultConfig returns the implementer profile: wide fan-out with
// retries for transient generation failures.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		Attempts:    3,
		BaseDelay:   2 * time.Second,
		FailureTag:  "[fail]",
	}
}

// ModifyConfig returns the modify-pass profile: full width, one
// attempt per file.
func ModifyConfig() Config {
	cfg := DefaultConfig()
	cfg.Attempts = 1
	return cfg
}

// FixConfig returns the repair-pass profile: narrower fan-out, one
// attempt per file.
func FixConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 4
	cfg.Attempts = 1
	cfg.FailureTag = "[fix-fail]"
	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Attempts <= 0 {
		c.Attempts = def.Attempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.FailureTag == "" {
		c.FailureTag = def.FailureTag
	}
	return c
}

// =============================================================================
// Tasks
// =============================================================================

// Outcome is a successful generation task's product.
type Outcome struct {
	// Path is the file the content belongs to.
	Path string

	// Content is the complete new file content.
	Content string

	// Summary is the generator's one-paragraph description of what it
	// produced, folded into the manifest by the caller.
	Summary string
}

// GenerateFunc produces content for one target. snapshot is the
// read-only pre-layer file map; implementations must not mutate it.
//
// Return contract:
//   - (outcome, nil): success.
//   - (nil, nil): deliberate skip. The function has already logged
//     why, and the executor neither retries nor records a failure.
//   - (nil, err): failure; retried up to the configured attempts.
type GenerateFunc func(ctx context.Context, snapshot map[string]string) (*Outcome, error)

// Task is one file-level unit of work in a layer.
type Task struct {
	// Target is the path the task materializes or deletes.
	Target string

	// Delete marks a pure removal. Generate is not called; the
	// removal is recorded as a changed path like any content patch.
	Delete bool

	// Generate produces the new content for Target.
	Generate GenerateFunc
}

// LayerResult reports one executed layer.
type LayerResult struct {
	// Patches holds every produced patch, in task order.
	Patches []manifest.Patch

	// Summaries maps path to the generation summary reported for it.
	Summaries map[string]string

	// Changed lists the paths the batch apply actually touched.
	Changed []string
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs layers of generation tasks for one run.
//
// Thread Safety:
//
//	Safe for concurrent use across runs. The file map passed to Run
//	must be owned by a single run loop; Run mutates it only after all
//	of the layer's tasks have joined.
type Executor struct {
	hub *events.Hub
	cfg Config
}

// New builds an Executor publishing progress to hub. Zero fields in
// cfg fall back to DefaultConfig values.
func New(hub *events.Hub, cfg Config) *Executor {
	return &Executor{hub: hub, cfg: cfg.withDefaults()}
}

// Run executes one layer of tasks against files.
//
// Description:
//
//	Snapshots files, fans tasks out bounded by the configured
//	concurrency, then applies all produced patches as one batch.
//	Last writer wins per path, though layers never target the same
//	path twice. When anything changed, patch.applied and files.tree
//	events are published.
//
// Inputs:
//   - ctx: Context; cancellation makes in-flight tasks give up and
//     discards the layer's results.
//   - runID: Run identifier for event publication.
//   - files: The run's live file map, mutated in place by the batch
//     apply.
//   - tasks: The layer's tasks.
//
// Outputs:
//   - *LayerResult: Patches, per-path summaries and changed paths. A
//     layer that changed nothing is a valid result, not an error.
//   - error: Non-nil only when ctx was cancelled; nothing is applied
//     in that case.
func (e *Executor) Run(ctx context.Context, runID string, files map[string]string, tasks []Task) (*LayerResult, error) {
	ctx, span := tracer.Start(ctx, "Executor.Run")
	defer span.End()
	span.SetAttributes(
		attribute.Int("executor.tasks", len(tasks)),
		attribute.Int64("executor.concurrency", e.cfg.Concurrency),
	)

	snapshot := manifest.CloneFiles(files)
	sem := semaphore.NewWeighted(e.cfg.Concurrency)

	type slot struct {
		patch   *manifest.Patch
		summary string
	}
	slots := make([]slot, len(tasks))

	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(idx int, task Task) {
			defer wg.Done()
			if task.Delete {
				slots[idx].patch = e.runDelete(runID, snapshot, task.Target)
				return
			}
			out := e.runGenerate(ctx, runID, sem, snapshot, task)
			if out == nil {
				return
			}
			slots[idx] = slot{
				patch:   &manifest.Patch{Path: out.Path, Mode: manifest.ModeReplace, Content: out.Content},
				summary: out.Summary,
			}
		}(i, t)
	}
	wg.Wait()

	if ctx.Err() != nil {
		span.SetAttributes(attribute.Bool("executor.cancelled", true))
		return nil, ctx.Err()
	}

	patches := make([]manifest.Patch, 0, len(slots))
	summaries := make(map[string]string)
	for _, s := range slots {
		if s.patch == nil {
			continue
		}
		patches = append(patches, *s.patch)
		if s.summary != "" {
			summaries[s.patch.Path] = s.summary
		}
	}

	changed := manifest.ApplyPatches(files, patches)
	if len(changed) > 0 {
		e.hub.Publish(runID, events.New(events.TypePatchApplied, map[string]any{"paths": changed}))
		e.hub.Publish(runID, events.New(events.TypeFilesTree, map[string]any{"paths": treePaths(files)}))
	}

	span.SetAttributes(attribute.Int("executor.changed", len(changed)))
	return &LayerResult{Patches: patches, Summaries: summaries, Changed: changed}, nil
}

// runDelete applies the deletion bypass: no generation call, the
// removal becomes a delete patch when the file exists.
func (e *Executor) runDelete(runID string, snapshot map[string]string, target string) *manifest.Patch {
	if _, ok := snapshot[target]; !ok {
		e.hub.Publish(runID, events.Log("stderr",
			fmt.Sprintf("[skip] %s: delete_file requested but file not present", target)))
		return nil
	}
	e.hub.Publish(runID, events.Log("stdout", fmt.Sprintf("Deleted file %s", target)))
	return &manifest.Patch{Path: target, Mode: manifest.ModeDelete}
}

// runGenerate runs one task's attempt loop under the semaphore.
// Returns nil for skips, exhausted retries and cancellation.
func (e *Executor) runGenerate(ctx context.Context, runID string, sem *semaphore.Weighted, snapshot map[string]string, task Task) *Outcome {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		out, err := task.Generate(ctx, snapshot)
		if err == nil {
			return out
		}
		if ctx.Err() != nil {
			return nil
		}
		lastErr = err

		if e.cfg.Attempts == 1 {
			// Single-attempt profiles log one failure line and move on.
			e.hub.Publish(runID, events.Log("stderr",
				fmt.Sprintf("%s %s: %v", e.cfg.FailureTag, task.Target, err)))
			return nil
		}

		isLast := attempt == e.cfg.Attempts
		suffix := " → retrying after delay"
		if isLast {
			suffix = ""
		}
		e.hub.Publish(runID, events.Log("stderr",
			fmt.Sprintf("%s %s attempt %d/%d: %v%s", e.cfg.FailureTag, task.Target, attempt, e.cfg.Attempts, err, suffix)))
		if isLast {
			break
		}

		select {
		case <-time.After(time.Duration(attempt) * e.cfg.BaseDelay):
		case <-ctx.Done():
			return nil
		}
	}

	e.hub.Publish(runID, events.Log("stderr",
		fmt.Sprintf("%s %s: giving up after %d attempts (%v)", e.cfg.FailureTag, task.Target, e.cfg.Attempts, lastErr)))
	return nil
}

// treePaths returns the sorted file listing carried by a files.tree
// event, capped at fileTreeLimit.
func treePaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if len(paths) > fileTreeLimit {
		paths = paths[:fileTreeLimit]
	}
	return paths
}
