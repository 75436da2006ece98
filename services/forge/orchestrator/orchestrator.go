// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives runs from request to packaged project.
//
// Description:
//
//	The orchestrator owns the two long-running flows: creation (route,
//	plan, sanity, implement, check, fix, package) and modify
//	(interpret, apply, check, fix, package). Each started run gets its
//	own goroutine that repeatedly asks the controller for the next
//	action, dispatches the matching stage, and publishes progress on
//	the event hub. The loop ends when a terminal action fires, the
//	budget runs dry, the step cap is hit, or the run is killed.
//
// Thread Safety: Orchestrator is safe for concurrent use. Run state is
// only touched through the registry handle; file snapshots are cloned
// before stages mutate them and committed back under the handle lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianForge/services/forge/artifact"
	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/generate"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/verify"
)

var tracer = otel.Tracer("forge.orchestrator")

// Sentinel errors callers can map to HTTP status codes.
var (
	// ErrEmptyDescription rejects a creation start without a prompt.
	ErrEmptyDescription = errors.New("description is required")

	// ErrEmptyPrompt rejects a modify start without a prompt.
	ErrEmptyPrompt = errors.New("prompt is required")

	// ErrEmptyRunID rejects a start without a run id.
	ErrEmptyRunID = errors.New("run id is required")

	// ErrRunInProgress rejects a start while the run's loop is live.
	ErrRunInProgress = errors.New("run already in progress")
)

// ====================================================================
// Configuration and dependencies
// ====================================================================

// Config tunes orchestrator behavior.
type Config struct {
	// Dev replaces every model call with canned fixtures so the full
	// loop can be exercised without a backend.
	Dev bool

	// DevStepDelay is the base unit of artificial latency in dev mode.
	// Stages sleep small multiples of it. Zero disables the delays.
	DevStepDelay time.Duration

	// PlanRetries bounds schema-repair rounds inside plan and replan.
	PlanRetries int
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{DevStepDelay: time.Second, PlanRetries: 2}
}

func (c Config) withDefaults() Config {
	if c.PlanRetries <= 0 {
		c.PlanRetries = 2
	}
	return c
}

// Recorder receives the final snapshot of every finished run. The
// telemetry exporter implements it; a nil Recorder disables export.
type Recorder interface {
	RecordRun(ctx context.Context, s *run.State)
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Registry *run.Registry
	Hub      *events.Hub
	Client   generate.Client
	Store    store.Store

	// Verifier checks generated sources. Nil falls back to verify.Nop,
	// which skips checks and reports them as passed.
	Verifier verify.Verifier

	// Recorder is optional.
	Recorder Recorder

	// Archiver persists the packaged zip. Nil skips the upload; the
	// artifact endpoint still serves the archive on demand.
	Archiver artifact.Store
}

// Orchestrator starts, supervises, and kills run loops.
type Orchestrator struct {
	registry *run.Registry
	hub      *events.Hub
	client   generate.Client
	verifier verify.Verifier
	store    store.Store
	recorder Recorder
	archiver artifact.Store
	cfg      Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New validates deps and returns a ready Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case deps.Hub == nil:
		return nil, errors.New("orchestrator: event hub is required")
	case deps.Client == nil:
		return nil, errors.New("orchestrator: generate client is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Verifier == nil {
		deps.Verifier = verify.Nop{}
	}
	return &Orchestrator{
		registry: deps.Registry,
		hub:      deps.Hub,
		client:   deps.Client,
		verifier: deps.Verifier,
		store:    deps.Store,
		recorder: deps.Recorder,
		archiver: deps.Archiver,
		cfg:      cfg.withDefaults(),
		cancels:  map[string]context.CancelFunc{},
	}, nil
}

// ====================================================================
// Run lifecycle
// ====================================================================

// CreationRequest starts a project from a natural-language description.
type CreationRequest struct {
	RunID       string
	Description string

	// Domain pins the project domain. Empty or "auto" routes it from
	// the description instead.
	Domain string

	// Models overrides the per-agent model selection. Empty fields use
	// the backend defaults.
	Models run.ModelSelection
}

// ModifyRequest changes an already packaged project.
type ModifyRequest struct {
	RunID  string
	Prompt string
}

// StartCreation launches the creation loop for req in a new goroutine.
//
// Description:
//
//	The loop lives until its run terminates; ctx only seeds the loop
//	context, so callers may pass a request-scoped context without
//	tying the run to it. Restarting a finished run reuses its state
//	(budget, history, transcript) and clears the event history.
func (o *Orchestrator) StartCreation(ctx context.Context, req CreationRequest) error {
	if req.RunID == "" {
		return ErrEmptyRunID
	}
	if strings.TrimSpace(req.Description) == "" {
		return ErrEmptyDescription
	}

	runCtx, err := o.reserve(req.RunID)
	if err != nil {
		return err
	}
	h := o.registry.Get(req.RunID)
	o.hub.Clear(req.RunID)
	go o.runCreation(runCtx, h, req)
	return nil
}

// StartModify launches the modify loop for a stored project.
//
// Description:
//
//	The project must have been packaged before; an unknown id returns
//	store.ErrNotFound (wrapped). Any previous run state under the same
//	id is discarded so the modify loop starts from the stored project,
//	not from leftovers of the creation run.
func (o *Orchestrator) StartModify(ctx context.Context, req ModifyRequest) error {
	if req.RunID == "" {
		return ErrEmptyRunID
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}

	proj, err := o.store.LoadProject(ctx, req.RunID)
	if err != nil {
		return err
	}
	seq, err := o.store.MessageCount(ctx, req.RunID)
	if err != nil {
		return err
	}

	runCtx, err := o.reserve(req.RunID)
	if err != nil {
		return err
	}
	o.registry.Delete(req.RunID)
	h := o.registry.Get(req.RunID)
	o.hub.Clear(req.RunID)
	go o.runModify(runCtx, h, req, proj, seq)
	return nil
}

// Kill requests a stop for a run. The loop observes it at the next
// decision point or blocking call and emits the cancelled terminal
// event. Returns false when the run id is unknown.
func (o *Orchestrator) Kill(runID string) bool {
	h, ok := o.registry.Lookup(runID)
	if ok {
		h.RequestStop()
	}
	o.mu.Lock()
	cancel := o.cancels[runID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return ok
}

// Running reports whether a loop is live for the run id.
func (o *Orchestrator) Running(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancels[runID]
	return ok
}

// reserve claims the run id for a new loop and returns its context.
// The loop context is detached from the caller so request cancellation
// cannot abort a run that already started.
func (o *Orchestrator) reserve(runID string) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, live := o.cancels[runID]; live {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunInProgress)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.cancels[runID] = cancel
	return runCtx, nil
}

// release frees the run id after its loop returns.
func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	cancel := o.cancels[runID]
	delete(o.cancels, runID)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) runCreation(ctx context.Context, h *run.Handle, req CreationRequest) {
	defer o.release(h.ID())

	ctx, span := tracer.Start(ctx, "orchestrator.creation",
		trace.WithAttributes(attribute.String("run.id", h.ID())))
	defer span.End()

	l := o.newLoop(h, "creation")
	defer l.close(ctx)
	defer func() {
		if r := recover(); r != nil {
			l.fail(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	l.creation(ctx, req)
}

func (o *Orchestrator) runModify(ctx context.Context, h *run.Handle, req ModifyRequest, proj *store.Project, messageSeq int) {
	defer o.release(h.ID())

	ctx, span := tracer.Start(ctx, "orchestrator.modify",
		trace.WithAttributes(attribute.String("run.id", h.ID())))
	defer span.End()

	l := o.newLoop(h, "modify")
	defer l.close(ctx)
	defer func() {
		if r := recover(); r != nil {
			l.fail(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	l.modify(ctx, req, proj, messageSeq)
}

// ====================================================================
// Per-run loop plumbing
// ====================================================================

// loop carries the plumbing both flows share: the handle, the hub, and
// a usage-recording client that charges every call against the budget.
type loop struct {
	o      *Orchestrator
	h      *run.Handle
	id     string
	flow   string
	client generate.Client
	done   bool
}

func (o *Orchestrator) newLoop(h *run.Handle, flow string) *loop {
	l := &loop{o: o, h: h, id: h.ID(), flow: flow}
	l.client = generate.NewRecordedClient(o.client, func(agent string, u generate.Usage) {
		h.Update(func(s *run.State) {
			s.Tokens.Add(agent, u.PromptTokens, u.CompletionTokens)
			s.Budget.TokensLeft -= u.PromptTokens + u.CompletionTokens
		})
	})
	return l
}

func (l *loop) emit(ev events.Event)      { l.o.hub.Publish(l.id, ev) }
func (l *loop) stdout(chunk string)       { l.emit(events.Log("stdout", chunk)) }
func (l *loop) stderr(chunk string)       { l.emit(events.Log("stderr", chunk)) }
func (l *loop) status(step, state string) { l.emit(events.Status(step, state)) }

// say appends an agent message to the transcript and mirrors it on the
// stdout stream.
func (l *loop) say(text string) {
	l.note(text)
	l.stdout(text)
}

// sayErr is say with the mirror on stderr.
func (l *loop) sayErr(text string) {
	l.note(text)
	l.stderr(text)
}

// note appends to the transcript without echoing to a stream.
func (l *loop) note(text string) {
	l.h.Update(func(s *run.State) { s.AppendMessage(text, false) })
}

// finish publishes the terminal event exactly once; later calls are
// dropped so a run can never double-report completion.
func (l *loop) finish(ev events.Event) {
	if l.done {
		return
	}
	l.done = true
	l.emit(ev)
}

func (l *loop) setPhase(p run.Phase) {
	l.h.Update(func(s *run.State) { s.Current = p })
}

func (l *loop) addStep(rec run.StepRecord) {
	l.h.Update(func(s *run.State) { s.AddStep(rec) })
}

func (l *loop) snapshot() *run.State { return l.h.Snapshot() }

func (l *loop) domain() string {
	var d string
	l.h.View(func(s *run.State) {
		if s.Router != nil {
			d = s.Router.Domain
		}
	})
	return d
}

func (l *loop) testOK() bool {
	var ok bool
	l.h.View(func(s *run.State) { ok = s.TestOK() })
	return ok
}

func (l *loop) budgetExhausted() bool {
	var out bool
	l.h.View(func(s *run.State) { out = s.Budget.Exhausted() })
	return out
}

// budgetEpilogue ships whatever exists when the budget runs dry.
func (l *loop) budgetEpilogue() {
	l.emit(events.New(events.TypeArtifactReady, map[string]any{"url": l.archive(context.Background())}))
	l.emit(events.New(events.TypeReportReady, map[string]any{"url": reportURL(l.id)}))
	l.finish(events.Done(l.testOK()))
}

// archive builds the zip of the active snapshot and persists it when
// an archive store is configured. The returned location is the stored
// one when the upload succeeded, the on-demand endpoint otherwise; an
// upload failure never fails the run.
func (l *loop) archive(ctx context.Context) string {
	fallback := artifactURL(l.id)
	if l.o.archiver == nil {
		return fallback
	}
	data, err := artifact.BuildZip(l.activeFiles())
	if err != nil {
		l.stderr(fmt.Sprintf("Artifact packaging failed: %v", err))
		return fallback
	}
	loc, err := l.o.archiver.Put(context.WithoutCancel(ctx), l.id, data)
	if err != nil {
		l.stderr(fmt.Sprintf("Artifact upload failed: %v", err))
		return fallback
	}
	return loc
}

func artifactURL(id string) string { return "/v1/forge/runs/" + id + "/artifact.zip" }
func reportURL(id string) string   { return "/v1/forge/runs/" + id + "/report" }

// cancelled reports the kill switch or loop context cancellation.
func (l *loop) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return l.h.Phase() == run.PhaseStop
}

func (l *loop) reportCancelled() {
	l.setPhase(run.PhaseStop)
	l.stderr("Run was cancelled.")
	l.finish(events.DoneError("cancelled"))
}

// fail is the exception boundary shared by both flows.
func (l *loop) fail(err error) {
	l.h.Update(func(s *run.State) {
		s.Current = run.PhaseError
		s.Obs.Exception = err.Error()
		s.AddStep(run.StepRecord{Action: "ERROR", Error: err.Error()})
	})
	l.stderr(fmt.Sprintf("Unhandled error in %s loop: %v", l.flow, err))
	l.finish(events.DoneError(err.Error()))
}

// close stamps completion and hands the final snapshot to telemetry.
// The finish call is a safety net for exits that never reached a
// terminal event, such as the step cap.
func (l *loop) close(ctx context.Context) {
	l.h.Update(func(s *run.State) {
		if !s.Finished {
			s.Finished = true
			s.FinishedAt = time.Now()
		}
	})
	l.finish(events.Done(l.testOK()))
	if l.o.recorder != nil {
		l.o.recorder.RecordRun(context.WithoutCancel(ctx), l.snapshot())
	}
}

// devSleep imitates backend latency in dev mode. Kill interrupts it.
func (l *loop) devSleep(ctx context.Context, units int) {
	d := time.Duration(units) * l.o.cfg.DevStepDelay
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// ====================================================================
// Shared stage helpers
// ====================================================================

func routerData(r run.RouterResult) map[string]any {
	data := map[string]any{
		"domain":     r.Domain,
		"confidence": r.Confidence,
		"rationale":  r.Rationale,
	}
	if len(r.AltCandidates) > 0 {
		data["alt_candidates"] = r.AltCandidates
	}
	return data
}

// runVerify checks the active snapshot, stores the outcome, and emits
// the summary. Skipped checks count as a pass.
func (l *loop) runVerify(ctx context.Context) bool {
	if l.o.cfg.Dev {
		l.devSleep(ctx, 1)
		l.emit(events.New(events.TypeTestsSummary, map[string]any{
			"compile_passed": true,
			"skipped":        true,
		}))
		l.status("test", "done")
		return true
	}

	files := l.activeFiles()
	res, err := l.o.verifier.Check(ctx, files)
	if err != nil {
		msg := fmt.Sprintf("Verification failed to run: %v", err)
		l.h.Update(func(s *run.State) {
			s.LastVerifyLog = msg
			s.VerifyErrors = map[string][]string{}
		})
		l.stderr(msg)
		l.emit(events.New(events.TypeTestsSummary, map[string]any{
			"compile_passed": false,
			"errors":         1,
		}))
		l.status("test", "failed")
		return false
	}

	l.h.Update(func(s *run.State) {
		s.LastVerifyLog = res.Log
		s.VerifyErrors = res.ErrorsByFile
	})
	if res.Skipped {
		l.stderr(res.Log)
		l.emit(events.New(events.TypeTestsSummary, map[string]any{
			"compile_passed": true,
			"skipped":        true,
		}))
		l.status("test", "done")
		return true
	}

	l.emit(events.New(events.TypeTestsSummary, map[string]any{
		"compile_passed": res.OK,
		"tsc":            map[string]any{"ok": res.OK, "errorsByFile": res.ErrorsByFile},
	}))
	if res.OK {
		l.status("test", "done")
	} else {
		l.status("test", "failed")
	}
	return res.OK
}

// activeFiles returns a copy of the snapshot under check: the modified
// set when a modify or fix pass produced one, the base files otherwise.
func (l *loop) activeFiles() map[string]string {
	var files map[string]string
	l.h.View(func(s *run.State) {
		src := s.ModifiedFiles
		if len(src) == 0 {
			src = s.Files
		}
		files = manifest.CloneFiles(src)
	})
	return files
}

// formatProblemFiles renders the errored paths for the transcript.
func formatProblemFiles(errs map[string][]string) string {
	if len(errs) == 0 {
		return "none"
	}
	paths := make([]string, 0, len(errs))
	for p := range errs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return strings.Join(paths, ", ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
