// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/generate"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/verify"
)

// recorderStub captures finished-run snapshots.
type recorderStub struct {
	mu   sync.Mutex
	runs []*run.State
}

func (r *recorderStub) RecordRun(_ context.Context, s *run.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, s)
}

func (r *recorderStub) recorded() []*run.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*run.State(nil), r.runs...)
}

// env wires an orchestrator against in-memory collaborators.
type env struct {
	o   *Orchestrator
	reg *run.Registry
	hub *events.Hub
	st  *store.Memory
	rec *recorderStub
}

func newEnv(t *testing.T, client generate.Client, v verify.Verifier, cfg Config) *env {
	t.Helper()
	e := &env{
		reg: run.NewRegistry(),
		hub: events.NewHub(),
		st:  store.NewMemory(),
		rec: &recorderStub{},
	}
	o, err := New(Deps{
		Registry: e.reg,
		Hub:      e.hub,
		Client:   client,
		Store:    e.st,
		Verifier: v,
		Recorder: e.rec,
	}, cfg)
	require.NoError(t, err)
	e.o = o
	return e
}

// wait blocks until the run's loop has released its slot.
func (e *env) wait(t *testing.T, runID string) {
	t.Helper()
	require.Eventually(t, func() bool { return !e.o.Running(runID) },
		5*time.Second, 5*time.Millisecond, "run %s never settled", runID)
}

func (e *env) eventsOf(runID string, typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range e.hub.History(runID) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// statusSeq flattens the status events into "step state" strings.
func (e *env) statusSeq(runID string) []string {
	var out []string
	for _, ev := range e.eventsOf(runID, events.TypeStatus) {
		step, _ := ev.Data["step"].(string)
		state, _ := ev.Data["state"].(string)
		out = append(out, step+" "+state)
	}
	return out
}

func (e *env) chunks(runID, stream string) string {
	var out []string
	for _, ev := range e.eventsOf(runID, events.TypeLog) {
		if s, _ := ev.Data["stream"].(string); s != stream {
			continue
		}
		if chunk, ok := ev.Data["chunk"].(string); ok {
			out = append(out, chunk)
		}
	}
	return strings.Join(out, "\n")
}

func transcript(s *run.State) string {
	var b strings.Builder
	for _, m := range s.Messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ====================================================================
// Creation loop
// ====================================================================

func TestCreationLoopDevMode(t *testing.T) {
	client := &generate.MockClient{}
	e := newEnv(t, client, nil, Config{Dev: true})

	require.NoError(t, e.o.StartCreation(context.Background(), CreationRequest{
		RunID:       "run-dev",
		Description: "Build a chess club landing page",
	}))
	e.wait(t, "run-dev")

	// Dev mode must not touch the backend at all.
	assert.Zero(t, client.CallCount())

	want := []string{
		"router running", "router done",
		"planner running", "planner done",
		"sanity running", "sanity done",
		"implement running", "implement done",
		"test running", "test done",
		"done done",
	}
	assert.Equal(t, want, e.statusSeq("run-dev"))

	dones := e.eventsOf("run-dev", events.TypeDone)
	require.Len(t, dones, 1, "exactly one terminal event")
	assert.Equal(t, true, dones[0].Data["ok"])

	titles := e.eventsOf("run-dev", events.TypeTitleGenerated)
	require.Len(t, titles, 1)
	title, _ := titles[0].Data["title"].(string)
	assert.True(t, strings.HasPrefix(title, "Sample Project Title"), "title = %q", title)

	routes := e.eventsOf("run-dev", events.TypeRouterResult)
	require.Len(t, routes, 1)
	assert.Equal(t, generate.DomainGeneral, routes[0].Data["domain"])

	h, ok := e.reg.Lookup("run-dev")
	require.True(t, ok)
	snap := h.Snapshot()
	assert.True(t, snap.Finished)
	assert.Equal(t, run.PhaseNone, snap.Current)
	assert.Equal(t, title, snap.Title)
	assert.True(t, snap.TestOK())
	assert.Equal(t, 100000, snap.Budget.TokensLeft, "no tokens spent in dev mode")

	steps := make([]string, 0, len(snap.History.Steps))
	for _, rec := range snap.History.Steps {
		steps = append(steps, rec.Action)
	}
	assert.Equal(t, []string{"ROUTE", "PLAN", "SANITY", "IMPLEMENT", "TEST", "PACKAGE"}, steps)

	for _, stage := range []string{"route", "plan", "sanity", "implement", "test", "package"} {
		m := snap.Metrics[stage]
		require.NotNil(t, m, "metric %s missing", stage)
		assert.GreaterOrEqual(t, m.EndMS, m.StartMS, "metric %s", stage)
	}

	text := transcript(snap)
	assert.Contains(t, text, "Routed to domain: general (confidence 0.4)")
	assert.Contains(t, text, "Sanity check passed.")
	assert.Contains(t, text, "[dev] Mocked files")
	assert.Contains(t, text, "Implementation done; files now present.")
	assert.Contains(t, text, "Project packaged and saved to database.")

	proj, err := e.st.LoadProject(context.Background(), "run-dev")
	require.NoError(t, err)
	assert.Equal(t, generate.CanvasProject(), proj.Files)
	assert.Equal(t, title, proj.Title)

	recs := e.rec.recorded()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Finished)
}

const routerWebsiteJSON = `{"domain":"website","confidence":0.85,"alt_candidates":["general"],"rationale":"portfolio site"}`

// incompletePlanJSON passes schema validation but fails the sanity
// check: no src/App.tsx, no router file, none of the website content.
const incompletePlanJSON = `{
  "style": "clean",
  "summary": "A tiny site",
  "files": [
    {"name":"index.html","type":"config","description":"Root HTML page","responsibilities":["mount the app"],"internalDependencies":[],"externalDependencies":[],"exports":[]},
    {"name":"package.json","type":"config","description":"Package metadata","responsibilities":["declare dependencies"],"internalDependencies":[],"externalDependencies":[],"exports":[]},
    {"name":"tsconfig.json","type":"config","description":"TypeScript config","responsibilities":["configure the compiler"],"internalDependencies":[],"externalDependencies":[],"exports":[]},
    {"name":"src/main.tsx","type":"entry","description":"Entry point","responsibilities":["bootstrap react"],"internalDependencies":[],"externalDependencies":["react"],"exports":[]}
  ]
}`

func TestCreationLoopSanityReplanThenAskUser(t *testing.T) {
	client := &generate.MockClient{Responses: map[string]string{
		generate.AgentRouter:    routerWebsiteJSON,
		generate.AgentTitler:    "Tiny Site",
		generate.AgentPlanner:   incompletePlanJSON,
		generate.AgentReplanner: incompletePlanJSON,
	}}
	e := newEnv(t, client, verify.Nop{}, Config{})

	require.NoError(t, e.o.StartCreation(context.Background(), CreationRequest{
		RunID:       "run-ask",
		Description: "Build me a portfolio website",
	}))
	e.wait(t, "run-ask")

	var actions []string
	for _, ev := range e.eventsOf("run-ask", events.TypeControllerNext) {
		a, _ := ev.Data["action"].(string)
		actions = append(actions, a)
	}
	assert.Equal(t, []string{"ROUTE", "PLAN", "SANITY", "REPLAN", "SANITY", "ASK_USER"}, actions)

	assert.Contains(t, e.chunks("run-ask", "stderr"), "Unknown action: ASK_USER")

	dones := e.eventsOf("run-ask", events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, false, dones[0].Data["ok"])

	h, _ := e.reg.Lookup("run-ask")
	snap := h.Snapshot()
	assert.Equal(t, 1, snap.Counters.ReplanLoops)
	assert.Contains(t, snap.SanityFails, "Missing required file: src/App.tsx.")
	assert.Contains(t, snap.SanityFails, "Missing router setup file under src/ (type='router').")

	// The break path skips the final history append, so only the five
	// dispatched stages are recorded.
	var steps []string
	for _, rec := range snap.History.Steps {
		steps = append(steps, rec.Action)
	}
	assert.Equal(t, []string{"ROUTE", "PLAN", "SANITY", "REPLAN", "SANITY"}, steps)

	assert.Len(t, client.CallsFor(generate.AgentPlanner), 1)
	assert.Len(t, client.CallsFor(generate.AgentReplanner), 1)
}

func TestCreationLoopBudgetExhaustionShipsPartial(t *testing.T) {
	client := &generate.MockClient{
		Responses: map[string]string{generate.AgentRouter: routerWebsiteJSON},
		Usage:     generate.Usage{PromptTokens: 600},
	}
	e := newEnv(t, client, verify.Nop{}, Config{})

	// Give the run less budget than one routing call costs.
	e.reg.Get("run-broke").Update(func(s *run.State) {
		s.Budget = run.Budget{Retries: 1, TokensLeft: 500}
	})
	require.NoError(t, e.o.StartCreation(context.Background(), CreationRequest{
		RunID:       "run-broke",
		Description: "Build me a portfolio website",
	}))
	e.wait(t, "run-broke")

	assert.Equal(t, []string{"router running", "router done"}, e.statusSeq("run-broke"))

	arts := e.eventsOf("run-broke", events.TypeArtifactReady)
	require.Len(t, arts, 1)
	assert.Equal(t, "/runs/run-broke/artifact.zip", arts[0].Data["url"])
	reps := e.eventsOf("run-broke", events.TypeReportReady)
	require.Len(t, reps, 1)
	assert.Equal(t, "/runs/run-broke/report", reps[0].Data["url"])

	dones := e.eventsOf("run-broke", events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, false, dones[0].Data["ok"])

	h, _ := e.reg.Lookup("run-broke")
	snap := h.Snapshot()
	assert.Equal(t, -100, snap.Budget.TokensLeft)
	require.NotNil(t, snap.Tokens["router"])
	assert.Equal(t, 600, snap.Tokens["router"].Prompt)
	assert.Empty(t, snap.History.Steps, "exhaustion skips the history append")
}

func TestKillInterruptsDevRun(t *testing.T) {
	e := newEnv(t, &generate.MockClient{}, nil, Config{Dev: true, DevStepDelay: 150 * time.Millisecond})

	require.NoError(t, e.o.StartCreation(context.Background(), CreationRequest{
		RunID:       "run-kill",
		Description: "Build a chess club landing page",
	}))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, e.o.Kill("run-kill"))
	e.wait(t, "run-kill")

	dones := e.eventsOf("run-kill", events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, false, dones[0].Data["ok"])
	assert.Equal(t, "cancelled", dones[0].Data["error"])
	assert.Contains(t, e.chunks("run-kill", "stderr"), "Run was cancelled.")

	h, _ := e.reg.Lookup("run-kill")
	assert.Equal(t, run.PhaseStop, h.Phase())

	assert.False(t, e.o.Kill("no-such-run"))
}

func TestStartCreationValidation(t *testing.T) {
	e := newEnv(t, &generate.MockClient{}, nil, Config{Dev: true, DevStepDelay: 100 * time.Millisecond})
	ctx := context.Background()

	err := e.o.StartCreation(ctx, CreationRequest{Description: "x"})
	assert.ErrorIs(t, err, ErrEmptyRunID)

	err = e.o.StartCreation(ctx, CreationRequest{RunID: "run-v", Description: "   "})
	assert.ErrorIs(t, err, ErrEmptyDescription)

	require.NoError(t, e.o.StartCreation(ctx, CreationRequest{RunID: "run-v", Description: "site"}))
	err = e.o.StartCreation(ctx, CreationRequest{RunID: "run-v", Description: "site"})
	assert.ErrorIs(t, err, ErrRunInProgress)

	e.o.Kill("run-v")
	e.wait(t, "run-v")

	// A settled run can be started again; the stale stop marker from
	// the kill must not cancel the new loop.
	require.NoError(t, e.o.StartCreation(ctx, CreationRequest{RunID: "run-v", Description: "site"}))
	e.wait(t, "run-v")
	dones := e.eventsOf("run-v", events.TypeDone)
	require.NotEmpty(t, dones)
	assert.Equal(t, true, dones[len(dones)-1].Data["ok"])
}

// ====================================================================
// Modify loop
// ====================================================================

func seedProject(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.SaveProject(context.Background(), &store.Project{
		ID:    id,
		Title: "Chess Club",
		Manifest: &manifest.Manifest{
			Files: []manifest.FileDescriptor{
				{
					Name:             "src/App.tsx",
					Kind:             "component",
					Description:      "Root component",
					Responsibilities: []string{"render the page"},
				},
				{
					Name:                 "src/main.tsx",
					Kind:                 "entry",
					Description:          "Entry point",
					Responsibilities:     []string{"bootstrap react"},
					InternalDependencies: []string{"src/App.tsx"},
				},
			},
			Style:   "clean",
			Summary: "A chess club landing page.",
		},
		Files: map[string]string{
			"src/App.tsx":  "export default function App() { return null; }\n",
			"src/main.tsx": "import App from './App';\n",
		},
		Messages: []run.ChatMessage{
			{ID: 0, Content: "Build a chess club site", FromUser: true},
			{ID: 1, Content: "Project packaged and saved to database.", FromUser: false},
		},
	}))
}

const plannedChangesJSON = `{"planned_changes":[{"name":"src/App.tsx","type":"component","modify_kind":"edit","reason":"add a banner"}]}`

const detailedChangesJSON = `{"changes":[{
  "name":"src/App.tsx",
  "type":"component",
  "description":"Root component with banner",
  "responsibilities":["render the page","show the welcome banner"],
  "internalDependencies":[],
  "externalDependencies":[],
  "exports":[],
  "usedBy":["src/main.tsx"],
  "modify_kind":"edit",
  "modify_desc":"Add a welcome banner"
}]}`

const bannerContent = "export default function App() { return <div>Welcome</div>; }\n"

const modifyPatchJSON = `{"patches":[{"path":"src/App.tsx","mode":"update","content":"export default function App() { return <div>Welcome</div>; }\n"}],"summary":"Added the welcome banner"}`

func TestModifyLoopEndToEnd(t *testing.T) {
	client := &generate.MockClient{Responses: map[string]string{
		generate.AgentModifyPlanner:     plannedChangesJSON,
		generate.AgentModifyInterpreter: detailedChangesJSON,
		generate.AgentModifyImplementer: modifyPatchJSON,
	}}
	e := newEnv(t, client, verify.Nop{}, Config{})
	seedProject(t, e.st, "run-mod")

	require.NoError(t, e.o.StartModify(context.Background(), ModifyRequest{
		RunID:  "run-mod",
		Prompt: "Add a welcome banner to the app",
	}))
	e.wait(t, "run-mod")

	want := []string{
		"interpret running", "interpret done",
		"modify running",
		"implement running",
		"implement.iter.1/2 running",
		"implement.iter.2/2 running",
		"implement done",
		"modify done",
		"test running", "test done",
		"done done",
	}
	assert.Equal(t, want, e.statusSeq("run-mod"))

	dones := e.eventsOf("run-mod", events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, true, dones[0].Data["ok"])

	assert.Len(t, e.eventsOf("run-mod", events.TypeManifestUpdated), 1)
	results := e.eventsOf("run-mod", events.TypeTestResult)
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0].Data["ok"])

	ready := e.eventsOf("run-mod", events.TypeFilesReady)
	require.Len(t, ready, 1)
	data, ok := ready[0].Data["data"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, bannerContent, data["src/App.tsx"])

	// The first console line replays the stored manifest, not a string.
	logs := e.eventsOf("run-mod", events.TypeLog)
	require.NotEmpty(t, logs)
	_, isString := logs[0].Data["chunk"].(string)
	assert.False(t, isString, "manifest echo should carry the descriptor list")

	stdout := e.chunks("run-mod", "stdout")
	assert.Contains(t, stdout, "Implementer (modify): 2 iterations")
	assert.Contains(t, stdout, "Iteration 1: 1 files in layer")
	assert.Contains(t, stdout, "Modified src/App.tsx")
	assert.Contains(t, stdout, "[skip] src/main.tsx: not in modify plan")
	assert.Contains(t, stdout, "Iteration 1: applied 1 file changes")
	assert.Contains(t, stdout, "Implementer (modify) completed all iterations.")
	assert.Contains(t, stdout, "Recomputing manifest from updated files.")
	assert.Contains(t, e.chunks("run-mod", "stderr"), "Iteration 2: no patches or deletions produced")

	h, _ := e.reg.Lookup("run-mod")
	snap := h.Snapshot()
	assert.Equal(t, "Modify: Add a welcome banner to the app", snap.Title)
	assert.Equal(t, bannerContent, snap.ModifiedFiles["src/App.tsx"])
	require.NotEmpty(t, snap.Messages)
	assert.Equal(t, 2, snap.Messages[0].ID, "transcript numbering continues from the stored project")
	text := transcript(snap)
	assert.Contains(t, text, "Interpretation completed with changes:")
	assert.Contains(t, text, "src/App.tsx change summary: Added the welcome banner")
	assert.Contains(t, text, "Type check passed. Problematic files: none")

	proj, err := e.st.LoadProject(context.Background(), "run-mod")
	require.NoError(t, err)
	assert.Equal(t, bannerContent, proj.Files["src/App.tsx"])
	assert.Equal(t, "Root component with banner", proj.Manifest.Files[0].Description)
	assert.Len(t, proj.Messages, 2+len(snap.Messages))
	assert.Equal(t, "Add a welcome banner to the app", proj.Messages[2].Content)

	assert.Len(t, client.CallsFor(generate.AgentModifyPlanner), 1)
	assert.Len(t, client.CallsFor(generate.AgentModifyInterpreter), 1)
	assert.Len(t, client.CallsFor(generate.AgentModifyImplementer), 1)
}

func TestModifyLoopNoChangesStops(t *testing.T) {
	client := &generate.MockClient{Responses: map[string]string{
		generate.AgentModifyPlanner:     plannedChangesJSON,
		generate.AgentModifyInterpreter: `{"changes":[]}`,
	}}
	e := newEnv(t, client, verify.Nop{}, Config{})
	seedProject(t, e.st, "run-noop")

	require.NoError(t, e.o.StartModify(context.Background(), ModifyRequest{
		RunID:  "run-noop",
		Prompt: "Do something vague",
	}))
	e.wait(t, "run-noop")

	dones := e.eventsOf("run-noop", events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, false, dones[0].Data["ok"])

	h, _ := e.reg.Lookup("run-noop")
	snap := h.Snapshot()
	assert.Contains(t, transcript(snap), "No changes proposed by interpretation; stopping modify loop.")
	assert.True(t, snap.Finished)
	assert.Empty(t, snap.ModifiedFiles)

	assert.Empty(t, client.CallsFor(generate.AgentModifyImplementer))

	proj, err := e.st.LoadProject(context.Background(), "run-noop")
	require.NoError(t, err)
	assert.Equal(t, "export default function App() { return null; }\n", proj.Files["src/App.tsx"])
}

func TestStartModifyValidation(t *testing.T) {
	e := newEnv(t, &generate.MockClient{}, nil, Config{})
	ctx := context.Background()

	err := e.o.StartModify(ctx, ModifyRequest{RunID: "ghost", Prompt: "change it"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	seedProject(t, e.st, "run-p")
	err = e.o.StartModify(ctx, ModifyRequest{RunID: "run-p", Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	err = e.o.StartModify(ctx, ModifyRequest{Prompt: "change it"})
	assert.ErrorIs(t, err, ErrEmptyRunID)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)

	deps := Deps{
		Registry: run.NewRegistry(),
		Hub:      events.NewHub(),
		Client:   &generate.MockClient{},
		Store:    store.NewMemory(),
	}
	o, err := New(deps, Config{})
	require.NoError(t, err)
	assert.NotNil(t, o)

	var hadErr error
	for _, broken := range []Deps{
		{Hub: deps.Hub, Client: deps.Client, Store: deps.Store},
		{Registry: deps.Registry, Client: deps.Client, Store: deps.Store},
		{Registry: deps.Registry, Hub: deps.Hub, Store: deps.Store},
		{Registry: deps.Registry, Hub: deps.Hub, Client: deps.Client},
	} {
		_, hadErr = New(broken, Config{})
		assert.Error(t, hadErr)
	}
}
