// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package run holds the live state of generation runs.
//
// A State is the single mutable record a run's stages read and write:
// budget, counters, observations, the file plan, the in-memory file
// snapshot, metrics, and the conversational transcript. Handles wrap
// each State with a lock so HTTP handlers can read while the run loop
// writes.
package run

import (
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
	"github.com/AleutianAI/AleutianForge/services/forge/schedule"
)

// Phase identifies where a run currently is in its lifecycle.
type Phase string

const (
	PhaseQueued      Phase = "QUEUED"
	PhaseRoute       Phase = "ROUTE"
	PhasePlan        Phase = "PLAN"
	PhaseReplan      Phase = "REPLAN"
	PhaseSanity      Phase = "SANITY"
	PhaseImplement   Phase = "IMPLEMENT"
	PhaseTest        Phase = "TEST"
	PhaseFix         Phase = "FIX"
	PhaseIntegTest   Phase = "INTEG_TEST"
	PhaseInterpret   Phase = "INTERPRET"
	PhaseReinterpret Phase = "REINTERPRET"
	PhaseModify      Phase = "MODIFY"
	PhasePackage     Phase = "PACKAGE"
	PhaseStop        Phase = "STOP"
	PhaseError       Phase = "ERROR"

	// PhaseNone marks a run whose loop has finished and released control.
	PhaseNone Phase = ""
)

// Mode distinguishes a from-scratch creation run from a modification
// of an existing project.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeModify Mode = "modify"
)

// Budget caps how much work a run may consume.
type Budget struct {
	// Retries is the number of recoverable failures left.
	Retries int `json:"retries"`

	// TokensLeft is the remaining LLM token allowance.
	TokensLeft int `json:"tokensLeft"`
}

// Exhausted reports whether the run must stop consuming the backend.
// An exhausted budget always routes to packaging, never to more work.
func (b Budget) Exhausted() bool {
	return b.TokensLeft <= 0 || b.Retries <= 0
}

// DefaultCreationBudget is the allowance for a from-scratch run.
func DefaultCreationBudget() Budget {
	return Budget{Retries: 1, TokensLeft: 100000}
}

// DefaultModifyBudget is the allowance for a modification run.
func DefaultModifyBudget() Budget {
	return Budget{Retries: 10, TokensLeft: 100000}
}

// Counters track how often the recovery loops have fired. Only the
// run loop increments them; the decision logic just reads.
type Counters struct {
	FixLoops    int `json:"fix_loops"`
	ReplanLoops int `json:"replan_loops"`
}

// Flags carry per-run switches set at launch.
type Flags struct {
	// ManualOverride is true when the caller pinned the project domain,
	// which skips routing and lets a failed sanity check proceed.
	ManualOverride bool `json:"manual_override"`

	// E2E enables the end-to-end verification stage.
	E2E bool `json:"e2e"`
}

// Observations are the facts stages report back for the decision logic.
type Observations struct {
	// SanityOK is nil until the sanity stage has run.
	SanityOK *bool `json:"sanity_ok,omitempty"`

	CheckPass bool `json:"check_pass,omitempty"`
	CheckFail bool `json:"check_fail,omitempty"`

	E2EPass bool `json:"e2e_pass,omitempty"`
	E2EFail bool `json:"e2e_fail,omitempty"`

	// Exception records an error that escaped a stage.
	Exception string `json:"exception,omitempty"`
}

// RouterResult is the routed project domain.
type RouterResult struct {
	Domain        string   `json:"domain"`
	Confidence    float64  `json:"confidence"`
	AltCandidates []string `json:"alt_candidates,omitempty"`
	Rationale     string   `json:"rationale"`
}

// ModelSelection pins which model serves each stage. "auto" defers to
// the backend default.
type ModelSelection struct {
	Planner     string `json:"planningModel"`
	Implementer string `json:"implementerModel"`
	Fixer       string `json:"fixerModel"`
}

// ChatMessage is one entry in the run's conversational transcript.
type ChatMessage struct {
	ID       int    `json:"id"`
	Content  string `json:"content"`
	FromUser bool   `json:"fromUser"`
}

// StepRecord is one entry in the run history. Optional fields only
// appear for the step kinds that produce them.
type StepRecord struct {
	Step    int    `json:"step,omitempty"`
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
	Changed *bool  `json:"changed,omitempty"`
	OK      *bool  `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
}

// History is the ordered record of decisions a run has taken.
type History struct {
	Steps []StepRecord `json:"steps"`
}

// StageMetric times one stage and records its outcome.
type StageMetric struct {
	// StartMS and EndMS are Unix milliseconds UTC.
	StartMS int64 `json:"t_start,omitempty"`
	EndMS   int64 `json:"t_end,omitempty"`
	OK      *bool `json:"ok,omitempty"`
}

// Metrics maps stage name to its metric. The "test" entry's OK field is
// the run's overall pass flag.
type Metrics map[string]*StageMetric

// StageStart stamps the start time for a stage, creating the entry.
func (m Metrics) StageStart(name string) {
	s := m[name]
	if s == nil {
		s = &StageMetric{}
		m[name] = s
	}
	s.StartMS = time.Now().UnixMilli()
}

// StageEnd stamps the end time and, when ok is non-nil, the outcome.
func (m Metrics) StageEnd(name string, ok *bool) {
	s := m[name]
	if s == nil {
		s = &StageMetric{}
		m[name] = s
	}
	s.EndMS = time.Now().UnixMilli()
	if ok != nil {
		v := *ok
		s.OK = &v
	}
}

// SetStageOK records just the outcome for a stage.
func (m Metrics) SetStageOK(name string, ok bool) {
	s := m[name]
	if s == nil {
		s = &StageMetric{}
		m[name] = s
	}
	s.OK = &ok
}

// TokenCount accumulates LLM usage for one call site.
type TokenCount struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Tokens maps call-site label to accumulated usage.
type Tokens map[string]*TokenCount

// Add accumulates usage under a call-site label.
func (t Tokens) Add(where string, prompt, completion int) {
	c := t[where]
	if c == nil {
		c = &TokenCount{}
		t[where] = c
	}
	c.Prompt += prompt
	c.Completion += completion
}

// Total returns the summed prompt and completion tokens across all
// call sites.
func (t Tokens) Total() (prompt, completion int) {
	for _, c := range t {
		prompt += c.Prompt
		completion += c.Completion
	}
	return prompt, completion
}

// State is the full mutable record of one run.
//
// Description:
//
//	State itself is not synchronized. All access goes through the
//	owning Handle, which serializes the run loop's writes against
//	HTTP reads and the kill switch.
type State struct {
	ID          string `json:"id"`
	Mode        Mode   `json:"mode"`
	Description string `json:"description"`
	Title       string `json:"title"`

	Current Phase `json:"current"`

	Budget   Budget       `json:"budget"`
	Counters Counters     `json:"counters"`
	Flags    Flags        `json:"flags"`
	Obs      Observations `json:"obs"`

	Router *RouterResult  `json:"router,omitempty"`
	Models ModelSelection `json:"models"`

	// Plan is the routed-and-planned file layout for creation runs.
	Plan *manifest.Manifest `json:"plan,omitempty"`

	// Manifest is the live file plan: the plan's files for creation,
	// the stored project manifest for modification.
	Manifest *manifest.Manifest `json:"manifest,omitempty"`

	// SanityFails lists the reasons the last sanity check failed.
	SanityFails []string `json:"sanity,omitempty"`

	// Schedule is the computed generation-wave layering.
	Schedule *schedule.Result `json:"file_order_iterations,omitempty"`

	// Changes is the interpreted change set for modification runs.
	Changes []manifest.Change `json:"changes,omitempty"`

	// Files is the in-memory snapshot of generated file contents.
	Files map[string]string `json:"files"`

	// ModifiedFiles holds only the files a modification run touched.
	ModifiedFiles map[string]string `json:"modified_files,omitempty"`

	// VerifyErrors maps file name to the diagnostics of the last
	// verification pass.
	VerifyErrors map[string][]string `json:"verify_errors,omitempty"`

	// LastVerifyLog is the raw output of the last verification pass.
	LastVerifyLog string `json:"last_verify_log,omitempty"`

	Messages []ChatMessage `json:"messages"`
	History  History       `json:"history"`
	Metrics  Metrics       `json:"metrics"`
	Tokens   Tokens        `json:"tokens"`

	CreatedAt  time.Time `json:"createdAt"`
	Finished   bool      `json:"finished"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// NewState creates an empty run record.
func NewState(id string) *State {
	return &State{
		ID:        id,
		Current:   PhaseQueued,
		Files:     map[string]string{},
		Metrics:   Metrics{},
		Tokens:    Tokens{},
		CreatedAt: time.Now(),
	}
}

// EnsureCreationDefaults fills the unset fields a creation run needs.
// Fields that already hold values keep them, so a restarted run does
// not lose its budget or history.
func (s *State) EnsureCreationDefaults(desc string, models ModelSelection, manualDomain string) {
	s.Mode = ModeCreate
	s.Description = desc
	s.Models = models
	if s.Budget == (Budget{}) {
		s.Budget = DefaultCreationBudget()
	}
	if s.Title == "" {
		s.Title = "Untitled Run"
	}
	if s.Current == PhaseNone {
		s.Current = PhaseQueued
	}
	s.ensureContainers()
	if len(s.Messages) == 0 {
		s.Messages = []ChatMessage{{ID: 0, Content: desc, FromUser: true}}
	}

	if manualDomain != "" && manualDomain != "auto" {
		s.Flags.ManualOverride = true
		s.Router = &RouterResult{
			Domain:     manualDomain,
			Confidence: 1.0,
			Rationale:  "manual override",
		}
	}
}

// EnsureModifyDefaults fills the unset fields a modification run needs.
func (s *State) EnsureModifyDefaults(prompt string, messageSeq int) {
	s.Mode = ModeModify
	s.Description = prompt
	if s.Budget == (Budget{}) {
		s.Budget = DefaultModifyBudget()
	}
	if s.Title == "" {
		title := []rune(prompt)
		if len(title) > 32 {
			title = title[:32]
		}
		s.Title = "Modify: " + string(title)
	}
	if s.Current == PhaseNone {
		s.Current = PhaseQueued
	}
	s.ensureContainers()
	s.Messages = []ChatMessage{{ID: messageSeq, Content: prompt, FromUser: true}}
}

func (s *State) ensureContainers() {
	if s.Files == nil {
		s.Files = map[string]string{}
	}
	if s.Metrics == nil {
		s.Metrics = Metrics{}
	}
	if s.Tokens == nil {
		s.Tokens = Tokens{}
	}
}

// AppendMessage adds a transcript entry with the next sequential ID.
func (s *State) AppendMessage(content string, fromUser bool) {
	id := 0
	if n := len(s.Messages); n > 0 {
		id = s.Messages[n-1].ID + 1
	}
	s.Messages = append(s.Messages, ChatMessage{ID: id, Content: content, FromUser: fromUser})
}

// AddStep appends a history record.
func (s *State) AddStep(rec StepRecord) {
	s.History.Steps = append(s.History.Steps, rec)
}

// TestOK reports whether the last verification pass succeeded. This is
// the flag the terminal done event carries.
func (s *State) TestOK() bool {
	m := s.Metrics["test"]
	return m != nil && m.OK != nil && *m.OK
}

// PlanFileCount returns how many files the active plan or change set
// covers.
func (s *State) PlanFileCount() int {
	if s.Plan != nil {
		return len(s.Plan.Files)
	}
	return len(s.Changes)
}

// Clone returns a deep copy safe to read after the lock is released.
func (s *State) Clone() *State {
	out := *s

	if s.Router != nil {
		r := *s.Router
		r.AltCandidates = append([]string(nil), s.Router.AltCandidates...)
		out.Router = &r
	}
	if s.Plan != nil {
		out.Plan = s.Plan.Clone()
	}
	if s.Manifest != nil {
		out.Manifest = s.Manifest.Clone()
	}
	out.SanityFails = append([]string(nil), s.SanityFails...)
	if s.Schedule != nil {
		sched := *s.Schedule
		sched.Iterations = make([][]string, len(s.Schedule.Iterations))
		for i, layer := range s.Schedule.Iterations {
			sched.Iterations[i] = append([]string(nil), layer...)
		}
		sched.Unresolved.Missing = append([]schedule.MissingDep(nil), s.Schedule.Unresolved.Missing...)
		sched.Unresolved.Cycles = append([]string(nil), s.Schedule.Unresolved.Cycles...)
		out.Schedule = &sched
	}
	if s.Changes != nil {
		out.Changes = make([]manifest.Change, len(s.Changes))
		for i, ch := range s.Changes {
			out.Changes[i] = manifest.Change{
				FileDescriptor: ch.FileDescriptor.Clone(),
				Op:             ch.Op,
				Rationale:      ch.Rationale,
			}
		}
	}
	out.Files = cloneStringMap(s.Files)
	out.ModifiedFiles = cloneStringMap(s.ModifiedFiles)
	if s.VerifyErrors != nil {
		out.VerifyErrors = make(map[string][]string, len(s.VerifyErrors))
		for k, v := range s.VerifyErrors {
			out.VerifyErrors[k] = append([]string(nil), v...)
		}
	}
	out.Messages = append([]ChatMessage(nil), s.Messages...)
	out.History.Steps = append([]StepRecord(nil), s.History.Steps...)
	if s.Metrics != nil {
		out.Metrics = make(Metrics, len(s.Metrics))
		for k, v := range s.Metrics {
			m := *v
			if v.OK != nil {
				ok := *v.OK
				m.OK = &ok
			}
			out.Metrics[k] = &m
		}
	}
	if s.Tokens != nil {
		out.Tokens = make(Tokens, len(s.Tokens))
		for k, v := range s.Tokens {
			c := *v
			out.Tokens[k] = &c
		}
	}
	if s.Obs.SanityOK != nil {
		ok := *s.Obs.SanityOK
		out.Obs.SanityOK = &ok
	}

	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
