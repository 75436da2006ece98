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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/controller"
	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/executor"
	"github.com/AleutianAI/AleutianForge/services/forge/generate"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
	"github.com/AleutianAI/AleutianForge/services/forge/schedule"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
)

// modify runs the change flow over a stored project until a terminal
// action fires.
func (l *loop) modify(ctx context.Context, req ModifyRequest, proj *store.Project, messageSeq int) {
	l.h.Update(func(s *run.State) {
		s.EnsureModifyDefaults(req.Prompt, messageSeq)
		s.Manifest = proj.Manifest
		s.Files = proj.Files
	})
	if sched, err := schedule.ComputeForManifest(proj.Manifest); err == nil {
		l.h.Update(func(s *run.State) { s.Schedule = sched })
	}

	// Echo the manifest on the console stream so the client can render
	// the project the run starts from. The clone keeps the payload
	// stable while later stages rewrite the live manifest.
	if proj.Manifest != nil {
		l.emit(events.New(events.TypeLog, map[string]any{
			"stream": "stdout",
			"chunk":  proj.Manifest.Clone().Files,
		}))
	}

	for step := 0; step < controller.MaxSteps; step++ {
		if l.cancelled(ctx) {
			l.reportCancelled()
			return
		}

		s := l.snapshot()
		act := controller.NextModify(s)
		l.emit(events.New(events.TypeControllerNext, map[string]any{
			"action": act.Kind.String(),
			"reason": act.Reason,
		}))
		slog.Debug("Modify loop action", "run_id", l.id, "action", act.Kind, "step", step)

		timed := act.Kind != controller.ActionStop && act.Kind != controller.ActionAskUser
		stage := strings.ToLower(act.Kind.String())
		if timed {
			l.h.Update(func(s *run.State) { s.Metrics.StageStart(stage) })
		}
		exit := l.dispatchModify(ctx, step, act, s, req)
		if timed {
			l.h.Update(func(s *run.State) { s.Metrics.StageEnd(stage, nil) })
		}
		if exit {
			return
		}

		if l.budgetExhausted() {
			l.budgetEpilogue()
			return
		}
		l.addStep(run.StepRecord{Step: step, Action: act.Kind.String(), Reason: act.Reason})
	}
}

// dispatchModify runs one stage. A true result ends the loop.
func (l *loop) dispatchModify(ctx context.Context, step int, act controller.Action, s *run.State, req ModifyRequest) bool {
	switch act.Kind {
	case controller.ActionStop:
		l.finish(events.Done(false))
		return true

	case controller.ActionInterpret:
		return l.stageInterpret(ctx, req.Prompt)

	case controller.ActionReinterpret:
		return l.stageReinterpret(ctx, req.Prompt)

	case controller.ActionModify:
		l.stageModifyScaffold(ctx, step)

	case controller.ActionTest:
		l.stageTestModify(ctx)

	case controller.ActionFix:
		l.stageFix(ctx, step, req.Prompt, generate.DefaultModifyModel)

	case controller.ActionPackage:
		if err := l.stagePackageModify(ctx); err != nil {
			l.fail(err)
			return true
		}
		return true

	default:
		l.stderr("Unknown action: " + act.Kind.String())
		l.finish(events.Done(s.TestOK()))
		return true
	}
	return false
}

// ====================================================================
// Modify stages
// ====================================================================

// stageInterpret turns the user prompt into a change set. An empty
// result ends the run.
func (l *loop) stageInterpret(ctx context.Context, prompt string) bool {
	l.setPhase(run.PhaseInterpret)
	l.status("interpret", "running")

	snap := l.snapshot()
	changes, err := generate.InterpretPrompt(ctx, l.client, l.o.hub, l.id, prompt, snap.Manifest)
	if err != nil {
		l.fail(err)
		return true
	}
	if len(changes) == 0 {
		l.note("No changes proposed by interpretation; stopping modify loop.\n")
		l.finish(events.Done(false))
		return true
	}

	l.h.Update(func(s *run.State) { s.Changes = changes })
	l.status("interpret", "done")
	l.say("Interpretation completed with changes:\n\n" + changeLines(changes) + "\n")
	return false
}

// stageReinterpret retries interpretation with the failed change set
// and the check errors as corrective feedback.
func (l *loop) stageReinterpret(ctx context.Context, prompt string) bool {
	l.setPhase(run.PhaseReinterpret)
	l.status("interpret", "running")

	snap := l.snapshot()
	prior, _ := json.Marshal(map[string]any{"changes": snap.Changes})
	changes, err := generate.ReinterpretChanges(ctx, l.client, prompt, snap.Manifest, prior, flattenVerifyErrors(snap.VerifyErrors), "")
	if err != nil {
		l.fail(err)
		return true
	}
	if len(changes) == 0 {
		l.note("No changes proposed by reinterpretation; stopping modify loop.\n")
		l.finish(events.Done(false))
		return true
	}

	l.h.Update(func(s *run.State) { s.Changes = changes })
	l.status("interpret", "done")
	l.say("Re-interpretation completed with changes:\n\n" + changeLines(changes) + "\n")
	return false
}

func (l *loop) stageModifyScaffold(ctx context.Context, step int) {
	l.setPhase(run.PhaseModify)
	l.status("modify", "running")

	ok := l.modifyScaffold(ctx)
	if ok {
		l.emit(events.New(events.TypeManifestUpdated, nil))
	}
	l.h.Update(func(s *run.State) {
		v := ok
		s.AddStep(run.StepRecord{Step: step, Action: "MODIFY", OK: &v})
	})
	l.say("Modify scaffold generation completed.\n")
	l.status("modify", "done")
}

// modifyScaffold applies the interpreted change set over the project
// snapshot in dependency order, with change-plan paths missing from
// the schedule appended as a final wave. The modified snapshot is
// committed once, after all waves.
func (l *loop) modifyScaffold(ctx context.Context) bool {
	l.status("implement", "running")

	snap := l.snapshot()
	var iterations [][]string
	if snap.Schedule != nil {
		iterations = snap.Schedule.Iterations
	}
	if len(iterations) == 0 {
		l.stderr("Implementer failed: no file order iterations in run state")
		l.status("implement", "failed")
		return false
	}

	plan := snap.Manifest
	working := manifest.CloneFiles(snap.Files)

	l.stdout(fmt.Sprintf("Implementer (modify): %d iterations", len(iterations)))

	opsByPath := map[string][]manifest.Change{}
	for _, c := range snap.Changes {
		opsByPath[c.Name] = append(opsByPath[c.Name], c)
	}
	scheduled := map[string]bool{}
	for _, layer := range iterations {
		for _, name := range layer {
			scheduled[name] = true
		}
	}
	var extra []string
	for p := range opsByPath {
		if !scheduled[p] {
			extra = append(extra, p)
		}
	}
	layers := append(make([][]string, 0, len(iterations)+1), iterations...)
	if len(extra) > 0 {
		sort.Strings(extra)
		layers = append(layers, extra)
	}

	exec := executor.New(l.o.hub, executor.ModifyConfig())
	for i, layer := range layers {
		l.status(fmt.Sprintf("implement.iter.%d/%d", i+1, len(layers)), "running")
		l.stdout(fmt.Sprintf("Iteration %d: %d files in layer", i+1, len(layer)))

		tasks := make([]executor.Task, 0, len(layer))
		for _, target := range layer {
			target := target
			ops := opsByPath[target]
			switch {
			case len(ops) == 0:
				tasks = append(tasks, executor.Task{
					Target: target,
					Generate: func(context.Context, map[string]string) (*executor.Outcome, error) {
						l.stdout("[skip] " + target + ": not in modify plan")
						return nil, nil
					},
				})
			case allDeletes(ops):
				tasks = append(tasks, executor.Task{Target: target, Delete: true})
			default:
				tasks = append(tasks, executor.Task{
					Target: target,
					Generate: func(ctx context.Context, snapshot map[string]string) (*executor.Outcome, error) {
						if _, ok := snapshot[target]; !ok && !generate.IsNewFileChange(ops) {
							l.stderr("[skip] " + target + ": no current file content in run.files")
							return nil, nil
						}
						res, err := generate.ModifyFile(ctx, l.client, target, ops, plan, snapshot, generate.DefaultModifyModel)
						if err != nil {
							return nil, err
						}
						l.stdout("Modified " + target + "\n" + res.Summary)
						return &executor.Outcome{Path: res.Path, Content: res.Content, Summary: res.Summary}, nil
					},
				})
			}
		}

		result, err := exec.Run(ctx, l.id, working, tasks)
		if err != nil {
			return false
		}

		for _, path := range sortedKeys(result.Summaries) {
			l.say(path + " change summary: " + result.Summaries[path])
		}
		if len(result.Changed) == 0 {
			l.stderr(fmt.Sprintf("Iteration %d: no patches or deletions produced", i+1))
			continue
		}
		l.stdout(fmt.Sprintf("Iteration %d: applied %d file changes", i+1, len(result.Changed)))
	}

	l.h.Update(func(s *run.State) { s.ModifiedFiles = working })
	l.status("implement", "done")
	l.stdout("Implementer (modify) completed all iterations.")
	return true
}

// stageTestModify is the check stage with the modify-flow epilogue: the
// transcript line always mirrors to stdout and a test.result event
// carries the verdict.
func (l *loop) stageTestModify(ctx context.Context) {
	l.setPhase(run.PhaseTest)
	l.status("test", "running")

	passed := l.runVerify(ctx)
	l.h.Update(func(s *run.State) {
		s.Obs.CheckPass = passed
		s.Obs.CheckFail = !passed
		s.Metrics.SetStageOK("test", passed)
	})

	word := "failed"
	if passed {
		word = "passed"
	}
	l.say(fmt.Sprintf("Type check %s. Problematic files: %s\n", word, formatProblemFiles(l.snapshot().VerifyErrors)))
	l.emit(events.New(events.TypeTestResult, map[string]any{"ok": passed}))
	if passed {
		l.stdout("Type check passed.")
	}
}

func (l *loop) stagePackageModify(ctx context.Context) error {
	l.setPhase(run.PhasePackage)
	l.say("Packaging project and updating database.\n")

	l.stdout("Recomputing manifest from updated files.")
	l.h.Update(func(s *run.State) {
		manifest.ApplyChanges(s.Manifest, s.Changes)
		schedule.RecomputeUsedBy(s.Manifest)
		s.Current = run.PhaseNone
	})

	snap := l.snapshot()
	dbctx := context.WithoutCancel(ctx)
	// A scaffold that produced nothing leaves ModifiedFiles empty;
	// replacing the stored files with that would wipe the project.
	if len(snap.ModifiedFiles) > 0 {
		if err := l.o.store.ReplaceFiles(dbctx, l.id, snap.ModifiedFiles); err != nil {
			return err
		}
	}
	if err := l.o.store.AppendMessages(dbctx, l.id, snap.Messages); err != nil {
		return err
	}
	if err := l.o.store.ReplaceManifest(dbctx, l.id, snap.Manifest); err != nil {
		return err
	}

	files := snap.ModifiedFiles
	if len(files) == 0 {
		files = snap.Files
	}
	l.emit(events.New(events.TypeFilesReady, map[string]any{"data": files}))
	l.emit(events.New(events.TypeArtifactReady, map[string]any{"url": l.archive(ctx)}))
	l.emit(events.New(events.TypeReportReady, map[string]any{"url": reportURL(l.id)}))

	ok := snap.TestOK()
	l.status("done", "done")
	l.finish(events.Done(ok))
	l.h.Update(func(s *run.State) {
		s.AddStep(run.StepRecord{Action: "PACKAGE", OK: &ok})
		s.Finished = true
		s.FinishedAt = time.Now()
	})
	return nil
}

// ====================================================================
// Helpers
// ====================================================================

// changeLines renders the interpreted change set for the transcript.
func changeLines(changes []manifest.Change) string {
	var b strings.Builder
	for _, c := range changes {
		fmt.Fprintf(&b, "%s: %s\nModify description: %s\n\n", c.Name, c.Op, c.Rationale)
	}
	return b.String()
}

// flattenVerifyErrors renders per-file check errors as one line each.
func flattenVerifyErrors(errs map[string][]string) []string {
	paths := make([]string, 0, len(errs))
	for p := range errs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, p+": "+strings.Join(errs[p], "; "))
	}
	return out
}

func allDeletes(ops []manifest.Change) bool {
	if len(ops) == 0 {
		return false
	}
	for _, op := range ops {
		if op.Op != manifest.OpDeleteFile {
			return false
		}
	}
	return true
}
