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

// creation runs the from-scratch flow until a terminal action fires.
func (l *loop) creation(ctx context.Context, req CreationRequest) {
	l.h.Update(func(s *run.State) {
		// A restart clears the stop marker of a killed run; the kill
		// switch for the new loop is its own context.
		if s.Current == run.PhaseStop {
			s.Current = run.PhaseQueued
		}
		s.EnsureCreationDefaults(req.Description, req.Models, req.Domain)
		s.Finished = false
		s.FinishedAt = time.Time{}
	})

	var manual *run.RouterResult
	l.h.View(func(s *run.State) {
		if s.Flags.ManualOverride && s.Router != nil {
			r := *s.Router
			manual = &r
		}
	})
	if manual != nil {
		l.emit(events.New(events.TypeRouterResult, routerData(*manual)))
	}

	for step := 0; step < controller.MaxSteps; step++ {
		if l.cancelled(ctx) {
			l.reportCancelled()
			return
		}

		s := l.snapshot()
		act := controller.NextCreation(s)
		l.emit(events.New(events.TypeControllerNext, map[string]any{
			"action": act.Kind.String(),
			"reason": act.Reason,
		}))
		slog.Debug("Creation loop action", "run_id", l.id, "action", act.Kind, "step", step)

		timed := act.Kind != controller.ActionStop && act.Kind != controller.ActionAskUser
		stage := strings.ToLower(act.Kind.String())
		if timed {
			l.h.Update(func(s *run.State) { s.Metrics.StageStart(stage) })
		}
		exit := l.dispatchCreation(ctx, step, act, s, req)
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
		if act.Kind == controller.ActionReplan {
			l.h.Update(func(s *run.State) { s.Counters.ReplanLoops++ })
		}
		l.addStep(run.StepRecord{Step: step, Action: act.Kind.String(), Reason: act.Reason})
	}
}

// dispatchCreation runs one stage. A true result ends the loop.
func (l *loop) dispatchCreation(ctx context.Context, step int, act controller.Action, s *run.State, req CreationRequest) bool {
	switch act.Kind {
	case controller.ActionStop:
		l.finish(events.Done(s.TestOK()))
		return true

	case controller.ActionRoute:
		l.stageRoute(ctx, req.Description)

	case controller.ActionPlan:
		if err := l.stagePlan(ctx, req.Description, s.Models.Planner); err != nil {
			l.fail(err)
			return true
		}

	case controller.ActionReplan:
		if err := l.stageReplan(ctx, req.Description); err != nil {
			l.fail(err)
			return true
		}

	case controller.ActionSanity:
		l.stageSanity()

	case controller.ActionImplement:
		if err := l.stageImplement(ctx, req.Description, s.Models.Implementer); err != nil {
			l.fail(err)
			return true
		}

	case controller.ActionTest:
		l.stageTest(ctx)

	case controller.ActionFix:
		l.stageFix(ctx, step, req.Description, s.Models.Fixer)

	case controller.ActionPackage:
		if err := l.stagePackageCreation(ctx); err != nil {
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
// Creation stages
// ====================================================================

func (l *loop) stageRoute(ctx context.Context, desc string) {
	l.setPhase(run.PhaseRoute)
	l.status("router", "running")

	var res run.RouterResult
	if l.o.cfg.Dev {
		l.devSleep(ctx, 3)
		res = generate.HeuristicDomain("general fallback")
	} else {
		res = generate.RouteDomain(ctx, l.client, desc, generate.DefaultRouterModel)
	}

	l.h.Update(func(s *run.State) { s.Router = &res })
	l.emit(events.New(events.TypeRouterResult, routerData(res)))
	l.status("router", "done")
	l.say(fmt.Sprintf("Routed to domain: %s (confidence %v)", res.Domain, res.Confidence))
}

func (l *loop) stagePlan(ctx context.Context, desc, plannerModel string) error {
	l.setPhase(run.PhasePlan)
	l.status("planner", "running")

	var title string
	if l.o.cfg.Dev {
		title = generate.DevTitle()
	} else {
		t, err := generate.GenerateTitle(ctx, l.client, desc, generate.DefaultTitleModel)
		if err != nil {
			return err
		}
		title = t
	}
	l.h.Update(func(s *run.State) { s.Title = title })
	l.emit(events.New(events.TypeTitleGenerated, map[string]any{"title": title}))
	l.say("Generated title: " + title)

	var plan *manifest.Manifest
	if l.o.cfg.Dev {
		l.devSleep(ctx, 3)
		plan = generate.MockPlan()
	} else {
		p, err := generate.Plan(ctx, l.client, desc, l.domain(), plannerModel, l.o.cfg.PlanRetries)
		if err != nil {
			return err
		}
		plan = p
	}
	l.h.Update(func(s *run.State) {
		s.Plan = plan
		s.Manifest = plan
	})
	l.status("planner", "done")

	summary := plan.Summary
	if summary == "" {
		summary = "(no summary)"
	}
	l.say("Plan summary: " + summary)
	l.say("```text " + manifest.TreeStringForManifest(plan) + " \n```")
	return nil
}

func (l *loop) stageReplan(ctx context.Context, desc string) error {
	// The decision table treats both plan passes as PLAN.
	l.setPhase(run.PhasePlan)
	l.status("planner", "running")

	var planJSON []byte
	var fails []string
	l.h.View(func(s *run.State) {
		planJSON, _ = json.Marshal(s.Plan)
		fails = append([]string(nil), s.SanityFails...)
	})

	plan, err := generate.Replan(ctx, l.client, planJSON, desc, fails, l.domain(), generate.DefaultReplanModel, l.o.cfg.PlanRetries)
	if err != nil {
		return err
	}

	l.h.Update(func(s *run.State) {
		s.Plan = plan
		s.Manifest = plan
		schedule.RecomputeUsedBy(plan)
	})
	l.status("planner", "done")
	l.say(fmt.Sprintf("Replan created with %d files:\n\n%s", len(plan.Files), manifest.TreeStringForManifest(plan)))
	return nil
}

func (l *loop) stageSanity() {
	l.setPhase(run.PhaseSanity)
	l.status("sanity", "running")

	snap := l.snapshot()
	ok, fails := sanityCheck(snap.Plan, l.domain(), l.o.cfg.Dev)
	l.h.Update(func(s *run.State) {
		v := ok
		s.Obs.SanityOK = &v
		if !ok {
			s.SanityFails = fails
		}
	})

	if ok {
		l.status("sanity", "done")
		l.say("Sanity check passed.")
		return
	}
	l.status("sanity", "failed")
	l.sayErr("Sanity check failed: " + strings.Join(fails, "; "))
}

func (l *loop) stageImplement(ctx context.Context, desc, implModel string) error {
	l.setPhase(run.PhaseImplement)
	l.status("implement", "running")

	sched, err := schedule.ComputeForManifest(l.snapshot().Plan)
	if err != nil {
		return err
	}
	l.h.Update(func(s *run.State) { s.Schedule = sched })

	if l.scaffold(ctx, desc, implModel, sched.Iterations) {
		l.say("Implementation done; files now present.")
		l.status("implement", "done")
	}
	return nil
}

// scaffold generates every planned file in dependency-ordered waves,
// committing the snapshot after each wave that produced patches.
func (l *loop) scaffold(ctx context.Context, desc, implModel string, iterations [][]string) bool {
	if l.o.cfg.Dev {
		l.devSleep(ctx, 2)
		l.say("[dev] Mocked files")
		l.h.Update(func(s *run.State) { s.Files = generate.CanvasProject() })
		return true
	}

	snap := l.snapshot()
	plan := snap.Plan
	domain := l.domain()
	working := manifest.CloneFiles(snap.Files)
	summaries := map[string]string{}

	l.say(fmt.Sprintf("Implementer starting with %d iterations.", len(iterations)))

	exec := executor.New(l.o.hub, executor.DefaultConfig())
	for i, layer := range iterations {
		l.stdout(fmt.Sprintf("Iteration %d: generating %d files.", i+1, len(layer)))

		tasks := make([]executor.Task, 0, len(layer))
		for _, target := range layer {
			target := target
			tasks = append(tasks, executor.Task{
				Target: target,
				Generate: func(ctx context.Context, snapshot map[string]string) (*executor.Outcome, error) {
					if plan.Descriptor(target) == nil {
						l.stderr("[skip] " + target + ": not in plan")
						return nil, nil
					}
					res, err := generate.ImplementFile(ctx, l.client, plan, domain, desc, target, snapshot, implModel)
					if err != nil {
						return nil, err
					}
					l.stdout(" Generated " + target + "\n" + res.Summary)
					return &executor.Outcome{Path: res.Path, Content: res.Content, Summary: res.Summary}, nil
				},
			})
		}

		result, err := exec.Run(ctx, l.id, working, tasks)
		if err != nil {
			return false
		}
		for path, sum := range result.Summaries {
			summaries[path] = sum
		}

		if len(result.Patches) == 0 {
			l.stderr(fmt.Sprintf("Iteration %d: no patches produced", i+1))
			continue
		}
		l.say(fmt.Sprintf("Iteration %d: generated %s files.", i+1, strings.Join(layer, ", ")))
		l.h.Update(func(s *run.State) { s.Files = manifest.CloneFiles(working) })
	}

	l.h.Update(func(s *run.State) {
		for path, sum := range summaries {
			if d := s.Plan.Descriptor(path); d != nil {
				d.Summary = sum
			}
		}
	})
	l.say("Implementer completed all iterations.")
	return true
}

func (l *loop) stageTest(ctx context.Context) {
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
	msg := fmt.Sprintf("Type check %s. Problematic files: %s\n", word, formatProblemFiles(l.snapshot().VerifyErrors))
	l.note(msg)
	if passed {
		l.stdout(msg)
	}
}

func (l *loop) stageFix(ctx context.Context, step int, desc, model string) {
	l.setPhase(run.PhaseFix)
	l.status("fix", "running")

	changed := l.repair(ctx, desc, model)
	l.h.Update(func(s *run.State) {
		v := changed
		s.Counters.FixLoops++
		s.AddStep(run.StepRecord{Step: step, Action: "FIX", Changed: &v})
	})
	l.say(fmt.Sprintf("Fixer done; changes made: %t.", changed))
	l.status("fix", "done")
}

// repair fans the fixer out over the files the last check flagged and
// commits the patched snapshot when anything changed.
func (l *loop) repair(ctx context.Context, desc, model string) bool {
	l.stdout("[fix] Starting fixer")

	snap := l.snapshot()
	errsByFile := snap.VerifyErrors
	l.stdout(fmt.Sprintf("[fix] Found %d files with TS errors", len(errsByFile)))

	if len(errsByFile) == 0 {
		l.stdout("[fix] No TS errors")
		return true
	}

	current := snap.ModifiedFiles
	if len(current) == 0 {
		current = snap.Files
	}
	targets := make([]string, 0, len(errsByFile))
	for p := range errsByFile {
		if _, ok := current[p]; ok {
			targets = append(targets, p)
		}
	}
	sort.Strings(targets)
	if len(targets) == 0 {
		l.stderr("[fix] No matching files")
		return false
	}

	working := manifest.CloneFiles(current)
	plan := snap.Manifest

	exec := executor.New(l.o.hub, executor.FixConfig())
	tasks := make([]executor.Task, 0, len(targets))
	for _, target := range targets {
		target := target
		errs := errsByFile[target]
		tasks = append(tasks, executor.Task{
			Target: target,
			Generate: func(ctx context.Context, snapshot map[string]string) (*executor.Outcome, error) {
				res, err := generate.FixFile(ctx, l.client, plan, desc, target, snapshot[target], errs, model)
				if err != nil {
					return nil, err
				}
				l.stdout("[fix] " + target + "\n" + res.Summary)
				return &executor.Outcome{Path: res.Path, Content: res.Content, Summary: res.Summary}, nil
			},
		})
	}

	result, err := exec.Run(ctx, l.id, working, tasks)
	if err != nil {
		return false
	}
	if len(result.Patches) == 0 {
		l.stderr("[fix] No patches")
		return false
	}

	// The fixed snapshot becomes both the base and modified set, same
	// as a modify pass, so later checks and packaging see it.
	l.h.Update(func(s *run.State) {
		s.Files = working
		s.ModifiedFiles = working
	})
	l.stdout("Fixer completed")
	return true
}

func (l *loop) stagePackageCreation(ctx context.Context) error {
	l.setPhase(run.PhasePackage)

	snap := l.snapshot()
	proj := &store.Project{
		ID:       l.id,
		Title:    snap.Title,
		Manifest: snap.Manifest,
		Files:    snap.Files,
		Messages: snap.Messages,
	}
	// Packaging completes even when a kill arrives mid-save.
	if err := l.o.store.SaveProject(context.WithoutCancel(ctx), proj); err != nil {
		return err
	}

	l.say("Project packaged and saved to database.")
	l.emit(events.New(events.TypeFilesReady, map[string]any{"data": snap.Files}))
	l.emit(events.New(events.TypeArtifactReady, map[string]any{"url": l.archive(ctx)}))
	l.emit(events.New(events.TypeReportReady, map[string]any{"url": reportURL(l.id)}))
	ok := l.testOK()
	l.status("done", "done")
	l.finish(events.Done(ok))
	l.h.Update(func(s *run.State) {
		s.Current = run.PhaseNone
		s.AddStep(run.StepRecord{Action: "PACKAGE", OK: &ok})
		s.Finished = true
		s.FinishedAt = time.Now()
	})
	return nil
}
