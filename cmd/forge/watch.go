// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/tui"
)

// runWatch follows an existing run's event stream in the terminal.
func runWatch(cmd *cobra.Command, args []string) {
	runID := args[0]

	// Quiet logger: stderr output would corrupt the TUI.
	logger := logging.New(logging.Config{Quiet: true, Service: "forge-watch"})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := followRun(ctx, runID)
	if err != nil {
		log.Fatalf("Failed to watch run: %v", err)
	}

	if m.Stalled() {
		offerRestart(ctx, runID)
	}
}

// runNew creates a run, starts it, and watches it to completion.
func runNew(cmd *cobra.Command, args []string) {
	description := strings.Join(args, " ")

	logger := logging.New(logging.Config{Quiet: true, Service: "forge-watch"})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var created datatypes.CreateRunResponse
	if err := postJSON(ctx, "/v1/forge/runs", nil, &created); err != nil {
		log.Fatalf("Failed to create run: %v", err)
	}

	req := datatypes.StartRunRequest{Description: description, DomainOverride: domainOverride}
	var started datatypes.StartRunResponse
	if err := postJSON(ctx, "/v1/forge/runs/"+created.RunID+"/start", req, &started); err != nil {
		log.Fatalf("Failed to start run: %v", err)
	}
	fmt.Println("run:", created.RunID)

	m, err := followRun(ctx, created.RunID)
	if err != nil {
		log.Fatalf("Failed to watch run: %v", err)
	}
	if m.Stalled() {
		offerRestart(ctx, created.RunID)
	}
}

// runKill stops a run in flight.
func runKill(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp datatypes.KillResponse
	if err := postJSON(ctx, "/v1/forge/runs/"+args[0]+"/kill", nil, &resp); err != nil {
		log.Fatalf("Failed to kill run: %v", err)
	}
	if resp.Killed {
		fmt.Println("killed", resp.RunID)
	} else {
		fmt.Println(resp.RunID, "was not running")
	}
}

// followRun drives the watch TUI until the run ends or the user quits.
func followRun(ctx context.Context, runID string) (tui.WatchModel, error) {
	ch := make(chan events.Event, 64)
	follower := &tui.Follower{BaseURL: serverURL}
	go func() {
		if err := follower.Follow(ctx, runID, ch); err != nil {
			slog.Warn("Event stream ended", "run_id", runID, "error", err)
		}
	}()

	p := tea.NewProgram(tui.NewWatchModel(runID, ch), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return tui.WatchModel{}, err
	}
	m, ok := final.(tui.WatchModel)
	if !ok {
		return tui.WatchModel{}, fmt.Errorf("unexpected model type %T", final)
	}
	fmt.Print(m.View())
	return m, nil
}

// offerRestart prompts for a restart of a run that stalled waiting for
// user input, pinning the chosen domain.
func offerRestart(ctx context.Context, runID string) {
	decision, err := tui.PromptStalled(runID)
	if err != nil || !decision.Restart {
		return
	}

	description, err := runDescription(ctx, runID)
	if err != nil {
		log.Fatalf("Failed to look up the run: %v", err)
	}

	req := datatypes.StartRunRequest{Description: description, DomainOverride: decision.Domain}
	var started datatypes.StartRunResponse
	if err := postJSON(ctx, "/v1/forge/runs/"+runID+"/start", req, &started); err != nil {
		log.Fatalf("Failed to restart run: %v", err)
	}
	fmt.Printf("restarted; follow it with: forge watch %s\n", runID)
}

// runDescription recovers the original prompt from the run listing.
func runDescription(ctx context.Context, runID string) (string, error) {
	var list datatypes.ListRunsResponse
	if err := getJSON(ctx, "/v1/forge/runs", &list); err != nil {
		return "", err
	}
	for _, r := range list.Runs {
		if r.RunID == runID {
			if r.Description == "" {
				return "", fmt.Errorf("run %s has no stored description", runID)
			}
			return r.Description, nil
		}
	}
	return "", fmt.Errorf("run %s not found on %s", runID, serverURL)
}

// --- Minimal API client ---

func postJSON(ctx context.Context, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(serverURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, out)
}

func getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(serverURL, "/")+path, nil)
	if err != nil {
		return err
	}
	return doJSON(req, out)
}

func doJSON(req *http.Request, out any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr datatypes.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
