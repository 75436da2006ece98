// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui provides the terminal watcher for generation runs.
//
// # Description
//
// This package implements the live run console using bubbletea. It
// follows a run's event stream and renders stage progress, build
// output, and the terminal outcome. When a run stalls waiting for
// user input, the watcher can prompt for a restart with a pinned
// project domain.
//
// # Thread Safety
//
// TUI components are designed for single-threaded use within the
// bubbletea event loop. Do not access model state from multiple
// goroutines.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianForge/services/forge/events"
)

// =============================================================================
// Messages
// =============================================================================

// EventMsg wraps one event from the followed stream.
type EventMsg events.Event

// StreamClosedMsg signals that the event stream ended without a
// terminal done event, usually because the server went away.
type StreamClosedMsg struct{}

// =============================================================================
// Model
// =============================================================================

// WatchModel is the bubbletea model for the live run console.
type WatchModel struct {
	runID string
	ch    <-chan events.Event

	spinner  spinner.Model
	viewport viewport.Model

	lines  []string
	stages map[string]string
	order  []string

	title string

	width  int
	height int

	ready    bool
	done     bool
	ok       bool
	stalled  bool
	errText  string
	quitting bool
}

// NewWatchModel creates a console model fed by ch.
//
// # Inputs
//
//   - runID: The run being watched, shown in the header.
//   - ch: Event source; closing it ends the session.
func NewWatchModel(runID string, ch <-chan events.Event) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return WatchModel{
		runID:   runID,
		ch:      ch,
		spinner: sp,
		stages:  map[string]string{},
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.ch))
}

// waitForEvent blocks on the stream and reports the next event.
func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg(ev)
	}
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		footerHeight := 2
		viewportHeight := m.height - headerHeight - footerHeight

		if !m.ready {
			m.viewport = viewport.New(m.width, viewportHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = viewportHeight
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "j", "down":
			m.viewport.LineDown(1)

		case "k", "up":
			m.viewport.LineUp(1)

		case "g", "home":
			m.viewport.GotoTop()

		case "G", "end":
			m.viewport.GotoBottom()
		}

	case spinner.TickMsg:
		if !m.done {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case EventMsg:
		m.apply(events.Event(msg))
		if m.ready {
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.viewport.GotoBottom()
		}
		if m.done {
			m.quitting = true
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.ch))

	case StreamClosedMsg:
		if !m.done {
			m.errText = "event stream closed"
		}
		m.quitting = true
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}

// apply folds one event into the console state.
func (m *WatchModel) apply(ev events.Event) {
	switch ev.Type {
	case events.TypeLog:
		chunk, _ := ev.Data["chunk"].(string)
		stream, _ := ev.Data["stream"].(string)
		for _, line := range strings.Split(strings.TrimRight(chunk, "\n"), "\n") {
			if stream == "stderr" {
				line = stderrStyle.Render(line)
			}
			m.lines = append(m.lines, fmt.Sprintf("%s %s", timeStyle.Render(FormatTimestamp(ev.Timestamp)), line))
		}

	case events.TypeStatus:
		step, _ := ev.Data["step"].(string)
		state, _ := ev.Data["state"].(string)
		if _, seen := m.stages[step]; !seen {
			m.order = append(m.order, step)
		}
		m.stages[step] = state
		if step == "ask_user" {
			m.stalled = true
		}
		m.lines = append(m.lines, fmt.Sprintf("%s %s %s",
			timeStyle.Render(FormatTimestamp(ev.Timestamp)),
			stageStyle.Render(step),
			renderState(state)))

	case events.TypeTitleGenerated:
		if title, ok := ev.Data["title"].(string); ok {
			m.title = title
		}

	case events.TypeRouterResult:
		domain, _ := ev.Data["domain"].(string)
		m.lines = append(m.lines, fmt.Sprintf("%s routed to %s",
			timeStyle.Render(FormatTimestamp(ev.Timestamp)),
			stageStyle.Render(domain)))

	case events.TypeFilesTree:
		if tree, ok := ev.Data["tree"].(string); ok {
			m.lines = append(m.lines, tree)
		}

	case events.TypeArtifactReady:
		if url, ok := ev.Data["url"].(string); ok {
			m.lines = append(m.lines, fmt.Sprintf("artifact: %s", url))
		}

	case events.TypeDone:
		m.done = true
		m.ok, _ = ev.Data["ok"].(bool)
		if msg, ok := ev.Data["error"].(string); ok {
			m.errText = msg
		}
	}
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.quitting {
		return m.summary()
	}
	if !m.ready {
		return "Connecting...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m WatchModel) renderHeader() string {
	title := m.title
	if title == "" {
		title = m.runID
	}
	head := titleStyle.Render("forge watch") + " " + title
	if !m.done {
		head += " " + m.spinner.View()
	}
	return head + "\n" + m.renderStages()
}

func (m WatchModel) renderStages() string {
	parts := make([]string, 0, len(m.order))
	for _, step := range m.order {
		parts = append(parts, fmt.Sprintf("%s:%s", step, renderState(m.stages[step])))
	}
	return statsStyle.Render(strings.Join(parts, "  "))
}

func (m WatchModel) renderFooter() string {
	return helpStyle.Render("j/k scroll · g/G top/bottom · q quit")
}

// summary is the final frame printed after the program exits.
func (m WatchModel) summary() string {
	switch {
	case m.done && m.ok:
		return okStyle.Render("run finished: tests passed") + "\n"
	case m.done && m.errText != "":
		return failStyle.Render("run failed: "+m.errText) + "\n"
	case m.done:
		return failStyle.Render("run finished: tests failed") + "\n"
	case m.errText != "":
		return failStyle.Render(m.errText) + "\n"
	default:
		return "watch ended\n"
	}
}

func renderState(state string) string {
	switch state {
	case "done":
		return okStyle.Render(state)
	case "failed":
		return failStyle.Render(state)
	case "running":
		return runningStyle.Render(state)
	default:
		return statsStyle.Render(state)
	}
}

// =============================================================================
// Result Access
// =============================================================================

// Done reports whether a terminal event arrived, and its ok flag.
func (m WatchModel) Done() (finished, ok bool) {
	return m.done, m.ok
}

// Stalled reports whether the run ended up waiting for user input.
func (m WatchModel) Stalled() bool {
	return m.stalled && !(m.done && m.ok)
}

// =============================================================================
// Styles
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	stageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	stderrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))
)
