/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/smtprelay/server"
)

type fetchFailedMsg struct{ err error }

type fetchedMsg struct{ status *server.Status }

// statusFetcher returns the shared status of the running service.
type statusFetcher func(ctx context.Context) (*server.Status, error)

// waitModel shows a spinner until the fetch completed or the user gave up.
type waitModel struct {
	ctx     context.Context
	fetcher statusFetcher

	spinner spinner.Model
	aborted bool

	result  *server.Status
	failure error
}

func newWaitModel(ctx context.Context, fetcher statusFetcher) *waitModel {
	s := spinner.NewModel()
	s.HideFor = time.Second
	s.Spinner = spinner.Line
	return &waitModel{
		ctx:     ctx,
		fetcher: fetcher,
		spinner: s,
	}
}

func (m *waitModel) done() bool {
	return m.result != nil || m.failure != nil
}

func (m *waitModel) fetch() tea.Msg {
	status, err := m.fetcher(m.ctx)
	if err != nil {
		return fetchFailedMsg{err}
	}
	return fetchedMsg{status}
}

func (m *waitModel) Init() tea.Cmd {
	return tea.Batch(spinner.Tick, m.fetch)
}

func (m *waitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case fetchedMsg:
		m.result = msg.status
		return m, tea.Quit
	case fetchFailedMsg:
		m.failure = msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc || msg.String() == "q" {
			m.aborted = true
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *waitModel) View() string {
	if m.done() {
		// Printed by the caller once the program exited.
		return ""
	}
	line := fmt.Sprintf("%s Waiting for smtprelayd status ...", termenv.String(m.spinner.View()))
	if m.aborted {
		line += "\n"
	}
	return line
}
