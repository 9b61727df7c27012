package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/inferd"
	"github.com/basket/inferd/internal/modelstore"
)

func runPrepareCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: inferd prepare <id>")
		return 2
	}
	id := args[0]
	if _, ok := cfg.Models[id]; !ok {
		fmt.Fprintf(os.Stderr, "unknown model %q\n", id)
		return 1
	}

	srv, err := inferd.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build server: %v\n", err)
		return 1
	}
	defer srv.Stop()

	events := make(chan tea.Msg, 16)
	go func() {
		sm, err := srv.PrepareModel(ctx, id, func(p engineapi.PrepareProgress) {
			events <- progressMsg(p)
		})
		events <- doneMsg{sm: sm, err: err}
		close(events)
	}()

	m := prepareModel{modelID: id, events: events}
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tui: %v\n", err)
		return 1
	}
	if fm, ok := final.(prepareModel); ok {
		m = fm
	}

	if m.result == nil {
		return 1
	}
	if m.result.Status != modelstore.StatusReady {
		fmt.Printf("prepare failed: %v\n", m.result.Err)
		return 1
	}
	fmt.Printf("model %q ready\n", id)
	return 0
}

type progressMsg engineapi.PrepareProgress

type doneMsg struct {
	sm  *modelstore.StoredModel
	err error
}

// prepareModel is the bubbletea model driving the `prepare` progress
// display: it is fed directly by the PrepareModel onProgress callback
// over a channel rather than by polling.
type prepareModel struct {
	modelID string
	events  chan tea.Msg

	stage      string
	bytesDone  int64
	bytesTotal int64
	result     *modelstore.StoredModel
	err        error
}

func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m prepareModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m prepareModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case progressMsg:
		m.stage = msg.Stage
		m.bytesDone = msg.BytesDone
		m.bytesTotal = msg.BytesTotal
		return m, waitForEvent(m.events)
	case doneMsg:
		m.result = msg.sm
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m prepareModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("preparing %s", m.modelID))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if m.result != nil {
		if m.result.Status == modelstore.StatusReady {
			ok := lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("ready")
			return title + "\n" + ok + "\n"
		}
		fail := lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("failed: " + errString(m.result.Err))
		return title + "\n" + fail + "\n"
	}

	line := dim.Render(fmt.Sprintf("stage=%s", m.stage))
	if m.bytesTotal > 0 {
		line += dim.Render(fmt.Sprintf("  %d/%d bytes", m.bytesDone, m.bytesTotal))
	} else if m.bytesDone > 0 {
		line += dim.Render(fmt.Sprintf("  %d bytes", m.bytesDone))
	}
	return title + "\n" + line + "\n"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
