package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/trestle/engine/internal/config"
	"github.com/trestle/engine/internal/store"
)

// newMonitorCommand opens a terminal dashboard over the store: manifests
// with their failure counts and open dead letters, the work queue, and the
// dead letters awaiting intervention, refreshed on an interval.
func newMonitorCommand() *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live terminal dashboard over manifests, queue and dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), config.FromEnv(), false)
			if err != nil {
				return err
			}
			m := newMonitorModel(rt.factory, refresh)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			return err
		},
	}

	cmd.Flags().DurationVar(&refresh, "refresh", 2*time.Second, "dashboard refresh interval")

	return cmd
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// snapshot is one refresh worth of dashboard state.
type snapshot struct {
	manifests   []*store.ManifestWithRuns
	queued      []*store.QueuedWorkItem
	deadLetters []*store.DeadLetter
	takenAt     time.Time
}

type snapshotMsg struct {
	snap *snapshot
	err  error
}

type refreshTickMsg struct{}

type monitorModel struct {
	factory store.Factory
	refresh time.Duration

	spin spinner.Model
	snap *snapshot
	err  error
}

func newMonitorModel(factory store.Factory, refresh time.Duration) monitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = titleStyle
	return monitorModel{factory: factory, refresh: refresh, spin: s}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.load())
}

func (m monitorModel) load() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		snap, err := takeSnapshot(ctx, m.factory)
		return snapshotMsg{snap: snap, err: err}
	}
}

func takeSnapshot(ctx context.Context, factory store.Factory) (*snapshot, error) {
	dc, err := factory.New(ctx)
	if err != nil {
		return nil, err
	}
	defer dc.Close(ctx)

	manifests, err := dc.ListEnabledManifestsWithRuns(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := dc.ListQueuedWorkItems(ctx)
	if err != nil {
		return nil, err
	}
	awaiting := store.DeadLetterAwaitingIntervention
	deadLetters, err := dc.ListDeadLetters(ctx, &awaiting)
	if err != nil {
		return nil, err
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Manifest.ExternalID < manifests[j].Manifest.ExternalID
	})

	return &snapshot{
		manifests:   manifests,
		queued:      queued,
		deadLetters: deadLetters,
		takenAt:     time.Now(),
	}, nil
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.load()
		}
		return m, nil

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.snap = msg.snap
		}
		return m, tea.Tick(m.refresh, func(time.Time) tea.Msg { return refreshTickMsg{} })

	case refreshTickMsg:
		return m, m.load()

	default:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
}

func (m monitorModel) View() string {
	var b strings.Builder

	b.WriteString(m.spin.View())
	b.WriteString(titleStyle.Render(" engine monitor"))
	if m.snap != nil {
		b.WriteString(hintStyle.Render("  refreshed " + m.snap.takenAt.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("store error: " + m.err.Error()))
		b.WriteString("\n\n")
	}
	if m.snap == nil {
		b.WriteString(hintStyle.Render("loading..."))
		return b.String()
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("MANIFESTS (%d)", len(m.snap.manifests))))
	b.WriteString("\n")
	for _, mwr := range m.snap.manifests {
		man := mwr.Manifest
		lastRun := "never"
		if man.LastSuccessfulRun != nil {
			lastRun = man.LastSuccessfulRun.Format("15:04:05")
		}
		line := fmt.Sprintf("  %-28s %-12s last-success %-8s failed %d/%d",
			man.ExternalID, man.ScheduleType, lastRun, mwr.FailedCount(), man.MaxRetries)
		switch {
		case mwr.OpenDeadLetter != nil:
			b.WriteString(errStyle.Render(line + "  DEAD-LETTERED"))
		case mwr.FailedCount() > 0:
			b.WriteString(warnStyle.Render(line))
		default:
			b.WriteString(okStyle.Render(line))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("WORK QUEUE (%d queued)", len(m.snap.queued))))
	b.WriteString("\n")
	for _, item := range m.snap.queued {
		b.WriteString(fmt.Sprintf("  %-28s priority %-2d queued %s\n",
			item.WorkQueue.WorkflowName, item.WorkQueue.Priority,
			item.WorkQueue.CreatedAt.Format("15:04:05")))
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("DEAD LETTERS AWAITING INTERVENTION (%d)", len(m.snap.deadLetters))))
	b.WriteString("\n")
	for _, dl := range m.snap.deadLetters {
		b.WriteString(errStyle.Render(fmt.Sprintf("  #%d manifest %d  %s  (%d retries)",
			dl.ID, dl.ManifestID, dl.Reason, dl.RetryCountAtDeadLetter)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(hintStyle.Render("[r refresh  q quit]"))
	return b.String()
}
