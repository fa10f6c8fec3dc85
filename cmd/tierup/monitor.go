package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-tierup/engine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	optimizedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	baselineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// stepsPerTick bounds the work done between two redraws.
const stepsPerTick = 25

type tickMsg time.Time

type monitorModel struct {
	ctx      context.Context
	err      error
	e        *engine.Engine
	w        *workload
	filename string
	table    table.Model
	stats    engine.ModuleStats
	started  time.Time
	elapsed  time.Duration
	target   int
	paused   bool
}

func newMonitorModel(ctx context.Context, filename string, e *engine.Engine, w *workload, calls int) *monitorModel {
	columns := []table.Column{
		{Title: "Code", Width: 5},
		{Title: "Name", Width: 22},
		{Title: "Tier", Width: 15},
		{Title: "Next", Width: 11},
		{Title: "OSR", Width: 9},
		{Title: "Counter", Width: 11},
		{Title: "Size", Width: 7},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderBottom(true).BorderStyle(lipgloss.NormalBorder())
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4"))
	t.SetStyles(styles)

	m := &monitorModel{
		ctx:      ctx,
		e:        e,
		w:        w,
		filename: filename,
		table:    t,
		target:   calls,
		started:  time.Now(),
	}
	m.refresh()
	return m
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) Init() tea.Cmd {
	return tick()
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
			return m, nil
		case "+":
			m.target += 1000
			return m, nil
		}

	case tickMsg:
		if m.err == nil && !m.paused {
			for i := 0; i < stepsPerTick && m.w.steps < m.target; i++ {
				if err := m.w.step(m.ctx); err != nil {
					m.err = err
					break
				}
			}
			if m.w.steps < m.target {
				m.elapsed = time.Since(m.started)
			}
		}
		m.refresh()
		return m, tick()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *monitorModel) refresh() {
	m.stats = m.w.m.Stats(m.w.mode)
	rows := make([]table.Row, len(m.stats.Functions))
	for i, fs := range m.stats.Functions {
		osr := fs.OSR
		if osr == "" {
			osr = "-"
		}
		rows[i] = table.Row{
			fmt.Sprint(fs.Index),
			truncate(fs.Name, 22),
			fs.Tier,
			fs.Status,
			osr,
			fmt.Sprint(fs.Counter),
			fmt.Sprint(fs.CodeSize),
		}
	}
	m.table.SetRows(rows)
}

func (m *monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Tier-up Monitor"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	b.WriteString(m.table.View())
	b.WriteString("\n\n")

	s := m.stats
	fmt.Fprintf(&b, "step %d/%d  %s  ", m.w.steps, m.target, m.elapsed.Round(time.Millisecond))
	b.WriteString(baselineStyle.Render(fmt.Sprintf("baseline %d", s.ByTier["baseline-jit"])))
	b.WriteString("  ")
	b.WriteString(optimizedStyle.Render(fmt.Sprintf("optimizing %d", s.ByTier["optimizing-jit"])))
	fmt.Fprintf(&b, "  plans %d/%d  OSR taken %d\n", s.Installed, s.Scheduled, m.w.osrHit)
	if mem := m.e.Stats().Memory; mem.Capacity > 0 {
		b.WriteString(helpStyle.Render(mem.String()))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	}
	if m.paused {
		b.WriteString(errorStyle.Render("paused"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ scroll • space pause • + 1000 more calls • q quit"))
	return b.String()
}

func runMonitor(ctx context.Context, filename string, e *engine.Engine, w *workload, calls int) error {
	p := tea.NewProgram(newMonitorModel(ctx, filename, e, w, calls), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
