// Package ui renders the progress of a single job in the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/fileops/jobs"
)

// SnapshotMsg delivers the latest state of the watched job.
type SnapshotMsg struct {
	Snapshot jobs.Snapshot
	At       time.Time
}

// StreamErrMsg reports that the snapshot stream broke.
type StreamErrMsg struct {
	Err error
}

// CancelRequestedMsg is sent once the user asked to cancel the job.
type CancelRequestedMsg struct{}

// TUIModel implements the tea.Model interface for one job.
type TUIModel struct {
	jobID    string
	snap     *jobs.Snapshot
	streamErr error
	onCancel func()
	canceled bool

	// throughput is a moving average in bytes per second.
	throughput float64
	lastBytes  int64
	lastAt     time.Time

	spinner  spinner.Model
	progress progress.Model

	width int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	currentStyle lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// NewTUIModel watches jobID. onCancel, when set, is called from a command
// after the user presses c.
func NewTUIModel(jobID string, onCancel func()) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return TUIModel{
		jobID:        jobID,
		onCancel:     onCancel,
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient()),
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		currentStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Snapshot returns the last snapshot received, if any.
func (m TUIModel) Snapshot() (jobs.Snapshot, bool) {
	if m.snap == nil {
		return jobs.Snapshot{}, false
	}
	return *m.snap, true
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if m.canceled || m.onCancel == nil || m.finished() {
				return m, nil
			}
			m.canceled = true
			cancel := m.onCancel
			return m, func() tea.Msg {
				cancel()
				return CancelRequestedMsg{}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(msg.Width-14, 10)

	case SnapshotMsg:
		m.observe(msg)
		if msg.Snapshot.State.Terminal() {
			return m, tea.Quit
		}

	case StreamErrMsg:
		m.streamErr = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *TUIModel) observe(msg SnapshotMsg) {
	snap := msg.Snapshot
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	if !m.lastAt.IsZero() {
		if dt := at.Sub(m.lastAt).Seconds(); dt > 0 {
			rate := float64(snap.Progress.BytesDone-m.lastBytes) / dt
			if m.throughput == 0 {
				m.throughput = rate
			} else {
				m.throughput = 0.7*m.throughput + 0.3*rate
			}
		}
	}
	m.lastBytes, m.lastAt = snap.Progress.BytesDone, at
	m.snap = &snap
}

func (m TUIModel) finished() bool {
	return m.snap != nil && m.snap.State.Terminal()
}

func (m TUIModel) View() string {
	if m.snap == nil {
		if m.streamErr != nil {
			return m.errorStyle.Render("watch failed: "+m.streamErr.Error()) + "\n"
		}
		return fmt.Sprintf("%s waiting for job %s...\n", m.spinner.View(), m.jobID)
	}
	s := m.snap
	p := s.Progress

	var sb strings.Builder
	title := string(s.Op)
	if s.Label != "" {
		title = s.Label
	}
	sb.WriteString(fmt.Sprintf("%s %s %s\n", m.spinner.View(), m.titleStyle.Render(title), m.infoStyle.Render(s.ID)))

	var percent float64
	if p.BytesTotal > 0 {
		percent = float64(p.BytesDone) / float64(p.BytesTotal)
	} else if p.FilesTotal > 0 {
		percent = float64(p.FilesDone) / float64(p.FilesTotal)
	}
	info := fmt.Sprintf("%s | files %d/%d | %s / %s | %s | ETA: %s",
		s.State, p.FilesDone, p.FilesTotal,
		formatBytes(p.BytesDone), formatBytes(p.BytesTotal),
		formatSpeed(m.throughput),
		formatETA(m.throughput, p.BytesTotal, p.BytesDone))
	sb.WriteString(m.infoStyle.Render(info) + "\n")
	sb.WriteString(m.progress.ViewAs(min(percent, 1)) + "\n")

	if c := p.Current; c != nil {
		name := c.Path
		if len(name) > 60 {
			name = "..." + name[len(name)-57:]
		}
		sb.WriteString(m.currentStyle.Render(fmt.Sprintf("[%s] %s", c.Phase, name)) + "\n")
	}

	var footer string
	switch s.State {
	case jobs.StateDone:
		footer = m.successStyle.Render("Done.")
	case jobs.StateError:
		footer = m.errorStyle.Render(fmt.Sprintf("Failed: %s", s.Error))
		if s.Detail != "" {
			footer += "\n" + m.infoStyle.Render(s.Detail)
		}
	case jobs.StateCanceled:
		footer = m.errorStyle.Render("Canceled.")
	default:
		footer = m.helpStyle.Render("q/ctrl+c: quit • c: cancel job")
		if m.canceled || s.CancelRequested {
			footer = m.helpStyle.Render("cancel requested...")
		}
	}
	sb.WriteString(footer + "\n")
	return sb.String()
}

func formatBytes(n int64) string {
	f := float64(n)
	switch {
	case f >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GB", f/(1024*1024*1024))
	case f >= 1024*1024:
		return fmt.Sprintf("%.2f MB", f/(1024*1024))
	case f >= 1024:
		return fmt.Sprintf("%.2f KB", f/1024)
	}
	return fmt.Sprintf("%d B", n)
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", max(bytesPerSec, 0))
}

func formatETA(bytesPerSec float64, totalBytes, completedBytes int64) string {
	if totalBytes == 0 {
		return "-"
	}
	remaining := totalBytes - completedBytes
	if remaining <= 0 {
		return "0s"
	}
	if completedBytes == 0 || bytesPerSec <= 0 {
		return "calculating..."
	}

	secs := float64(remaining) / bytesPerSec
	if secs > 24*60*60 {
		return "> 1d"
	}
	return time.Duration(secs * float64(time.Second)).Round(time.Second).String()
}
