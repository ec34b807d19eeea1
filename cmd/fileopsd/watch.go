package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/ui"
)

func newWatchCommand() *cobra.Command {
	var (
		addr  string
		jobID string
		tui   bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the progress of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return errors.New("--job is required")
			}
			w, err := dialWatcher(addr, jobID)
			if err != nil {
				return err
			}
			defer w.close()

			var final jobs.Snapshot
			if tui {
				final, err = w.runTUI(jobID)
			} else {
				final, err = w.runPlain(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if final.State == jobs.StateError {
				return fmt.Errorf("job %s failed: %s", final.ID, final.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8088", "server address")
	cmd.Flags().StringVar(&jobID, "job", "", "job id to watch")
	cmd.Flags().BoolVar(&tui, "tui", isTerminal(os.Stdout), "render an interactive progress view")
	return cmd
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// watcher reads snapshots from the job WebSocket. Writes are serialized
// since the TUI sends cancel from its own goroutine.
type watcher struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type streamMessage struct {
	Type string        `json:"type"`
	Job  jobs.Snapshot `json:"job"`
}

func dialWatcher(addr, jobID string) (*watcher, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/api/fileops/ws",
		RawQuery: url.Values{"job_id": {jobID}}.Encode(),
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("watch job %s: %s", jobID, resp.Status)
		}
		return nil, fmt.Errorf("watch job %s: %w", jobID, err)
	}
	return &watcher{conn: conn}, nil
}

func (w *watcher) close() { _ = w.conn.Close() }

func (w *watcher) next() (jobs.Snapshot, error) {
	var msg streamMessage
	if err := w.conn.ReadJSON(&msg); err != nil {
		return jobs.Snapshot{}, err
	}
	return msg.Job, nil
}

func (w *watcher) cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteJSON(map[string]string{"cmd": "cancel"})
}

func (w *watcher) runPlain(out io.Writer) (jobs.Snapshot, error) {
	for {
		snap, err := w.next()
		if err != nil {
			return jobs.Snapshot{}, fmt.Errorf("stream ended before the job finished: %w", err)
		}
		fmt.Fprintln(out, formatLine(snap))
		if snap.State.Terminal() {
			return snap, nil
		}
	}
}

func (w *watcher) runTUI(jobID string) (jobs.Snapshot, error) {
	p := tea.NewProgram(ui.NewTUIModel(jobID, w.cancel))
	go func() {
		for {
			snap, err := w.next()
			if err != nil {
				p.Send(ui.StreamErrMsg{Err: err})
				return
			}
			p.Send(ui.SnapshotMsg{Snapshot: snap, At: time.Now()})
			if snap.State.Terminal() {
				return
			}
		}
	}()

	final, err := p.Run()
	if err != nil {
		return jobs.Snapshot{}, err
	}
	snap, ok := final.(ui.TUIModel).Snapshot()
	if !ok || !snap.State.Terminal() {
		return snap, errors.New("watch interrupted before the job finished")
	}
	return snap, nil
}

func formatLine(s jobs.Snapshot) string {
	p := s.Progress
	line := fmt.Sprintf("%s %-8s files %d/%d bytes %d/%d", s.ID, s.State, p.FilesDone, p.FilesTotal, p.BytesDone, p.BytesTotal)
	if p.Current != nil {
		line += fmt.Sprintf(" [%s] %s", p.Current.Phase, p.Current.Path)
	}
	if s.State == jobs.StateError {
		line += " error=" + s.Error
	}
	return line
}
