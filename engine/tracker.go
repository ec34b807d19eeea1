package engine

import (
	"io"
	"sync"
	"time"

	"github.com/franksops/fileops/metrics"
)

// CheckpointConfig defines how often streamed bytes are published to a job.
// Publishing bumps the job revision, so it is batched.
type CheckpointConfig struct {
	// BytesInterval publishes after this many bytes have been transferred
	BytesInterval int64
	// TimeInterval publishes after this much time has passed
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for progress updates.
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 4 * 1024 * 1024, // 4 MB
	TimeInterval:  250 * time.Millisecond,
}

// ByteSink receives transferred byte counts. *jobs.Job implements it.
type ByteSink interface {
	AddBytes(n int64)
}

// TrackedWriter wraps an io.Writer to count bytes written and checkpoint
// them into a job's progress and the transfer metrics.
type TrackedWriter struct {
	io.Writer
	sink   ByteSink
	route  string
	config CheckpointConfig

	mu              sync.Mutex
	bytesWritten    int64
	lastCheckpoint  int64
	lastCheckpointT time.Time
}

// NewTrackedWriter creates a new TrackedWriter. A nil sink only counts.
func NewTrackedWriter(w io.Writer, sink ByteSink, route string, config CheckpointConfig) *TrackedWriter {
	return &TrackedWriter{
		Writer:          w,
		sink:            sink,
		route:           route,
		config:          config,
		lastCheckpointT: time.Now(),
	}
}

// Write implements io.Writer and checkpoints progress
func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.Writer.Write(p)
	if n > 0 {
		tw.mu.Lock()
		tw.bytesWritten += int64(n)

		needsCheckpoint := false
		if tw.bytesWritten-tw.lastCheckpoint >= tw.config.BytesInterval {
			needsCheckpoint = true
		} else if time.Since(tw.lastCheckpointT) >= tw.config.TimeInterval {
			needsCheckpoint = true
		}
		tw.mu.Unlock()

		if needsCheckpoint {
			tw.Flush()
		}
	}
	return n, err
}

// Flush publishes every byte not yet reported.
func (tw *TrackedWriter) Flush() {
	tw.mu.Lock()
	delta := tw.bytesWritten - tw.lastCheckpoint
	tw.lastCheckpoint = tw.bytesWritten
	tw.lastCheckpointT = time.Now()
	tw.mu.Unlock()

	if delta <= 0 {
		return
	}
	if tw.sink != nil {
		tw.sink.AddBytes(delta)
	}
	if tw.route != "" {
		metrics.AddBytes(tw.route, delta)
	}
}

// BytesWritten returns the total number of bytes written
func (tw *TrackedWriter) BytesWritten() int64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.bytesWritten
}
