// Package progress turns job revision changes into a stream of snapshots.
package progress

import (
	"context"
	"time"

	"github.com/franksops/fileops/jobs"
)

// Source looks up jobs by id.
type Source interface {
	Get(id string) (*jobs.Job, bool)
}

// Watch polls job id every interval and emits a snapshot whenever its
// revision changed since the last one sent. The first snapshot is sent
// immediately. After a terminal snapshot, or when ctx ends or the job
// disappears, the channel is closed.
//
// Watch only reads job state; it never blocks the worker executing the job.
func Watch(ctx context.Context, src Source, id string, interval time.Duration) <-chan jobs.Snapshot {
	out := make(chan jobs.Snapshot, 1)
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last uint64
		for {
			j, ok := src.Get(id)
			if !ok {
				return
			}
			if rev := j.Revision(); rev != last {
				snap := j.Snapshot()
				last = snap.Revision
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
				if snap.State.Terminal() {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
