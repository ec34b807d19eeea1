package engine

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/franksops/fileops/metrics"
)

// Spool is the local staging area bridging two remote endpoints. Every
// reservation owns a private subdirectory; the aggregate of all reservations
// plus whatever leftovers are still on disk never exceeds the limit.
type Spool struct {
	dir      string
	limit    int64
	staleAge time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	active   map[string]*Reservation
	reserved int64
	// inactive is the on-disk size of entries no reservation owns, as of
	// the last sweep.
	inactive int64
}

// NewSpool creates dir if needed. A limit <= 0 disables spooling.
func NewSpool(dir string, limit int64, staleAge time.Duration, log *zap.Logger) (*Spool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("spool dir %s: %w", dir, err)
	}
	return &Spool{
		dir:      dir,
		limit:    limit,
		staleAge: staleAge,
		log:      log.Named("spool"),
		active:   make(map[string]*Reservation),
	}, nil
}

// Dir returns the spool root.
func (s *Spool) Dir() string { return s.dir }

// Limit returns the byte cap.
func (s *Spool) Limit() int64 { return s.limit }

// Usage reports reserved plus leftover bytes.
func (s *Spool) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved + s.inactive
}

func (s *Spool) publishLocked() {
	metrics.SetSpoolBytes(s.reserved + s.inactive)
}

// Sweep removes entries older than the stale age that no running transfer
// owns, then re-measures what is left.
func (s *Spool) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("spool sweep failed", zap.Error(err))
		return
	}

	var leftover int64
	cutoff := time.Now().Add(-s.staleAge)
	for _, e := range entries {
		if _, ok := s.active[e.Name()]; ok {
			continue
		}
		full := filepath.Join(s.dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(full); err != nil {
				s.log.Warn("failed to remove stale spool entry", zap.String("path", full), zap.Error(err))
			} else {
				s.log.Info("removed stale spool entry", zap.String("path", full))
				continue
			}
		}
		leftover += diskUsage(full)
	}
	s.inactive = leftover
	s.publishLocked()
}

func diskUsage(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// Reserve claims size bytes of the cap and a fresh staging directory.
// Directories reserve 0 and grow as they are downloaded.
func (s *Spool) Reserve(ctx context.Context, size int64) (*Reservation, error) {
	if size < 0 {
		size = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit <= 0 {
		return nil, newError(CodeSpoolLimit, "spooling is disabled")
	}
	used := s.reserved + s.inactive
	if used+size > s.limit {
		return nil, newError(CodeSpoolLimit, "spool needs %d bytes, %d of %d in use", size, used, s.limit)
	}
	if usage, err := disk.UsageWithContext(ctx, s.dir); err == nil && int64(usage.Free) < size {
		return nil, newError(CodeNoSpace, "spool needs %d bytes, %d free on disk", size, usage.Free)
	}

	dir, err := os.MkdirTemp(s.dir, "job-*")
	if err != nil {
		return nil, fmt.Errorf("spool reserve: %w", err)
	}
	r := &Reservation{spool: s, dir: dir, size: size}
	s.active[filepath.Base(dir)] = r
	s.reserved += size
	s.publishLocked()
	return r, nil
}

// Reservation is one transfer's claim on the spool.
type Reservation struct {
	spool *Spool
	dir   string

	// guarded by spool.mu
	size     int64
	used     int64
	released bool
}

// Dir is the reservation's private staging directory.
func (r *Reservation) Dir() string { return r.dir }

// charge accounts n more bytes, growing the reservation when the cap allows.
func (r *Reservation) charge(n int64) error {
	s := r.spool
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.released {
		return newError(CodeSpoolLimit, "spool reservation already released")
	}
	if r.used+n > r.size {
		extra := r.used + n - r.size
		if s.reserved+s.inactive+extra > s.limit {
			return newError(CodeSpoolLimit, "spool limit of %d bytes exceeded", s.limit)
		}
		r.size += extra
		s.reserved += extra
		s.publishLocked()
	}
	r.used += n
	return nil
}

// Reader charges every byte read from src against the reservation. Bytes
// that would exceed the cap are never handed to the caller.
func (r *Reservation) Reader(src io.Reader) io.Reader {
	return &spoolReader{r: src, res: r}
}

// Release deletes the staging directory and returns the reserved bytes.
func (r *Reservation) Release() {
	s := r.spool
	if err := os.RemoveAll(r.dir); err != nil {
		s.log.Warn("failed to remove spool entry", zap.String("path", r.dir), zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	s.reserved -= r.size
	delete(s.active, filepath.Base(r.dir))
	s.publishLocked()
}

type spoolReader struct {
	r   io.Reader
	res *Reservation
}

func (sr *spoolReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if n > 0 {
		if cerr := sr.res.charge(int64(n)); cerr != nil {
			return 0, cerr
		}
	}
	return n, err
}
