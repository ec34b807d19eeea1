// Package engine normalizes, plans and executes copy, move and delete
// operations between the local filesystem and remote sessions.
package engine

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/fileops/provider"
	"github.com/franksops/fileops/sandbox"
	"github.com/franksops/fileops/session"
)

// Sessions is the part of the session registry the engine consumes.
type Sessions interface {
	Get(sid string) (*session.Descriptor, bool)
	Open(ctx context.Context, sid string) (provider.Conn, error)
}

// DirectTransfer moves data between two remote sessions without routing it
// through this process.
type DirectTransfer interface {
	Supports(src, dst *session.Descriptor) bool
	Transfer(ctx context.Context, src, dst *session.Descriptor, srcPath, dstPath string, dir bool) error
}

// Config tunes execution.
type Config struct {
	// ChunkSize is the streaming buffer size.
	ChunkSize int
	// RequireFreeSpace fails transfers whose destination cannot report
	// free space instead of skipping the check.
	RequireFreeSpace bool
	// DirectPollInterval is how often an in-flight direct transfer is
	// probed for progress.
	DirectPollInterval time.Duration
}

// Engine executes normalized operations. It is safe for concurrent use by
// several job workers.
type Engine struct {
	cfg       Config
	sandbox   *sandbox.Sandbox
	sessions  Sessions
	direct    DirectTransfer
	spool     *Spool
	buffers   *BufferPool
	checksums *ChecksumPool
	local     *provider.LocalProvider
	log       *zap.Logger
}

// New wires an engine. direct and spool may be nil; without a spool the
// remote to remote fallback is unavailable.
func New(cfg Config, sb *sandbox.Sandbox, sessions Sessions, direct DirectTransfer, spool *Spool, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DirectPollInterval <= 0 {
		cfg.DirectPollInterval = time.Second
	}
	return &Engine{
		cfg:       cfg,
		sandbox:   sb,
		sessions:  sessions,
		direct:    direct,
		spool:     spool,
		buffers:   NewBufferPool(cfg.ChunkSize),
		checksums: NewChecksumPool(),
		local:     provider.NewLocalProvider(""),
		log:       log.Named("engine"),
	}
}

// side is one endpoint opened for use: the local filesystem or a live
// connection to a remote session.
type side struct {
	ep   Endpoint
	fs   provider.Provider
	conn provider.Conn
	desc *session.Descriptor
}

func (e *Engine) localSide() *side {
	return &side{ep: Endpoint{Kind: TargetLocal}, fs: e.local}
}

// open dials a remote endpoint. Every call yields its own connection, since
// FTP serves one transfer per connection.
func (e *Engine) open(ctx context.Context, ep Endpoint) (*side, error) {
	if !ep.Remote() {
		return e.localSide(), nil
	}
	desc, ok := e.sessions.Get(ep.SID)
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	conn, err := e.sessions.Open(ctx, ep.SID)
	if err != nil {
		return nil, err
	}
	return &side{ep: ep, fs: conn, conn: conn, desc: desc}, nil
}

func (s *side) close() {
	if s != nil && s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *side) remote() bool { return s.ep.Remote() }

func (s *side) join(elem ...string) string {
	if s.remote() {
		return path.Join(elem...)
	}
	return filepath.Join(elem...)
}

func (s *side) split(p string) (dir, name string) {
	if s.remote() {
		return path.Dir(p), path.Base(p)
	}
	return filepath.Dir(p), filepath.Base(p)
}

func (s *side) clean(p string) string {
	if s.remote() {
		return path.Clean(p)
	}
	return filepath.Clean(p)
}

// stat reports whether p exists. Missing paths are not an error.
func (s *side) stat(ctx context.Context, p string) (provider.FileInfo, bool, error) {
	info, err := s.fs.Stat(ctx, p)
	if err == nil {
		return info, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	return nil, false, err
}

func (s *side) walker() *Walker {
	w := NewWalker(s.fs)
	w.Join = s.join
	return w
}
