package provider

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

var (
	_ Conn          = (*LocalProvider)(nil)
	_ SpaceReporter = (*LocalProvider)(nil)
)

// LocalProvider implements Provider for posix-compliant local filesystems.
// Listings use Lstat, so symlinks are reported as such and never followed.
type LocalProvider struct {
	basePath      string
	preserveOwner bool
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute paths directly; callers are
// then expected to have resolved paths through a sandbox already.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

// WithPreserveOwner makes written files keep the source uid/gid.
func (p *LocalProvider) WithPreserveOwner(preserve bool) *LocalProvider {
	p.preserveOwner = preserve
	return p
}

// Resolve maps a provider path to the OS path it operates on.
func (p *LocalProvider) Resolve(path string) string {
	if p.basePath == "" {
		return filepath.Clean(path)
	}
	// Clean against "/" first so ".." cannot climb out of basePath.
	return filepath.Join(p.basePath, filepath.Clean("/"+path))
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	info, err := os.Lstat(p.Resolve(path))
	if err != nil {
		return nil, err
	}
	return WrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.Resolve(path))
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, WrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return os.Open(p.Resolve(path))
}

func (p *LocalProvider) OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	fullPath := p.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, err
	}

	mode := os.FileMode(0644)
	if uInfo, ok := metadata.(UnixFileInfo); ok && uInfo.Mode() != 0 {
		mode = uInfo.Mode()
	}

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, err
	}

	return &localWriteCloser{
		File:          file,
		fullPath:      fullPath,
		metadata:      metadata,
		preserveOwner: p.preserveOwner,
	}, nil
}

// CreateTemp creates an empty hidden file next to path. The caller renames
// it over path once the content is complete.
func (p *LocalProvider) CreateTemp(path string, metadata FileInfo) (*os.File, error) {
	fullPath := p.Resolve(path)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".part-*")
	if err != nil {
		return nil, err
	}
	if uInfo, ok := metadata.(UnixFileInfo); ok && uInfo.Mode() != 0 {
		_ = f.Chmod(uInfo.Mode())
	}
	return f, nil
}

// Finalize applies source metadata to a completed file.
func (p *LocalProvider) Finalize(fullPath string, metadata FileInfo) {
	if metadata == nil {
		return
	}
	// Metadata is best effort: a foreign owner or a read-only mount must not
	// fail an otherwise complete copy.
	_ = ApplyMetadata(fullPath, metadata, p.preserveOwner)
	if !metadata.ModTime().IsZero() {
		_ = os.Chtimes(fullPath, time.Now(), metadata.ModTime())
	}
}

func (p *LocalProvider) MkdirAll(ctx context.Context, path string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return os.MkdirAll(p.Resolve(path), 0755)
}

func (p *LocalProvider) Remove(ctx context.Context, path string, recursive bool) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	full := p.Resolve(path)
	if _, err := os.Lstat(full); err != nil {
		return err
	}
	if recursive {
		return os.RemoveAll(full)
	}
	return os.Remove(full)
}

// ErrCrossDevice is returned by Rename when source and target live on
// different filesystems.
var ErrCrossDevice = errors.New("rename across filesystems")

func (p *LocalProvider) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	err := os.Rename(p.Resolve(oldPath), p.Resolve(newPath))
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		return ErrCrossDevice
	}
	return err
}

// SameFile reports whether both paths name the same filesystem entry. It
// compares device and inode via Lstat, falling back to cleaned path equality
// when either side cannot be stat'ed.
func (p *LocalProvider) SameFile(a, b string) bool {
	fa, fb := p.Resolve(a), p.Resolve(b)
	ia, errA := os.Lstat(fa)
	ib, errB := os.Lstat(fb)
	if errA != nil || errB != nil {
		return fa == fb
	}
	return os.SameFile(ia, ib)
}

// FreeSpace reports free bytes on the filesystem holding path, probing the
// nearest existing ancestor.
func (p *LocalProvider) FreeSpace(ctx context.Context, path string) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	dir := p.Resolve(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, err
	}
	return int64(usage.Free), nil
}

// RenameReplaces is true: rename(2) replaces an existing file.
func (p *LocalProvider) RenameReplaces() bool { return true }

func (p *LocalProvider) Ping(ctx context.Context) error { return ctxErr(ctx) }

func (p *LocalProvider) Close() error { return nil }

// localWriteCloser wraps an os.File and applies metadata (such as timestamps) upon close.
// This is necessary because writing to the file updates its mtime.
type localWriteCloser struct {
	*os.File
	fullPath      string
	metadata      FileInfo
	preserveOwner bool
}

func (l *localWriteCloser) Close() error {
	if err := l.File.Close(); err != nil {
		return err
	}
	if l.metadata != nil {
		_ = ApplyMetadata(l.fullPath, l.metadata, l.preserveOwner)
		if !l.metadata.ModTime().IsZero() {
			_ = os.Chtimes(l.fullPath, time.Now(), l.metadata.ModTime())
		}
	}
	return nil
}
