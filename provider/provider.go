package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnsupported is returned by optional capabilities a backend cannot serve.
var ErrUnsupported = errors.New("operation not supported by backend")

// FileInfo represents the standard metadata for a file or a directory
// across different storage abstractions.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider represents a storage backend abstraction: the local filesystem or
// one remote session (FTP, FTPS, SFTP, S3).
//
// Missing paths are reported with an error matching fs.ErrNotExist.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite opens a file for streaming writes, applying metadata if supported.
	// The write is only complete once Close returns nil.
	OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error)

	// MkdirAll creates path and any missing parents.
	MkdirAll(ctx context.Context, path string) error

	// Remove deletes a file, or a directory tree when recursive is set.
	Remove(ctx context.Context, path string, recursive bool) error

	// Rename moves oldPath to newPath on the same backend.
	Rename(ctx context.Context, oldPath, newPath string) error
}

// Conn is a Provider bound to a live connection.
type Conn interface {
	Provider

	// Ping performs one lightweight round-trip.
	Ping(ctx context.Context) error

	Close() error
}

// ServerCopier is implemented by backends that can duplicate a file without
// moving its bytes through this process.
type ServerCopier interface {
	ServerCopy(ctx context.Context, src, dst string) error
}

// SpaceReporter is implemented by backends that can report free space.
type SpaceReporter interface {
	FreeSpace(ctx context.Context, path string) (int64, error)
}

// Runner is implemented by backends that can execute a command remotely.
// argv is quoted by the implementation; callers never build command strings.
type Runner interface {
	Run(ctx context.Context, argv ...string) (exitCode int, stdout, stderr []byte, err error)
}

type basicFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (f *basicFileInfo) Name() string       { return f.name }
func (f *basicFileInfo) Size() int64        { return f.size }
func (f *basicFileInfo) IsDir() bool        { return f.isDir }
func (f *basicFileInfo) ModTime() time.Time { return f.modTime }

// NewFileInfo builds a FileInfo from raw values.
func NewFileInfo(name string, size int64, isDir bool, modTime time.Time) FileInfo {
	return &basicFileInfo{name: name, size: size, isDir: isDir, modTime: modTime}
}

// ReplacingRenamer is implemented by backends that can tell whether Rename
// atomically replaces an existing target.
type ReplacingRenamer interface {
	RenameReplaces() bool
}

// AtomicWriter is implemented by backends whose OpenWrite only makes the
// file visible once Close succeeds.
type AtomicWriter interface {
	AtomicWrites() bool
}

// Aborter is implemented by writers that can discard an in-flight write
// instead of committing it on Close.
type Aborter interface {
	Abort(err error)
}

// ErrAuthFailed is matched by dial errors caused by rejected credentials.
var ErrAuthFailed = errors.New("authentication failed")
