package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franksops/fileops/provider"
	"github.com/franksops/fileops/session"
)

// memFS is an in-memory remote filesystem shared by every connection
// opened to one fake session.
type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	// readDelay slows every Read of an opened file.
	readDelay time.Duration
	// refuseRenameOver makes Rename fail when the target exists, like many
	// FTP servers.
	refuseRenameOver bool
	// replacingRename declares that Rename replaces an existing target.
	replacingRename bool
	// renameErr fails every Rename.
	renameErr error
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte), dirs: map[string]bool{"/": true}}
}

func (m *memFS) put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	m.mkdirLocked(path.Dir(p))
	m.files[p] = append([]byte(nil), data...)
}

func (m *memFS) mkdir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirLocked(path.Clean(p))
}

func (m *memFS) mkdirLocked(p string) {
	for cur := p; ; cur = path.Dir(cur) {
		m.dirs[cur] = true
		if cur == "/" || cur == "." {
			return
		}
	}
}

func (m *memFS) get(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path.Clean(p)]
	return b, ok
}

func (m *memFS) isDir(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[path.Clean(p)]
}

// paths lists every file and directory below p, sorted.
func (m *memFS) paths(p string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(path.Clean(p), "/") + "/"
	var out []string
	for k := range m.files {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range m.dirs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k+"/")
		}
	}
	sort.Strings(out)
	return out
}

type memConn struct {
	fs *memFS
}

var _ provider.Conn = (*memConn)(nil)

func notExist(op, p string) error {
	return fmt.Errorf("mem %s %s: %w", op, p, fs.ErrNotExist)
}

func (c *memConn) Stat(ctx context.Context, p string) (provider.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	p = path.Clean(p)
	if b, ok := c.fs.files[p]; ok {
		return provider.NewFileInfo(path.Base(p), int64(len(b)), false, time.Time{}), nil
	}
	if c.fs.dirs[p] {
		return provider.NewFileInfo(path.Base(p), 0, true, time.Time{}), nil
	}
	return nil, notExist("stat", p)
}

func (c *memConn) List(ctx context.Context, p string) ([]provider.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	p = path.Clean(p)
	if !c.fs.dirs[p] {
		return nil, notExist("list", p)
	}
	var out []provider.FileInfo
	for k, b := range c.fs.files {
		if path.Dir(k) == p {
			out = append(out, provider.NewFileInfo(path.Base(k), int64(len(b)), false, time.Time{}))
		}
	}
	for k := range c.fs.dirs {
		if k != p && path.Dir(k) == p {
			out = append(out, provider.NewFileInfo(path.Base(k), 0, true, time.Time{}))
		}
	}
	return out, nil
}

type slowReader struct {
	r     io.Reader
	delay time.Duration
}

func (s *slowReader) Read(p []byte) (int, error) {
	time.Sleep(s.delay)
	if len(p) > 4096 {
		p = p[:4096]
	}
	return s.r.Read(p)
}

func (c *memConn) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := c.fs.get(p)
	if !ok {
		return nil, notExist("open", p)
	}
	var r io.Reader = bytes.NewReader(b)
	if c.fs.readDelay > 0 {
		r = &slowReader{r: r, delay: c.fs.readDelay}
	}
	return io.NopCloser(r), nil
}

type memWriter struct {
	fs      *memFS
	path    string
	buf     bytes.Buffer
	aborted atomic.Bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.aborted.Load() {
		return 0, errors.New("write aborted")
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.aborted.Load() {
		return errors.New("write aborted")
	}
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.files[w.path] = w.buf.Bytes()
	return nil
}

func (w *memWriter) Abort(error) { w.aborted.Store(true) }

func (c *memConn) OpenWrite(ctx context.Context, p string, _ provider.FileInfo) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = path.Clean(p)
	if !c.fs.isDir(path.Dir(p)) {
		return nil, notExist("create", p)
	}
	return &memWriter{fs: c.fs, path: p}, nil
}

func (c *memConn) MkdirAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.fs.mkdir(p)
	return nil
}

func (c *memConn) Remove(ctx context.Context, p string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	p = path.Clean(p)
	if _, ok := c.fs.files[p]; ok {
		delete(c.fs.files, p)
		return nil
	}
	if !c.fs.dirs[p] {
		return notExist("remove", p)
	}
	prefix := p + "/"
	for k := range c.fs.files {
		if strings.HasPrefix(k, prefix) {
			if !recursive {
				return fmt.Errorf("mem remove %s: directory not empty", p)
			}
			delete(c.fs.files, k)
		}
	}
	for k := range c.fs.dirs {
		if strings.HasPrefix(k, prefix) {
			delete(c.fs.dirs, k)
		}
	}
	delete(c.fs.dirs, p)
	return nil
}

func (c *memConn) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	oldPath, newPath = path.Clean(oldPath), path.Clean(newPath)
	if c.fs.renameErr != nil {
		return c.fs.renameErr
	}
	if c.fs.refuseRenameOver {
		if _, ok := c.fs.files[newPath]; ok || c.fs.dirs[newPath] {
			return fmt.Errorf("mem rename %s: target exists", newPath)
		}
	}
	if b, ok := c.fs.files[oldPath]; ok {
		delete(c.fs.files, oldPath)
		c.fs.files[newPath] = b
		return nil
	}
	if !c.fs.dirs[oldPath] {
		return notExist("rename", oldPath)
	}
	prefix := oldPath + "/"
	for k, b := range c.fs.files {
		if strings.HasPrefix(k, prefix) {
			delete(c.fs.files, k)
			c.fs.files[newPath+"/"+strings.TrimPrefix(k, prefix)] = b
		}
	}
	for k := range c.fs.dirs {
		if k == oldPath || strings.HasPrefix(k, prefix) {
			delete(c.fs.dirs, k)
			c.fs.dirs[newPath+strings.TrimPrefix(k, oldPath)] = true
		}
	}
	return nil
}

func (c *memConn) RenameReplaces() bool { return c.fs.replacingRename }

func (c *memConn) Ping(ctx context.Context) error { return ctx.Err() }
func (c *memConn) Close() error                   { return nil }

// copyConn adds a server-side copy.
type copyConn struct {
	*memConn
	copies int
}

func (c *copyConn) ServerCopy(ctx context.Context, src, dst string) error {
	b, ok := c.fs.get(src)
	if !ok {
		return notExist("copy", src)
	}
	if !c.fs.isDir(path.Dir(path.Clean(dst))) {
		return notExist("copy", dst)
	}
	c.copies++
	c.fs.put(dst, b)
	return nil
}

type fakeSession struct {
	desc       session.Descriptor
	fs         *memFS
	serverCopy bool
	opens      int
}

// fakeSessions serves memFS-backed sessions.
type fakeSessions struct {
	mu      sync.Mutex
	entries map[string]*fakeSession
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{entries: make(map[string]*fakeSession)}
}

func (f *fakeSessions) add(sid string, proto session.Protocol, m *memFS, serverCopy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[sid] = &fakeSession{
		desc:       session.Descriptor{ID: sid, Protocol: proto, Host: sid + ".example.net", Port: 21},
		fs:         m,
		serverCopy: serverCopy,
	}
}

func (f *fakeSessions) Get(sid string) (*session.Descriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[sid]
	if !ok {
		return nil, false
	}
	d := e.desc
	return &d, true
}

func (f *fakeSessions) Open(ctx context.Context, sid string) (provider.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[sid]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	e.opens++
	c := &memConn{fs: e.fs}
	if e.serverCopy {
		return &copyConn{memConn: c}, nil
	}
	return c, nil
}

func (f *fakeSessions) fs(sid string) *memFS {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[sid].fs
}

// fakeDirect copies between two memFS sessions of the FTP family.
type fakeDirect struct {
	sessions *fakeSessions
	fail     error

	mu    sync.Mutex
	calls int
}

func (d *fakeDirect) Supports(src, dst *session.Descriptor) bool {
	return src != nil && dst != nil && src.Protocol.FTPFamily() && dst.Protocol.FTPFamily()
}

func (d *fakeDirect) Transfer(ctx context.Context, src, dst *session.Descriptor, srcPath, dstPath string, dir bool) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	from, to := d.sessions.fs(src.ID), d.sessions.fs(dst.ID)
	if !dir {
		b, ok := from.get(srcPath)
		if !ok {
			return notExist("fxp", srcPath)
		}
		to.put(dstPath, b)
		return nil
	}
	to.mkdir(dstPath)
	for _, p := range from.paths(srcPath) {
		rel := strings.TrimPrefix(p, strings.TrimSuffix(srcPath, "/")+"/")
		if strings.HasSuffix(rel, "/") {
			to.mkdir(path.Join(dstPath, rel))
			continue
		}
		b, _ := from.get(p)
		to.put(path.Join(dstPath, rel), b)
	}
	return ctx.Err()
}

func (d *fakeDirect) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
