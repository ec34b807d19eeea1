package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/textproto"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"
)

var _ Conn = (*FTPProvider)(nil)

// FTPConfig describes one FTP or FTPS login.
type FTPConfig struct {
	Addr     string
	User     string
	Password string
	// TLS enables FTPS. Explicit (AUTH TLS) unless ImplicitTLS is set.
	TLS         *tls.Config
	ImplicitTLS bool
	Timeout     time.Duration
	// CommandTimeout bounds every read or write on the control and data
	// connections, so a stalled server fails the operation.
	CommandTimeout time.Duration
}

// FTPProvider implements Provider over a single control connection. Like the
// protocol itself it serves one data transfer at a time: a reader or writer
// must be closed before the next call.
type FTPProvider struct {
	conn *ftp.ServerConn
}

// DialFTP connects and logs in.
func DialFTP(ctx context.Context, cfg FTPConfig) (*FTPProvider, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if cfg.Timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(cfg.Timeout))
	}
	if cfg.TLS != nil {
		if cfg.ImplicitTLS {
			opts = append(opts, ftp.DialWithTLS(cfg.TLS))
		} else {
			opts = append(opts, ftp.DialWithExplicitTLS(cfg.TLS))
		}
	}

	if cfg.CommandTimeout > 0 {
		opts = append(opts, ftp.DialWithDialFunc(ftpDialFunc(ctx, cfg)))
	}

	conn, err := ftp.Dial(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", cfg.Addr, err)
	}

	user := cfg.User
	if user == "" {
		user = "anonymous"
	}
	if err := conn.Login(user, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp login %s: %w: %v", cfg.Addr, ErrAuthFailed, err)
	}
	return &FTPProvider{conn: conn}, nil
}

// ftpDialFunc dials the control connection and every data connection with
// idle deadlines. A custom dial func replaces the library's own TLS setup
// for implicit control connections and for data connections, so it is
// repeated here; explicit AUTH TLS on the control connection is still done
// by the library.
func ftpDialFunc(ctx context.Context, cfg FTPConfig) func(network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: cfg.Timeout}
	var control atomic.Bool
	return func(network, addr string) (net.Conn, error) {
		first := control.CompareAndSwap(false, true)
		var (
			nc  net.Conn
			err error
		)
		if first {
			nc, err = d.DialContext(ctx, network, addr)
		} else {
			// ctx belongs to the dial and may be gone by now.
			nc, err = d.Dial(network, addr)
		}
		if err != nil {
			return nil, err
		}
		conn := net.Conn(&deadlineConn{Conn: nc, timeout: cfg.CommandTimeout})
		if cfg.TLS != nil && (!first || cfg.ImplicitTLS) {
			conn = tls.Client(conn, cfg.TLS)
		}
		return conn, nil
	}
}

// deadlineConn pushes the deadline forward before every read and write.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

func mapFTPErr(op, pth string, err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code == ftp.StatusFileUnavailable {
		return fmt.Errorf("ftp %s %s: %w", op, pth, fs.ErrNotExist)
	}
	return fmt.Errorf("ftp %s %s: %w", op, pth, err)
}

func cleanRemote(p string) string {
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func entryInfo(e *ftp.Entry, name string) FileInfo {
	return &unixFileInfo{
		FileInfo: &basicFileInfo{
			name:    name,
			size:    int64(e.Size),
			isDir:   e.Type == ftp.EntryTypeFolder,
			modTime: e.Time,
		},
		symlink: e.Type == ftp.EntryTypeLink,
	}
}

// Stat prefers MLST and falls back to listing the parent directory for
// servers that lack it.
func (p *FTPProvider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	pth = cleanRemote(pth)
	if pth == "/" || pth == "." {
		return &basicFileInfo{name: pth, isDir: true}, nil
	}

	name := path.Base(pth)
	if e, err := p.conn.GetEntry(pth); err == nil {
		return entryInfo(e, name), nil
	}

	entries, err := p.conn.List(path.Dir(pth))
	if err != nil {
		// Some servers answer a listing of a missing directory with 450.
		var te *textproto.Error
		if errors.As(err, &te) && te.Code == ftp.StatusFileActionIgnored {
			return nil, fmt.Errorf("ftp stat %s: %w", pth, fs.ErrNotExist)
		}
		return nil, mapFTPErr("stat", pth, err)
	}
	for _, e := range entries {
		if e.Name == name {
			return entryInfo(e, name), nil
		}
	}
	return nil, fmt.Errorf("ftp stat %s: %w", pth, fs.ErrNotExist)
}

func (p *FTPProvider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	entries, err := p.conn.List(cleanRemote(pth))
	if err != nil {
		return nil, mapFTPErr("list", pth, err)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		infos = append(infos, entryInfo(e, e.Name))
	}
	return infos, nil
}

func (p *FTPProvider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r, err := p.conn.Retr(cleanRemote(pth))
	if err != nil {
		return nil, mapFTPErr("retr", pth, err)
	}
	return r, nil
}

func (p *FTPProvider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	pth = cleanRemote(pth)
	pr, pw := io.Pipe()
	errChan := make(chan error, 1)
	go func() {
		err := p.conn.Stor(pth, pr)
		pr.CloseWithError(err)
		errChan <- err
	}()
	return &asyncWriter{pw: pw, errChan: errChan, label: "ftp stor " + pth}, nil
}

// MkdirAll creates each missing component in turn. Errors on intermediate
// components are ignored; only the final result is checked.
func (p *FTPProvider) MkdirAll(ctx context.Context, pth string) error {
	pth = cleanRemote(pth)
	if info, err := p.Stat(ctx, pth); err == nil {
		if info.IsDir() {
			return nil
		}
		return fmt.Errorf("ftp mkdir %s: not a directory", pth)
	}

	cur := ""
	if strings.HasPrefix(pth, "/") {
		cur = "/"
	}
	for _, part := range strings.Split(strings.Trim(pth, "/"), "/") {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		cur = path.Join(cur, part)
		_ = p.conn.MakeDir(cur)
	}

	info, err := p.Stat(ctx, pth)
	if err != nil {
		return fmt.Errorf("ftp mkdir %s: %w", pth, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ftp mkdir %s: not a directory", pth)
	}
	return nil
}

func (p *FTPProvider) Remove(ctx context.Context, pth string, recursive bool) error {
	info, err := p.Stat(ctx, pth)
	if err != nil {
		return err
	}
	pth = cleanRemote(pth)
	switch {
	case info.IsDir() && recursive:
		err = p.conn.RemoveDirRecur(pth)
	case info.IsDir():
		err = p.conn.RemoveDir(pth)
	default:
		err = p.conn.Delete(pth)
	}
	if err != nil {
		return mapFTPErr("remove", pth, err)
	}
	return nil
}

func (p *FTPProvider) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := p.conn.Rename(cleanRemote(oldPath), cleanRemote(newPath)); err != nil {
		return mapFTPErr("rename", oldPath, err)
	}
	return nil
}

// Ping issues PWD.
func (p *FTPProvider) Ping(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := p.conn.CurrentDir()
	return err
}

func (p *FTPProvider) Close() error {
	return p.conn.Quit()
}
