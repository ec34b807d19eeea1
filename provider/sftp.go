package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var (
	_ Conn             = (*SFTPProvider)(nil)
	_ ServerCopier     = (*SFTPProvider)(nil)
	_ SpaceReporter    = (*SFTPProvider)(nil)
	_ Runner           = (*SFTPProvider)(nil)
	_ ReplacingRenamer = (*SFTPProvider)(nil)
)

// SFTPConfig describes one SSH login. SSH carries user, auth methods, host
// key policy and the dial timeout.
type SFTPConfig struct {
	Addr           string
	SSH            *ssh.ClientConfig
	CommandTimeout time.Duration
}

// SFTPProvider implements Provider over the SFTP subsystem and exposes the
// SSH exec channel as a Runner.
type SFTPProvider struct {
	ssh        *ssh.Client
	client     *sftp.Client
	cmdTimeout time.Duration
}

// DialSFTP opens the SSH connection and starts the SFTP subsystem.
func DialSFTP(ctx context.Context, cfg SFTPConfig) (*SFTPProvider, error) {
	d := net.Dialer{Timeout: cfg.SSH.Timeout}
	nc, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("sftp dial %s: %w", cfg.Addr, err)
	}
	if cfg.SSH.Timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(cfg.SSH.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(nc, cfg.Addr, cfg.SSH)
	if err != nil {
		nc.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("sftp login %s: %w: %v", cfg.Addr, ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("sftp handshake %s: %w", cfg.Addr, err)
	}
	_ = nc.SetDeadline(time.Time{})
	sc := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sc)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("sftp subsystem %s: %w", cfg.Addr, err)
	}
	return &SFTPProvider{ssh: sc, client: client, cmdTimeout: cfg.CommandTimeout}, nil
}

func (p *SFTPProvider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	info, err := p.client.Stat(cleanRemote(pth))
	if err != nil {
		return nil, fmt.Errorf("sftp stat %s: %w", pth, err)
	}
	return WrapOSFileInfo(info), nil
}

func (p *SFTPProvider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	entries, err := p.client.ReadDir(cleanRemote(pth))
	if err != nil {
		return nil, fmt.Errorf("sftp list %s: %w", pth, err)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, WrapOSFileInfo(e))
	}
	return infos, nil
}

func (p *SFTPProvider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	f, err := p.client.Open(cleanRemote(pth))
	if err != nil {
		return nil, fmt.Errorf("sftp open %s: %w", pth, err)
	}
	return f, nil
}

func (p *SFTPProvider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	pth = cleanRemote(pth)
	f, err := p.client.OpenFile(pth, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("sftp create %s: %w", pth, err)
	}
	return &sftpWriteCloser{File: f, client: p.client, path: pth, metadata: metadata}, nil
}

type sftpWriteCloser struct {
	*sftp.File
	client   *sftp.Client
	path     string
	metadata FileInfo
}

func (w *sftpWriteCloser) Close() error {
	if err := w.File.Close(); err != nil {
		return err
	}
	if w.metadata != nil && !w.metadata.ModTime().IsZero() {
		_ = w.client.Chtimes(w.path, time.Now(), w.metadata.ModTime())
	}
	return nil
}

func (p *SFTPProvider) MkdirAll(ctx context.Context, pth string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := p.client.MkdirAll(cleanRemote(pth)); err != nil {
		return fmt.Errorf("sftp mkdir %s: %w", pth, err)
	}
	return nil
}

func (p *SFTPProvider) Remove(ctx context.Context, pth string, recursive bool) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	pth = cleanRemote(pth)
	if _, err := p.client.Lstat(pth); err != nil {
		return fmt.Errorf("sftp remove %s: %w", pth, err)
	}
	var err error
	if recursive {
		err = p.client.RemoveAll(pth)
	} else {
		err = p.client.Remove(pth)
	}
	if err != nil {
		return fmt.Errorf("sftp remove %s: %w", pth, err)
	}
	return nil
}

// Rename prefers the posix-rename extension, which replaces an existing
// target, and falls back to plain SSH_FXP_RENAME.
func (p *SFTPProvider) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	oldPath, newPath = cleanRemote(oldPath), cleanRemote(newPath)
	if err := p.client.PosixRename(oldPath, newPath); err == nil {
		return nil
	}
	if err := p.client.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("sftp rename %s: %w", oldPath, err)
	}
	return nil
}

// RenameReplaces reports whether the server offers posix-rename.
func (p *SFTPProvider) RenameReplaces() bool {
	_, ok := p.client.HasExtension("posix-rename@openssh.com")
	return ok
}

// FreeSpace uses the statvfs extension when the server offers it.
func (p *SFTPProvider) FreeSpace(ctx context.Context, pth string) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	vfs, err := p.client.StatVFS(cleanRemote(pth))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return int64(vfs.FreeSpace()), nil
}

// Run executes argv through the SSH exec channel. Every argument is shell
// quoted; the session is killed when ctx ends.
func (p *SFTPProvider) Run(ctx context.Context, argv ...string) (int, []byte, []byte, error) {
	if len(argv) == 0 {
		return -1, nil, nil, errors.New("sftp run: empty command")
	}
	if p.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cmdTimeout)
		defer cancel()
	}

	sess, err := p.ssh.NewSession()
	if err != nil {
		return -1, nil, nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(ShellJoin(argv...)) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return -1, stdout.Bytes(), stderr.Bytes(), ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), stdout.Bytes(), stderr.Bytes(), nil
		}
		if err != nil {
			return -1, stdout.Bytes(), stderr.Bytes(), err
		}
		return 0, stdout.Bytes(), stderr.Bytes(), nil
	}
}

// ServerCopy runs cp on the server, so no bytes pass through this process.
func (p *SFTPProvider) ServerCopy(ctx context.Context, src, dst string) error {
	code, _, stderr, err := p.Run(ctx, "cp", "-p", "--", cleanRemote(src), cleanRemote(dst))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: cp exited %d: %s", ErrUnsupported, code, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// Ping asks the server for the working directory.
func (p *SFTPProvider) Ping(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := p.client.Getwd()
	return err
}

func (p *SFTPProvider) Close() error {
	p.client.Close()
	return p.ssh.Close()
}
