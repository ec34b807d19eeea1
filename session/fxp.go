package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDirectUnavailable means a direct server-to-server transfer cannot be
// attempted for the given pair of sessions.
var ErrDirectUnavailable = errors.New("direct transfer not available")

// FXP runs server-to-server FTP transfers through lftp. Credentials reach
// lftp on stdin, never on its command line.
type FXP struct {
	Path string
	log  *zap.Logger

	once      sync.Once
	available bool
}

// NewFXP returns a runner for the lftp binary at path. An empty path
// disables direct transfers.
func NewFXP(path string, log *zap.Logger) *FXP {
	if log == nil {
		log = zap.NewNop()
	}
	return &FXP{Path: path, log: log.Named("fxp")}
}

func (f *FXP) binary() bool {
	f.once.Do(func() {
		if f.Path == "" {
			return
		}
		if _, err := exec.LookPath(f.Path); err != nil {
			f.log.Info("lftp not found, direct transfers disabled", zap.String("path", f.Path))
			return
		}
		f.available = true
	})
	return f.available
}

// Supports reports whether a direct transfer between src and dst can be
// attempted.
func (f *FXP) Supports(src, dst *Descriptor) bool {
	if f == nil || src == nil || dst == nil {
		return false
	}
	return src.Protocol.FTPFamily() && dst.Protocol.FTPFamily() && f.binary()
}

// Transfer copies srcPath on src to dstPath on dst. Directories are
// mirrored. Canceling ctx kills lftp.
func (f *FXP) Transfer(ctx context.Context, src, dst *Descriptor, srcPath, dstPath string, dir bool) error {
	if !f.Supports(src, dst) {
		return ErrDirectUnavailable
	}

	script := fxpScript(src, dst, srcPath, dstPath, dir)
	cmd := exec.CommandContext(ctx, f.Path)
	cmd.Stdin = strings.NewReader(script)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		msg := redact(strings.TrimSpace(stderr.String()), src, dst)
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("lftp: %w: %s", err, msg)
	}
	f.log.Debug("direct transfer complete",
		zap.Object("src", src),
		zap.Object("dst", dst),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// userinfoEscape percent-encodes everything outside the unreserved set, so
// no credential byte is significant to lftp's URL parser.
func userinfoEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func fxpURL(d *Descriptor, p string) string {
	scheme := "ftp"
	if d.Protocol == ProtocolFTPS && d.Security.ImplicitTLS {
		scheme = "ftps"
	}
	user := d.Username
	if user == "" {
		user = "anonymous"
	}
	u := url.URL{Scheme: scheme, Host: d.Addr(), Path: path.Clean("/" + p)}
	rest := strings.TrimPrefix(u.String(), scheme+"://")
	return scheme + "://" + userinfoEscape(user) + ":" + userinfoEscape(d.creds.password) + "@" + rest
}

// lftpQuote quotes s as one lftp word.
func lftpQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func fxpHostSettings(b *strings.Builder, d *Descriptor) {
	host := d.Host
	if d.Protocol == ProtocolFTPS && !d.Security.ImplicitTLS {
		fmt.Fprintf(b, "set ftp:ssl-force/%s true\n", host)
		fmt.Fprintf(b, "set ftp:ssl-protect-data/%s true\n", host)
	}
	if d.Protocol == ProtocolFTPS && d.Security.InsecureTLS {
		fmt.Fprintf(b, "set ssl:verify-certificate/%s no\n", host)
	}
}

func fxpScript(src, dst *Descriptor, srcPath, dstPath string, dir bool) string {
	var b strings.Builder
	b.WriteString("set cmd:fail-exit true\n")
	b.WriteString("set cmd:interactive false\n")
	b.WriteString("set ftp:use-fxp true\n")
	b.WriteString("set ftp:fxp-force true\n")
	b.WriteString("set net:max-retries 1\n")
	fxpHostSettings(&b, src)
	if dst.Host != src.Host {
		fxpHostSettings(&b, dst)
	}

	from, to := lftpQuote(fxpURL(src, srcPath)), lftpQuote(fxpURL(dst, dstPath))
	if dir {
		fmt.Fprintf(&b, "mirror --no-perms %s %s\n", from, to)
	} else {
		fmt.Fprintf(&b, "get %s -o %s\n", from, to)
	}
	b.WriteString("exit\n")
	return b.String()
}

func redact(msg string, ds ...*Descriptor) string {
	for _, d := range ds {
		if pw := d.creds.password; pw != "" {
			msg = strings.ReplaceAll(msg, pw, "***")
			msg = strings.ReplaceAll(msg, userinfoEscape(pw), "***")
		}
	}
	return msg
}
