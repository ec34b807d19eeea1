package session

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeys checks SSH host keys against an OpenSSH known_hosts file.
type HostKeys struct {
	path string

	mu sync.Mutex
	// accepted holds keys trusted on first use when no file is configured.
	accepted map[string]ssh.PublicKey
}

// NewHostKeys returns a checker backed by path. An empty path keeps
// accept_new keys in memory for the lifetime of the process.
func NewHostKeys(path string) *HostKeys {
	return &HostKeys{path: path, accepted: make(map[string]ssh.PublicKey)}
}

// Callback returns the ssh.HostKeyCallback enforcing policy.
func (h *HostKeys) Callback(policy HostKeyPolicy) ssh.HostKeyCallback {
	if policy == HostKeyInsecure {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		h.mu.Lock()
		defer h.mu.Unlock()

		err := h.check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 && policy == HostKeyAcceptNew {
			return h.record(hostname, key)
		}
		return err
	}
}

func (h *HostKeys) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host := knownhosts.Normalize(hostname)
	if known, ok := h.accepted[host]; ok {
		if string(known.Marshal()) == string(key.Marshal()) {
			return nil
		}
		return &knownhosts.KeyError{Want: []knownhosts.KnownKey{{Key: known, Filename: "(memory)"}}}
	}

	if h.path == "" {
		return &knownhosts.KeyError{}
	}
	cb, err := knownhosts.New(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &knownhosts.KeyError{}
	}
	if err != nil {
		return fmt.Errorf("load known_hosts: %w", err)
	}
	return cb(hostname, remote, key)
}

func (h *HostKeys) record(hostname string, key ssh.PublicKey) error {
	host := knownhosts.Normalize(hostname)
	if h.path == "" {
		h.accepted[host] = key
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{host}, key))
	return err
}
