package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/franksops/fileops/provider"
	"golang.org/x/crypto/ssh"
)

// Dialer opens a live connection for a descriptor.
type Dialer interface {
	Dial(ctx context.Context, d *Descriptor) (provider.Conn, error)
}

// NetDialer dials real FTP, FTPS, SFTP and S3 endpoints.
type NetDialer struct {
	Timeout        time.Duration
	CommandTimeout time.Duration
	HostKeys       *HostKeys
}

func (n *NetDialer) Dial(ctx context.Context, d *Descriptor) (provider.Conn, error) {
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	switch d.Protocol {
	case ProtocolFTP, ProtocolFTPS:
		cfg := provider.FTPConfig{
			Addr:           d.Addr(),
			User:           d.Username,
			Password:       d.creds.password,
			Timeout:        n.Timeout,
			CommandTimeout: n.CommandTimeout,
		}
		if d.Protocol == ProtocolFTPS {
			cfg.TLS = tlsConfig(d)
			cfg.ImplicitTLS = d.Security.ImplicitTLS
		}
		return provider.DialFTP(ctx, cfg)

	case ProtocolSFTP:
		return n.dialSFTP(ctx, d)

	case ProtocolS3:
		cfg := provider.S3Config{
			Region:      d.Options.Region,
			Bucket:      d.Options.Bucket,
			Prefix:      d.Options.Prefix,
			AccessKey:   d.Username,
			SecretKey:   d.creds.password,
			InsecureTLS: d.Security.InsecureTLS,
		}
		if d.Host != "" {
			scheme := "https"
			if d.Options.PlainHTTP {
				scheme = "http"
			}
			cfg.Endpoint = scheme + "://" + d.Addr()
		}
		return provider.NewS3Provider(ctx, cfg)
	}
	return nil, fmt.Errorf("unsupported protocol %q", d.Protocol)
}

func tlsConfig(d *Descriptor) *tls.Config {
	return &tls.Config{
		ServerName:         d.Host,
		InsecureSkipVerify: d.Security.InsecureTLS,
		MinVersion:         tls.VersionTLS12,
		// Data connections must resume the control connection session.
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}
}

func (n *NetDialer) dialSFTP(ctx context.Context, d *Descriptor) (provider.Conn, error) {
	auth, err := authMethods(d)
	if err != nil {
		return nil, err
	}

	hostKeys := n.HostKeys
	if hostKeys == nil {
		hostKeys = NewHostKeys("")
	}
	check := hostKeys.Callback(d.Security.HostKeyPolicy)

	// The handshake may flatten the callback error; keep our own copy so
	// the failure is still classified as a host key problem.
	var keyErr error
	callback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		keyErr = check(hostname, remote, key)
		return keyErr
	}

	conn, err := provider.DialSFTP(ctx, provider.SFTPConfig{
		Addr: d.Addr(),
		SSH: &ssh.ClientConfig{
			User:            d.Username,
			Auth:            auth,
			HostKeyCallback: callback,
			Timeout:         n.Timeout,
		},
		CommandTimeout: n.CommandTimeout,
	})
	if err != nil && keyErr != nil && !errors.Is(err, keyErr) {
		err = fmt.Errorf("%w (%v)", keyErr, err)
	}
	return conn, err
}

func authMethods(d *Descriptor) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if d.creds.privateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if d.creds.passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(d.creds.privateKey), []byte(d.creds.passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(d.creds.privateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", provider.ErrAuthFailed, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if d.creds.password != "" {
		password := d.creds.password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no password or private key given", provider.ErrAuthFailed)
	}
	return methods, nil
}
