package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// Protocol names a remote backend family.
type Protocol string

const (
	ProtocolFTP  Protocol = "ftp"
	ProtocolFTPS Protocol = "ftps"
	ProtocolSFTP Protocol = "sftp"
	ProtocolS3   Protocol = "s3"
)

// FTPFamily reports whether p speaks the FTP control protocol.
func (p Protocol) FTPFamily() bool {
	return p == ProtocolFTP || p == ProtocolFTPS
}

// HostKeyPolicy controls how unknown SSH host keys are treated.
type HostKeyPolicy string

const (
	// HostKeyStrict only accepts keys already present in known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"
	// HostKeyAcceptNew records unknown keys on first contact. A changed key
	// is still rejected.
	HostKeyAcceptNew HostKeyPolicy = "accept_new"
	// HostKeyInsecure accepts any key.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// Security is the per-session security posture.
type Security struct {
	HostKeyPolicy HostKeyPolicy `json:"host_key_policy,omitempty"`
	// InsecureTLS disables certificate verification for ftps and s3.
	InsecureTLS bool `json:"insecure_tls,omitempty"`
	// ImplicitTLS selects implicit FTPS instead of AUTH TLS.
	ImplicitTLS bool `json:"implicit_tls,omitempty"`
}

// Options carries protocol specific settings.
type Options struct {
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	PlainHTTP bool   `json:"plain_http,omitempty"`
}

// Params is the input to Registry.Create.
type Params struct {
	Protocol   Protocol `json:"protocol"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	PrivateKey string   `json:"private_key"`
	Passphrase string   `json:"passphrase"`
	Security   Security `json:"security"`
	Options    Options  `json:"options"`
}

type credentials struct {
	password   string
	privateKey string
	passphrase string
}

// Descriptor describes one remote session. Credentials are kept in
// unexported fields and never leave the package through JSON or logs.
type Descriptor struct {
	ID        string    `json:"sid"`
	Protocol  Protocol  `json:"protocol"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username,omitempty"`
	Security  Security  `json:"security"`
	Options   Options   `json:"options"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`

	creds credentials
}

// Addr returns host:port.
func (d *Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (d *Descriptor) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("sid", d.ID)
	enc.AddString("protocol", string(d.Protocol))
	enc.AddString("host", d.Host)
	enc.AddInt("port", d.Port)
	enc.AddString("user", d.Username)
	return nil
}

func defaultPort(p Params) int {
	switch p.Protocol {
	case ProtocolFTP:
		return 21
	case ProtocolFTPS:
		if p.Security.ImplicitTLS {
			return 990
		}
		return 21
	case ProtocolSFTP:
		return 22
	case ProtocolS3:
		if p.Options.PlainHTTP {
			return 80
		}
		return 443
	}
	return 0
}

// descriptor validates p and fills defaults.
func (p Params) descriptor() (*Descriptor, error) {
	p.Protocol = Protocol(strings.ToLower(strings.TrimSpace(string(p.Protocol))))
	p.Host = strings.TrimSpace(p.Host)

	switch p.Protocol {
	case ProtocolFTP, ProtocolFTPS, ProtocolSFTP:
		if p.Host == "" {
			return nil, paramError("host is required")
		}
	case ProtocolS3:
		if p.Options.Bucket == "" {
			return nil, paramError("options.bucket is required for s3")
		}
	default:
		return nil, paramError(fmt.Sprintf("unsupported protocol %q", p.Protocol))
	}

	if p.Port == 0 {
		p.Port = defaultPort(p)
	}
	if p.Port < 0 || p.Port > 65535 {
		return nil, paramError(fmt.Sprintf("port %d out of range", p.Port))
	}

	if p.Protocol == ProtocolSFTP {
		switch p.Security.HostKeyPolicy {
		case "":
			p.Security.HostKeyPolicy = HostKeyStrict
		case HostKeyStrict, HostKeyAcceptNew, HostKeyInsecure:
		default:
			return nil, paramError(fmt.Sprintf("unknown host_key_policy %q", p.Security.HostKeyPolicy))
		}
		if p.Username == "" {
			return nil, paramError("username is required for sftp")
		}
	} else {
		p.Security.HostKeyPolicy = ""
	}

	return &Descriptor{
		Protocol: p.Protocol,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Security: p.Security,
		Options:  p.Options,
		creds: credentials{
			password:   p.Password,
			privateKey: p.PrivateKey,
			passphrase: p.Passphrase,
		},
	}, nil
}
