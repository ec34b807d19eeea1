package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/franksops/fileops/provider"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Connect failure reasons.
const (
	ReasonHostKeyUnknown  = "host_key_unknown"
	ReasonHostKeyMismatch = "host_key_mismatch"
	ReasonCertUntrusted   = "cert_untrusted"
	ReasonAuthFailed      = "auth_failed"
	ReasonConnectFailed   = "connect_failed"
)

// Error is a registry error with a stable code.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Code() string  { return e.code }

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = &Error{code: "session_not_found", msg: "remote session not found or expired"}

func paramError(msg string) error {
	return &Error{code: "bad_session_params", msg: msg}
}

// ConnectError is a classified connection failure.
type ConnectError struct {
	Reason string
	Addr   string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Reason, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
func (e *ConnectError) Code() string  { return e.Reason }

// classify maps a dial error to a connect failure reason.
func classify(err error) string {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return ReasonHostKeyUnknown
		}
		return ReasonHostKeyMismatch
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		verifyErr        *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) || errors.As(err, &verifyErr) {
		return ReasonCertUntrusted
	}

	if errors.Is(err, provider.ErrAuthFailed) {
		return ReasonAuthFailed
	}
	return ReasonConnectFailed
}

func connectError(d *Descriptor, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectError{Reason: classify(err), Addr: d.Addr(), Err: err}
}
