package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/franksops/fileops/jobs"
)

// Validation codes, reported synchronously before a job exists.
const (
	CodeBadOperation = "bad_operation"
	CodeBadTarget    = "bad_target"
	CodeSidRequired  = "sid_required"
	CodePathRequired = "path_required"
	CodeNoSources    = "no_sources"
	CodeBadName      = "bad_name"
	CodeDstRequired  = "dst_required"
	CodeNotFound     = "not_found"
	CodeBadOptions   = "bad_options"
)

// Execution codes, recorded on failed jobs.
const (
	CodeRouteNotSupported = "route_not_supported"
	CodeMirrorFailed      = "mirror_failed"
	CodeDownloadFailed    = "download_failed"
	CodeUploadFailed      = "upload_failed"
	CodeCopyFailed        = "copy_failed"
	CodeMoveFailed        = "move_failed"
	CodeDeleteFailed      = "delete_failed"
	CodeMkdirFailed       = "mkdir_failed"
	CodeSpoolLimit        = "spool_limit_exceeded"
	CodeNameExhausted     = "dst_name_exhausted"
	CodeNeedsDecision     = "conflict_needs_decision"
	CodeDstInsideSrc      = "dst_inside_src"
	CodeNoSpace           = "no_space"
	CodeChecksumMismatch  = "checksum_mismatch"
)

// Error is an engine failure with a stable code.
type Error struct {
	code string
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Code() string  { return e.code }
func (e *Error) Unwrap() error { return e.err }

func newError(code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// wrap attaches code to err unless err already carries a code of its own
// or is a cancellation.
func wrap(code string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var c jobs.Coded
	if errors.As(err, &c) {
		return err
	}
	return &Error{code: code, msg: fmt.Sprintf(format, args...), err: err}
}
