package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/franksops/fileops/engine"
	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/logging"
	"github.com/franksops/fileops/sandbox"
	"github.com/franksops/fileops/session"
)

// Codes produced by the HTTP layer itself.
const (
	codeBadRequest      = "bad_request"
	codeConflicts       = "conflicts"
	codeJobNotFound     = "job_not_found"
	codeQueueFull       = "queue_full"
	codeHistoryDisabled = "history_disabled"
	codeBadSession      = "bad_session_params"
)

type errorResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorResponse{OK: false, Error: code, Detail: detail})
}

// errorCode maps err to its stable code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		return codeQueueFull
	case errors.Is(err, jobs.ErrJobNotFound):
		return codeJobNotFound
	}
	return jobs.CodeOf(err)
}

// statusFor maps a code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case codeBadRequest, codeBadSession,
		engine.CodeBadOperation, engine.CodeBadTarget, engine.CodeSidRequired,
		engine.CodePathRequired, engine.CodeNoSources, engine.CodeBadName,
		engine.CodeDstRequired, engine.CodeBadOptions:
		return http.StatusBadRequest
	case engine.CodeNotFound, codeJobNotFound, codeHistoryDisabled, session.ErrSessionNotFound.Code():
		return http.StatusNotFound
	case sandbox.CodePathNotAllowed:
		return http.StatusForbidden
	case codeConflicts:
		return http.StatusConflict
	case session.ReasonHostKeyUnknown, session.ReasonHostKeyMismatch, session.ReasonCertUntrusted,
		session.ReasonAuthFailed, session.ReasonConnectFailed:
		return http.StatusBadGateway
	case codeQueueFull:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errorCode(err)
	status := statusFor(code)
	log := logging.WithContext(r.Context(), s.log)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", code), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}
