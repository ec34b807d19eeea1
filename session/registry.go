// Package session keeps the table of remote connection descriptors that
// file operations refer to by opaque session id.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franksops/fileops/metrics"
	"github.com/franksops/fileops/provider"
)

// Registry is an in-memory session table with idle expiry. Expired sessions
// are swept lazily on every call.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Descriptor

	ttl    time.Duration
	dialer Dialer
	log    *zap.Logger
	now    func() time.Time
}

// NewRegistry creates a registry. ttl <= 0 disables idle expiry.
func NewRegistry(ttl time.Duration, dialer Dialer, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Descriptor),
		ttl:      ttl,
		dialer:   dialer,
		log:      log.Named("sessions"),
		now:      time.Now,
	}
}

// sweepLocked drops idle sessions. Caller holds r.mu.
func (r *Registry) sweepLocked() {
	if r.ttl <= 0 {
		return
	}
	now := r.now()
	for id, d := range r.sessions {
		if now.Sub(d.LastUsed) > r.ttl {
			delete(r.sessions, id)
			r.log.Info("session expired", zap.Object("session", d))
		}
	}
	metrics.SetSessionsOpen(len(r.sessions))
}

// Create validates p, performs exactly one connect + ping round-trip and
// registers the session. No connection is kept open.
func (r *Registry) Create(ctx context.Context, p Params) (*Descriptor, error) {
	r.mu.Lock()
	r.sweepLocked()
	r.mu.Unlock()

	d, err := p.descriptor()
	if err != nil {
		return nil, err
	}

	conn, err := r.dialer.Dial(ctx, d)
	if err == nil {
		err = conn.Ping(ctx)
		conn.Close()
	}
	if err != nil {
		ce := connectError(d, err)
		metrics.RecordConnect(string(d.Protocol), ce.Reason)
		r.log.Warn("session connect failed",
			zap.Object("session", d),
			zap.String("reason", ce.Reason),
			zap.Error(ce.Err),
		)
		return nil, ce
	}
	metrics.RecordConnect(string(d.Protocol), "ok")

	now := r.now()
	d.ID = uuid.NewString()
	d.CreatedAt = now
	d.LastUsed = now

	r.mu.Lock()
	r.sessions[d.ID] = d
	metrics.SetSessionsOpen(len(r.sessions))
	r.mu.Unlock()

	r.log.Info("session created", zap.Object("session", d))
	out := *d
	return &out, nil
}

// Get returns a copy of the descriptor and refreshes its idle timer.
func (r *Registry) Get(sid string) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	d, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	d.LastUsed = r.now()
	out := *d
	return &out, true
}

// List returns all live sessions ordered by creation time.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	out := make([]Descriptor, 0, len(r.sessions))
	for _, d := range r.sessions {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close removes a session. It reports whether the session existed.
func (r *Registry) Close(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	d, ok := r.sessions[sid]
	if !ok {
		return false
	}
	delete(r.sessions, sid)
	metrics.SetSessionsOpen(len(r.sessions))
	r.log.Info("session closed", zap.Object("session", d))
	return true
}

// Open dials a fresh connection for sid. The caller closes it.
func (r *Registry) Open(ctx context.Context, sid string) (provider.Conn, error) {
	d, ok := r.Get(sid)
	if !ok {
		return nil, ErrSessionNotFound
	}
	conn, err := r.dialer.Dial(ctx, d)
	if err != nil {
		ce := connectError(d, err)
		metrics.RecordConnect(string(d.Protocol), ce.Reason)
		return nil, ce
	}
	return conn, nil
}
