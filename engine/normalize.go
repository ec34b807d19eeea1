package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/session"
)

// Normalize validates req and resolves every source and the destination.
// Local paths go through the sandbox; remote paths are probed with one
// connection per session. Nothing is modified.
func (e *Engine) Normalize(ctx context.Context, req Request) (*Operation, error) {
	switch req.Op {
	case jobs.OpCopy, jobs.OpMove, jobs.OpDelete:
	default:
		return nil, newError(CodeBadOperation, "unsupported operation %q", req.Op)
	}

	opts, err := normalizeOptions(req.Options)
	if err != nil {
		return nil, err
	}

	src, err := e.endpoint(req.Src)
	if err != nil {
		return nil, err
	}
	raw, err := sourcePaths(req.Src, src.Remote())
	if err != nil {
		return nil, err
	}

	op := &Operation{Op: req.Op, Src: src, Options: opts}

	var dstReq EndpointSpec
	if req.Op != jobs.OpDelete {
		if req.Dst == nil {
			return nil, newError(CodeDstRequired, "%s needs a destination", req.Op)
		}
		dstReq = *req.Dst
		if op.Dst, err = e.endpoint(dstReq); err != nil {
			return nil, err
		}
		if strings.TrimSpace(dstReq.Path) == "" {
			return nil, newError(CodePathRequired, "destination path is required")
		}
	}

	p := &prober{e: e, conns: make(map[string]*side)}
	defer p.close()

	// Symlinks are followed when reading content but moved or deleted as
	// links.
	follow := req.Op == jobs.OpCopy
	for _, r := range raw {
		entry, err := p.source(ctx, src, r, follow)
		if err != nil {
			return nil, err
		}
		if entry.Known && !entry.IsDir {
			op.BytesTotal += entry.Size
		}
		op.Sources = append(op.Sources, entry)
	}

	if req.Op != jobs.OpDelete {
		dest, err := p.destination(ctx, op.Dst, dstReq, len(op.Sources))
		if err != nil {
			return nil, err
		}
		op.Dest = dest
	}
	return op, nil
}

func normalizeOptions(o Options) (Options, error) {
	switch o.Overwrite {
	case "":
		o.Overwrite = PolicyAsk
	case PolicyReplace, PolicySkip, PolicyAsk:
	default:
		return o, newError(CodeBadOptions, "unknown overwrite policy %q", o.Overwrite)
	}
	switch o.Default {
	case DecisionNone, DecisionReplace, DecisionSkip:
	default:
		return o, newError(CodeBadOptions, "unknown default decision %q", o.Default)
	}
	for k, d := range o.Decisions {
		if d != DecisionReplace && d != DecisionSkip {
			return o, newError(CodeBadOptions, "unknown decision %q for %q", d, k)
		}
	}
	return o, nil
}

func (e *Engine) endpoint(s EndpointSpec) (Endpoint, error) {
	switch s.Target {
	case TargetLocal:
		return Endpoint{Kind: TargetLocal}, nil
	case TargetRemote:
		if s.SID == "" {
			return Endpoint{}, newError(CodeSidRequired, "remote endpoint needs a session id")
		}
		desc, ok := e.sessions.Get(s.SID)
		if !ok {
			return Endpoint{}, session.ErrSessionNotFound
		}
		return Endpoint{Kind: TargetRemote, SID: s.SID, Session: desc}, nil
	default:
		return Endpoint{}, newError(CodeBadTarget, "unknown target %q", s.Target)
	}
}

// sourcePaths expands Path or Cwd+Names into raw paths, in request order.
func sourcePaths(s EndpointSpec, remote bool) ([]string, error) {
	if s.Path != "" {
		return []string{s.Path}, nil
	}
	if s.Cwd == "" {
		return nil, newError(CodePathRequired, "source needs path or cwd and names")
	}
	if len(s.Names) == 0 {
		return nil, newError(CodeNoSources, "no source names given")
	}
	join := filepath.Join
	if remote {
		join = path.Join
	}
	out := make([]string, 0, len(s.Names))
	for _, n := range s.Names {
		if n == "" || n == "." || n == ".." || strings.ContainsAny(n, "/\\") || strings.ContainsRune(n, 0) {
			return nil, newError(CodeBadName, "invalid name %q", n)
		}
		out = append(out, join(s.Cwd, n))
	}
	return out, nil
}

// prober keeps one connection per remote session for the duration of a
// normalization or planning pass.
type prober struct {
	e     *Engine
	conns map[string]*side
}

func (p *prober) side(ctx context.Context, ep Endpoint) (*side, error) {
	if !ep.Remote() {
		return p.e.localSide(), nil
	}
	if s, ok := p.conns[ep.SID]; ok {
		return s, nil
	}
	s, err := p.e.open(ctx, ep)
	if err != nil {
		return nil, err
	}
	p.conns[ep.SID] = s
	return s, nil
}

func (p *prober) close() {
	for _, s := range p.conns {
		s.close()
	}
}

func (p *prober) source(ctx context.Context, ep Endpoint, raw string, follow bool) (SourceEntry, error) {
	if !ep.Remote() {
		resolve, stat := p.e.sandbox.ResolveNoFollow, os.Lstat
		if follow {
			resolve, stat = p.e.sandbox.Resolve, os.Stat
		}
		full, err := resolve(raw)
		if err != nil {
			return SourceEntry{}, err
		}
		info, err := stat(full)
		if errors.Is(err, fs.ErrNotExist) {
			return SourceEntry{}, newError(CodeNotFound, "%s does not exist", raw)
		}
		if err != nil {
			return SourceEntry{}, wrap(CodeNotFound, err, "stat %s", raw)
		}
		return SourceEntry{
			Path:  full,
			Name:  filepath.Base(filepath.Clean(raw)),
			IsDir: info.IsDir(),
			Size:  sizeOf(info.IsDir(), info.Size()),
			Known: true,
		}, nil
	}

	clean := path.Clean(raw)
	entry := SourceEntry{Path: clean, Name: path.Base(clean)}
	if entry.Name == "/" || entry.Name == "." {
		return SourceEntry{}, newError(CodeBadName, "cannot operate on %q", raw)
	}
	s, err := p.side(ctx, ep)
	if err != nil {
		return SourceEntry{}, err
	}
	info, err := s.fs.Stat(ctx, clean)
	switch {
	case err == nil:
		entry.IsDir = info.IsDir()
		entry.Size = sizeOf(info.IsDir(), info.Size())
		entry.Known = true
	case errors.Is(err, fs.ErrNotExist):
		return SourceEntry{}, newError(CodeNotFound, "%s does not exist on %s", clean, ep)
	case ctx.Err() != nil:
		return SourceEntry{}, ctx.Err()
	default:
		p.e.log.Debug("inconclusive source probe", zap.String("path", clean), zap.Error(err))
	}
	return entry, nil
}

func sizeOf(dir bool, size int64) int64 {
	if dir {
		return 0
	}
	return size
}

func (p *prober) destination(ctx context.Context, ep Endpoint, s EndpointSpec, sources int) (Destination, error) {
	raw := s.Path
	trailing := strings.HasSuffix(raw, "/") || (!ep.Remote() && strings.HasSuffix(raw, string(filepath.Separator)))
	dest := Destination{IsDir: s.IsDir || trailing || sources > 1}

	if !ep.Remote() {
		full, err := p.e.sandbox.Resolve(raw)
		if err != nil {
			return Destination{}, err
		}
		dest.Path = full
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			dest.IsDir = true
		}
		return dest, nil
	}

	dest.Path = path.Clean(raw)
	side, err := p.side(ctx, ep)
	if err != nil {
		return Destination{}, err
	}
	if info, err := side.fs.Stat(ctx, dest.Path); err == nil && info.IsDir() {
		dest.IsDir = true
	}
	return dest, nil
}
