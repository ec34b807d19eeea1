package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/provider"
)

// Phases narrate the step an entry is in.
const (
	PhaseCopy       = "copy"
	PhaseDownload   = "download"
	PhaseUpload     = "upload"
	PhaseMirror     = "mirror"
	PhaseFXP        = "fxp"
	PhaseSpool      = "spool"
	PhaseServerCopy = "server-copy"
	PhaseRename     = "rename"
	PhaseDelete     = "delete"
	PhaseMkdir      = "mkdir"
)

// maxNameAttempts bounds the " (n)" suffixes tried for a self-copy.
const maxNameAttempts = 1000

// execution is the state of one job run.
type execution struct {
	e   *Engine
	job *jobs.Job
	op  *Operation
	src *side
	dst *side
	log *zap.Logger

	// moved records the tree copy of the directory being moved.
	moved *movedTree
}

// movedTree lists what a tree copy carried over from a move source, so the
// source can be pruned without deleting entries the walk skipped.
type movedTree struct {
	files   []string
	dirs    []string
	skipped int
}

// Execute runs op on behalf of job. Entries are processed one at a time
// in request order; the first failing entry fails the job.
func (e *Engine) Execute(ctx context.Context, job *jobs.Job, op *Operation) error {
	if e.spool != nil {
		e.spool.Sweep()
	}
	log := e.log.With(zap.String("job_id", job.ID), zap.String("op", string(op.Op)))

	x := &execution{e: e, job: job, op: op, log: log}
	var err error
	if x.src, err = e.open(ctx, op.Src); err != nil {
		return err
	}
	defer x.src.close()
	if op.Op != jobs.OpDelete {
		if x.dst, err = e.open(ctx, op.Dst); err != nil {
			return err
		}
		defer x.dst.close()
	}

	job.SetTotals(len(op.Sources), op.BytesTotal)
	for _, s := range op.Sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		job.SetCurrent(s.Path, s.Name, s.IsDir, x.firstPhase())

		if op.Op == jobs.OpDelete {
			err = x.remove(ctx, s)
		} else {
			err = x.transfer(ctx, s)
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("entry failed", zap.String("path", s.Path), zap.String("code", jobs.CodeOf(err)), zap.Error(err))
			}
			return err
		}
		job.EntryDone()
	}
	return nil
}

func (x *execution) firstPhase() string {
	switch {
	case x.op.Op == jobs.OpDelete:
		return PhaseDelete
	case x.op.Src.Remote() && x.op.Dst.Remote():
		return PhaseSpool
	case x.op.Src.Remote():
		return PhaseDownload
	case x.op.Dst.Remote():
		return PhaseUpload
	}
	return PhaseCopy
}

// processed accounts an entry that completed without streaming through
// this process.
func (x *execution) processed(s SourceEntry) {
	if !s.IsDir {
		x.job.AddBytes(s.Size)
	}
}

// sourceInfo re-probes the source right before it is used. Entries whose
// earlier probe was inconclusive get their kind and size filled in.
func (x *execution) sourceInfo(ctx context.Context, s *SourceEntry) (provider.FileInfo, error) {
	info, err := x.src.fs.Stat(ctx, s.Path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return nil, newError(CodeNotFound, "%s no longer exists", s.Path)
	case s.Known:
		x.log.Debug("source probe failed, using earlier result", zap.String("path", s.Path), zap.Error(err))
		return provider.NewFileInfo(s.Name, s.Size, s.IsDir, time.Time{}), nil
	default:
		return nil, wrap(CodeNotFound, err, "stat %s", s.Path)
	}
	if !s.Known {
		s.IsDir, s.Size, s.Known = info.IsDir(), sizeOf(info.IsDir(), info.Size()), true
		if !s.IsDir {
			x.job.AddBytesTotal(s.Size)
		}
	}
	return info, nil
}

func (x *execution) transfer(ctx context.Context, s SourceEntry) error {
	info, err := x.sourceInfo(ctx, &s)
	if err != nil {
		return err
	}

	sameSide := x.op.Src.Same(x.op.Dst)
	target := x.targetFor(s)
	switch {
	case x.sameEntry(s.Path, target):
		if x.op.Op == jobs.OpMove {
			x.log.Debug("move onto itself, nothing to do", zap.String("path", s.Path))
			x.processed(s)
			return nil
		}
		if target, err = x.uniqueTarget(ctx, target, s.IsDir); err != nil {
			return err
		}
	case sameSide && s.IsDir && x.within(s.Path, target):
		return newError(CodeDstInsideSrc, "cannot %s %s into itself", x.op.Op, s.Path)
	}

	existing, exists, err := x.dst.stat(ctx, target)
	if err != nil {
		return wrap(x.failCode(s), err, "stat %s", target)
	}
	replace := false
	if exists {
		d, err := x.decide(s, target)
		if err != nil {
			return err
		}
		if d == DecisionSkip {
			x.log.Info("skipping existing destination", zap.String("path", target))
			x.processed(s)
			return nil
		}
		if replace, err = x.clearTarget(ctx, s, target, existing); err != nil {
			return err
		}
	}

	if x.op.Op == jobs.OpMove && s.IsDir {
		x.moved = &movedTree{}
		defer func() { x.moved = nil }()
	}
	if x.op.Op == jobs.OpMove && sameSide {
		return x.rename(ctx, s, info, target, replace)
	}
	if err := x.copyEntry(ctx, s, info, target, replace); err != nil {
		return err
	}
	if x.op.Op == jobs.OpMove {
		return x.removeSource(ctx, s)
	}
	return nil
}

// failCode is the generic failure code of the job's route.
func (x *execution) failCode(s SourceEntry) string {
	srcRemote, dstRemote := x.op.Src.Remote(), x.op.Dst.Remote()
	switch {
	case s.IsDir && (srcRemote || dstRemote):
		return CodeMirrorFailed
	case srcRemote && !dstRemote:
		return CodeDownloadFailed
	case dstRemote:
		return CodeUploadFailed
	}
	return CodeCopyFailed
}

// clearTarget removes an existing destination that cannot be replaced by a
// rename. It reports whether a file still occupies target afterwards.
func (x *execution) clearTarget(ctx context.Context, s SourceEntry, target string, existing provider.FileInfo) (bool, error) {
	if !existing.IsDir() && !s.IsDir {
		return true, nil
	}
	x.job.SetPhase(PhaseDelete)
	if err := x.dst.fs.Remove(ctx, target, existing.IsDir()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, wrap(CodeDeleteFailed, err, "remove existing %s", target)
	}
	return false, nil
}

// uniqueTarget picks the first free "name (n)" next to target. Files keep
// their extension after the suffix; directories and dotfiles do not.
func (x *execution) uniqueTarget(ctx context.Context, target string, isDir bool) (string, error) {
	dir, name := x.dst.split(target)
	stem, ext := name, ""
	if !isDir {
		if e := path.Ext(name); e != name {
			ext = e
			stem = strings.TrimSuffix(name, e)
		}
	}
	for n := 2; n <= maxNameAttempts; n++ {
		candidate := x.dst.join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		_, exists, err := x.dst.stat(ctx, candidate)
		if err != nil {
			return "", wrap(x.failCode(SourceEntry{IsDir: isDir}), err, "stat %s", candidate)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", newError(CodeNameExhausted, "no free name for %s after %d attempts", target, maxNameAttempts)
}

// rename moves an entry within one endpoint.
func (x *execution) rename(ctx context.Context, s SourceEntry, info provider.FileInfo, target string, occupied bool) error {
	x.job.SetPhase(PhaseRename)
	if err := x.ensureParent(ctx, x.src, target); err != nil {
		return err
	}

	err := x.src.fs.Rename(ctx, s.Path, target)
	if err != nil && occupied && x.src.remote() && !renameReplaces(x.src.fs) && ctx.Err() == nil {
		// The server refused to rename over the existing file.
		if rerr := x.src.fs.Remove(ctx, target, false); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return wrap(CodeMoveFailed, rerr, "remove existing %s", target)
		}
		err = x.src.fs.Rename(ctx, s.Path, target)
	}
	if err == nil {
		x.processed(s)
		return nil
	}
	if !x.src.remote() && errors.Is(err, provider.ErrCrossDevice) {
		x.log.Info("rename crosses filesystems, copying instead", zap.String("path", s.Path))
		if err := x.copyEntry(ctx, s, info, target, occupied); err != nil {
			return err
		}
		return x.removeSource(ctx, s)
	}
	return wrap(CodeMoveFailed, err, "rename %s to %s", s.Path, target)
}

func renameReplaces(p provider.Provider) bool {
	rr, ok := p.(provider.ReplacingRenamer)
	return ok && rr.RenameReplaces()
}

// removeSource finishes a move once the copy fully succeeded.
func (x *execution) removeSource(ctx context.Context, s SourceEntry) error {
	x.job.SetPhase(PhaseDelete)
	if s.IsDir && x.moved != nil && x.moved.skipped > 0 {
		return x.pruneSource(ctx, s)
	}
	if err := x.src.fs.Remove(ctx, s.Path, s.IsDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrap(CodeDeleteFailed, err, "remove source %s", s.Path)
	}
	return nil
}

// pruneSource deletes only the copied part of a moved tree. Symlinks the
// copy skipped stay where they are, together with the directories holding
// them.
func (x *execution) pruneSource(ctx context.Context, s SourceEntry) error {
	for _, p := range x.moved.files {
		if err := x.src.fs.Remove(ctx, p, false); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return wrap(CodeDeleteFailed, err, "remove source %s", p)
		}
	}
	dirs := append([]string{s.Path}, x.moved.dirs...)
	for i := len(dirs) - 1; i >= 0; i-- {
		// Fails on directories that still hold a skipped link.
		_ = x.src.fs.Remove(ctx, dirs[i], false)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	x.log.Warn("symlinks were not moved and remain at the source",
		zap.String("path", s.Path), zap.Int("symlinks", x.moved.skipped))
	return nil
}

// remove deletes one entry. A path that is already gone counts as deleted.
func (x *execution) remove(ctx context.Context, s SourceEntry) error {
	isDir := s.IsDir
	if !s.Known {
		info, err := x.src.fs.Stat(ctx, s.Path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err == nil {
			isDir = info.IsDir()
		}
	}
	err := x.src.fs.Remove(ctx, s.Path, isDir)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		x.processed(s)
		return nil
	}
	return wrap(CodeDeleteFailed, err, "delete %s", s.Path)
}

// ensureParent creates the directory holding target. Remote mkdir is best
// effort since the following write reports the real failure.
func (x *execution) ensureParent(ctx context.Context, to *side, target string) error {
	dir, _ := to.split(target)
	err := to.fs.MkdirAll(ctx, dir)
	if err == nil {
		return nil
	}
	if to.remote() && ctx.Err() == nil {
		x.log.Debug("remote mkdir failed", zap.String("path", dir), zap.Error(err))
		return nil
	}
	return wrap(CodeMkdirFailed, err, "create %s", dir)
}
