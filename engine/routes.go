package engine

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franksops/fileops/metrics"
	"github.com/franksops/fileops/provider"
)

// Route labels for transfer metrics.
const (
	routeLocal      = "local-local"
	routeDownload   = "remote-local"
	routeUpload     = "local-remote"
	routeSpool      = "spool"
	routeDirect     = "fxp"
	routeServerCopy = "server-copy"
)

// copyOpts controls one file or tree copy.
type copyOpts struct {
	route string
	// replace allows an existing file at the target to be overwritten.
	replace bool
	// count reports streamed bytes to the job.
	count bool
	// discover adds the sizes of walked files to the job total.
	discover bool
	// limit charges every byte read against a spool reservation.
	limit *Reservation
}

// copyEntry dispatches on the endpoint kinds of the job.
func (x *execution) copyEntry(ctx context.Context, s SourceEntry, info provider.FileInfo, target string, replace bool) error {
	srcRemote, dstRemote := x.src.remote(), x.dst.remote()
	switch {
	case !srcRemote && !dstRemote:
		return x.copyDirect(ctx, s, info, target, PhaseCopy, PhaseCopy, copyOpts{route: routeLocal, replace: replace, count: true, discover: true})
	case srcRemote && !dstRemote:
		return x.copyDirect(ctx, s, info, target, PhaseDownload, PhaseMirror, copyOpts{route: routeDownload, replace: replace, count: true, discover: true})
	case !srcRemote && dstRemote:
		return x.copyDirect(ctx, s, info, target, PhaseUpload, PhaseMirror, copyOpts{route: routeUpload, replace: replace, count: true, discover: true})
	case x.op.Src.SID == x.op.Dst.SID:
		return x.sameSession(ctx, s, info, target, replace)
	default:
		return x.crossSession(ctx, s, info, target, replace)
	}
}

// copyDirect streams between the two opened sides without staging.
func (x *execution) copyDirect(ctx context.Context, s SourceEntry, info provider.FileInfo, target, filePhase, dirPhase string, o copyOpts) error {
	code := x.failCode(s)
	if s.IsDir {
		x.job.SetPhase(dirPhase)
		return wrap(code, x.copyTree(ctx, x.src, s.Path, x.dst, target, o), "copy %s to %s", s.Path, target)
	}
	x.job.SetPhase(filePhase)
	if err := x.checkSpace(ctx, x.dst, target, s.Size); err != nil {
		return err
	}
	return wrap(code, x.copyFile(ctx, x.src, s.Path, x.dst, target, info, o), "copy %s to %s", s.Path, target)
}

// sameSession tries a server-side copy for files before spooling.
func (x *execution) sameSession(ctx context.Context, s SourceEntry, info provider.FileInfo, target string, replace bool) error {
	if sc, ok := x.src.fs.(provider.ServerCopier); ok && !s.IsDir {
		x.job.SetPhase(PhaseServerCopy)
		err := x.serverCopy(ctx, sc, s, target, replace)
		if err == nil {
			x.processed(s)
			metrics.AddBytes(routeServerCopy, s.Size)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		x.log.Info("server-side copy unavailable, spooling", zap.String("path", s.Path), zap.Error(err))
	}
	return x.spoolCopy(ctx, s, info, target, replace)
}

func (x *execution) serverCopy(ctx context.Context, sc provider.ServerCopier, s SourceEntry, target string, replace bool) error {
	if err := x.ensureParent(ctx, x.dst, target); err != nil {
		return err
	}
	if aw, ok := x.src.fs.(provider.AtomicWriter); ok && aw.AtomicWrites() {
		return sc.ServerCopy(ctx, s.Path, target)
	}
	tmp := x.tempName(x.dst, target)
	if err := sc.ServerCopy(ctx, s.Path, tmp); err != nil {
		x.discard(ctx, x.dst, tmp, false)
		return err
	}
	return x.commit(ctx, x.dst, tmp, target, replace)
}

// crossSession tries a direct server-to-server transfer before spooling.
func (x *execution) crossSession(ctx context.Context, s SourceEntry, info provider.FileInfo, target string, replace bool) error {
	if x.e.direct != nil && x.e.direct.Supports(x.src.desc, x.dst.desc) {
		x.job.SetPhase(PhaseFXP)
		err := x.fxp(ctx, s, target, replace)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		x.log.Warn("direct transfer failed, spooling", zap.String("path", s.Path), zap.Error(err))
	}
	return x.spoolCopy(ctx, s, info, target, replace)
}

func (x *execution) fxp(ctx context.Context, s SourceEntry, target string, replace bool) error {
	if s.IsDir {
		_, existed, _ := x.dst.stat(ctx, target)
		err := x.pollDirect(ctx, s, target)
		if err != nil && !existed {
			x.discard(ctx, x.dst, target, true)
		}
		return err
	}
	if err := x.ensureParent(ctx, x.dst, target); err != nil {
		return err
	}
	tmp := x.tempName(x.dst, target)
	if err := x.pollDirect(ctx, s, tmp); err != nil {
		x.discard(ctx, x.dst, tmp, false)
		return err
	}
	return x.commit(ctx, x.dst, tmp, target, replace)
}

// pollDirect runs the direct transfer and samples the destination size for
// progress while it is in flight.
func (x *execution) pollDirect(ctx context.Context, s SourceEntry, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- x.e.direct.Transfer(ctx, x.src.desc, x.dst.desc, s.Path, target, s.IsDir)
	}()

	ticker := time.NewTicker(x.e.cfg.DirectPollInterval)
	defer ticker.Stop()

	var reported int64
	for {
		select {
		case err := <-done:
			if err != nil {
				x.job.AddBytes(-reported)
				return err
			}
			if !s.IsDir {
				x.job.AddBytes(s.Size - reported)
				metrics.AddBytes(routeDirect, s.Size)
			}
			return nil
		case <-ticker.C:
			if s.IsDir {
				continue
			}
			if info, err := x.dst.fs.Stat(ctx, target); err == nil && info.Size() > reported && info.Size() <= s.Size {
				x.job.AddBytes(info.Size() - reported)
				reported = info.Size()
			}
		}
	}
}

// spoolCopy downloads into a private spool directory, then uploads from it.
// Bytes are reported on the upload leg only.
func (x *execution) spoolCopy(ctx context.Context, s SourceEntry, info provider.FileInfo, target string, replace bool) error {
	if x.e.spool == nil {
		return newError(CodeRouteNotSupported, "no spool configured for %s to %s", x.op.Src, x.op.Dst)
	}
	x.job.SetPhase(PhaseSpool)
	res, err := x.e.spool.Reserve(ctx, s.Size)
	if err != nil {
		return err
	}
	defer res.Release()

	local := x.e.localSide()
	staged := filepath.Join(res.Dir(), "data")

	if s.IsDir {
		if err := x.copyTree(ctx, x.src, s.Path, local, staged, copyOpts{discover: true, limit: res}); err != nil {
			return wrap(CodeMirrorFailed, err, "spool %s", s.Path)
		}
		x.job.SetPhase(PhaseUpload)
		return wrap(CodeMirrorFailed, x.copyTree(ctx, local, staged, x.dst, target, copyOpts{route: routeSpool, count: true}),
			"upload %s", target)
	}

	if err := x.copyFile(ctx, x.src, s.Path, local, staged, info, copyOpts{limit: res}); err != nil {
		return wrap(CodeDownloadFailed, err, "spool %s", s.Path)
	}
	x.job.SetPhase(PhaseUpload)
	if err := x.checkSpace(ctx, x.dst, target, s.Size); err != nil {
		return err
	}
	return wrap(CodeUploadFailed, x.copyFile(ctx, local, staged, x.dst, target, info, copyOpts{route: routeSpool, replace: replace, count: true}),
		"upload %s", target)
}

// copyTree recreates root below dstRoot. A destination root created here is
// removed again when the copy fails.
func (x *execution) copyTree(ctx context.Context, from *side, root string, to *side, dstRoot string, o copyOpts) error {
	_, existed, _ := to.stat(ctx, dstRoot)
	if err := to.fs.MkdirAll(ctx, dstRoot); err != nil {
		return wrap(CodeMkdirFailed, err, "create %s", dstRoot)
	}

	// Only the walk over the move source itself is recorded; the upload
	// leg of a spooled move reads from the spool.
	rec := x.moved
	if from != x.src {
		rec = nil
	}

	w := from.walker()
	w.Skipped = func(rel string) {
		x.log.Info("skipping symlink", zap.String("root", root), zap.String("path", rel))
		if rec != nil {
			rec.skipped++
		}
	}
	err := w.Walk(ctx, root, func(rel string, info provider.FileInfo) error {
		source, target := from.join(root, rel), to.join(dstRoot, rel)
		if info.IsDir() {
			if err := to.fs.MkdirAll(ctx, target); err != nil {
				return wrap(CodeMkdirFailed, err, "create %s", target)
			}
			if rec != nil {
				rec.dirs = append(rec.dirs, source)
			}
			return nil
		}
		if o.discover {
			x.job.AddBytesTotal(info.Size())
		}
		if err := x.copyFile(ctx, from, source, to, target, info, o); err != nil {
			return err
		}
		if rec != nil {
			rec.files = append(rec.files, source)
		}
		return nil
	})
	if err != nil && !existed {
		x.discard(ctx, to, dstRoot, true)
	}
	return err
}

// copyFile streams one file. The target only ever appears complete.
func (x *execution) copyFile(ctx context.Context, from *side, fromPath string, to *side, target string, info provider.FileInfo, o copyOpts) error {
	rc, err := x.openRead(ctx, from, fromPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	var r io.Reader = rc
	if o.limit != nil {
		r = o.limit.Reader(r)
	}
	var sink ByteSink
	route := ""
	if o.count {
		sink, route = x.job, o.route
	}
	if to.remote() {
		return x.writeRemote(ctx, to, target, info, r, sink, route, o.replace)
	}
	return x.writeLocal(ctx, target, info, r, sink, route)
}

// openRead opens a source file. Remote readers are closed as soon as ctx
// ends so a stalled connection cannot hold the job.
func (x *execution) openRead(ctx context.Context, s *side, p string) (io.ReadCloser, error) {
	rc, err := s.fs.OpenRead(ctx, p)
	if err != nil {
		return nil, err
	}
	if !s.remote() {
		return rc, nil
	}
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	return &stopCloser{ReadCloser: rc, stop: stop}, nil
}

type stopCloser struct {
	io.ReadCloser
	stop func() bool
}

func (c *stopCloser) Close() error {
	if !c.stop() {
		// Already closed by cancellation, or closed before.
		return nil
	}
	return c.ReadCloser.Close()
}

// writeLocal streams into a hidden sibling of target and renames it into
// place once every byte landed.
func (x *execution) writeLocal(ctx context.Context, target string, info provider.FileInfo, r io.Reader, sink ByteSink, route string) error {
	tmp, err := x.e.local.CreateTemp(target, info)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var sum *ChecksumReader
	if x.op.Options.Verify {
		sum = NewChecksumReader(r)
		r = sum
	}

	tw := NewTrackedWriter(tmp, sink, route, DefaultCheckpointConfig)
	_, err = x.e.buffers.Copy(ctx, tw, r)
	tw.Flush()
	if err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if sum != nil {
		buf := x.e.buffers.Get()
		err := x.e.checksums.VerifyFile(tmpPath, sum.Checksum(), sum.BytesRead(), *buf)
		x.e.buffers.Put(buf)
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	x.e.local.Finalize(tmpPath, info)
	if err := os.Rename(tmpPath, target); err != nil {
		return err
	}
	committed = true
	return nil
}

// writeRemote uploads to a hidden sibling and renames it over target.
// Backends with atomic writes are written in place.
func (x *execution) writeRemote(ctx context.Context, to *side, target string, info provider.FileInfo, r io.Reader, sink ByteSink, route string, replace bool) error {
	if err := x.ensureParent(ctx, to, target); err != nil {
		return err
	}
	if aw, ok := to.fs.(provider.AtomicWriter); ok && aw.AtomicWrites() {
		return x.put(ctx, to, target, info, r, sink, route)
	}

	tmp := x.tempName(to, target)
	if err := x.put(ctx, to, tmp, info, r, sink, route); err != nil {
		x.discard(ctx, to, tmp, false)
		return err
	}
	return x.commit(ctx, to, tmp, target, replace)
}

func (x *execution) put(ctx context.Context, to *side, p string, info provider.FileInfo, r io.Reader, sink ByteSink, route string) error {
	w, err := to.fs.OpenWrite(ctx, p, info)
	if err != nil {
		return err
	}
	abort := func(cause error) {
		if a, ok := w.(provider.Aborter); ok {
			a.Abort(cause)
			return
		}
		_ = w.Close()
	}
	stop := context.AfterFunc(ctx, func() { abort(context.Canceled) })

	tw := NewTrackedWriter(w, sink, route, DefaultCheckpointConfig)
	_, err = x.e.buffers.Copy(ctx, tw, r)
	tw.Flush()

	if !stop() {
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
	if err != nil {
		abort(err)
		return err
	}
	return w.Close()
}

// commit renames tmp over target. Servers that refuse to rename onto an
// existing file get the target removed first, but only when replacing was
// decided.
func (x *execution) commit(ctx context.Context, to *side, tmp, target string, replace bool) error {
	err := to.fs.Rename(ctx, tmp, target)
	if err != nil && replace && !renameReplaces(to.fs) && ctx.Err() == nil {
		if rmErr := to.fs.Remove(ctx, target, false); rmErr == nil || errors.Is(rmErr, fs.ErrNotExist) {
			err = to.fs.Rename(ctx, tmp, target)
		}
	}
	if err != nil {
		x.discard(ctx, to, tmp, false)
		return err
	}
	return nil
}

func (x *execution) tempName(to *side, target string) string {
	dir, name := to.split(target)
	return to.join(dir, "."+name+".part-"+uuid.NewString()[:8])
}

// discard removes a partial result, even after cancellation.
func (x *execution) discard(ctx context.Context, to *side, p string, recursive bool) {
	err := to.fs.Remove(context.WithoutCancel(ctx), p, recursive)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		x.log.Warn("failed to remove partial transfer", zap.String("path", p), zap.Error(err))
	}
}

// checkSpace compares need with the free space at target's directory.
// Unknown free space passes unless the engine requires it.
func (x *execution) checkSpace(ctx context.Context, to *side, target string, need int64) error {
	if need <= 0 {
		return nil
	}
	err := provider.ErrUnsupported
	var free int64
	if sr, ok := to.fs.(provider.SpaceReporter); ok {
		dir, _ := to.split(target)
		free, err = sr.FreeSpace(ctx, dir)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if x.e.cfg.RequireFreeSpace {
			return wrap(CodeNoSpace, err, "free space unknown on %s", to.ep)
		}
		x.log.Debug("free space unknown, continuing", zap.Stringer("endpoint", to.ep), zap.Error(err))
		return nil
	}
	if free < need {
		return newError(CodeNoSpace, "%s needs %d bytes, %d free on %s", target, need, free, to.ep)
	}
	return nil
}
