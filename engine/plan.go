package engine

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/franksops/fileops/jobs"
)

// Plan lists the destinations of op that already exist. Entries copied or
// moved onto themselves never conflict. Nothing is modified.
func (e *Engine) Plan(ctx context.Context, op *Operation) ([]Conflict, error) {
	if op.Op == jobs.OpDelete {
		return nil, nil
	}

	p := &prober{e: e, conns: make(map[string]*side)}
	defer p.close()

	src, err := p.side(ctx, op.Src)
	if err != nil {
		return nil, err
	}
	dst, err := p.side(ctx, op.Dst)
	if err != nil {
		return nil, err
	}
	x := &execution{e: e, op: op, src: src, dst: dst, log: e.log}

	var conflicts []Conflict
	for _, s := range op.Sources {
		target := x.targetFor(s)
		if x.sameEntry(s.Path, target) {
			continue
		}
		info, exists, err := dst.stat(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Debug("conflict probe failed", zap.String("path", target), zap.Error(err))
			continue
		}
		if exists {
			conflicts = append(conflicts, Conflict{
				SrcPath:  s.Path,
				DstPath:  target,
				Name:     s.Name,
				IsDir:    s.IsDir,
				DstIsDir: info.IsDir(),
			})
		}
	}
	return conflicts, nil
}

// targetFor is the concrete destination of one source entry.
func (x *execution) targetFor(s SourceEntry) string {
	d := x.op.Dest
	if !d.IsDir {
		return d.Path
	}
	if x.sameEntry(s.Path, d.Path) {
		return s.Path
	}
	return x.dst.join(d.Path, s.Name)
}

// sameEntry reports whether a and b name the same entry on the shared
// endpoint. Local entries compare device and inode; remote entries compare
// cleaned paths within one session.
func (x *execution) sameEntry(a, b string) bool {
	if !x.op.Src.Same(x.op.Dst) {
		return false
	}
	if x.op.Src.Remote() {
		return x.dst.clean(a) == x.dst.clean(b)
	}
	return x.e.local.SameFile(a, b)
}

// within reports whether target lies strictly below dir.
func (x *execution) within(dir, target string) bool {
	if x.op.Dst.Remote() {
		dir, target = x.dst.clean(dir), x.dst.clean(target)
		return strings.HasPrefix(target, strings.TrimSuffix(dir, "/")+"/")
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// decide resolves an existing destination. Replace and Skip apply to
// every entry; Ask consults the decisions by source path, destination path
// and name, then the default.
func (x *execution) decide(s SourceEntry, target string) (Decision, error) {
	o := x.op.Options
	switch o.Overwrite {
	case PolicyReplace:
		return DecisionReplace, nil
	case PolicySkip:
		return DecisionSkip, nil
	}
	for _, key := range []string{s.Path, target, s.Name} {
		if d, ok := o.Decisions[key]; ok && d != DecisionNone {
			return d, nil
		}
	}
	if o.Default != DecisionNone {
		return o.Default, nil
	}
	return DecisionNone, newError(CodeNeedsDecision, "%s exists and no decision was given", target)
}
