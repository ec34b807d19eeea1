package engine

import (
	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/session"
)

// Target selects the kind of an endpoint.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// EndpointSpec is one side of a request as the client sends it. Sources
// are either Path or Cwd plus Names.
type EndpointSpec struct {
	Target Target   `json:"target"`
	SID    string   `json:"sid,omitempty"`
	Path   string   `json:"path,omitempty"`
	Cwd    string   `json:"cwd,omitempty"`
	Names  []string `json:"names,omitempty"`
	// IsDir forces directory semantics on a destination.
	IsDir bool `json:"is_dir,omitempty"`
}

// Policy is the overwrite policy of a request.
type Policy string

const (
	PolicyReplace Policy = "replace"
	PolicySkip    Policy = "skip"
	PolicyAsk     Policy = "ask"
)

// Decision resolves a single conflict.
type Decision string

const (
	DecisionNone    Decision = ""
	DecisionReplace Decision = "replace"
	DecisionSkip    Decision = "skip"
)

// Options govern conflicts and verification.
type Options struct {
	Overwrite Policy `json:"overwrite,omitempty"`
	// Decisions are keyed by source path, destination path or source name.
	Decisions map[string]Decision `json:"decisions,omitempty"`
	Default   Decision            `json:"default,omitempty"`
	// Verify re-reads files written to the local filesystem and compares
	// checksums before they are renamed into place.
	Verify bool `json:"verify,omitempty"`
}

// Request is a job submission.
type Request struct {
	Op      jobs.Op       `json:"op"`
	Src     EndpointSpec  `json:"src"`
	Dst     *EndpointSpec `json:"dst,omitempty"`
	Options Options       `json:"options"`
	DryRun  bool          `json:"dry_run,omitempty"`
}

// Endpoint is a resolved side of an operation.
type Endpoint struct {
	Kind    Target
	SID     string
	Session *session.Descriptor
}

// Remote reports whether e is a remote session.
func (e Endpoint) Remote() bool { return e.Kind == TargetRemote }

// Same reports whether both endpoints address the same filesystem.
func (e Endpoint) Same(o Endpoint) bool {
	return e.Kind == o.Kind && e.SID == o.SID
}

func (e Endpoint) String() string {
	if e.Remote() {
		if e.Session != nil {
			return string(e.Session.Protocol) + "://" + e.Session.Host
		}
		return "remote:" + e.SID
	}
	return "local"
}

// SourceEntry is one concrete source of an operation.
type SourceEntry struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
	// Known is false when a remote probe was inconclusive; the entry is
	// probed again before execution.
	Known bool `json:"known"`
}

// Destination is the resolved destination of a copy or move.
type Destination struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// Operation is a normalized request ready for planning and execution.
type Operation struct {
	Op         jobs.Op
	Src        Endpoint
	Dst        Endpoint
	Sources    []SourceEntry
	Dest       Destination
	Options    Options
	BytesTotal int64
}

// Conflict is a destination that already exists.
type Conflict struct {
	SrcPath  string `json:"src_path"`
	DstPath  string `json:"dst_path"`
	Name     string `json:"name"`
	IsDir    bool   `json:"is_dir"`
	DstIsDir bool   `json:"dst_is_dir"`
}
