package engine

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/session"
)

func spoolEntries(t *testing.T, s *Spool) int {
	t.Helper()
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("read spool: %v", err)
	}
	return len(entries)
}

func noPartialsRemote(t *testing.T, m *memFS, dir string) {
	t.Helper()
	for _, p := range m.paths(dir) {
		if strings.Contains(p, ".part-") {
			t.Errorf("leftover temporary %s", p)
		}
	}
}

func TestUploadAndDownload(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	m := newMemFS()
	h.sessions.add("s1", session.ProtocolSFTP, m, false)

	src := h.write("up.txt", "upload me")
	snap := h.run(Request{Op: jobs.OpMove, Src: localEP(src), Dst: remoteDst("s1", "/inbox/")})
	h.expectDone(snap)
	if got, ok := m.get("/inbox/up.txt"); !ok || string(got) != "upload me" {
		t.Errorf("remote file = %q, %v", got, ok)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("moved source still present")
	}
	if snap.Progress.BytesDone != int64(len("upload me")) {
		t.Errorf("bytes_done = %d", snap.Progress.BytesDone)
	}
	noPartialsRemote(t, m, "/inbox")

	m.put("/tree/a.txt", []byte("a"))
	m.put("/tree/sub/b.txt", []byte("bb"))
	m.mkdir("/tree/empty")
	snap = h.run(Request{Op: jobs.OpCopy, Src: remoteEP("s1", "/tree"), Dst: localDst(h.path("dl") + "/")})
	h.expectDone(snap)
	if got := h.read(h.path("dl", "tree", "sub", "b.txt")); got != "bb" {
		t.Errorf("downloaded b.txt = %q", got)
	}
	if info, err := os.Stat(h.path("dl", "tree", "empty")); err != nil || !info.IsDir() {
		t.Errorf("empty directory missing: %v", err)
	}
	if snap.Progress.BytesTotal != 3 || snap.Progress.BytesDone != 3 {
		t.Errorf("expected 3/3 bytes, got %d/%d", snap.Progress.BytesDone, snap.Progress.BytesTotal)
	}
	assertNoPartials(t, h.root)
}

func TestUploadReplacesOnStrictServer(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	m := newMemFS()
	m.refuseRenameOver = true
	m.put("/f.txt", []byte("old"))
	h.sessions.add("s1", session.ProtocolFTP, m, false)

	src := h.write("f.txt", "new")
	h.expectDone(h.run(Request{Op: jobs.OpCopy, Src: localEP(src), Dst: remoteDst("s1", "/"), Options: Options{Overwrite: PolicyReplace}}))
	if got, _ := m.get("/f.txt"); string(got) != "new" {
		t.Errorf("remote file = %q", got)
	}
	noPartialsRemote(t, m, "/")
}

func TestUploadRequiresFreeSpace(t *testing.T) {
	h := newHarness(t, harnessOpts{requireSpace: true})
	m := newMemFS()
	h.sessions.add("s1", session.ProtocolFTP, m, false)

	src := h.write("f.txt", "data")
	snap := h.run(Request{Op: jobs.OpCopy, Src: localEP(src), Dst: remoteDst("s1", "/f.txt")})
	if snap.State != jobs.StateError || snap.Error != CodeNoSpace {
		t.Fatalf("expected %s, got %s/%s", CodeNoSpace, snap.State, snap.Error)
	}
	if _, ok := m.get("/f.txt"); ok {
		t.Errorf("file uploaded despite failed space check")
	}
}

func TestRemoteMoveWithinSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	m := newMemFS()
	m.refuseRenameOver = true
	m.put("/a.txt", []byte("a"))
	m.put("/b.txt", []byte("b"))
	h.sessions.add("s1", session.ProtocolFTP, m, false)

	h.expectDone(h.run(Request{Op: jobs.OpMove, Src: remoteEP("s1", "/a.txt"), Dst: remoteDst("s1", "/b.txt"), Options: Options{Overwrite: PolicyReplace}}))
	if got, _ := m.get("/b.txt"); string(got) != "a" {
		t.Errorf("b.txt = %q", got)
	}
	if _, ok := m.get("/a.txt"); ok {
		t.Errorf("a.txt still present")
	}

	// Same path on the same session is a no-op.
	h.expectDone(h.run(Request{Op: jobs.OpMove, Src: remoteEP("s1", "/b.txt"), Dst: remoteDst("s1", "/./b.txt")}))
	if got, _ := m.get("/b.txt"); string(got) != "a" {
		t.Errorf("b.txt touched by no-op move: %q", got)
	}
}

func TestRemoteMoveKeepsTargetWhenRenameFails(t *testing.T) {
	tests := []struct {
		name      string
		replacing bool
		keepsOld  bool
	}{
		{"replacing rename", true, true},
		{"strict server", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			m := newMemFS()
			m.replacingRename = tt.replacing
			m.renameErr = errors.New("permission denied")
			m.put("/a.txt", []byte("a"))
			m.put("/b.txt", []byte("b"))
			h.sessions.add("s1", session.ProtocolSFTP, m, false)

			snap := h.run(Request{Op: jobs.OpMove, Src: remoteEP("s1", "/a.txt"), Dst: remoteDst("s1", "/b.txt"), Options: Options{Overwrite: PolicyReplace}})
			if snap.State != jobs.StateError || snap.Error != CodeMoveFailed {
				t.Fatalf("expected %s, got %s/%s", CodeMoveFailed, snap.State, snap.Error)
			}
			if _, ok := m.get("/a.txt"); !ok {
				t.Errorf("source lost after failed rename")
			}
			// A server whose rename replaces the target never needs it
			// removed up front.
			if _, ok := m.get("/b.txt"); ok != tt.keepsOld {
				t.Errorf("b.txt present = %v, want %v", ok, tt.keepsOld)
			}
		})
	}
}

func TestRemoteSelfCopyAndDelete(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	m := newMemFS()
	m.put("/docs/r.txt", []byte("report"))
	m.put("/docs/old/x", []byte("x"))
	h.sessions.add("s1", session.ProtocolSFTP, m, false)

	h.expectDone(h.run(Request{Op: jobs.OpCopy, Src: remoteEP("s1", "/docs/r.txt"), Dst: remoteDst("s1", "/docs")}))
	if got, _ := m.get("/docs/r (2).txt"); string(got) != "report" {
		t.Errorf("self copy = %q", got)
	}

	snap := h.run(Request{Op: jobs.OpDelete, Src: EndpointSpec{Target: TargetRemote, SID: "s1", Cwd: "/docs", Names: []string{"old", "r.txt"}}})
	h.expectDone(snap)
	if m.isDir("/docs/old") {
		t.Errorf("directory not deleted")
	}
	if _, ok := m.get("/docs/r.txt"); ok {
		t.Errorf("file not deleted")
	}
}

func TestServerSideCopy(t *testing.T) {
	h := newHarness(t, harnessOpts{noSpool: true})
	m := newMemFS()
	m.put("/data/a.txt", []byte("server copy"))
	h.sessions.add("s1", session.ProtocolSFTP, m, true)

	snap := h.run(Request{Op: jobs.OpCopy, Src: remoteEP("s1", "/data/a.txt"), Dst: remoteDst("s1", "/backup/")})
	h.expectDone(snap)
	if got, _ := m.get("/backup/a.txt"); string(got) != "server copy" {
		t.Errorf("copy = %q", got)
	}
	if snap.Progress.BytesDone != int64(len("server copy")) {
		t.Errorf("bytes_done = %d", snap.Progress.BytesDone)
	}
	noPartialsRemote(t, m, "/backup")

	// Directories cannot be copied server-side and there is no spool.
	m.put("/data/dir/f", []byte("f"))
	snap = h.run(Request{Op: jobs.OpCopy, Src: remoteEP("s1", "/data/dir"), Dst: remoteDst("s1", "/backup/")})
	if snap.State != jobs.StateError || snap.Error != CodeRouteNotSupported {
		t.Errorf("expected %s, got %s/%s", CodeRouteNotSupported, snap.State, snap.Error)
	}
}

func TestSpoolBetweenSessions(t *testing.T) {
	h := newHarness(t, harnessOpts{spoolLimit: 1 << 20})
	a, b := newMemFS(), newMemFS()
	data := bytes.Repeat([]byte("s"), 4096)
	a.put("/src/file.bin", data)
	a.put("/src/dir/one", []byte("1"))
	a.put("/src/dir/deep/two", []byte("22"))
	h.sessions.add("a", session.ProtocolSFTP, a, false)
	h.sessions.add("b", session.ProtocolSFTP, b, false)

	snap := h.run(Request{
		Op:  jobs.OpCopy,
		Src: EndpointSpec{Target: TargetRemote, SID: "a", Cwd: "/src", Names: []string{"file.bin", "dir"}},
		Dst: remoteDst("b", "/dst"),
	})
	h.expectDone(snap)
	if got, _ := b.get("/dst/file.bin"); !bytes.Equal(got, data) {
		t.Errorf("spooled file differs (%d bytes)", len(got))
	}
	if got, _ := b.get("/dst/dir/deep/two"); string(got) != "22" {
		t.Errorf("spooled tree file = %q", got)
	}
	if snap.Progress.BytesDone != 4096+3 || snap.Progress.BytesTotal != 4096+3 {
		t.Errorf("expected %d bytes, got %d/%d", 4096+3, snap.Progress.BytesDone, snap.Progress.BytesTotal)
	}
	if n := spoolEntries(t, h.spool); n != 0 {
		t.Errorf("spool not cleaned: %d entries", n)
	}
	if h.spool.Usage() != 0 {
		t.Errorf("spool usage = %d", h.spool.Usage())
	}
	noPartialsRemote(t, b, "/dst")
}

func TestSpoolLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{spoolLimit: 1024})
	a, b := newMemFS(), newMemFS()
	a.put("/big.bin", bytes.Repeat([]byte("b"), 4096))
	a.put("/tree/x", bytes.Repeat([]byte("x"), 700))
	a.put("/tree/y", bytes.Repeat([]byte("y"), 700))
	h.sessions.add("a", session.ProtocolSFTP, a, false)
	h.sessions.add("b", session.ProtocolSFTP, b, false)

	// Known size above the cap is refused up front.
	snap := h.run(Request{Op: jobs.OpCopy, Src: remoteEP("a", "/big.bin"), Dst: remoteDst("b", "/big.bin")})
	if snap.State != jobs.StateError || snap.Error != CodeSpoolLimit {
		t.Fatalf("expected %s, got %s/%s", CodeSpoolLimit, snap.State, snap.Error)
	}
	if _, ok := b.get("/big.bin"); ok {
		t.Errorf("destination written")
	}

	// A directory grows its reservation until the cap stops it.
	snap = h.run(Request{Op: jobs.OpCopy, Src: remoteEP("a", "/tree"), Dst: remoteDst("b", "/")})
	if snap.State != jobs.StateError || snap.Error != CodeSpoolLimit {
		t.Fatalf("expected %s, got %s/%s", CodeSpoolLimit, snap.State, snap.Error)
	}
	if b.isDir("/tree") {
		t.Errorf("destination tree created")
	}
	if n := spoolEntries(t, h.spool); n != 0 {
		t.Errorf("spool not cleaned: %d entries", n)
	}
	if h.spool.Usage() != 0 {
		t.Errorf("spool usage = %d", h.spool.Usage())
	}
}

func TestDirectTransfer(t *testing.T) {
	h := newHarness(t, harnessOpts{noSpool: true, direct: true})
	a, b := newMemFS(), newMemFS()
	a.put("/pub/a.bin", []byte("fxp payload"))
	a.put("/pub/tree/f", []byte("f"))
	h.sessions.add("f1", session.ProtocolFTP, a, false)
	h.sessions.add("f2", session.ProtocolFTPS, b, false)

	snap := h.run(Request{Op: jobs.OpCopy, Src: remoteEP("f1", "/pub/a.bin"), Dst: remoteDst("f2", "/in/")})
	h.expectDone(snap)
	if got, _ := b.get("/in/a.bin"); string(got) != "fxp payload" {
		t.Errorf("fxp copy = %q", got)
	}
	if snap.Progress.BytesDone != int64(len("fxp payload")) {
		t.Errorf("bytes_done = %d", snap.Progress.BytesDone)
	}
	noPartialsRemote(t, b, "/in")

	h.expectDone(h.run(Request{Op: jobs.OpMove, Src: remoteEP("f1", "/pub/tree"), Dst: remoteDst("f2", "/in/")}))
	if got, _ := b.get("/in/tree/f"); string(got) != "f" {
		t.Errorf("fxp tree = %q", got)
	}
	if a.isDir("/pub/tree") {
		t.Errorf("moved tree still on source")
	}
	if h.direct.callCount() != 2 {
		t.Errorf("direct transfer used %d times", h.direct.callCount())
	}
}

func TestDirectTransferFallsBackToSpool(t *testing.T) {
	h := newHarness(t, harnessOpts{direct: true})
	h.direct.fail = errors.New("fxp refused")
	a, b := newMemFS(), newMemFS()
	a.put("/a.txt", []byte("fallback"))
	h.sessions.add("f1", session.ProtocolFTP, a, false)
	h.sessions.add("f2", session.ProtocolFTP, b, false)

	snap := h.run(Request{Op: jobs.OpCopy, Src: remoteEP("f1", "/a.txt"), Dst: remoteDst("f2", "/a.txt")})
	h.expectDone(snap)
	if got, _ := b.get("/a.txt"); string(got) != "fallback" {
		t.Errorf("fallback copy = %q", got)
	}
	if h.direct.callCount() != 1 {
		t.Errorf("direct transfer attempted %d times", h.direct.callCount())
	}
	if snap.Progress.BytesDone != snap.Progress.BytesTotal {
		t.Errorf("bytes %d/%d", snap.Progress.BytesDone, snap.Progress.BytesTotal)
	}
}

func TestRemoteSourceNotFound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.sessions.add("s1", session.ProtocolSFTP, newMemFS(), false)

	_, err := h.svc.Submit(t.Context(), Request{Op: jobs.OpDelete, Src: remoteEP("s1", "/nope")})
	if jobs.CodeOf(err) != CodeNotFound {
		t.Errorf("expected %s, got %v", CodeNotFound, err)
	}
	_, err = h.svc.Submit(t.Context(), Request{Op: jobs.OpDelete, Src: remoteEP("s1", "/")})
	if jobs.CodeOf(err) != CodeBadName {
		t.Errorf("expected %s, got %v", CodeBadName, err)
	}
}

func TestMoveTreeKeepsSkippedSymlinks(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	m := newMemFS()
	h.sessions.add("s1", session.ProtocolSFTP, m, false)

	h.write("proj/a.txt", "a")
	h.write("proj/sub/b.txt", "bb")
	h.write("proj/links/c.txt", "c")
	link := h.path("proj", "links", "to-a")
	if err := os.Symlink("../a.txt", link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	snap := h.run(Request{Op: jobs.OpMove, Src: localEP(h.path("proj")), Dst: remoteDst("s1", "/out/")})
	h.expectDone(snap)

	for p, want := range map[string]string{"/out/proj/a.txt": "a", "/out/proj/sub/b.txt": "bb", "/out/proj/links/c.txt": "c"} {
		if got, ok := m.get(p); !ok || string(got) != want {
			t.Errorf("remote %s = %q, %v", p, got, ok)
		}
	}

	// The link was not carried over, so it and its directory stay behind.
	if info, err := os.Lstat(link); err != nil || info.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("symlink removed from the source: %v", err)
	}
	for _, gone := range []string{h.path("proj", "a.txt"), h.path("proj", "sub"), h.path("proj", "links", "c.txt")} {
		if _, err := os.Lstat(gone); !os.IsNotExist(err) {
			t.Errorf("%s should have been moved away", gone)
		}
	}
	entries, err := os.ReadDir(h.path("proj"))
	if err != nil || len(entries) != 1 || entries[0].Name() != "links" {
		t.Errorf("source should only keep the links directory, got %v %v", entries, err)
	}
}

func TestMoveTreeWithoutSymlinksRemovesSource(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	m := newMemFS()
	h.sessions.add("s1", session.ProtocolSFTP, m, false)

	h.write("proj/a.txt", "a")
	h.write("proj/sub/b.txt", "bb")

	h.expectDone(h.run(Request{Op: jobs.OpMove, Src: localEP(h.path("proj")), Dst: remoteDst("s1", "/out/")}))
	if _, err := os.Lstat(h.path("proj")); !os.IsNotExist(err) {
		t.Errorf("moved source directory still present")
	}
	if got, ok := m.get("/out/proj/sub/b.txt"); !ok || string(got) != "bb" {
		t.Errorf("remote b.txt = %q, %v", got, ok)
	}
}
