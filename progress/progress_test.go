package progress

import (
	"context"
	"testing"
	"time"

	"github.com/franksops/fileops/jobs"
)

func TestWatch_EmitsChangesUntilTerminal(t *testing.T) {
	m := jobs.NewManager(context.Background(), jobs.Config{Workers: 1}, nil)
	defer m.Stop()

	step := make(chan struct{})
	j := m.Create(jobs.OpCopy, "watch me")
	_ = m.Submit(j, func(ctx context.Context, job *jobs.Job) error {
		job.SetTotals(3, 0)
		for i := 0; i < 3; i++ {
			<-step
			job.EntryDone()
		}
		return nil
	})

	ch := Watch(context.Background(), m, j.ID, 5*time.Millisecond)

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(20 * time.Millisecond)
			step <- struct{}{}
		}
	}()

	var snaps []jobs.Snapshot
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case s, ok := <-ch:
			if !ok {
				done = true
				break
			}
			snaps = append(snaps, s)
		case <-timeout:
			t.Fatal("watch did not finish")
		}
	}

	if len(snaps) < 2 {
		t.Fatalf("expected several snapshots, got %d", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].Revision <= snaps[i-1].Revision {
			t.Errorf("revision did not increase: %d then %d", snaps[i-1].Revision, snaps[i].Revision)
		}
		if snaps[i].Progress.FilesDone < snaps[i-1].Progress.FilesDone {
			t.Error("files_done went backwards")
		}
	}
	final := snaps[len(snaps)-1]
	if final.State != jobs.StateDone || final.Progress.FilesDone != 3 {
		t.Errorf("unexpected final snapshot %+v", final)
	}
	for _, s := range snaps[:len(snaps)-1] {
		if s.State.Terminal() {
			t.Error("only the last snapshot may be terminal")
		}
	}
}

func TestWatch_UnknownJobCloses(t *testing.T) {
	m := jobs.NewManager(context.Background(), jobs.Config{}, nil)
	defer m.Stop()

	select {
	case _, ok := <-Watch(context.Background(), m, "missing", time.Millisecond):
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch on unknown job did not close")
	}
}

func TestWatch_AlreadyTerminalSendsOnce(t *testing.T) {
	m := jobs.NewManager(context.Background(), jobs.Config{}, nil)
	defer m.Stop()

	j := m.Create(jobs.OpDelete, "")
	m.Cancel(j.ID)

	var got []jobs.Snapshot
	for s := range Watch(context.Background(), m, j.ID, time.Millisecond) {
		got = append(got, s)
	}
	if len(got) != 1 || got[0].State != jobs.StateCanceled {
		t.Errorf("expected one canceled snapshot, got %+v", got)
	}
}

func TestWatch_ContextCancel(t *testing.T) {
	m := jobs.NewManager(context.Background(), jobs.Config{}, nil)
	defer m.Stop()
	j := m.Create(jobs.OpCopy, "never submitted")

	ctx, cancel := context.WithCancel(context.Background())
	ch := Watch(ctx, m, j.ID, time.Millisecond)
	<-ch // initial snapshot
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// a change may race with cancel; the channel must still close
			<-ch
		}
	case <-time.After(time.Second):
		t.Fatal("watch ignored context cancellation")
	}
}
