package jobs

import (
	"context"
	"sync"
	"testing"
	"time"
)

func queued(n int) chan *Job {
	ch := make(chan *Job, n)
	for i := 0; i < n; i++ {
		ch <- newJob("j", OpCopy, "", time.Now())
	}
	return ch
}

func TestWorkerPool_Resize(t *testing.T) {
	pool := NewWorkerPool(context.Background(), make(chan *Job), func(context.Context, *Job) {})
	defer pool.Stop()

	for _, n := range []int{5, 2, 10, 0} {
		pool.SetWorkerCount(n)
		if got := pool.WorkerCount(); got != n {
			t.Errorf("SetWorkerCount(%d): WorkerCount() = %d", n, got)
		}
	}
}

func TestWorkerPool_DrainsQueue(t *testing.T) {
	ch := queued(10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[*Job]bool)
	wg.Add(10)
	pool := NewWorkerPool(context.Background(), ch, func(ctx context.Context, j *Job) {
		defer wg.Done()
		mu.Lock()
		seen[j] = true
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	})
	pool.SetWorkerCount(3)
	defer pool.Stop()

	wg.Wait()
	if len(seen) != 10 {
		t.Errorf("expected 10 distinct jobs, got %d", len(seen))
	}
}

func TestWorkerPool_SingleWorkerIsSequential(t *testing.T) {
	ch := queued(5)

	var mu sync.Mutex
	var active, maxActive int
	var wg sync.WaitGroup
	wg.Add(5)
	pool := NewWorkerPool(context.Background(), ch, func(ctx context.Context, j *Job) {
		defer wg.Done()
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	})
	pool.SetWorkerCount(1)
	defer pool.Stop()

	wg.Wait()
	if maxActive != 1 {
		t.Errorf("expected one job at a time, saw %d", maxActive)
	}
}

func TestWorkerPool_BusyAndRetire(t *testing.T) {
	ch := queued(2)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	pool := NewWorkerPool(context.Background(), ch, func(ctx context.Context, j *Job) {
		started <- struct{}{}
		<-release
	})
	pool.SetWorkerCount(1)
	defer pool.Stop()

	<-started
	if got := pool.Busy(); got != 1 {
		t.Errorf("Busy() = %d; want 1", got)
	}

	// The retired worker finishes its job and leaves the second one queued.
	pool.SetWorkerCount(0)
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for pool.Busy() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := pool.Busy(); got != 0 {
		t.Fatalf("Busy() = %d after release; want 0", got)
	}
	if len(ch) != 1 {
		t.Errorf("expected the second job to stay queued, queue has %d", len(ch))
	}
}

func TestWorkerPool_StopCancelsRunningJobs(t *testing.T) {
	ch := queued(1)
	started := make(chan struct{})
	var got error
	pool := NewWorkerPool(context.Background(), ch, func(ctx context.Context, j *Job) {
		close(started)
		<-ctx.Done()
		got = ctx.Err()
	})
	pool.SetWorkerCount(1)
	<-started
	pool.Stop()

	if got != context.Canceled {
		t.Errorf("handler saw %v; want context.Canceled", got)
	}
}
