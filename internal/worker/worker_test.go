package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/queue/memory"
)

func TestWorker_ArchivesQueuedSnapshots(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	arch := newFakeArchiver()
	arch.status["snap-1"] = archive.StatusSucceeded
	arch.status["snap-2"] = archive.StatusFailed

	opts := archive.Options{Required: []string{"static"}, MaxRetries: 1}
	require.NoError(t, q.Enqueue(context.Background(), archive.QueueItem{SnapshotID: "snap-1", Options: opts}))
	require.NoError(t, q.Enqueue(context.Background(), archive.QueueItem{SnapshotID: "snap-2"}))
	q.Close()

	w := New(q, arch, Config{}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after queue close")
	}
	require.Equal(t, []string{"snap-1", "snap-2"}, arch.calls())
	require.Equal(t, opts, arch.optsFor("snap-1"))
}

func TestWorker_RequeuesPipelineFaults(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memory.NewQueue(4)
	arch := newFakeArchiver()
	arch.errs["snap-1"] = []error{
		archive.NewOrchestrationError("snap-1", "save result", errors.New("disk full")),
		nil,
	}
	arch.status["snap-1"] = archive.StatusSucceeded
	require.NoError(t, q.Enqueue(ctx, archive.QueueItem{SnapshotID: "snap-1"}))

	w := New(q, arch, Config{MaxRequeues: 2, RequeueDelay: time.Millisecond}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool { return len(arch.calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, q.Len())
}

func TestWorker_RequeueCapHonored(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	fault := archive.NewOrchestrationError("snap-1", "create output dir", errors.New("read-only"))
	arch := newFakeArchiver()
	arch.errs["snap-1"] = []error{fault, fault, fault, fault}
	w := New(q, arch, Config{MaxRequeues: 1}, zap.NewNop())

	ctx := context.Background()
	w.process(ctx, archive.QueueItem{SnapshotID: "snap-1"})
	require.Equal(t, 1, q.Len())
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, item.Attempt)

	w.process(ctx, item)
	require.Zero(t, q.Len())
}

func TestWorker_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := New(memory.NewQueue(1), newFakeArchiver(), Config{}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	succeeded := archive.Record{Snapshot: archive.Snapshot{Status: archive.StatusSucceeded}}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "clean", want: "succeeded"},
		{name: "not found", err: fmt.Errorf("get snapshot: %w", archive.ErrNotFound), want: outcomeNotFound},
		{name: "fault", err: archive.NewOrchestrationError("x", "save status", errors.New("boom")), want: outcomeFault},
		{name: "canceled", err: fmt.Errorf("archive snapshot x interrupted: %w", context.Canceled), want: outcomeInterrupted},
		{name: "other", err: errors.New("boom"), want: outcomeFault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, classify(succeeded, tc.err))
		})
	}
}

type fakeArchiver struct {
	mu       sync.Mutex
	status   map[string]archive.Status
	errs     map[string][]error
	order    []string
	opts     map[string]archive.Options
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{
		status:   make(map[string]archive.Status),
		errs:     make(map[string][]error),
		opts:     make(map[string]archive.Options),
	}
}

func (f *fakeArchiver) Archive(ctx context.Context, id string, opts archive.Options) (archive.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, id)
	f.opts[id] = opts
	var err error
	if queue := f.errs[id]; len(queue) > 0 {
		err, f.errs[id] = queue[0], queue[1:]
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return archive.Record{Snapshot: archive.Snapshot{ID: id, Status: f.status[id]}}, err
}

func (f *fakeArchiver) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeArchiver) optsFor(id string) archive.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[id]
}
