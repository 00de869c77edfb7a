// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/queue/memory"
	"github.com/JakeFAU/web-archiver/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, &countingArchiver{}, worker.Config{}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherPoolDrainsQueue runs a pool until the closed queue is empty.
func TestDispatcherPoolDrainsQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(16)
	arch := &countingArchiver{}
	dispatch := NewPool(q, arch, 4, worker.Config{}, nil)
	if dispatch.Size() != 4 {
		t.Fatalf("expected 4 workers, got %d", dispatch.Size())
	}
	for i := 0; i < 10; i++ {
		if err := dispatch.Enqueue(context.Background(), archive.QueueItem{SnapshotID: fmt.Sprintf("snap-%d", i)}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain queue")
	}
	if got := arch.count(); got != 10 {
		t.Fatalf("expected 10 archive runs, got %d", got)
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), archive.QueueItem{SnapshotID: "snap"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ archive.QueueItem) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (archive.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return archive.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, archive.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (archive.QueueItem, error) {
	return archive.QueueItem{}, nil
}

type countingArchiver struct {
	mu sync.Mutex
	n  int
}

func (a *countingArchiver) Archive(_ context.Context, id string, _ archive.Options) (archive.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return archive.Record{Snapshot: archive.Snapshot{ID: id, Status: archive.StatusSucceeded}}, nil
}

func (a *countingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
