package bus

import (
	"context"
	"testing"
	"time"
)

func TestTryPublishShedsWhenFull(t *testing.T) {
	q := NewQueue[int](2)

	if err := q.TryPublish(1); err != nil {
		t.Fatalf("publish, err: %+v", err)
	}
	if err := q.TryPublish(2); err != nil {
		t.Fatalf("publish, err: %+v", err)
	}
	if err := q.TryPublish(3); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %+v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 buffered, got %d", q.Len())
	}
}

func TestClosedQueueRejectsPublishes(t *testing.T) {
	q := NewQueue[string](4)
	q.Close()
	q.Close() // idempotent

	if err := q.TryPublish("late"); err != ErrQueueClosed {
		t.Fatalf("expected ErrQueueClosed, got %+v", err)
	}
}

func TestRunDrainsBufferedEventsAfterClose(t *testing.T) {
	q := NewQueue[int](8)
	for i := 1; i <= 3; i++ {
		if err := q.TryPublish(i); err != nil {
			t.Fatalf("publish, err: %+v", err)
		}
	}
	q.Close()

	var got []int
	done := make(chan struct{})
	go func() {
		q.Run(context.Background(), func(e int) { got = append(got, e) })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never finished")
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected drain: %v", got)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	q := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(int) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer ignored context cancellation")
	}
}

func TestZeroCapacityGetsMinimumBuffer(t *testing.T) {
	q := NewQueue[int](0)
	if err := q.TryPublish(1); err != nil {
		t.Fatalf("publish, err: %+v", err)
	}
}
