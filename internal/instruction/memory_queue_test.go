package instruction

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueDelivers(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	received := make(map[string]int)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			received[id]++
			if len(received) == 3 {
				cancel()
			}
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("Publish %s: %v", id, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never drained the queue")
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a", "b", "c"} {
		if received[id] != 1 {
			t.Fatalf("id %s delivered %d times, want 1", id, received[id])
		}
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Publish(context.Background(), "x"); err == nil {
		t.Fatal("publish on a closed queue succeeded")
	}
	// Closing twice is safe.
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
