package callback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		q.Post(func() {
			got = append(got, i)
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestQueueSerialisesConcurrentPosts(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func() { counter++ })
		}()
	}
	wg.Wait()

	if err := q.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
}

func TestQueueTaskMayPostToItself(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	done := make(chan struct{})
	q.Post(func() {
		q.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestQueueCloseDrainsAndRejects(t *testing.T) {
	q := NewQueue()
	ran := 0
	for i := 0; i < 10; i++ {
		q.Post(func() { ran++ })
	}
	q.Close()
	if ran != 10 {
		t.Fatalf("expected queued tasks to drain, ran %d", ran)
	}
	if q.Post(func() {}) {
		t.Fatal("expected Post after Close to report false")
	}
	if err := q.Do(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	q.Close()
}

func TestDoHonoursContext(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	block := make(chan struct{})
	q.Post(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Do(ctx, func() {})
	close(block)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestInline(t *testing.T) {
	ran := false
	if !(Inline{}).Post(func() { ran = true }) || !ran {
		t.Fatal("Inline must run immediately")
	}
}
