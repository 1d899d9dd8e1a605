package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

func TestInMemoryQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{
		newQueue: func() Queue { return NewInMemoryQueue(16) },
	})
}

func TestInMemoryQueue_CancelledWaitKeepsTask(t *testing.T) {
	q := NewInMemoryQueue(4)
	task := testTask("later")
	task.NotBefore = time.Now().Add(time.Hour)
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected Dequeue to give up on a task that is not due")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _ := q.Len(context.Background()); n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task was lost after a cancelled dequeue")
}

func TestCodecRoundTrip(t *testing.T) {
	in := testTask("x")
	in.NotBefore = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	in.Attempts = 3

	data, err := EncodeTask(in)
	if err != nil {
		t.Fatalf("EncodeTask failed: %v", err)
	}
	out, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask failed: %v", err)
	}
	if out.ID != in.ID || out.Attempts != 3 || !out.NotBefore.Equal(in.NotBefore) || string(out.Input) != string(in.Input) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestCodecRejectsMalformed(t *testing.T) {
	bad := testTask("x")
	bad.Input = []byte("not json")
	if _, err := EncodeTask(bad); !errors.Is(err, ErrMalformedTask) {
		t.Fatalf("expected ErrMalformedTask, got %v", err)
	}
	if _, err := DecodeTask([]byte(`{"workflow":"w"}`)); !errors.Is(err, ErrMalformedTask) {
		t.Fatalf("expected ErrMalformedTask for a task without id, got %v", err)
	}
}

func TestInMemoryQueue_WakesEveryWaiter(t *testing.T) {
	q := NewInMemoryQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			task, err := q.Dequeue(ctx)
			if err != nil {
				got <- "error: " + err.Error()
				return
			}
			got <- task.ID
		}()
	}
	time.Sleep(20 * time.Millisecond)
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(context.Background(), testTask(id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	seen := map[string]bool{<-got: true, <-got: true}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both tasks to be dequeued, got %v", seen)
	}
}
