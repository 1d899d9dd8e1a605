package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"
)

// QueueSuite runs the same checks against every queue implementation.
type QueueSuite struct {
	suite.Suite
	newQueue func() Queue
	queue    Queue
}

func (s *QueueSuite) SetupTest() {
	s.queue = s.newQueue()
}

func testTask(id string) Task {
	return Task{
		ID:        id,
		Workflow:  "cog-archive",
		PayloadID: "landsat-c2l2/workflow-cog-archive/" + id,
		Input:     []byte(`{"type":"FeatureCollection","features":[]}`),
	}
}

func (s *QueueSuite) dequeue(timeout time.Duration) (*Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.queue.Dequeue(ctx)
}

func (s *QueueSuite) TestFIFO() {
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		s.Require().NoError(s.queue.Enqueue(ctx, testTask(id)))
	}

	n, err := s.queue.Len(ctx)
	s.Require().NoError(err)
	s.Equal(3, n)

	for _, want := range []string{"1", "2", "3"} {
		got, err := s.dequeue(5 * time.Second)
		s.Require().NoError(err)
		s.Equal(want, got.ID)
		s.Equal("cog-archive", got.Workflow)
		s.Equal("landsat-c2l2/workflow-cog-archive/"+want, got.PayloadID)
		s.JSONEq(`{"type":"FeatureCollection","features":[]}`, string(got.Input))
		s.False(got.EnqueuedAt.IsZero())
	}

	n, err = s.queue.Len(ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *QueueSuite) TestDequeueHonoursContext() {
	start := time.Now()
	_, err := s.dequeue(150 * time.Millisecond)
	s.True(errors.Is(err, context.DeadlineExceeded), "got %v", err)
	s.Less(time.Since(start), 5*time.Second)
}

func (s *QueueSuite) TestNotBefore() {
	ctx := context.Background()
	delayed := testTask("later")
	delayed.NotBefore = time.Now().Add(300 * time.Millisecond)
	delayed.Attempts = 2
	s.Require().NoError(s.queue.Enqueue(ctx, delayed))

	// A due task overtakes the delayed one.
	s.Require().NoError(s.queue.Enqueue(ctx, testTask("now")))
	got, err := s.dequeue(5 * time.Second)
	s.Require().NoError(err)
	s.Equal("now", got.ID)

	got, err = s.dequeue(10 * time.Second)
	s.Require().NoError(err)
	s.Equal("later", got.ID)
	s.Equal(2, got.Attempts)
	s.False(time.Now().Before(delayed.NotBefore), "delayed task ran early")
}
