package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/graphbroker/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func startBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := New(opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	return b
}

func waitBatch(t *testing.T, c *fakeConsumer) []domain.Task {
	t.Helper()
	select {
	case batch := <-c.received:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return nil
	}
}

func TestBroker_EnqueueThenConsume(t *testing.T) {
	sink := &recordingSink{}
	b := startBroker(t, WithEventSink(sink))
	ctx := context.Background()

	ids, err := b.EnqueueTasks(ctx, tasksFor("u", "G1", "J1", 3))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)

	c := newFakeConsumer("c")
	require.NoError(t, b.RegisterConsumer(ctx, "G1", c))

	batch := waitBatch(t, c)
	assert.Equal(t, ids, taskIDs(batch))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UndeliveredTasks)
	assert.Equal(t, 0, stats.WaitingConsumers)
	assert.Equal(t, 3, stats.InvisibleTasks)
	assert.Equal(t, 1, stats.Jobs)

	found, err := b.DeleteJobTask(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, found)

	jobs, err := b.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatus{
		JobID: "J1", GraphID: "G1", UserID: "u",
		Total: 3, Invisible: 2, Completed: 1,
	}, jobs[0])

	assert.Equal(t, []domain.EventType{
		domain.EventTasksEnqueued,
		domain.EventTasksDelivered,
		domain.EventTaskCompleted,
	}, sink.types())
}

func TestBroker_ConsumerWaitsForWork(t *testing.T) {
	b := startBroker(t, WithBatchSize(2))
	ctx := context.Background()

	c := newFakeConsumer("c")
	require.NoError(t, b.RegisterConsumer(ctx, "G1", c))

	select {
	case <-c.received:
		t.Fatal("consumer got a batch before any work existed")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := b.EnqueueTasks(ctx, tasksFor("u", "G1", "J1", 5))
	require.NoError(t, err)
	assert.Len(t, waitBatch(t, c), 2)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.UndeliveredTasks)
}

func TestBroker_ClosedConsumerIsRemoved(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	c := newFakeConsumer("c")
	require.NoError(t, b.RegisterConsumer(ctx, "G1", c))
	c.close()

	require.Eventually(t, func() bool {
		stats, err := b.Stats(ctx)
		return err == nil && stats.WaitingConsumers == 0
	}, time.Second, 10*time.Millisecond)

	found, err := b.RemoveConsumer(ctx, "G1", c)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBroker_PriorityRoundTrip(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	r := &fakeResponder{}
	id, err := b.EnqueuePriorityTask(ctx, domain.Task{UserID: "u", GraphID: "G1"}, r)
	require.NoError(t, err)

	c := newFakeConsumer("c")
	require.NoError(t, b.RegisterConsumer(ctx, "G1", c))
	batch := waitBatch(t, c)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].TaskID)

	got, found, err := b.DeletePriorityTask(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, r, got)

	_, found, err = b.DeletePriorityTask(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBroker_RedeliverAndActiveJobs(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	b := startBroker(t, WithClock(clock), WithVisibilityTimeout(10*time.Second))
	ctx := context.Background()

	_, err := b.EnqueueTasks(ctx, tasksFor("u", "G1", "J1", 2))
	require.NoError(t, err)
	_, err = b.EnqueueTasks(ctx, tasksFor("u", "G2", "J2", 1))
	require.NoError(t, err)

	c := newFakeConsumer("c")
	require.NoError(t, b.RegisterConsumer(ctx, "G1", c))
	waitBatch(t, c)

	active, err := b.ActiveJobsPerGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"G1": 1, "G2": 1}, active)

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	n, err := b.Redeliver(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	deleted, err := b.DeleteJob(ctx, "J2")
	require.NoError(t, err)
	assert.True(t, deleted)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.UndeliveredTasks)
	assert.Equal(t, 1, stats.Jobs)
}

func TestBroker_ClosedBrokerRejectsCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := New()
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := b.EnqueueTasks(context.Background(), tasksFor("u", "G1", "J1", 1))
	assert.ErrorIs(t, err, domain.ErrBrokerClosed)
}

func TestBroker_CallerContextCancelled(t *testing.T) {
	b := New() // never started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Stats(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
