package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/graphbroker/internal/broker"
	"github.com/dontdude/graphbroker/internal/catalog"
	"github.com/dontdude/graphbroker/internal/domain"
	"github.com/dontdude/graphbroker/internal/server"
)

func startBroker(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	srv := httptest.NewServer(server.New(b, catalog.New(), nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv.URL
}

func fastRetry() Option {
	return WithRetry(2, time.Millisecond, 5*time.Millisecond)
}

func TestClient_SubmitPollAck(t *testing.T) {
	url := startBroker(t)
	ctx := context.Background()
	producer := New(url, fastRetry())
	worker := New(url, WithWorkerID("w1"), fastRetry())

	raw := json.RawMessage(`{"lat":52.1,"lon":4.3}`)
	ids, err := producer.Submit(ctx, "u", "G1", "J1", []domain.Task{
		{Extra: map[string]json.RawMessage{"origin": raw}},
		{Extra: map[string]json.RawMessage{"origin": raw}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, ids)

	tasks, err := worker.Poll(ctx, "G1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "J1", tasks[0].JobID)
	assert.JSONEq(t, string(raw), string(tasks[0].Extra["origin"]))

	for _, task := range tasks {
		require.NoError(t, worker.Ack(ctx, task))
	}
	assert.ErrorIs(t, worker.Ack(ctx, tasks[0]), domain.ErrTaskNotFound)

	require.NoError(t, producer.DeleteJob(ctx, "u", "G1", "J1"))
	assert.ErrorIs(t, producer.DeleteJob(ctx, "u", "G1", "J1"), domain.ErrJobNotFound)

	status, err := producer.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(status), `"jobs"`)
}

func TestClient_Priority(t *testing.T) {
	url := startBroker(t)
	ctx := context.Background()
	producer := New(url, fastRetry())
	worker := New(url, WithWorkerID("w1"), fastRetry())

	type answer struct {
		body []byte
		err  error
	}
	answers := make(chan answer, 1)
	go func() {
		body, err := producer.Priority(ctx, domain.Task{UserID: "u", GraphID: "G1"})
		answers <- answer{body, err}
	}()

	tasks, err := worker.Poll(ctx, "G1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, worker.RespondPriority(ctx, tasks[0], []byte(`{"minutes":17}`)))

	select {
	case a := <-answers:
		require.NoError(t, a.err)
		assert.JSONEq(t, `{"minutes":17}`, string(a.body))
	case <-time.After(3 * time.Second):
		t.Fatal("producer never got the result")
	}

	assert.ErrorIs(t, worker.RespondPriority(ctx, tasks[0], nil), domain.ErrTaskNotFound)
}

func TestClient_PollNeedsWorkerID(t *testing.T) {
	_, err := New("http://127.0.0.1:1").Poll(context.Background(), "G1")
	assert.Error(t, err)
}

func TestClient_PollCancelled(t *testing.T) {
	url := startBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(url, WithWorkerID("w1"), fastRetry()).Poll(ctx, "G1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"task_ids":[5]}`))
	}))
	defer srv.Close()

	ids, err := New(srv.URL, fastRetry()).Submit(context.Background(), "u", "G1", "J1", []domain.Task{{}})
	require.NoError(t, err)
	assert.Equal(t, []int{5}, ids)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broker: task does not match queue path", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL, fastRetry()).Submit(context.Background(), "u", "G1", "J1", []domain.Task{{}})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Error(), "does not match")
}
