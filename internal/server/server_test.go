package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/graphbroker/internal/broker"
	"github.com/dontdude/graphbroker/internal/catalog"
	"github.com/dontdude/graphbroker/internal/domain"
	"github.com/dontdude/graphbroker/internal/platform/web"
)

type recordingProvisioner struct {
	mu     sync.Mutex
	graphs []string
}

func (p *recordingProvisioner) RequestWorkersForGraph(graphID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graphs = append(p.graphs, graphID)
	return true
}

func (p *recordingProvisioner) requested() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.graphs...)
}

type fixture struct {
	srv     *httptest.Server
	broker  *broker.Broker
	workers *catalog.WorkerCatalog
	prov    *recordingProvisioner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	f := &fixture{broker: b, workers: catalog.New(), prov: &recordingProvisioner{}}
	f.srv = httptest.NewServer(New(b, f.workers, f.prov, opts...).Handler())
	t.Cleanup(func() {
		f.srv.Close()
		cancel()
		<-done
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func batchBody(user, graph, job string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"userId":%q,"graphId":%q,"jobId":%q,"origin":%d}`, user, graph, job, i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// poll runs a worker long-poll in the background.
func (f *fixture) poll(t *testing.T, graph, workerID string) <-chan []domain.Task {
	t.Helper()
	out := make(chan []domain.Task, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/jobs/_/"+graph, nil)
		req.Header.Set(WorkerIDHeader, workerID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			close(out)
			return
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		tasks, err := domain.DecodeTasks(data)
		if err != nil {
			close(out)
			return
		}
		out <- tasks
	}()
	return out
}

func waitTasks(t *testing.T, ch <-chan []domain.Task) []domain.Task {
	t.Helper()
	select {
	case tasks, ok := <-ch:
		require.True(t, ok, "poll failed")
		return tasks
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for poll")
		return nil
	}
}

func (f *fixture) waitConsumers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := f.broker.Stats(context.Background())
		return err == nil && s.WaitingConsumers == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHead(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodHead, "/jobs/u/G1/J1", batchBody("u", "G1", "J1", 1))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodHead, "/jobs/u/G1/J1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodHead, "/jobs/u/G1/J1", `{"not":"a batch"`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitAndPoll(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/jobs/u/G1/J1", batchBody("u", "G1", "J1", 3))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		TaskIDs []int `json:"task_ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &accepted))
	assert.Equal(t, []int{0, 1, 2}, accepted.TaskIDs)
	assert.Equal(t, []string{"G1"}, f.prov.requested(), "no worker for G1 yet")

	tasks := waitTasks(t, f.poll(t, "G1", "w1"))
	require.Len(t, tasks, 3)
	assert.Equal(t, "J1", tasks[0].JobID)
	assert.JSONEq(t, `0`, string(tasks[0].Extra["origin"]), "opaque fields survive the round trip")
	assert.True(t, f.workers.WorkersAvailable("G1"))

	resp, _ = f.do(t, http.MethodPost, "/jobs/u/G1/J1", batchBody("u", "G1", "J1", 1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"G1"}, f.prov.requested(), "a live worker serves G1")
}

func TestPollWaitsForWork(t *testing.T) {
	f := newFixture(t)

	ch := f.poll(t, "G2", "w1")
	f.waitConsumers(t, 1)

	resp, _ := f.do(t, http.MethodPost, "/jobs/u/G2/J9", batchBody("u", "G2", "J9", 6))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Len(t, waitTasks(t, ch), broker.DefaultBatchSize)
}

func TestSubmit_Rejected(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/jobs/u/G1/J1", batchBody("u", "G2", "J1", 1))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "graph mismatch")

	resp, _ = f.do(t, http.MethodPost, "/jobs/u/G1/J1", `[{"userId":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "malformed JSON")

	resp, _ = f.do(t, http.MethodPost, "/jobs/u/G1", batchBody("u", "G1", "", 1))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "no job in path")

	resp, _ = f.do(t, http.MethodPost, "/other/u/G1/J1", batchBody("u", "G1", "J1", 1))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	stats, err := f.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UndeliveredTasks)
}

func TestPoll_RequiresWorkerID(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/jobs/_/G1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/jobs", "", WorkerIDHeader, "w1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/jobs/u/G1/J1", batchBody("u", "G1", "J1", 2))
	tasks := waitTasks(t, f.poll(t, "G1", "w1"))
	require.Len(t, tasks, 2)

	ack := fmt.Sprintf("/jobs/u/G1/J1/%d", tasks[0].TaskID)
	resp, _ := f.do(t, http.MethodDelete, ack, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, ack, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "duplicate ack")

	resp, _ = f.do(t, http.MethodDelete, "/jobs/u/G1/J1/999", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/jobs/u/G1/J1", batchBody("u", "G1", "J1", 2))

	resp, _ := f.do(t, http.MethodDelete, "/jobs/u/G1/J1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/jobs/u/G1/J1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	stats, err := f.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UndeliveredTasks)
	assert.Equal(t, 0, stats.Jobs)
}

func TestPriorityRoundTrip(t *testing.T) {
	f := newFixture(t)

	type result struct {
		status int
		body   string
	}
	producer := make(chan result, 1)
	go func() {
		resp, err := http.Post(f.srv.URL+"/priority/u/G1", "application/json",
			strings.NewReader(`{"userId":"u","graphId":"G1","jobId":"P1","lat":52.1}`))
		if err != nil {
			close(producer)
			return
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		producer <- result{resp.StatusCode, string(data)}
	}()

	tasks := waitTasks(t, f.poll(t, "G1", "w1"))
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "P1", task.JobID)

	path := fmt.Sprintf("/priority/u/G1/%s/%d", task.JobID, task.TaskID)
	resp, _ := f.do(t, http.MethodDelete, path, `{"travelTime":1234}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case got, ok := <-producer:
		require.True(t, ok)
		assert.Equal(t, http.StatusOK, got.status)
		assert.JSONEq(t, `{"travelTime":1234}`, got.body)
	case <-time.After(3 * time.Second):
		t.Fatal("producer never got the result")
	}

	resp, _ = f.do(t, http.MethodDelete, path, `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPriority_ProducerDisconnects(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.srv.URL+"/priority/u/G1",
		strings.NewReader(`{"userId":"u","graphId":"G1","jobId":"P1"}`))
	require.NoError(t, err)
	_, err = http.DefaultClient.Do(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		stats, err := f.broker.Stats(context.Background())
		return err == nil && stats.PendingResponses == 0 && stats.PriorityTasks == 0 && stats.UndeliveredTasks == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPriority_Mismatch(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/priority/u/G1", `{"userId":"u","graphId":"G2"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/jobs/u/G1/J1", batchBody("u", "G1", "J1", 2))

	resp, body := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, 2, got.Broker.UndeliveredTasks)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "J1", got.Jobs[0].JobID)
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newFixture(t, WithRateLimiter(web.NewRateLimiter(0.001, 1)))

	resp, _ := f.do(t, http.MethodPost, "/jobs/u/G1/J1", batchBody("u", "G1", "J1", 1))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/jobs/u/G1/J1", batchBody("u", "G1", "J1", 1))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/jobs/u/G1/J1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
