package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dim/pkg/api"
)

type fakeNode struct {
	mu      sync.Mutex
	id      string
	running bool
	applied [][]api.Configuration
	failErr error
}

func (n *fakeNode) ApplyBatch(_ context.Context, cfgs []api.Configuration) (api.ApplyBatchResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failErr != nil {
		return api.ApplyBatchResponse{}, n.failErr
	}
	n.applied = append(n.applied, cfgs)
	return api.ApplyBatchResponse{Created: len(cfgs), Managed: len(cfgs)}, nil
}

func (n *fakeNode) setFail(err error) {
	n.mu.Lock()
	n.failErr = err
	n.mu.Unlock()
}

func (n *fakeNode) batches() [][]api.Configuration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]api.Configuration(nil), n.applied...)
}

func (n *fakeNode) Heartbeat() api.HeartbeatResponse {
	return api.HeartbeatResponse{Node: n.id, Service: "svc", Running: n.running, Time: time.Now(), Version: "test"}
}

func (n *fakeNode) Status(context.Context) (api.StatusResponse, error) {
	return api.StatusResponse{Node: n.id, Service: "svc", Running: n.running, Leader: n.id, State: api.LeaderLeading}, nil
}

type resolver map[string]string

func (r resolver) Addr(id string) (string, bool) {
	a, ok := r[id]
	return a, ok
}

func post(t *testing.T, h http.Handler, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v0/apply-batch", strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHeartbeat(t *testing.T) {
	h := NewServer(&fakeNode{id: "node0", running: true}, ServerOptions{}).Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"node":"node0"`)
}

func TestApplyBatchValidation(t *testing.T) {
	node := &fakeNode{}
	h := NewServer(node, ServerOptions{}).Handler()

	cases := []struct {
		body string
		code int
	}{
		{`{"configurations":[{"name":"a"},{"name":"b"}]}`, http.StatusOK},
		{`{"configurations":[]}`, http.StatusOK},
		{`{}`, http.StatusBadRequest},
		{`{"configurations":null}`, http.StatusBadRequest},
		{`{"configurations":{"name":"a"}}`, http.StatusBadRequest},
		{`{"configurations":"a"}`, http.StatusBadRequest},
		{`{"configurations":[1,2]}`, http.StatusBadRequest},
		{`{"configurations":[null]}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, c := range cases {
		rr := post(t, h, c.body)
		assert.Equal(t, c.code, rr.Code, c.body)
	}
	require.Len(t, node.applied, 2)
	assert.Len(t, node.applied[0], 2)
	assert.NotNil(t, node.applied[1])
	assert.Empty(t, node.applied[1])
}

func TestApplyBatchKeepsLargeIntegers(t *testing.T) {
	node := &fakeNode{}
	h := NewServer(node, ServerOptions{}).Handler()
	rr := post(t, h, `{"configurations":[{"id":9007199254740993},{"id":9007199254740992}]}`)
	require.Equal(t, http.StatusOK, rr.Code)

	batches := node.batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, json.Number("9007199254740993"), batches[0][0]["id"])
	assert.Equal(t, json.Number("9007199254740992"), batches[0][1]["id"])
}

func TestApplyBatchNodeError(t *testing.T) {
	h := NewServer(&fakeNode{failErr: errors.New("create instance a: boom")}, ServerOptions{}).Handler()
	rr := post(t, h, `{"configurations":[{"name":"a"}]}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "boom")
}

func TestTokenAuth(t *testing.T) {
	h := NewServer(&fakeNode{}, ServerOptions{Token: "s3cret"}).Handler()
	body := `{"configurations":[]}`

	assert.Equal(t, http.StatusUnauthorized, post(t, h, body).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, body, "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, post(t, h, body, "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, post(t, h, body, "X-Auth-Token", "s3cret").Code)

	// heartbeat stays open so peers can ping without credentials
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsRoute(t *testing.T) {
	h := NewServer(&fakeNode{}, ServerOptions{Metrics: true}).Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	h = NewServer(&fakeNode{}, ServerOptions{}).Handler()
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewServer(&fakeNode{}, ServerOptions{}).Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/apply-batch", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
