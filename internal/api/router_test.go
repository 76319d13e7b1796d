package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/snapqueue/internal/gateway"
	"github.com/njoerd114/snapqueue/internal/model"
	"github.com/njoerd114/snapqueue/internal/store"
	snapsync "github.com/njoerd114/snapqueue/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- fake engine ------------------------------------------------------------

type fakeEngine struct {
	mu      sync.Mutex
	items   []model.Item
	online  bool
	hasMore bool

	fetchErr  error
	createErr error
	cmdErr    map[string]error
	retried   []string
	calls     []string
}

func newFakeEngine(items ...model.Item) *fakeEngine {
	return &fakeEngine{items: items, online: true, cmdErr: make(map[string]error)}
}

func (f *fakeEngine) Snapshot() []model.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Item(nil), f.items...)
}

func (f *fakeEngine) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeEngine) HasMore() bool { return f.hasMore }

func (f *fakeEngine) FetchPage(context.Context) (store.MergeStats, error) {
	f.record("fetch")
	if f.fetchErr != nil {
		return store.MergeStats{}, f.fetchErr
	}
	return store.MergeStats{Added: 2, Kept: 1}, nil
}

func (f *fakeEngine) FetchNewer(context.Context) (store.MergeStats, error) {
	f.record("refresh")
	if f.fetchErr != nil {
		return store.MergeStats{}, f.fetchErr
	}
	return store.MergeStats{Refreshed: 1}, nil
}

func (f *fakeEngine) CreateItem(_ context.Context, p model.Payload) (model.Item, *snapsync.Completion, error) {
	f.record("create")
	if err := p.Validate(); err != nil {
		return model.Item{}, nil, err
	}
	f.mu.Lock()
	it := model.Item{ID: "new-1", Payload: p, State: model.StatePending, Seq: uint64(len(f.items) + 1)}
	f.items = append(f.items, it)
	f.mu.Unlock()
	return it, snapsync.Completed(f.createErr), nil
}

func (f *fakeEngine) RetryErrored(ids ...string) *snapsync.Completion {
	f.mu.Lock()
	f.retried = append(f.retried, ids...)
	f.mu.Unlock()
	return f.cmd("retry")
}

func (f *fakeEngine) FlushPending() *snapsync.Completion { return f.cmd("flush") }

func (f *fakeEngine) ToggleLike(id string) *snapsync.Completion  { return f.cmd("like " + id) }
func (f *fakeEngine) ReportImage(id string) *snapsync.Completion { return f.cmd("report " + id) }
func (f *fakeEngine) RemoveImage(id string) *snapsync.Completion { return f.cmd("remove " + id) }

func (f *fakeEngine) cmd(name string) *snapsync.Completion {
	f.record(name)
	f.mu.Lock()
	defer f.mu.Unlock()
	return snapsync.Completed(f.cmdErr[name])
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// --- helpers ----------------------------------------------------------------

func newTestServer(t *testing.T, eng *fakeEngine) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(eng, Options{WaitTimeout: time.Second}, logger).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func sampleItems() []model.Item {
	return []model.Item{
		{ID: "c1", State: model.StateConfirmed, Payload: model.Payload{MediaURI: "https://x/c1.jpg"}, LikeCount: 3, Seq: 1},
		{ID: "p1", State: model.StatePending, Payload: model.Payload{MediaURI: "file:///p1.jpg"}, Seq: 2},
		{ID: "e1", State: model.StateErrored, Payload: model.Payload{MediaURI: "file:///e1.jpg"}, Attempts: 2, LastError: "boom", Seq: 3},
		{ID: "gone", State: model.StateConfirmed, Removed: true, Seq: 4},
	}
}

// --- reads ------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	w := do(t, newTestServer(t, newFakeEngine()), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFeed_PartitionsAndHidesRemoved(t *testing.T) {
	h := newTestServer(t, newFakeEngine(sampleItems()...))

	w := do(t, h, http.MethodGet, "/v1/feed", "")
	require.Equal(t, http.StatusOK, w.Code)
	feed := decode[feedJSON](t, w)

	assert.True(t, feed.Online)
	require.Len(t, feed.Confirmed, 1)
	assert.Equal(t, "c1", feed.Confirmed[0].ID)
	assert.Equal(t, 3, feed.Confirmed[0].LikeCount)
	require.Len(t, feed.Pending, 1)
	assert.Equal(t, "pending", feed.Pending[0].State)
	require.Len(t, feed.Errored, 1)
	assert.Equal(t, "boom", feed.Errored[0].LastError)
	assert.Equal(t, 1, feed.Counts.Confirmed)
	assert.Equal(t, 1, feed.Counts.Pending)
	assert.Equal(t, 1, feed.Counts.Errored)
}

func TestListEndpoints(t *testing.T) {
	h := newTestServer(t, newFakeEngine(sampleItems()...))

	for path, want := range map[string]string{
		"/v1/items":         "c1",
		"/v1/items/pending": "p1",
		"/v1/items/errored": "e1",
	} {
		w := do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)
		body := decode[struct {
			Items []itemJSON `json:"items"`
		}](t, w)
		require.Len(t, body.Items, 1, path)
		assert.Equal(t, want, body.Items[0].ID, path)
	}
}

func TestGetItem(t *testing.T) {
	h := newTestServer(t, newFakeEngine(sampleItems()...))

	w := do(t, h, http.MethodGet, "/v1/items/e1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[itemJSON](t, w).Attempts)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/items/gone", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/items/nope", "").Code)
}

func TestStatus(t *testing.T) {
	eng := newFakeEngine(sampleItems()...)
	eng.online = false
	eng.hasMore = true

	w := do(t, newTestServer(t, eng), http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, false, body["online"])
	assert.Equal(t, true, body["has_more"])
}

// --- commands ---------------------------------------------------------------

func TestCreateItem(t *testing.T) {
	eng := newFakeEngine()
	h := newTestServer(t, eng)

	w := do(t, h, http.MethodPost, "/v1/items", `{"media_uri":"file:///a.jpg","caption":"hi"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	it := decode[itemJSON](t, w)
	assert.Equal(t, "new-1", it.ID)
	assert.Equal(t, "pending", it.State)
	assert.Equal(t, "hi", it.Caption)
}

func TestCreateItem_Wait(t *testing.T) {
	eng := newFakeEngine()
	h := newTestServer(t, eng)

	w := do(t, h, http.MethodPost, "/v1/items?wait=true", `{"media_uri":"file:///a.jpg"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	eng.createErr = snapsync.ErrOffline
	w = do(t, h, http.MethodPost, "/v1/items?wait=1", `{"media_uri":"file:///b.jpg"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateItem_Invalid(t *testing.T) {
	h := newTestServer(t, newFakeEngine())

	w := do(t, h, http.MethodPost, "/v1/items", `{"caption":"no media"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "media_uri", decode[map[string]any](t, w)["field"])

	w = do(t, h, http.MethodPost, "/v1/items", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommands_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		call   string
		err    error
		want   int
	}{
		{"like ok", http.MethodPost, "/v1/items/c1/like", "like c1", nil, http.StatusOK},
		{"like unknown", http.MethodPost, "/v1/items/x/like", "like x", snapsync.ErrNotFound, http.StatusNotFound},
		{"like queued", http.MethodPost, "/v1/items/p1/like", "like p1", snapsync.ErrNotConfirmed, http.StatusConflict},
		{"report server error", http.MethodPost, "/v1/items/c1/report", "report c1",
			&gateway.Error{Kind: gateway.KindServer, Op: "report", StatusCode: 500}, http.StatusBadGateway},
		{"remove ok", http.MethodDelete, "/v1/items/c1", "remove c1", nil, http.StatusOK},
		{"remove unknown", http.MethodDelete, "/v1/items/x", "remove x", snapsync.ErrNotFound, http.StatusNotFound},
		{"flush offline", http.MethodPost, "/v1/flush", "flush", snapsync.ErrOffline, http.StatusServiceUnavailable},
		{"unexpected", http.MethodPost, "/v1/flush", "flush", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine(sampleItems()...)
			eng.cmdErr[tt.call] = tt.err
			w := do(t, newTestServer(t, eng), tt.method, tt.path, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, eng.calls, tt.call)
		})
	}
}

func TestRetry_WithAndWithoutIDs(t *testing.T) {
	eng := newFakeEngine(sampleItems()...)
	h := newTestServer(t, eng)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/retry", "").Code)
	assert.Empty(t, eng.retried)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/retry", `{"ids":["e1","e2"]}`).Code)
	assert.Equal(t, []string{"e1", "e2"}, eng.retried)
}

func TestFetch(t *testing.T) {
	eng := newFakeEngine()
	eng.hasMore = true
	h := newTestServer(t, eng)

	w := do(t, h, http.MethodPost, "/v1/fetch", "")
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[mergeJSON](t, w)
	assert.Equal(t, 2, m.Added)
	assert.Equal(t, 1, m.Kept)
	assert.True(t, m.HasMore)

	w = do(t, h, http.MethodPost, "/v1/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[mergeJSON](t, w).Refreshed)
}

func TestFetch_Errors(t *testing.T) {
	eng := newFakeEngine()
	h := newTestServer(t, eng)

	eng.fetchErr = snapsync.ErrOffline
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/v1/fetch", "").Code)

	eng.fetchErr = &gateway.Error{Kind: gateway.KindTransport, Op: "fetch", Err: errors.New("refused")}
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/v1/refresh", "").Code)
}

// --- metrics ----------------------------------------------------------------

func TestMetrics(t *testing.T) {
	h := newTestServer(t, newFakeEngine(sampleItems()...))
	do(t, h, http.MethodGet, "/v1/feed", "")

	w := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `snapqueue_items{state="confirmed"} 1`)
	assert.Contains(t, body, `snapqueue_items{state="errored"} 1`)
	assert.Contains(t, body, `snapqueue_online 1`)
	assert.Contains(t, body, `snapqueue_http_requests_total{method="GET",route="/v1/feed",status="OK"} 1`)
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, newFakeEngine())
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
