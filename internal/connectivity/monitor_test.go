package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.Default()

// scriptedProber returns queued results in order, then repeats the last one.
type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return nil
	}
	r := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return r
}

var errDown = errors.New("unreachable")

func TestMonitor_StartsUnknownAndOffline(t *testing.T) {
	m := NewMonitor(&scriptedProber{}, Config{}, testLogger)
	assert.Equal(t, StatusUnknown, m.Status())
	assert.False(t, m.Online())
}

func TestMonitor_FailFast(t *testing.T) {
	m := NewMonitor(&scriptedProber{results: []error{nil, errDown}}, Config{}, testLogger)
	ctx := context.Background()

	assert.Equal(t, StatusUsable, m.CheckNow(ctx))
	assert.Equal(t, StatusUnusable, m.CheckNow(ctx), "a single failure must drop immediately")
}

func TestMonitor_RecoveryNeedsConfirmingProbes(t *testing.T) {
	p := &scriptedProber{results: []error{errDown, nil, nil}}
	m := NewMonitor(p, Config{RecoverAfter: 2}, testLogger)
	ctx := context.Background()

	assert.Equal(t, StatusUnusable, m.CheckNow(ctx))
	assert.Equal(t, StatusUnusable, m.CheckNow(ctx), "one success is not enough with RecoverAfter=2")
	assert.Equal(t, StatusUsable, m.CheckNow(ctx))
}

func TestMonitor_FailureResetsRecoveryCount(t *testing.T) {
	m := NewMonitor(&scriptedProber{}, Config{RecoverAfter: 2}, testLogger)

	m.observe(errDown)
	m.observe(nil)
	m.observe(errDown)
	assert.Equal(t, StatusUnusable, m.observe(nil))
	assert.Equal(t, StatusUsable, m.observe(nil))
}

func TestMonitor_SubscribeReceivesTransitionsOnly(t *testing.T) {
	m := NewMonitor(&scriptedProber{}, Config{}, testLogger)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.observe(nil)
	require.True(t, <-ch)

	m.observe(nil) // still usable, no event
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	default:
	}

	m.observe(errDown)
	require.False(t, <-ch)
}

func TestMonitor_SlowSubscriberKeepsLatest(t *testing.T) {
	m := NewMonitor(&scriptedProber{}, Config{}, testLogger)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.observe(nil)
	m.observe(errDown)
	m.observe(nil)

	assert.True(t, <-ch, "only the latest value is buffered")
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra event %v", v)
	default:
	}
}

func TestMonitor_CancelClosesChannel(t *testing.T) {
	m := NewMonitor(&scriptedProber{}, Config{}, testLogger)
	ch, cancel := m.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	m.observe(nil) // must not panic on a released subscriber
}

func TestMonitor_RunProbesPeriodically(t *testing.T) {
	p := &scriptedProber{}
	m := NewMonitor(p, Config{Interval: 5 * time.Millisecond}, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := m.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.mu.Lock()
	calls := p.calls
	p.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
	assert.True(t, m.Online())
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := &HTTPProber{URL: srv.URL}
	require.NoError(t, p.Probe(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	require.Error(t, p.Probe(context.Background()))
}

func TestHTTPProber_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := &HTTPProber{URL: url}
	require.Error(t, p.Probe(context.Background()))
}
