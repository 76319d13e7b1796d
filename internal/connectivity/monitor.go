// Package connectivity turns a periodic reachability probe into a single
// "is the network usable" signal.
//
// The [Monitor] is a small state machine (Unknown → Usable/Unusable). A failed
// probe drops to Unusable immediately; leaving Unusable requires RecoverAfter
// consecutive successful probes so that a flaky reconnection does not flap.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status is the monitor's view of the network.
type Status int

const (
	// StatusUnknown is the state before the first probe completes. It is
	// treated as not usable.
	StatusUnknown Status = iota
	StatusUsable
	StatusUnusable
)

func (s Status) String() string {
	switch s {
	case StatusUsable:
		return "usable"
	case StatusUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

const (
	defaultInterval     = 5 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// Prober performs one lightweight reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber issues a HEAD request against a fixed URL. Any response with a
// status below 400 counts as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements [Prober].
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	hc := p.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s returned status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// Config tunes a [Monitor]. Zero values select defaults.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// RecoverAfter is the number of consecutive successful probes needed to
	// leave Unknown/Unusable. Defaults to 1.
	RecoverAfter int
}

// Monitor tracks network usability. Create one with [NewMonitor] and start
// it with [Monitor.Run].
type Monitor struct {
	prober Prober
	cfg    Config
	log    *slog.Logger

	mu        sync.RWMutex
	status    Status
	successes int
	subs      map[int]chan bool
	nextSub   int
}

// NewMonitor creates a Monitor in StatusUnknown.
func NewMonitor(prober Prober, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = 1
	}
	return &Monitor{
		prober: prober,
		cfg:    cfg,
		log:    logger,
		subs:   make(map[int]chan bool),
	}
}

// Online reports whether the network is currently usable.
func (m *Monitor) Online() bool {
	return m.Status() == StatusUsable
}

// Status returns the current state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe returns a channel that receives the new Online value on every
// usable/unusable transition, and a cancel func that releases it. Delivery
// keeps only the latest value, so a slow subscriber never blocks the monitor.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Run probes immediately and then every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.CheckNow(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckNow runs a single probe bounded by ProbeTimeout and applies the result.
func (m *Monitor) CheckNow(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Shutting down; not evidence about the network.
		return m.Status()
	}
	return m.observe(err)
}

// observe feeds one probe outcome into the state machine.
func (m *Monitor) observe(probeErr error) Status {
	m.mu.Lock()
	prev := m.status

	if probeErr != nil {
		m.successes = 0
		m.status = StatusUnusable
	} else {
		m.successes++
		if m.status != StatusUsable && m.successes >= m.cfg.RecoverAfter {
			m.status = StatusUsable
		}
	}
	cur := m.status

	wasOnline, isOnline := prev == StatusUsable, cur == StatusUsable
	if wasOnline != isOnline {
		for _, ch := range m.subs {
			publish(ch, isOnline)
		}
	}
	m.mu.Unlock()

	if prev != cur {
		if probeErr != nil {
			m.log.Info("network unusable", "previous", prev, "error", probeErr)
		} else {
			m.log.Info("network usable", "previous", prev)
		}
	}
	return cur
}

// publish replaces any undelivered value with v.
func publish(ch chan bool, v bool) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
