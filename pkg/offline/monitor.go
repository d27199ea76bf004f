package offline

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/bkalafat/tskulis-sub000/pkg/events"
)

// MonitorConfig holds connectivity probe settings
type MonitorConfig struct {
	ProbeURL     string        // endpoint probed for reachability
	Interval     time.Duration // probe period
	ProbeTimeout time.Duration // per-probe deadline
}

// Monitor detects online/offline transitions by probing a known endpoint and
// publishes them to subscribers. It starts optimistic (online) and only
// reports transitions, not every probe.
type Monitor struct {
	cfg     MonitorConfig
	client  *http.Client
	online  atomic.Bool
	changes *events.Emitter[bool]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewMonitor creates a connectivity monitor
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	m := &Monitor{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		changes: events.New[bool](),
	}
	m.online.Store(true)
	return m
}

// Changes exposes the transition stream; the payload is the new online state
func (m *Monitor) Changes() *events.Emitter[bool] {
	return m.changes
}

// Online reports the last probed state
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Start launches the probe loop. The first probe runs immediately so a
// process started without connectivity flips to offline right away.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probe(ctx)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
	lgr.Printf("[INFO] network monitor started, probing %s every %v", m.cfg.ProbeURL, m.cfg.Interval)
}

// Stop stops the probe loop
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) probe(ctx context.Context) {
	online := m.reachable(ctx)
	was := m.online.Swap(online)
	if online == was {
		return
	}
	if online {
		lgr.Printf("[INFO] network is back online")
	} else {
		lgr.Printf("[WARN] network went offline")
	}
	m.changes.Emit(online)
}

// reachable treats any HTTP response as connectivity, server errors included
func (m *Monitor) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, http.NoBody)
	if err != nil {
		lgr.Printf("[WARN] bad probe url %s: %v", m.cfg.ProbeURL, err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck // probe response body is empty
	return true
}
