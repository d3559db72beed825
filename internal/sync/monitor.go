package sync

import (
	"context"
	"io"
	"net/http"
	gosync "sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Probe checks whether the remote store is reachable.
type Probe func(ctx context.Context) error

// Connectivity receives reachability observations.
type Connectivity interface {
	SetConnected(ctx context.Context, up bool)
	Connected() bool
}

// HTTPProbe reports the remote reachable when url answers with any status below 500.
func HTTPProbe(url string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return apperrors.Transport("probe "+url, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= http.StatusInternalServerError {
			return apperrors.FromStatus(resp.StatusCode, "")
		}
		return nil
	}
}

// Monitor probes connectivity on an interval and reports transitions.
type Monitor struct {
	probe    Probe
	interval time.Duration
	target   Connectivity
	log      *logging.Logger

	mu      gosync.Mutex
	running bool
	stopCh  chan struct{}
	wg      gosync.WaitGroup
}

// NewMonitor creates a Monitor.
func NewMonitor(probe Probe, interval time.Duration, target Connectivity, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		target:   target,
		log:      logger.With(map[string]interface{}{"component": "monitor"}),
	}
}

// Check runs the probe once and forwards the result. It returns the observed state.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)
	up := err == nil
	if up != m.target.Connected() {
		fields := map[string]interface{}{"connected": up}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.log.Info("Connectivity probe changed state", fields)
	}
	m.target.SetConnected(ctx, up)
	return up
}

// Start checks immediately, then every interval until ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.Check(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}
