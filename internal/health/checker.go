// Package health checks the registrar's dependencies (record store, ledger,
// lock server, extraction service) and reports readiness.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	FailThreshold int
}

// CheckFunc checks a single dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(name string, success bool)

// Result is the outcome of the latest check of one dependency.
type Result struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	FailCount int    `json:"fail_count"`
}

// Report is the outcome of one CheckAll pass.
type Report struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]Result `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Checker runs named checks, on demand and periodically.
type Checker struct {
	checks     map[string]CheckFunc
	failCounts map[string]int
	last       Report
	mu         sync.Mutex
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Checker with no checks.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		checks:     make(map[string]CheckFunc),
		failCounts: make(map[string]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// Add registers a check under name, replacing any previous one.
func (h *Checker) Add(name string, p CheckFunc) {
	h.mu.Lock()
	h.checks[name] = p
	h.mu.Unlock()
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs CheckAll every CheckInterval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Last returns the report from the most recent CheckAll.
func (h *Checker) Last() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// CheckAll runs every check with bounded concurrency and returns the report.
func (h *Checker) CheckAll(ctx context.Context) Report {
	h.mu.Lock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.Unlock()
	sort.Strings(names)

	report := Report{Healthy: true, Checks: make(map[string]Result, len(names)), CheckedAt: time.Now().UTC()}
	var reportMu sync.Mutex

	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
			err := check(pctx)
			cancel()
			success := err == nil

			if h.onMetrics != nil {
				h.onMetrics(name, success)
			}

			h.mu.Lock()
			prevCount := h.failCounts[name]
			if success {
				h.failCounts[name] = 0
			} else {
				h.failCounts[name]++
			}
			count := h.failCounts[name]
			h.mu.Unlock()

			if success && prevCount >= h.cfg.FailThreshold {
				h.logger.Info("health: recovered", zap.String("dependency", name))
			} else if count == h.cfg.FailThreshold {
				h.logger.Warn("health: degraded",
					zap.String("dependency", name),
					zap.Int("fail_count", count),
					zap.Error(err),
				)
			}

			res := Result{Healthy: success, FailCount: count}
			if err != nil {
				res.Error = err.Error()
			}
			reportMu.Lock()
			report.Checks[name] = res
			if !success {
				report.Healthy = false
			}
			reportMu.Unlock()
		}(name, checks[name])
	}

	wg.Wait()

	h.mu.Lock()
	h.last = report
	h.mu.Unlock()
	return report
}

// HTTPCheck returns a CheckFunc that succeeds when endpoint answers HEAD or GET
// with a 2xx status.
func HTTPCheck(client *http.Client, endpoint string) CheckFunc {
	return func(ctx context.Context) error {
		if pingEndpoint(ctx, client, http.MethodHead, endpoint) == nil {
			return nil
		}
		return pingEndpoint(ctx, client, http.MethodGet, endpoint)
	}
}

func pingEndpoint(ctx context.Context, client *http.Client, method, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}
	return nil
}
