package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Prober issues the raw health request. *remote.Client satisfies it.
type Prober interface {
	Probe(ctx context.Context, path string) (int, error)
}

// HealthResult is the outcome of one backend probe
type HealthResult struct {
	IsHealthy    bool
	ResponseTime time.Duration
	StatusCode   int
	Err          error
	CheckedAt    time.Time
}

// HealthChecker probes the backend and caches the result for CacheTTL.
// Concurrent probes share one request.
type HealthChecker struct {
	prober Prober
	config Config
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	last     *HealthResult
	failures int
}

// NewHealthChecker creates a health checker. A nil now uses time.Now.
func NewHealthChecker(prober Prober, config Config, logger *slog.Logger, now func() time.Time) *HealthChecker {
	if now == nil {
		now = time.Now
	}
	return &HealthChecker{
		prober: prober,
		config: config,
		logger: logger,
		now:    now,
	}
}

// Check returns the backend health. Unless force is set, a result younger
// than the TTL is returned without a request.
func (h *HealthChecker) Check(ctx context.Context, force bool) HealthResult {
	if !force {
		h.mu.Lock()
		if h.last != nil && h.now().Sub(h.last.CheckedAt) < h.config.CacheTTL {
			cached := *h.last
			h.mu.Unlock()
			return cached
		}
		h.mu.Unlock()
	}

	v, _, _ := h.group.Do("probe", func() (any, error) {
		return h.probe(ctx), nil
	})
	return v.(HealthResult)
}

func (h *HealthChecker) probe(ctx context.Context) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, h.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	code, err := h.prober.Probe(ctx, h.config.HealthPath)
	result := HealthResult{
		IsHealthy:    err == nil && isHealthyStatus(code),
		ResponseTime: time.Since(start),
		StatusCode:   code,
		Err:          err,
		CheckedAt:    h.now(),
	}
	if err == nil && !result.IsHealthy {
		result.Err = fmt.Errorf("unexpected status %d", code)
	}

	h.mu.Lock()
	h.last = &result
	if result.IsHealthy {
		h.failures = 0
	} else {
		h.failures++
	}
	failures := h.failures
	h.mu.Unlock()

	if result.IsHealthy {
		h.logger.Debug("backend health check passed",
			"status", code,
			"response_time", result.ResponseTime)
	} else {
		h.logger.Warn("backend health check failed",
			"error", result.Err,
			"consecutive_failures", failures)
	}
	return result
}

// isHealthyStatus treats auth failures as reachable; only the token is stale
func isHealthyStatus(code int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// ConsecutiveFailures returns the number of failed probes since the last success
func (h *HealthChecker) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}

// RetryDelay returns the wait before the next probe after the current
// failure streak. The first failure waits InitialBackoff.
func (h *HealthChecker) RetryDelay() time.Duration {
	failures := h.ConsecutiveFailures()
	if failures > 0 {
		failures--
	}
	return BackoffDelay(h.config, failures)
}

// LastResult returns the cached result, if any
func (h *HealthChecker) LastResult() (HealthResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return HealthResult{}, false
	}
	return *h.last, true
}

// Invalidate drops the cached result so the next check probes
func (h *HealthChecker) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = nil
}

// Reset drops the cache and the failure streak
func (h *HealthChecker) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = nil
	h.failures = 0
}

// BackoffDelay returns min(InitialBackoff * 2^min(n, MaxBackoffExponent), MaxBackoff)
func BackoffDelay(config Config, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > config.MaxBackoffExponent {
		n = config.MaxBackoffExponent
	}
	delay := config.InitialBackoff << uint(n)
	if delay > config.MaxBackoff || delay <= 0 {
		return config.MaxBackoff
	}
	return delay
}
