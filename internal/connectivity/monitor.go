package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/fieldsync/internal/broadcast"
)

// State combines interface availability and backend health
type State int

const (
	StateUnknown State = iota
	StateOffline
	StateOnlineChecking
	StateOnlineHealthy
	StateOnlineBackendDown
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateOnlineChecking:
		return "ONLINE_CHECKING"
	case StateOnlineHealthy:
		return "ONLINE_HEALTHY"
	case StateOnlineBackendDown:
		return "ONLINE_BACKEND_DOWN"
	default:
		return "UNKNOWN"
	}
}

// InterfaceChecker reports whether the device has a usable network interface
type InterfaceChecker interface {
	Available() bool
}

// Monitor is the dual-layer connectivity check: a fast interface check,
// then a cached backend probe. While the backend is down it retries with
// exponential backoff.
type Monitor struct {
	iface  InterfaceChecker
	health *HealthChecker
	logger *slog.Logger

	state     *broadcast.State[State]
	connected *broadcast.State[bool]

	mu       sync.Mutex
	retry    *time.Timer
	retryGen uint64
}

// NewMonitor creates a monitor in the UNKNOWN state
func NewMonitor(iface InterfaceChecker, health *HealthChecker, logger *slog.Logger) *Monitor {
	return &Monitor{
		iface:     iface,
		health:    health,
		logger:    logger,
		state:     broadcast.NewState(StateUnknown),
		connected: broadcast.NewState(false),
	}
}

// States exposes connectivity state changes
func (m *Monitor) States() *broadcast.State[State] { return m.state }

// Connected exposes whether both layers are up
func (m *Monitor) Connected() *broadcast.State[bool] { return m.connected }

// State returns the current connectivity state
func (m *Monitor) State() State { return m.state.Get() }

// IsNetworkAvailable is the fast, interface-only check
func (m *Monitor) IsNetworkAvailable() bool { return m.iface.Available() }

// CheckFullConnectivity checks the interface and then the backend. It
// returns true only when both are up.
func (m *Monitor) CheckFullConnectivity(ctx context.Context, force bool) bool {
	if !m.iface.Available() {
		m.setOffline()
		return false
	}

	m.state.Set(StateOnlineChecking)
	result := m.health.Check(ctx, force)

	// the interface may have dropped while the probe was in flight
	if !m.iface.Available() {
		m.setOffline()
		return false
	}

	if result.IsHealthy {
		m.state.Set(StateOnlineHealthy)
		m.connected.Set(true)
		m.CancelHealthCheckRetry()
		return true
	}

	m.state.Set(StateOnlineBackendDown)
	m.connected.Set(false)
	m.scheduleRetry()
	return false
}

// OnNetworkRestored forgets the old probe results and runs a forced check
func (m *Monitor) OnNetworkRestored(ctx context.Context) bool {
	m.logger.Debug("network restored, verifying backend health")
	m.health.Reset()
	return m.CheckFullConnectivity(ctx, true)
}

// OnNetworkLost moves to OFFLINE and cancels any pending retry
func (m *Monitor) OnNetworkLost() {
	m.CancelHealthCheckRetry()
	m.setOffline()
	m.logger.Debug("network lost")
}

// Reset returns the monitor to UNKNOWN, for logout
func (m *Monitor) Reset() {
	m.CancelHealthCheckRetry()
	m.health.Reset()
	m.state.Set(StateUnknown)
	m.connected.Set(false)
}

// CancelHealthCheckRetry stops a scheduled retry probe
func (m *Monitor) CancelHealthCheckRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryGen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// HasPendingRetry reports whether a retry probe is scheduled
func (m *Monitor) HasPendingRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry != nil
}

func (m *Monitor) scheduleRetry() {
	delay := m.health.RetryDelay()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retryGen++
	gen := m.retryGen
	m.retry = time.AfterFunc(delay, func() { m.runRetry(gen) })

	m.logger.Debug("scheduled health check retry", "delay", delay)
}

func (m *Monitor) runRetry(gen uint64) {
	m.mu.Lock()
	if gen != m.retryGen {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	if !m.iface.Available() {
		return
	}
	m.logger.Debug("retrying backend health check")
	m.CheckFullConnectivity(context.Background(), true)
}

func (m *Monitor) setOffline() {
	m.state.Set(StateOffline)
	m.connected.Set(false)
}
