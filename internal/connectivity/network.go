package connectivity

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Event is an interface availability change
type Event int

const (
	// EventUp means a usable interface appeared
	EventUp Event = iota
	// EventDown means the last usable interface went away
	EventDown
	// EventDegraded means an interface lost internet capability but may recover
	EventDegraded
)

func (e Event) String() string {
	switch e {
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// InterfaceWatcher reports interface changes as events
type InterfaceWatcher interface {
	InterfaceChecker
	Watch(ctx context.Context) <-chan Event
}

// PollingWatcher lists the host's interfaces on an interval
type PollingWatcher struct {
	interval  time.Duration
	usable    func() bool
	available atomic.Bool
}

// NewPollingWatcher creates a watcher backed by net.Interfaces
func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	w := &PollingWatcher{interval: interval, usable: hostHasUsableInterface}
	w.available.Store(w.usable())
	return w
}

func (w *PollingWatcher) Available() bool { return w.available.Load() }

// Watch polls until ctx is done. The channel is closed on return.
func (w *PollingWatcher) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 1)
	go func() {
		defer close(events)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := w.usable()
				if w.available.Swap(now) == now {
					continue
				}
				ev := EventDown
				if now {
					ev = EventUp
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events
}

// hostHasUsableInterface reports whether any non-loopback interface is up
// and has an address
func hostHasUsableInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// NetworkMonitor turns interface events into monitor calls. A restored
// interface waits out RestoreDebounce, then verifies the backend and calls
// onRestored. While the backend stays down it rechecks every RecheckInterval.
type NetworkMonitor struct {
	watcher    InterfaceWatcher
	monitor    *Monitor
	config     Config
	logger     *slog.Logger
	onRestored func(ctx context.Context)
	onLost     func()
}

// NewNetworkMonitor creates a network monitor. Either callback may be nil.
func NewNetworkMonitor(watcher InterfaceWatcher, monitor *Monitor, config Config, logger *slog.Logger,
	onRestored func(ctx context.Context), onLost func()) *NetworkMonitor {
	return &NetworkMonitor{
		watcher:    watcher,
		monitor:    monitor,
		config:     config,
		logger:     logger,
		onRestored: onRestored,
		onLost:     onLost,
	}
}

// Run processes events until ctx is done
func (n *NetworkMonitor) Run(ctx context.Context) {
	available := n.watcher.Available()
	events := n.watcher.Watch(ctx)

	restore := newDebounce()
	lost := newDebounce()
	recheck := newDebounce()
	defer restore.stop()
	defer lost.stop()
	defer recheck.stop()

	n.logger.Info("network monitor started", "available", available)

	handleLost := func() {
		restore.stop()
		lost.stop()
		recheck.stop()
		if !available {
			return
		}
		available = false
		n.logger.Info("sync network lost")
		n.monitor.OnNetworkLost()
		if n.onLost != nil {
			n.onLost()
		}
	}

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("network monitor stopped")
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			n.logger.Debug("interface event", "event", ev)
			switch ev {
			case EventUp:
				lost.stop()
				if available {
					continue
				}
				available = true
				n.logger.Info("sync network restored, waiting for quiet period",
					"debounce", n.config.RestoreDebounce)
				restore.start(n.config.RestoreDebounce)
			case EventDown:
				handleLost()
			case EventDegraded:
				if available {
					lost.start(n.config.LossDebounce)
				}
			}

		case <-lost.C():
			lost.clear()
			handleLost()

		case <-restore.C():
			restore.clear()
			if n.monitor.OnNetworkRestored(ctx) {
				if n.onRestored != nil {
					n.onRestored(ctx)
				}
				continue
			}
			n.logger.Warn("network restored but backend unreachable",
				"recheck_in", n.config.RecheckInterval)
			recheck.start(n.config.RecheckInterval)

		case <-recheck.C():
			recheck.clear()
			if available {
				restore.start(n.config.RestoreDebounce)
			}
		}
	}
}

// debounce is a restartable one-shot timer whose channel is nil while idle
type debounce struct {
	timer  *time.Timer
	active bool
}

func newDebounce() *debounce {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &debounce{timer: t}
}

func (d *debounce) start(after time.Duration) {
	d.timer.Reset(after)
	d.active = true
}

func (d *debounce) stop() {
	d.timer.Stop()
	d.active = false
}

// clear marks a fired timer idle
func (d *debounce) clear() { d.active = false }

func (d *debounce) C() <-chan time.Time {
	if !d.active {
		return nil
	}
	return d.timer.C
}
