package netmon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Status is the reported network reachability.
type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusOnline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	}
	return "unknown"
}

// Probe checks reachability once. Implementations must respect the
// context deadline.
type Probe func(ctx context.Context) bool

// DialProbe probes reachability with a TCP dial against addr.
func DialProbe(addr string) Probe {
	return func(ctx context.Context) bool {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

const (
	defaultInterval = 5 * time.Second
	probeTimeout    = 3 * time.Second
	changeBuffer    = 16
)

// Monitor observes network reachability and reports transitions.
// It holds no message data; transitions drive the conversation
// manager's source selection.
type Monitor struct {
	probe    Probe
	interval time.Duration

	mu      sync.Mutex
	current Status

	changes  chan Status
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor with the given probe. A zero interval uses the
// default. The status stays unknown until the first probe completes.
func New(probe Probe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		current:  StatusUnknown,
		changes:  make(chan Status, changeBuffer),
		stop:     make(chan struct{}),
	}
}

// Start begins probing in the background. Call Stop to release it.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop halts probing. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Current returns the last observed status.
func (m *Monitor) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Changes returns the transition stream. Only actual transitions are
// emitted, never repeats of the current status.
func (m *Monitor) Changes() <-chan Status {
	return m.changes
}

func (m *Monitor) loop() {
	m.check()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	status := StatusOffline
	if m.probe(ctx) {
		status = StatusOnline
	}

	m.mu.Lock()
	changed := status != m.current
	m.current = status
	m.mu.Unlock()

	if !changed {
		return
	}

	select {
	case m.changes <- status:
	default:
		slog.Warn("connectivity change buffer full, dropping transition", "status", status)
	}
}
