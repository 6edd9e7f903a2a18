// Package netmon provides the network reachability signal the engine reacts
// to: a Monitor interface, an HTTP probe implementation, and a static
// monitor for tests.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/a-cube-io/ereceipts-go-sdk/clock"
	"github.com/a-cube-io/ereceipts-go-sdk/transport"
)

// Monitor reports connectivity and notifies on transitions.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Callbacks: invoked once per transition, not per check; they must not
//   block.
type Monitor interface {
	// IsOnline reports current connectivity.
	IsOnline() bool

	// OnStatusChange registers a transition callback and returns an
	// unsubscribe function.
	OnStatusChange(fn func(online bool)) (unsubscribe func())
}

// statusNotifier implements subscriber bookkeeping shared by monitors.
type statusNotifier struct {
	mu     sync.Mutex
	seq    int
	online bool
	subs   map[int]func(online bool)
}

func newStatusNotifier(online bool) *statusNotifier {
	return &statusNotifier{online: online, subs: make(map[int]func(bool))}
}

func (n *statusNotifier) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *statusNotifier) OnStatusChange(fn func(online bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	id := n.seq
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// setOnline records the new status and notifies subscribers on transition.
func (n *statusNotifier) setOnline(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	fns := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// ProbeConfig configures the HTTP probe monitor.
type ProbeConfig struct {
	// Endpoint is probed with a GET to decide reachability.
	// Default: "/health"
	Endpoint string

	// Interval between probes.
	// Default: 15 seconds
	Interval time.Duration

	// Timeout bounds a single probe.
	// Default: 5 seconds
	Timeout time.Duration

	// Clock overrides the time source. Default: system clock.
	Clock clock.Clock
}

// Probe is a Monitor that decides connectivity by polling a lightweight
// endpoint over the transport.
type Probe struct {
	*statusNotifier

	config    ProbeConfig
	transport transport.Transport

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProbe creates a probe monitor. The monitor starts optimistic
// (online) until the first probe says otherwise; call Start to begin
// polling.
func NewProbe(t transport.Transport, config ProbeConfig) *Probe {
	if config.Endpoint == "" {
		config.Endpoint = "/health"
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}

	return &Probe{
		statusNotifier: newStatusNotifier(true),
		config:         config,
		transport:      t,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start begins probing until Stop is called or ctx ends.
func (p *Probe) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop halts probing. Idempotent.
func (p *Probe) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// CheckNow runs a single probe immediately and returns the result.
func (p *Probe) CheckNow(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	_, err := p.transport.Get(ctx, p.config.Endpoint)
	online := err == nil
	p.setOnline(online)
	return online
}

func (p *Probe) run(ctx context.Context) {
	defer close(p.done)

	ticker := p.config.Clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.CheckNow(ctx)
	for {
		select {
		case <-ticker.C():
			p.CheckNow(ctx)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Static is a Monitor whose status is set directly; intended for tests
// and for hosts that receive connectivity signals from the platform.
type Static struct {
	*statusNotifier
}

// NewStatic creates a static monitor with the given initial status.
func NewStatic(online bool) *Static {
	return &Static{statusNotifier: newStatusNotifier(online)}
}

// SetOnline updates the status, notifying subscribers on transition.
func (s *Static) SetOnline(online bool) {
	s.setOnline(online)
}

// Ensure implementations satisfy Monitor
var (
	_ Monitor = (*Probe)(nil)
	_ Monitor = (*Static)(nil)
)
