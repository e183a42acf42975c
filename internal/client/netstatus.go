package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// Prober checks whether the network is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// DNSProber treats any well-formed DNS reply from Server as proof of
// connectivity. A resolver answering NXDOMAIN is still reachable.
type DNSProber struct {
	// Server is host:port of the resolver to ask.
	Server string

	// Name is the query name; empty means the root zone.
	Name string

	// Net is "udp" (default) or "tcp".
	Net string

	Timeout time.Duration
}

// Probe implements Prober.
func (p DNSProber) Probe(ctx context.Context) error {
	name := p.Name
	if name == "" {
		name = "."
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := &dns.Client{Net: p.Net, Timeout: timeout}

	req := &dns.Msg{}
	req.SetQuestion(dns.Fqdn(name), dns.TypeNS)

	reply, _, err := client.ExchangeContext(ctx, req, p.Server)
	if err != nil {
		return fmt.Errorf("probing %s: %w", p.Server, err)
	}
	if reply.Rcode != dns.RcodeSuccess && reply.Rcode != dns.RcodeNameError {
		return fmt.Errorf("probing %s: %s", p.Server, dns.RcodeToString[reply.Rcode])
	}
	return nil
}

// NetworkMonitor polls a Prober and reports online/offline transitions.
type NetworkMonitor struct {
	prober   Prober
	interval time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	known     bool
	online    bool
	listeners []func(online bool)
}

// NewNetworkMonitor creates a monitor. The network counts as online until
// the first probe says otherwise.
func NewNetworkMonitor(prober Prober, interval time.Duration, log *logger.Logger) *NetworkMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &NetworkMonitor{
		prober:   prober,
		interval: interval,
		log:      log.WithComponent("netstatus"),
		online:   true,
	}
}

// OnChange registers fn to run on every transition, in registration order.
func (m *NetworkMonitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Online reports the last observed state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and notifies listeners if the state changed. It
// returns the observed state.
func (m *NetworkMonitor) Check(ctx context.Context) bool {
	err := m.prober.Probe(ctx)
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	first := !m.known
	m.known = true
	m.online = online
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if !changed {
		return online
	}
	if online {
		m.log.Info("Network online")
	} else {
		m.log.Warn("Network offline", "error", err.Error())
	}
	// The initial state was assumed online; only a real change is news.
	if first && online {
		return online
	}
	for _, fn := range listeners {
		fn(online)
	}
	return online
}

// Run probes every interval until ctx is done.
func (m *NetworkMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
