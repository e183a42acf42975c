package client

import (
	"context"
	"sync"
)

// Provider owns the process's one Session and the network monitor that
// feeds it. The composition root constructs it once and closes it at
// shutdown.
type Provider struct {
	cfg    Config
	opts   Options
	prober Prober

	once    sync.Once
	session *Session
	monitor *NetworkMonitor
	err     error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProvider creates a provider. prober may be nil; a DNSProber is used
// when the config names a probe server.
func NewProvider(cfg Config, opts Options, prober Prober) *Provider {
	return &Provider{cfg: cfg, opts: opts, prober: prober}
}

// Session returns the session, building it on first use. Every call
// returns the same instance.
func (p *Provider) Session() (*Session, error) {
	p.once.Do(p.build)
	return p.session, p.err
}

func (p *Provider) build() {
	p.session, p.err = NewSession(p.cfg, p.opts)
	if p.err != nil {
		return
	}
	prober := p.prober
	if prober == nil && p.session.cfg.ProbeServer != "" {
		prober = DNSProber{Server: p.session.cfg.ProbeServer}
	}
	if prober != nil {
		p.monitor = NewNetworkMonitor(prober, p.session.cfg.ProbeInterval, p.opts.Log)
		p.monitor.OnChange(p.session.NetworkChanged)
	}
}

// Monitor returns the network monitor, nil when none is configured.
func (p *Provider) Monitor() *NetworkMonitor {
	p.once.Do(p.build)
	return p.monitor
}

// Start runs the network monitor in the background until Close.
func (p *Provider) Start(ctx context.Context) error {
	if _, err := p.Session(); err != nil {
		return err
	}
	if p.monitor == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.monitor.Run(ctx)
	}()
	return nil
}

// Close stops the monitor and disconnects the session.
func (p *Provider) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if p.session != nil {
		p.session.Disconnect()
	}
	return nil
}
