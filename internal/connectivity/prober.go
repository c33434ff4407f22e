package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/kimhsiao/exposurelog/internal/logging"
)

// Prober feeds a Monitor on hosts without a native reachability API by
// polling a health endpoint. Any HTTP response counts as reachable; the
// connection type cannot be observed over HTTP and comes from config.
type Prober struct {
	monitor        *Monitor
	client         *http.Client
	url            string
	interval       time.Duration
	connectionType Type
}

// NewProber creates a Prober. A non-positive interval defaults to 30s.
func NewProber(monitor *Monitor, url string, interval time.Duration, connectionType Type) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		monitor:        monitor,
		client:         &http.Client{Timeout: 5 * time.Second},
		url:            url,
		interval:       interval,
		connectionType: connectionType,
	}
}

// Probe performs one reachability check and returns the observed state
// without touching the Monitor.
func (p *Prober) Probe(ctx context.Context) State {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		logging.Error("Invalid probe URL", err, map[string]interface{}{"url": p.url})
		return Offline
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("Probe failed", map[string]interface{}{"url": p.url, "error": err.Error()})
		return Offline
	}
	resp.Body.Close()

	return State{IsConnected: true, ConnectionType: p.connectionType}
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.monitor.Update(p.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.monitor.Update(p.Probe(ctx))
		}
	}
}
