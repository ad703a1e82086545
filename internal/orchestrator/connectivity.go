package orchestrator

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HTTPProbe implements Connectivity by polling the server health endpoint
type HTTPProbe struct {
	url      string
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger

	online   atomic.Bool
	restored chan struct{}
}

// NewHTTPProbe creates a probe for baseURL. The probe starts offline.
func NewHTTPProbe(baseURL string, interval time.Duration, client *http.Client, logger *zap.Logger) *HTTPProbe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProbe{
		url:      strings.TrimRight(baseURL, "/") + "/healthz",
		client:   client,
		interval: interval,
		logger:   logger,
		restored: make(chan struct{}, 1),
	}
}

func (p *HTTPProbe) Online() bool {
	return p.online.Load()
}

func (p *HTTPProbe) Restored() <-chan struct{} {
	return p.restored
}

// Check probes the server once and records the result
func (p *HTTPProbe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	was := p.online.Swap(online)

	switch {
	case online && !was:
		p.logger.Info("Server reachable")
		select {
		case p.restored <- struct{}{}:
		default:
		}
	case !online && was:
		p.logger.Info("Server unreachable")
	}
	return online
}

// Run checks immediately and then every interval until ctx is done
func (p *HTTPProbe) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

func (p *HTTPProbe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
