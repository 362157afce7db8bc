// Package observability wires the coordinator's share and block events
// into New Relic APM. Agent implements coordinator.Metrics.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/zkpool/coordinator/internal/config"
	"github.com/zkpool/coordinator/internal/util"
)

// Agent wraps New Relic APM functionality and implements
// coordinator.Metrics.
type Agent struct {
	cfg *config.ObservabilityConfig

	mu  sync.RWMutex
	app *newrelic.Application
}

// NewAgent creates a new agent; it does not connect until Start.
func NewAgent(cfg *config.ObservabilityConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic agent.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("APM license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("APM connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the agent.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("shutting down APM agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application, for
// middleware that instruments HTTP handlers directly.
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled reports whether Start created an application. An
// application whose initial connection timed out in Start still counts.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

func (a *Agent) recordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

func (a *Agent) recordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NewContext adds txn to ctx.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// RecordShareSubmission implements coordinator.Metrics: it is called
// from the dispatcher goroutine once per submitted share, so it must
// not block on network I/O — RecordCustomEvent buffers internally.
func (a *Agent) RecordShareSubmission(worker string, difficulty uint64, valid bool) {
	status := "valid"
	if !valid {
		status = "invalid"
	}
	a.recordCustomEvent("ShareSubmission", map[string]interface{}{
		"worker":     worker,
		"difficulty": difficulty,
		"status":     status,
	})
}

// RecordBlockFound implements coordinator.Metrics.
func (a *Agent) RecordBlockFound(height uint64, finder string) {
	a.recordCustomEvent("BlockFound", map[string]interface{}{
		"height": height,
		"finder": finder,
	})
}

// UpdatePoolMetrics publishes pool-wide gauges, intended to be called
// from the stats-refresh path alongside the API server's cache.
func (a *Agent) UpdatePoolMetrics(hashrate float64, workers int64) {
	a.recordCustomMetric("Custom/Pool/Hashrate", hashrate)
	a.recordCustomMetric("Custom/Pool/Workers", float64(workers))
}

// UpdateNetworkMetrics publishes network-tip gauges.
func (a *Agent) UpdateNetworkMetrics(height uint64, difficulty uint64) {
	a.recordCustomMetric("Custom/Network/Height", float64(height))
	a.recordCustomMetric("Custom/Network/Difficulty", float64(difficulty))
}
