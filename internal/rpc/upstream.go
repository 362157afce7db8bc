package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zkpool/coordinator/internal/config"
	"github.com/zkpool/coordinator/internal/util"
)

// upstreamState tracks one ledger node's health.
type upstreamState struct {
	client *Client
	url    string

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
	responseTime time.Duration
	height       uint64
}

// UpstreamManager manages multiple ledger-node connections with
// automatic health-checked failover (§6, external interfaces).
type UpstreamManager struct {
	upstreams []*upstreamState
	cfg       config.LedgerConfig

	activeIdx int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpstreamManager constructs a manager over every URL named in cfg.
func NewUpstreamManager(ctx context.Context, cfg config.LedgerConfig) *UpstreamManager {
	mgrCtx, cancel := context.WithCancel(ctx)

	mgr := &UpstreamManager{cfg: cfg, ctx: mgrCtx, cancel: cancel}

	for _, url := range cfg.URLs {
		mgr.upstreams = append(mgr.upstreams, &upstreamState{
			client:  NewClient(url, cfg.Timeout),
			url:     url,
			healthy: true,
		})
	}

	return mgr
}

// Start runs an initial health check and begins the periodic loop.
func (m *UpstreamManager) Start() {
	if len(m.upstreams) == 0 {
		util.Warn("no ledger upstreams configured")
		return
	}

	util.Infof("starting ledger upstream manager with %d node(s)", len(m.upstreams))

	m.checkAll()

	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop ends the health check loop.
func (m *UpstreamManager) Stop() {
	m.cancel()
	m.wg.Wait()
	util.Info("ledger upstream manager stopped")
}

func (m *UpstreamManager) healthCheckLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval == 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *UpstreamManager) checkAll() {
	var wg sync.WaitGroup
	for _, u := range m.upstreams {
		wg.Add(1)
		go func(u *upstreamState) {
			defer wg.Done()
			m.check(u)
		}(u)
	}
	wg.Wait()
	m.selectActive()
}

func (m *UpstreamManager) check(u *upstreamState) {
	timeout := m.cfg.HealthCheckTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	start := time.Now()
	height, err := u.client.LatestHeight(ctx)
	elapsed := time.Since(start)

	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastCheck = time.Now()
	u.responseTime = elapsed

	maxFailures := m.cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	recoveryThreshold := m.cfg.RecoveryThreshold
	if recoveryThreshold == 0 {
		recoveryThreshold = 2
	}

	if err != nil {
		u.failCount++
		u.successCount = 0
		if u.failCount >= int32(maxFailures) && u.healthy {
			u.healthy = false
			util.Warnf("ledger upstream %s marked unhealthy after %d failures: %v", u.url, u.failCount, err)
		}
		return
	}

	u.height = height
	u.successCount++
	if !u.healthy && u.successCount >= int32(recoveryThreshold) {
		u.healthy = true
		u.failCount = 0
		util.Infof("ledger upstream %s recovered (height=%d)", u.url, height)
	} else if u.healthy {
		u.failCount = 0
	}
}

func (m *UpstreamManager) selectActive() {
	bestIdx := -1
	var bestHeight uint64

	for i, u := range m.upstreams {
		u.mu.RLock()
		healthy, height := u.healthy, u.height
		u.mu.RUnlock()

		if !healthy {
			continue
		}
		if bestIdx < 0 || height > bestHeight {
			bestIdx, bestHeight = i, height
		}
	}

	if bestIdx < 0 {
		util.Warn("no healthy ledger upstreams available")
		return
	}

	if int32(bestIdx) != atomic.LoadInt32(&m.activeIdx) {
		atomic.StoreInt32(&m.activeIdx, int32(bestIdx))
		util.Infof("switched to ledger upstream %s (height=%d)", m.upstreams[bestIdx].url, bestHeight)
	}
}

// Active returns the client currently selected as best.
func (m *UpstreamManager) Active() *Client {
	if len(m.upstreams) == 0 {
		return nil
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx < 0 || idx >= int32(len(m.upstreams)) {
		idx = 0
	}
	return m.upstreams[idx].client
}

// HasHealthyUpstream reports whether any upstream is currently healthy.
func (m *UpstreamManager) HasHealthyUpstream() bool {
	for _, u := range m.upstreams {
		u.mu.RLock()
		healthy := u.healthy
		u.mu.RUnlock()
		if healthy {
			return true
		}
	}
	return false
}

// CallWithFailover runs fn against the active client, retrying against
// other healthy upstreams in order if it fails.
func (m *UpstreamManager) CallWithFailover(fn func(*Client) error) error {
	active := m.Active()
	if active == nil {
		return nil
	}

	err := fn(active)
	if err == nil {
		return nil
	}

	activeIdx := atomic.LoadInt32(&m.activeIdx)
	for i, u := range m.upstreams {
		if int32(i) == activeIdx {
			continue
		}
		u.mu.RLock()
		healthy := u.healthy
		u.mu.RUnlock()
		if !healthy {
			continue
		}

		if ferr := fn(u.client); ferr == nil {
			atomic.StoreInt32(&m.activeIdx, int32(i))
			util.Infof("failover successful: now using ledger upstream %s", u.url)
			return nil
		}
	}

	return err
}

// UpstreamCount returns the number of configured upstreams.
func (m *UpstreamManager) UpstreamCount() int { return len(m.upstreams) }

// HealthyCount returns the number of upstreams currently marked healthy.
func (m *UpstreamManager) HealthyCount() int {
	count := 0
	for _, u := range m.upstreams {
		u.mu.RLock()
		if u.healthy {
			count++
		}
		u.mu.RUnlock()
	}
	return count
}

// UpstreamState is a point-in-time snapshot of one ledger node's health,
// exported for status surfaces (e.g. the API server's /api/upstreams).
type UpstreamState struct {
	URL          string
	Healthy      bool
	ResponseTime time.Duration
	Height       uint64
}

// States returns a snapshot of every configured upstream's health.
func (m *UpstreamManager) States() []UpstreamState {
	states := make([]UpstreamState, len(m.upstreams))
	for i, u := range m.upstreams {
		u.mu.RLock()
		states[i] = UpstreamState{
			URL:          u.url,
			Healthy:      u.healthy,
			ResponseTime: u.responseTime,
			Height:       u.height,
		}
		u.mu.RUnlock()
	}
	return states
}
