// Package policy implements ingress security policy for the coordinator:
// per-IP connection rate limiting, invalid-share ratio banning, and a
// malformed-request score, all evaluated ahead of the request dispatcher.
package policy

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zkpool/coordinator/internal/util"
)

// ListSource loads blacklisted worker addresses and whitelisted IPs from
// durable storage. A nil source leaves both lists empty and in-memory only.
type ListSource interface {
	Blacklist() ([]string, error)
	Whitelist() ([]string, error)
}

// Config holds policy configuration.
type Config struct {
	BanningEnabled bool
	BanTimeout     time.Duration
	InvalidPercent float32
	CheckThreshold int32
	MalformedLimit int32

	RateLimitEnabled bool
	ConnectionLimit  int32
	ConnectionGrace  time.Duration
	LimitJump        int32

	ScoreEnabled     bool
	MaxScore         int32
	ScoreResetTime   time.Duration
	ScoreTempBanTime time.Duration

	CostInvalidShare int32
	CostMalformed    int32
	CostConnection   int32
	CostAuth         int32

	ResetInterval   time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		BanningEnabled: true,
		BanTimeout:     30 * time.Minute,
		InvalidPercent: 50.0,
		CheckThreshold: 100,
		MalformedLimit: 5,

		RateLimitEnabled: true,
		ConnectionLimit:  10,
		ConnectionGrace:  5 * time.Minute,
		LimitJump:        5,

		ScoreEnabled:     true,
		MaxScore:         100,
		ScoreResetTime:   1 * time.Minute,
		ScoreTempBanTime: 5 * time.Minute,
		CostInvalidShare: 10,
		CostMalformed:    25,
		CostConnection:   1,
		CostAuth:         2,

		ResetInterval:   1 * time.Hour,
		RefreshInterval: 5 * time.Minute,
	}
}

// IPStats tracks per-IP statistics.
type IPStats struct {
	mu             sync.Mutex
	LastBeat       int64
	BannedAt       int64
	ValidShares    int32
	InvalidShares  int32
	Malformed      int32
	ConnLimit      int32
	Banned         int32
	Score          int32
	LastScoreReset int64
}

// PolicyServer evaluates ingress policy against per-IP statistics.
type PolicyServer struct {
	config *Config
	source ListSource

	statsMu sync.RWMutex
	stats   map[string]*IPStats

	listMu    sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	startedAt int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPolicyServer creates a new policy server. source may be nil, in which
// case blacklist/whitelist enforcement stays purely in-memory.
func NewPolicyServer(cfg *Config, source ListSource) *PolicyServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &PolicyServer{
		config:    cfg,
		source:    source,
		stats:     make(map[string]*IPStats),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		startedAt: time.Now().UnixMilli(),
		quit:      make(chan struct{}),
	}
}

// Start begins the policy server background tasks.
func (p *PolicyServer) Start() {
	util.Info("starting policy server")

	p.refreshLists()

	p.wg.Add(1)
	go p.resetLoop()

	p.wg.Add(1)
	go p.refreshLoop()

	util.Info("policy server started")
}

// Stop shuts down the policy server.
func (p *PolicyServer) Stop() {
	close(p.quit)
	p.wg.Wait()
	util.Info("policy server stopped")
}

func (p *PolicyServer) resetLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

func (p *PolicyServer) refreshLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.refreshLists()
		}
	}
}

func (p *PolicyServer) resetStats() {
	now := time.Now().UnixMilli()
	banTimeout := p.config.BanTimeout.Milliseconds()
	staleTimeout := p.config.ResetInterval.Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed, unbanned := 0, 0

	for ip, stats := range p.stats {
		stats.mu.Lock()

		if stats.BannedAt > 0 && now-stats.BannedAt >= banTimeout {
			stats.BannedAt = 0
			if atomic.CompareAndSwapInt32(&stats.Banned, 1, 0) {
				unbanned++
				util.Infof("ban expired for %s", ip)
			}
		}

		if now-stats.LastBeat >= staleTimeout && stats.Banned == 0 {
			stats.mu.Unlock()
			delete(p.stats, ip)
			removed++
			continue
		}

		stats.mu.Unlock()
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("policy stats reset: removed %d stale, unbanned %d IPs", removed, unbanned)
	}
}

func (p *PolicyServer) refreshLists() {
	if p.source == nil {
		return
	}

	blacklist, err := p.source.Blacklist()
	if err != nil {
		util.Warnf("failed to load blacklist: %v", err)
	} else {
		p.listMu.Lock()
		p.blacklist = make(map[string]struct{}, len(blacklist))
		for _, addr := range blacklist {
			p.blacklist[strings.ToLower(addr)] = struct{}{}
		}
		p.listMu.Unlock()
	}

	whitelist, err := p.source.Whitelist()
	if err != nil {
		util.Warnf("failed to load whitelist: %v", err)
	} else {
		p.listMu.Lock()
		p.whitelist = make(map[string]struct{}, len(whitelist))
		for _, ip := range whitelist {
			p.whitelist[ip] = struct{}{}
		}
		p.listMu.Unlock()
	}
}

func (p *PolicyServer) getStats(ip string) *IPStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{
			LastBeat:  time.Now().UnixMilli(),
			ConnLimit: p.config.ConnectionLimit,
		}
		p.stats[ip] = stats
	} else {
		stats.LastBeat = time.Now().UnixMilli()
	}

	return stats
}

// IsBanned checks if an IP is currently banned.
func (p *PolicyServer) IsBanned(ip string) bool {
	if !p.config.BanningEnabled {
		return false
	}
	stats := p.getStats(ip)
	return atomic.LoadInt32(&stats.Banned) > 0
}

// ApplyConnectionLimit checks and decrements connection limit.
func (p *PolicyServer) ApplyConnectionLimit(ip string) bool {
	if !p.config.RateLimitEnabled {
		return true
	}
	if time.Now().UnixMilli()-p.startedAt < p.config.ConnectionGrace.Milliseconds() {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.ConnLimit--
	return stats.ConnLimit >= 0
}

// ApplyLoginPolicy checks if a worker address is blacklisted.
func (p *PolicyServer) ApplyLoginPolicy(address, ip string) bool {
	p.listMu.RLock()
	_, blacklisted := p.blacklist[strings.ToLower(address)]
	p.listMu.RUnlock()

	if blacklisted {
		util.Warnf("blacklisted address %s from IP %s", address, ip)
		p.BanIP(ip)
		return false
	}
	return true
}

// ApplyMalformedPolicy tracks malformed requests.
func (p *PolicyServer) ApplyMalformedPolicy(ip string) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.Malformed++
	exceeded := stats.Malformed >= p.config.MalformedLimit
	stats.mu.Unlock()

	if exceeded {
		p.BanIP(ip)
		return false
	}
	return true
}

// ApplySharePolicy tracks valid/invalid shares and may ban on a high
// invalid-share ratio.
func (p *PolicyServer) ApplySharePolicy(ip string, valid bool) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()

	if valid {
		stats.ValidShares++
		if p.config.RateLimitEnabled {
			stats.ConnLimit += p.config.LimitJump
		}
	} else {
		stats.InvalidShares++
	}

	totalShares := stats.ValidShares + stats.InvalidShares
	if totalShares < p.config.CheckThreshold {
		stats.mu.Unlock()
		return true
	}

	invalidRatio := float32(stats.InvalidShares) / float32(stats.ValidShares+1) * 100
	stats.ValidShares = 0
	stats.InvalidShares = 0
	stats.mu.Unlock()

	if invalidRatio >= p.config.InvalidPercent {
		util.Warnf("banning %s: invalid share ratio %.1f%% >= %.1f%%", ip, invalidRatio, p.config.InvalidPercent)
		p.BanIP(ip)
		return false
	}
	return true
}

// AddScore adds to an IP's score and returns false if the IP has just
// crossed the ban threshold.
func (p *PolicyServer) AddScore(ip string, cost int32) bool {
	if !p.config.ScoreEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := time.Now().Unix()

	if now-stats.LastScoreReset >= int64(p.config.ScoreResetTime.Seconds()) {
		stats.Score = 0
		stats.LastScoreReset = now
	}

	stats.Score += cost

	if stats.Score >= p.config.MaxScore {
		util.Warnf("score limit exceeded for %s: %d >= %d", ip, stats.Score, p.config.MaxScore)
		stats.Score = 0

		if p.config.ScoreTempBanTime > 0 {
			stats.BannedAt = time.Now().UnixMilli()
			atomic.StoreInt32(&stats.Banned, 1)
		}
		return false
	}
	return true
}

// GetScore returns current score for an IP.
func (p *PolicyServer) GetScore(ip string) int32 {
	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.Score
}

// ApplyConnectionScore applies connection cost.
func (p *PolicyServer) ApplyConnectionScore(ip string) bool {
	return p.AddScore(ip, p.config.CostConnection)
}

// ApplyAuthScore applies authorization cost.
func (p *PolicyServer) ApplyAuthScore(ip string) bool {
	return p.AddScore(ip, p.config.CostAuth)
}

// ApplyInvalidShareScore applies invalid share cost.
func (p *PolicyServer) ApplyInvalidShareScore(ip string) bool {
	return p.AddScore(ip, p.config.CostInvalidShare)
}

// ApplyMalformedScore applies malformed request cost.
func (p *PolicyServer) ApplyMalformedScore(ip string) bool {
	return p.AddScore(ip, p.config.CostMalformed)
}

// BanIP bans an IP address, unless it is whitelisted.
func (p *PolicyServer) BanIP(ip string) {
	if !p.config.BanningEnabled {
		return
	}

	p.listMu.RLock()
	_, whitelisted := p.whitelist[ip]
	p.listMu.RUnlock()

	if whitelisted {
		util.Debugf("IP %s is whitelisted, not banning", ip)
		return
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.BannedAt = time.Now().UnixMilli()
	stats.mu.Unlock()

	if atomic.CompareAndSwapInt32(&stats.Banned, 0, 1) {
		util.Infof("banned IP: %s", ip)
	}
}

// IsWhitelisted checks if an IP is whitelisted.
func (p *PolicyServer) IsWhitelisted(ip string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.whitelist[ip]
	return ok
}

// IsBlacklisted checks if an address is blacklisted.
func (p *PolicyServer) IsBlacklisted(address string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blacklist[strings.ToLower(address)]
	return ok
}

// GetStats returns stats for monitoring.
func (p *PolicyServer) GetStats() (total, banned int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if atomic.LoadInt32(&stats.Banned) > 0 {
			banned++
		}
	}
	return
}

// AddToBlacklist adds an address to the in-memory blacklist.
func (p *PolicyServer) AddToBlacklist(address string) {
	p.listMu.Lock()
	p.blacklist[strings.ToLower(address)] = struct{}{}
	p.listMu.Unlock()
}

// AddToWhitelist adds an IP to the in-memory whitelist.
func (p *PolicyServer) AddToWhitelist(ip string) {
	p.listMu.Lock()
	p.whitelist[ip] = struct{}{}
	p.listMu.Unlock()
}
