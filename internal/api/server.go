// Package api provides the read-only REST surface over the coordinator's
// running state and the durable Share Store.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zkpool/coordinator/internal/config"
	"github.com/zkpool/coordinator/internal/coordinator"
	"github.com/zkpool/coordinator/internal/storage"
	"github.com/zkpool/coordinator/internal/util"
)

// UpstreamStatus describes one ledger node as seen by the upstream
// manager, independent of that package to avoid an import cycle.
type UpstreamStatus struct {
	URL          string  `json:"url"`
	Healthy      bool    `json:"healthy"`
	ResponseTime float64 `json:"response_time_ms"`
	Height       uint64  `json:"height"`
}

// UpstreamStateFunc is a callback returning the current upstream status set.
type UpstreamStateFunc func() []UpstreamStatus

// Server is the read-only API server.
type Server struct {
	cfg   *config.APIConfig
	stats config.StatsConfig
	store *storage.RedisShareStore
	coord *coordinator.Coordinator

	router *gin.Engine
	server *http.Server

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time

	upstreamStateFunc UpstreamStateFunc
}

// StatsResponse is the /api/stats response.
type StatsResponse struct {
	Pool    PoolStats    `json:"pool"`
	Workers int          `json:"workers"`
	Now     int64        `json:"now"`
}

// PoolStats mirrors storage.PoolStats for the wire response.
type PoolStats struct {
	Hashrate        float64 `json:"hashrate"`
	Workers         int64   `json:"workers"`
	RoundShares     uint64  `json:"round_shares"`
	BlocksFound     uint64  `json:"blocks_found"`
	LastBlockHeight uint64  `json:"last_block_height"`
	LastBlockFound  int64   `json:"last_block_found"`
}

// WorkerResponse is one entry of the /api/workers response.
type WorkerResponse struct {
	Address          string  `json:"address"`
	Hashrate         float64 `json:"hashrate"`
	SharesSinceReset uint64  `json:"shares_since_reset"`
	LastShare        int64   `json:"last_share"`
}

// NewServer creates a new API server over store and coord.
func NewServer(cfg *config.APIConfig, stats config.StatsConfig, store *storage.RedisShareStore, coord *coordinator.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		stats:  stats,
		store:  store,
		coord:  coord,
		router: router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := "*"
		if len(s.cfg.CORSOrigins) > 0 {
			origin = s.cfg.CORSOrigins[0]
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	group := s.router.Group("/api")
	{
		group.GET("/stats", s.handleStats)
		group.GET("/workers", s.handleWorkers)
		group.GET("/template", s.handleTemplate)
		group.GET("/upstreams", s.handleUpstreams)
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// SetUpstreamStateFunc sets the callback used by /api/upstreams.
func (s *Server) SetUpstreamStateFunc(fn UpstreamStateFunc) {
	s.upstreamStateFunc = fn
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	poolStats, err := s.store.PoolStats(s.stats.HashrateWindow)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get pool stats"})
		return
	}

	response := &StatsResponse{
		Pool: PoolStats{
			Hashrate:        poolStats.Hashrate,
			Workers:         poolStats.Workers,
			RoundShares:     poolStats.RoundShares,
			BlocksFound:     poolStats.BlocksFound,
			LastBlockHeight: poolStats.LastBlockHeight,
			LastBlockFound:  poolStats.LastBlockFound,
		},
		Workers: s.coord.WorkerCount(),
		Now:     time.Now().Unix(),
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

func (s *Server) handleWorkers(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(400, gin.H{"error": "address query parameter required"})
		return
	}
	if !util.ValidateAddress(address) {
		c.JSON(400, gin.H{"error": "invalid address"})
		return
	}

	hashrate, err := s.store.WorkerHashrate(coordinator.WorkerAddress(address), s.stats.HashrateWindow)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get worker hashrate"})
		return
	}

	c.JSON(200, WorkerResponse{
		Address:  address,
		Hashrate: hashrate,
	})
}

func (s *Server) handleTemplate(c *gin.Context) {
	tmpl := s.coord.CurrentTemplate()
	if tmpl == nil {
		c.JSON(503, gin.H{"error": "no block template available"})
		return
	}

	c.JSON(200, gin.H{
		"height":     tmpl.Height,
		"difficulty": tmpl.DifficultyTarget,
		"timestamp":  tmpl.Timestamp,
	})
}

func (s *Server) handleUpstreams(c *gin.Context) {
	if s.upstreamStateFunc == nil {
		c.JSON(200, gin.H{"upstreams": []UpstreamStatus{}, "total": 0, "healthy": 0})
		return
	}

	upstreams := s.upstreamStateFunc()

	healthy := 0
	for _, u := range upstreams {
		if u.Healthy {
			healthy++
		}
	}

	c.JSON(200, gin.H{
		"upstreams": upstreams,
		"total":     len(upstreams),
		"healthy":   healthy,
	})
}
