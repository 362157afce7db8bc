// Command poold runs the zkpool mining-pool coordinator: a single
// process owning the block-template cache, worker registry, and the
// request dispatcher that serializes share validation against one or
// more ledger nodes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zkpool/coordinator/internal/api"
	"github.com/zkpool/coordinator/internal/config"
	"github.com/zkpool/coordinator/internal/coordinator"
	"github.com/zkpool/coordinator/internal/notify"
	"github.com/zkpool/coordinator/internal/observability"
	"github.com/zkpool/coordinator/internal/policy"
	"github.com/zkpool/coordinator/internal/profiling"
	"github.com/zkpool/coordinator/internal/rpc"
	"github.com/zkpool/coordinator/internal/storage"
	"github.com/zkpool/coordinator/internal/transport"
	"github.com/zkpool/coordinator/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("poold v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("poold v%s starting for pool %q", version, cfg.Pool.Name)

	store, err := storage.NewRedisShareStore(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("failed to connect to Redis: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamMgr := rpc.NewUpstreamManager(ctx, cfg.Ledger)
	upstreamMgr.Start()
	defer upstreamMgr.Stop()

	ledgerAdapter := rpc.NewLedgerAdapter(upstreamMgr)
	mempoolAdapter := rpc.NewMempoolAdapter(upstreamMgr)

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("failed to start pprof server: %v", err)
		}
		defer pprofServer.Stop()
	}

	var apmAgent *observability.Agent
	if cfg.Observability.Enabled {
		apmAgent = observability.NewAgent(&cfg.Observability)
		if err := apmAgent.Start(); err != nil {
			util.Errorf("failed to start APM agent: %v", err)
		}
		defer apmAgent.Stop()
	}

	policyConfig := policy.DefaultConfig()
	if cfg.Security.MaxConnectionsPerIP > 0 {
		policyConfig.ConnectionLimit = int32(cfg.Security.MaxConnectionsPerIP)
	}
	if cfg.Security.BanThreshold > 0 {
		policyConfig.CheckThreshold = int32(cfg.Security.BanThreshold)
	}
	if cfg.Security.BanDuration > 0 {
		policyConfig.BanTimeout = cfg.Security.BanDuration
	}
	if cfg.Security.RateLimitShares > 0 {
		policyConfig.MaxScore = int32(cfg.Security.RateLimitShares)
	}
	policyServer := policy.NewPolicyServer(policyConfig, nil)
	policyServer.Start()
	defer policyServer.Stop()

	if cfg.Notify.PoolName == "" {
		cfg.Notify.PoolName = cfg.Pool.Name
	}
	webhookNotifier := notify.NewNotifier(&cfg.Notify)

	var metrics coordinator.Metrics = &noopMetrics{}
	if apmAgent != nil {
		metrics = apmAgent
	}

	coord := coordinator.New(
		coordinator.Config{
			PoolRecipient:          coordinator.WorkerAddress(cfg.Pool.Recipient),
			RefreshPeriod:          cfg.Coordinator.RefreshPeriod,
			InitialShareMultiplier: cfg.Coordinator.InitialShareMultiplier,
			ChannelCapacity:        cfg.Coordinator.ChannelCapacity,
		},
		ledgerAdapter,
		ledgerAdapter,
		nil, // PeersRouter is wired below once the transport server exists.
		mempoolAdapter,
		store,
		rpc.ProofValidator{},
		webhookNotifier,
		metrics,
	)

	wsServer := transport.NewServer(&cfg.Coordinator, cfg.Mining, policyServer, coord)
	coord.SetPeersRouter(wsServer)

	if err := coord.Start(); err != nil {
		util.Fatalf("failed to start coordinator: %v", err)
	}
	defer coord.Stop()

	if err := wsServer.Start(); err != nil {
		util.Fatalf("failed to start worker WebSocket server: %v", err)
	}
	defer wsServer.Stop()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(&cfg.API, cfg.Stats, store, coord)
		apiServer.SetUpstreamStateFunc(func() []api.UpstreamStatus {
			states := upstreamMgr.States()
			result := make([]api.UpstreamStatus, len(states))
			for i, s := range states {
				result[i] = api.UpstreamStatus{
					URL:          s.URL,
					Healthy:      s.Healthy,
					ResponseTime: float64(s.ResponseTime.Milliseconds()),
					Height:       s.Height,
				}
			}
			return result
		})
		if err := apiServer.Start(); err != nil {
			util.Fatalf("failed to start API server: %v", err)
		}
		defer apiServer.Stop()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("poold started successfully, press Ctrl+C to stop")
	<-sigChan
	util.Info("shutting down")
}

// noopMetrics is used when no APM integration is configured.
type noopMetrics struct{}

func (noopMetrics) RecordShareSubmission(worker string, difficulty uint64, valid bool) {}
func (noopMetrics) RecordBlockFound(height uint64, finder string)                      {}
