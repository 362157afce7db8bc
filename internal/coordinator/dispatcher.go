package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/zkpool/coordinator/internal/util"
)

// RefreshPeriod is the default interval the refresh timer polls the
// ledger tip at (§4.F).
const RefreshPeriod = 5 * time.Second

// DefaultInitialShareMultiplier is the factor applied to the network
// target to compute a first-time worker's share difficulty: 50x
// easier than full difficulty, per spec.
const DefaultInitialShareMultiplier = 50

// DefaultChannelCapacity is the default bound on the request channel
// (§5, ingress buffering).
const DefaultChannelCapacity = 1024

// Notifier receives a callback when a share is promoted to a block.
// Implemented by internal/notify.
type Notifier interface {
	NotifyBlockFound(height uint64, finder string)
}

// Metrics receives coordinator event callbacks for observability.
// Implemented by internal/observability.
type Metrics interface {
	RecordShareSubmission(worker string, difficulty uint64, valid bool)
	RecordBlockFound(height uint64, finder string)
}

// Config configures a Coordinator.
type Config struct {
	// LocalAddr is attached to outbound UnconfirmedBlock messages.
	LocalAddr string
	// PoolRecipient is the address that must own at least one
	// coinbase output of any accepted block, and the recipient the
	// refresh timer builds templates for.
	PoolRecipient WorkerAddress
	// RefreshPeriod overrides RefreshPeriod if non-zero.
	RefreshPeriod time.Duration
	// InitialShareMultiplier overrides DefaultInitialShareMultiplier
	// if non-zero.
	InitialShareMultiplier uint64
	// ChannelCapacity overrides DefaultChannelCapacity if non-zero.
	ChannelCapacity int
}

// Coordinator is the mining-pool coordinator: Template Cache, Worker
// Registry, Share Store, and the single-writer Request Dispatcher that
// serializes all mutation of the Worker Registry and Share Store through
// one goroutine (§4.D, §5). The Template Cache is rebuilt outside the
// dispatcher, by Start and the refresh timer, under its own lock.
type Coordinator struct {
	cfg Config

	template *templateCache
	registry *workerRegistry
	store    ShareStore

	blockValidator BlockValidator
	ledgerRouter   LedgerRouter
	peersRouter    PeersRouter

	notifier Notifier
	metrics  Metrics

	localAddr              string
	initialShareMultiplier uint64

	inbound chan request

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Coordinator. It does not start any goroutines; call
// Start to begin dispatching and the refresh timer.
func New(
	cfg Config,
	reader LedgerReader,
	router LedgerRouter,
	peers PeersRouter,
	mempool Mempool,
	store ShareStore,
	validator BlockValidator,
	notifier Notifier,
	metrics Metrics,
) *Coordinator {
	capacity := cfg.ChannelCapacity
	if capacity == 0 {
		capacity = DefaultChannelCapacity
	}
	multiplier := cfg.InitialShareMultiplier
	if multiplier == 0 {
		multiplier = DefaultInitialShareMultiplier
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:                    cfg,
		template:               newTemplateCache(reader, mempool),
		registry:               newWorkerRegistry(),
		store:                  store,
		blockValidator:         validator,
		ledgerRouter:           router,
		peersRouter:            peers,
		notifier:               notifier,
		metrics:                metrics,
		localAddr:              cfg.LocalAddr,
		initialShareMultiplier: multiplier,
		inbound:                make(chan request, capacity),
		ctx:                    ctx,
		cancel:                 cancel,
	}
}

// SetPeersRouter wires the outbound peer transport. Callers that need
// the coordinator to construct their transport (e.g. to hand it a
// RequestTemplate/CurrentTemplate/SubmitProposedBlock reference) pass
// nil to New and call this before Start; it must not be called once
// the dispatcher is running.
func (c *Coordinator) SetPeersRouter(peers PeersRouter) {
	c.peersRouter = peers
}

// Start builds the initial template (if the ledger has a tip already)
// and begins the dispatcher and refresh-timer goroutines.
func (c *Coordinator) Start() error {
	util.Info("Starting pool coordinator...")

	if err := c.template.refresh(c.ctx, c.cfg.PoolRecipient); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.dispatchLoop()
	go c.refreshLoop()

	util.Info("Pool coordinator started")
	return nil
}

// Stop cancels both long-running tasks and waits for in-flight
// handlers to complete. Any handler already in progress runs to
// completion; handlers are short and never loop.
func (c *Coordinator) Stop() {
	util.Info("Stopping pool coordinator...")
	c.cancel()
	c.wg.Wait()
	util.Info("Pool coordinator stopped")
}

// dispatchLoop is the single-writer Request Dispatcher (§4.D). It
// drains the inbound channel in arrival order and runs each handler to
// completion before the next, which is the sole correctness mechanism
// for Template Cache / Worker Registry / Share Store consistency.
func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case r := <-c.inbound:
			switch {
			case r.proposedBlock != nil:
				outcome := c.handleProposedBlock(c.ctx, r.proposedBlock)
				if r.proposedBlock.Result != nil {
					r.proposedBlock.Result <- outcome
				}
			case r.getTemplate != nil:
				c.handleGetCurrentBlockTemplate(c.ctx, r.getTemplate)
			case r.clearHeight != nil:
				c.handleBlockHeightClear(r.clearHeight)
			}
		}
	}
}

// refreshLoop is the Refresh Timer (§4.F): every RefreshPeriod it
// compares the current template's implied tip against the ledger's
// actual tip and rebuilds the template on divergence. This runs
// outside the dispatcher and mutates the Template Cache through its
// own reader/writer lease, never the dispatcher's.
func (c *Coordinator) refreshLoop() {
	defer c.wg.Done()

	period := c.cfg.RefreshPeriod
	if period == 0 {
		period = RefreshPeriod
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.maybeRefresh()
		}
	}
}

func (c *Coordinator) maybeRefresh() {
	tip, err := c.template.reader.LatestHeight(c.ctx)
	if err != nil {
		util.Warnf("refresh: failed to read ledger tip: %v", err)
		return
	}

	current := c.template.get()
	if current != nil && current.Height-1 == tip {
		return
	}

	if err := c.template.refresh(c.ctx, c.cfg.PoolRecipient); err != nil {
		util.Warnf("refresh: template build failed: %v", err)
	}
}

// SubmitProposedBlock enqueues a share submission and blocks until the
// dispatcher has processed it, returning its outcome. If the
// coordinator is shutting down before the request is accepted, it
// returns a negative outcome instead of blocking forever.
func (c *Coordinator) SubmitProposedBlock(peerID string, block *ProposedBlock, worker WorkerAddress, prover ProverHandle) ShareOutcome {
	result := make(chan ShareOutcome, 1)
	req := request{proposedBlock: &ProposedBlockRequest{
		PeerID: peerID,
		Block:  block,
		Worker: worker,
		Prover: prover,
		Result: result,
	}}

	select {
	case c.inbound <- req:
	case <-c.ctx.Done():
		return ShareOutcome{Reason: "coordinator shutting down"}
	}

	select {
	case outcome := <-result:
		return outcome
	case <-c.ctx.Done():
		return ShareOutcome{Reason: "coordinator shutting down"}
	}
}

// RequestTemplate enqueues a template request; the response is
// delivered asynchronously to peerID via the PeersRouter.
func (c *Coordinator) RequestTemplate(peerID string, worker WorkerAddress) {
	req := request{getTemplate: &GetCurrentBlockTemplateRequest{PeerID: peerID, Worker: worker}}
	select {
	case c.inbound <- req:
	case <-c.ctx.Done():
	}
}

// ClearHeight enqueues a round-clear for height.
func (c *Coordinator) ClearHeight(height uint64) {
	req := request{clearHeight: &BlockHeightClearRequest{Height: height}}
	select {
	case c.inbound <- req:
	case <-c.ctx.Done():
	}
}

// CurrentTemplate returns the template currently being mined on, or
// nil if none has been built yet. Exposed read-only for the API
// surface; it does not go through the dispatcher since a snapshot read
// of the cache is already consistent (§4.C).
func (c *Coordinator) CurrentTemplate() *BlockTemplate {
	return c.template.get()
}

// WorkerCount returns the number of workers the registry has ever
// seen, for stats surfaces.
func (c *Coordinator) WorkerCount() int {
	return c.registry.count()
}
