// Package transport implements the worker-facing WebSocket front end:
// connection accept, authorization, and the getwork/submit JSON-RPC
// methods workers speak. Server also implements coordinator.PeersRouter,
// so the coordinator can push templates back to a specific connection
// without knowing anything about WebSockets.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zkpool/coordinator/internal/config"
	"github.com/zkpool/coordinator/internal/coordinator"
	"github.com/zkpool/coordinator/internal/policy"
	"github.com/zkpool/coordinator/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server accepts worker WebSocket connections and is the coordinator's
// PeersRouter.
type Server struct {
	cfg    *config.CoordinatorConfig
	mining config.MiningConfig
	policy *policy.PolicyServer
	coord  *coordinator.Coordinator

	httpServer *http.Server
	clients    sync.Map // peerID (string) -> *client
	clientSeq  uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

type client struct {
	id         string
	conn       *websocket.Conn
	address    coordinator.WorkerAddress
	worker     string
	authorized bool
	difficulty uint64
	remoteAddr string
	connectedAt time.Time

	writeMu sync.Mutex
	quit    chan struct{}
}

// rpcRequest is a JSON-RPC style request from a worker.
type rpcRequest struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

type rpcNotify struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// getWorkResult mirrors the template the worker should attempt to prove.
type getWorkResult struct {
	Height       uint64 `json:"height"`
	Difficulty   uint64 `json:"difficulty"`
	PreviousHash string `json:"previousHash"`
	Timestamp    uint64 `json:"timestamp"`
}

// NewServer creates a worker-facing WebSocket server bound to cfg.Bind.
// coord must already be constructed; Server.SendBlockTemplate is wired
// into it by the caller as its PeersRouter.
func NewServer(cfg *config.CoordinatorConfig, mining config.MiningConfig, policyServer *policy.PolicyServer, coord *coordinator.Coordinator) *Server {
	return &Server{
		cfg:    cfg,
		mining: mining,
		policy: policyServer,
		coord:  coord,
		quit:   make(chan struct{}),
	}
}

// Start begins serving worker connections.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnection)
	mux.HandleFunc("/ws", s.handleConnection)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: mux,
	}

	util.Infof("worker WebSocket server listening on %s", s.cfg.Bind)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("worker WebSocket server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the server and closes all connections.
func (s *Server) Stop() {
	close(s.quit)

	if s.httpServer != nil {
		s.httpServer.Close()
	}

	s.clients.Range(func(_, value interface{}) bool {
		value.(*client).conn.Close()
		return true
	})

	s.wg.Wait()
	util.Info("worker WebSocket server stopped")
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = forwarded
	}

	if s.policy != nil {
		if s.policy.IsBanned(ip) {
			http.Error(w, "banned", http.StatusForbidden)
			return
		}
		if !s.policy.ApplyConnectionLimit(ip) {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	id := atomic.AddUint64(&s.clientSeq, 1)
	c := &client{
		id:          fmt.Sprintf("%d", id),
		conn:        conn,
		difficulty:  s.mining.MinShareDifficulty,
		remoteAddr:  ip,
		connectedAt: time.Now(),
		quit:        make(chan struct{}),
	}

	s.clients.Store(c.id, c)
	util.Debugf("worker %s connected from %s", c.id, ip)

	s.wg.Add(1)
	go s.handleClient(c)
}

func (s *Server) handleClient(c *client) {
	defer s.wg.Done()
	defer func() {
		c.conn.Close()
		s.clients.Delete(c.id)
		close(c.quit)
		util.Debugf("worker %s disconnected", c.id)
	}()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.sendError(c, nil, -32700, "parse error")
			continue
		}

		s.handleRequest(c, &req)
	}
}

func (s *Server) handleRequest(c *client, req *rpcRequest) {
	switch req.Method {
	case "mining.authorize", "authorize":
		s.handleAuthorize(c, req)
	case "mining.getwork", "getwork":
		s.handleGetWork(c, req)
	case "mining.submit", "submit":
		s.handleSubmit(c, req)
	default:
		s.sendError(c, req.ID, -32601, "method not found")
	}
}

func (s *Server) handleAuthorize(c *client, req *rpcRequest) {
	if len(req.Params) < 1 {
		s.sendError(c, req.ID, -1, "invalid params")
		return
	}

	username, ok := req.Params[0].(string)
	if !ok {
		s.sendError(c, req.ID, -1, "invalid username")
		return
	}

	address, worker := parseWorkerID(username)

	if !util.ValidateAddress(address) {
		s.sendError(c, req.ID, -1, "invalid address")
		return
	}

	if s.policy != nil && !s.policy.ApplyLoginPolicy(address, c.remoteAddr) {
		s.sendError(c, req.ID, -1, "address blacklisted")
		return
	}

	c.address = coordinator.WorkerAddress(address)
	c.worker = worker
	c.authorized = true

	util.Infof("worker %s authorized: %s.%s", c.id, truncate(address), worker)
	s.sendResult(c, req.ID, true)

	s.coord.RequestTemplate(c.id, c.address)
}

func (s *Server) handleGetWork(c *client, req *rpcRequest) {
	if !c.authorized {
		s.sendError(c, req.ID, 24, "unauthorized")
		return
	}

	tmpl := s.coord.CurrentTemplate()
	if tmpl == nil {
		s.sendError(c, req.ID, -1, "no template available")
		return
	}

	s.sendResult(c, req.ID, getWorkResult{
		Height:       tmpl.Height,
		Difficulty:   c.difficulty,
		PreviousHash: fmt.Sprintf("%x", tmpl.PreviousHash),
		Timestamp:    tmpl.Timestamp,
	})
}

func (s *Server) handleSubmit(c *client, req *rpcRequest) {
	if !c.authorized {
		s.sendError(c, req.ID, 24, "unauthorized")
		return
	}

	if len(req.Params) < 1 {
		s.sendError(c, req.ID, -1, "invalid params")
		return
	}

	proofHex, ok := req.Params[0].(string)
	if !ok {
		s.sendError(c, req.ID, -1, "invalid proof")
		return
	}

	tmpl := s.coord.CurrentTemplate()
	if tmpl == nil {
		s.sendError(c, req.ID, 21, "no template to submit against")
		return
	}

	block := &coordinator.ProposedBlock{
		Height:           tmpl.Height,
		Proof:            []byte(proofHex),
		DifficultyTarget: c.difficulty,
		CoinbaseRecords: []coordinator.CoinbaseRecord{
			{Owner: string(tmpl.CoinbaseRecipient), Amount: 0},
		},
	}

	outcome := s.coord.SubmitProposedBlock(c.id, block, c.address, c)

	if s.policy != nil {
		s.policy.ApplySharePolicy(c.remoteAddr, outcome.Credited)
	}

	if !outcome.Credited {
		s.sendError(c, req.ID, 23, outcome.Reason)
		return
	}

	s.sendResult(c, req.ID, true)
}

// SendBlockTemplate implements coordinator.PeersRouter: it delivers a
// freshly-built template to the specific connection identified by
// peerID, if still connected.
func (s *Server) SendBlockTemplate(ctx context.Context, peerID string, shareDifficulty uint64, template *coordinator.BlockTemplate) error {
	value, ok := s.clients.Load(peerID)
	if !ok {
		return nil
	}
	c := value.(*client)
	c.difficulty = shareDifficulty

	s.sendNotify(c, "mining.notify", []interface{}{
		template.Height,
		fmt.Sprintf("%x", template.PreviousHash),
		shareDifficulty,
	})
	return nil
}

func (s *Server) sendResult(c *client, id interface{}, result interface{}) {
	s.send(c, rpcResponse{ID: id, Result: result})
}

func (s *Server) sendError(c *client, id interface{}, code int, message string) {
	s.send(c, rpcResponse{ID: id, Error: []interface{}{code, message, nil}})
}

func (s *Server) sendNotify(c *client, method string, params []interface{}) {
	s.send(c, rpcNotify{Method: method, Params: params})
}

func (s *Server) send(c *client, msg interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		util.Debugf("WebSocket write error for worker %s: %v", c.id, err)
	}
}

// ClientCount returns the number of currently connected workers.
func (s *Server) ClientCount() int {
	count := 0
	s.clients.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// parseWorkerID splits a "address.worker" username into its parts.
func parseWorkerID(username string) (address, worker string) {
	for i := 0; i < len(username); i++ {
		if username[i] == '.' {
			return username[:i], username[i+1:]
		}
	}
	return username, "default"
}

func truncate(address string) string {
	if len(address) <= 16 {
		return address
	}
	return address[:16]
}
