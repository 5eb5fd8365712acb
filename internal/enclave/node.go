// Package enclave is a reference confidential engine node. It accepts
// computation requests over HTTP, executes them in a background worker with
// the engine's keys, and delivers signed callbacks to the requesting ledger.
package enclave

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/blackbox-ledger/blackbox/internal/engine"
	"github.com/blackbox-ledger/blackbox/internal/ledger"
	"github.com/blackbox-ledger/blackbox/internal/network"
	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize     = 100
	DefaultSubmitTimeout = 5 * time.Second
	DefaultResultTTL     = 10 * time.Minute

	deliveryAttempts = 3
	deliveryBackoff  = 200 * time.Millisecond
)

var ErrQueueFull = errors.New("computation queue full")

// JobStatus tracks a computation inside the node.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobDelivered JobStatus = "delivered" // Callback accepted by the ledger
	JobFailed    JobStatus = "failed"    // Callback could not be delivered
)

// JobResult is the node-side record of one computation. It never carries
// plaintext.
type JobResult struct {
	CorrelationID string          `json:"correlation_id"`
	Op            protocol.OpKind `json:"op"`
	Status        JobStatus       `json:"status"`
	Applied       bool            `json:"applied"`
	Error         string          `json:"error,omitempty"`

	finishedAt time.Time
}

type Options struct {
	Engine        *engine.Engine
	SigningKey    *ecdsa.PrivateKey
	Client        *http.Client // Used for callback delivery
	QueueSize     int
	SubmitTimeout time.Duration
	ResultTTL     time.Duration // How long finished job records stay queryable
	Logger        *zap.Logger
}

// Node runs computations in a background worker
type Node struct {
	router        *mux.Router
	engine        *engine.Engine
	key           *ecdsa.PrivateKey
	client        *http.Client
	queue         chan *protocol.ComputationRequest
	submitTimeout time.Duration
	resultTTL     time.Duration
	log           *zap.Logger

	mu      sync.RWMutex
	results map[string]*JobResult
}

func NewNode(opts Options) (*Node, error) {
	if opts.Engine == nil || opts.SigningKey == nil {
		return nil, fmt.Errorf("engine node requires an engine and a signing key")
	}
	if opts.Client == nil {
		opts.Client = network.NewHTTPClient(network.Config{}, ledger.HTTPClientTimeout)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	n := &Node{
		router:        mux.NewRouter(),
		engine:        opts.Engine,
		key:           opts.SigningKey,
		client:        opts.Client,
		queue:         make(chan *protocol.ComputationRequest, opts.QueueSize),
		submitTimeout: opts.SubmitTimeout,
		resultTTL:     opts.ResultTTL,
		log:           opts.Logger.Named("enclave"),
		results:       make(map[string]*JobResult),
	}
	n.setupRoutes()
	return n, nil
}

func (n *Node) Router() *mux.Router {
	return n.router
}

func (n *Node) setupRoutes() {
	n.router.HandleFunc("/compute", n.handleCompute).Methods("POST")
	n.router.HandleFunc("/seal", n.handleSeal).Methods("POST")
	n.router.HandleFunc("/info", n.handleInfo).Methods("GET")
	n.router.HandleFunc("/jobs/{id}", n.handleJob).Methods("GET")
	n.router.HandleFunc("/health", n.handleHealth).Methods("GET")
}

// Info returns the node's public parameters.
func (n *Node) Info() ledger.EngineInfo {
	pub := n.engine.Cipher().PublicKey()
	return ledger.EngineInfo{
		PublicKey: pub[:],
		Signer:    crypto.PubkeyToAddress(n.key.PublicKey),
	}
}

// Submit queues a computation.
// Returns ErrQueueFull if the queue stays full for the submit timeout.
func (n *Node) Submit(req *protocol.ComputationRequest) error {
	if !req.Op.Valid() {
		return protocol.Invalidf("unregistered computation %q", req.Op)
	}
	if req.CallbackURL == "" {
		return protocol.Invalidf("computation %s has no callback url", req.CorrelationID)
	}

	n.mu.Lock()
	n.results[req.CorrelationID] = &JobResult{CorrelationID: req.CorrelationID, Op: req.Op, Status: JobQueued}
	n.mu.Unlock()

	select {
	case n.queue <- req:
		n.log.Debug("queued computation", zap.String("request", req.CorrelationID), zap.String("op", string(req.Op)))
		return nil
	case <-time.After(n.submitTimeout):
		n.finish(req.CorrelationID, JobFailed, false, ErrQueueFull.Error())
		n.log.Warn("queue full, computation rejected", zap.String("request", req.CorrelationID))
		return ErrQueueFull
	}
}

// Result returns a copy of a job's record.
func (n *Node) Result(id string) (*JobResult, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.results[id]
	if !ok {
		return nil, false
	}
	out := *r
	return &out, true
}

func (n *Node) finish(id string, status JobStatus, applied bool, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.results[id]; ok {
		r.Status = status
		r.Applied = applied
		r.Error = errMsg
		r.finishedAt = time.Now()
	}
}

// Prune forgets finished jobs older than olderThan. Queued jobs are kept.
func (n *Node) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	n.mu.Lock()
	defer n.mu.Unlock()
	pruned := 0
	for id, r := range n.results {
		if r.Status != JobQueued && r.finishedAt.Before(cutoff) {
			delete(n.results, id)
			pruned++
		}
	}
	return pruned
}

// Run processes queued computations until ctx ends, pruning finished job
// records as they age past the result TTL.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.resultTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-n.queue:
			n.process(ctx, req)
		case <-ticker.C:
			if pruned := n.Prune(n.resultTTL); pruned > 0 {
				n.log.Debug("pruned job records", zap.Int("count", pruned))
			}
		}
	}
}

func (n *Node) process(ctx context.Context, req *protocol.ComputationRequest) {
	cb := n.execute(req)
	err := n.deliver(ctx, req.CallbackURL, cb)
	if err != nil {
		n.log.Error("callback delivery failed", zap.String("request", req.CorrelationID), zap.Error(err))
		n.finish(req.CorrelationID, JobFailed, cb.Applied, err.Error())
		return
	}
	n.finish(req.CorrelationID, JobDelivered, cb.Applied, cb.Error)
}

// execute runs the computation and signs its callback. A failed computation
// still produces a signed callback carrying the error so the ledger can
// release what the request holds.
func (n *Node) execute(req *protocol.ComputationRequest) *protocol.Callback {
	cb := &protocol.Callback{
		CorrelationID: req.CorrelationID,
		Asset:         req.Asset,
		Op:            req.Op,
		BaseNonce:     req.Mapping.Nonce,
		OutputNonce:   req.OutputNonce,
	}
	out, applied, err := n.engine.Execute(req)
	if err != nil {
		n.log.Warn("computation failed", zap.String("request", req.CorrelationID), zap.String("op", string(req.Op)), zap.Error(err))
		cb.Error = err.Error()
	} else {
		cb.Mapping = out
		cb.Applied = applied
	}
	if err := cb.Sign(n.key); err != nil {
		// Unsigned callbacks are refused by the ledger; the request expires.
		n.log.Error("failed to sign callback", zap.String("request", req.CorrelationID), zap.Error(err))
	}
	n.log.Debug("computed",
		zap.String("request", req.CorrelationID),
		zap.String("op", string(req.Op)),
		zap.Int("entries", cb.Mapping.Len()))
	return cb
}

// deliver posts cb, retrying transport failures and 5xx responses. A 4xx
// answer is final.
func (n *Node) deliver(ctx context.Context, url string, cb *protocol.Callback) error {
	var err error
	for attempt := 0; attempt < deliveryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(deliveryBackoff * time.Duration(attempt)):
			}
		}
		err = network.PostJSON(ctx, n.client, url, cb, nil)
		if err == nil {
			return nil
		}
		var se *network.StatusError
		if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
			return err
		}
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"code":  protocol.CodeOf(err),
		"error": err.Error(),
	})
}

func (n *Node) handleCompute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ComputationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.Invalidf("decode body: %v", err))
		return
	}
	if err := n.Submit(&req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"correlation_id": req.CorrelationID,
		"status":         string(JobQueued),
	})
}

func (n *Node) handleSeal(w http.ResponseWriter, r *http.Request) {
	var req ledger.SealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.Invalidf("decode body: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, ledger.SealResponse{
		Sealed: n.engine.Cipher().SealIdentity(req.Asset, req.Identity),
	})
}

func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.Info())
}

func (n *Node) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, ok := n.Result(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s: %w", id, protocol.ErrRequestNotFound))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
