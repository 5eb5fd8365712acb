// Package ledger drives the asynchronous request/callback protocol: it
// accepts submits, reserves shard capacity and custody holds, hands the
// committed mapping to the confidential engine one request per ledger at a
// time, and applies each authenticated callback exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blackbox-ledger/blackbox/internal/custody"
	"github.com/blackbox-ledger/blackbox/internal/notify"
	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/blackbox-ledger/blackbox/internal/shardstore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	// HTTPClientTimeout bounds calls to the engine node.
	HTTPClientTimeout = 10 * time.Second

	// maxProvisionAttempts bounds inline shard provisioning per reservation.
	maxProvisionAttempts = 2

	reasonExpired = "expired"
)

// Options wires a Service to its collaborators.
type Options struct {
	Store               *shardstore.Store
	Engine              Engine
	Custody             custody.Custody
	Notifier            notify.Notifier
	Subscriptions       http.Handler   // Served at /ws when set
	EngineAddress       common.Address // Address expected to sign callbacks
	CallbackURL         string         // Where the engine posts callbacks
	AutoProvisionShards bool
	Logger              *zap.Logger
}

// Service coordinates confidential ledger requests
type Service struct {
	router        *mux.Router
	store         *shardstore.Store
	engine        Engine
	custody       custody.Custody
	notifier      notify.Notifier
	subscriptions http.Handler
	signer        common.Address
	callbackURL   string
	autoProvision bool
	log           *zap.Logger
	completed     *completedLog

	mu         sync.RWMutex
	pending    map[string]*PendingRequest
	queues     map[protocol.AssetID]*ledgerQueue
	initQueued map[protocol.AssetID]string

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a ledger service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Engine == nil || opts.Custody == nil {
		return nil, fmt.Errorf("ledger service requires a store, an engine and a custody module")
	}
	if opts.EngineAddress == (common.Address{}) {
		return nil, fmt.Errorf("ledger service requires the engine signing address")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	completed, err := newCompletedLog(opts.Store.DB())
	if err != nil {
		return nil, err
	}

	s := &Service{
		router:        mux.NewRouter(),
		store:         opts.Store,
		engine:        opts.Engine,
		custody:       opts.Custody,
		notifier:      opts.Notifier,
		subscriptions: opts.Subscriptions,
		signer:        opts.EngineAddress,
		callbackURL:   opts.CallbackURL,
		autoProvision: opts.AutoProvisionShards,
		log:           opts.Logger.Named("ledger"),
		completed:     completed,
		pending:       make(map[string]*PendingRequest),
		queues:        make(map[protocol.AssetID]*ledgerQueue),
		initQueued:    make(map[protocol.AssetID]string),
		wake:          make(chan struct{}, 1),
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the HTTP router
func (s *Service) Router() *mux.Router {
	return s.router
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CreateLedger creates the ledger instance for asset and queues its initial
// mapping computation.
func (s *Service) CreateLedger(ctx context.Context, asset protocol.AssetID, vault string) (*shardstore.Ledger, *Receipt, error) {
	l, err := s.store.CreateLedger(asset, vault)
	if err != nil {
		return nil, nil, err
	}
	r := s.ensureInit(asset)
	return l, r, nil
}

// ensureInit queues an init computation for asset unless one is already
// waiting or in flight.
func (s *Service) ensureInit(asset protocol.AssetID) *Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.initQueued[asset]; ok {
		if p, ok := s.pending[id]; ok && !p.Status.Terminal() {
			return &Receipt{CorrelationID: id, Asset: asset, Op: protocol.OpInit, Status: p.Status}
		}
	}
	p := &PendingRequest{
		CorrelationID: uuid.New().String(),
		Asset:         asset,
		Op:            protocol.OpInit,
		Status:        protocol.StatusSubmitted,
		SubmittedAt:   time.Now(),
	}
	s.initQueued[asset] = p.CorrelationID
	s.enqueueLocked(p)
	s.log.Info("queued mapping init", zap.Stringer("asset", asset), zap.String("request", p.CorrelationID))
	return &Receipt{CorrelationID: p.CorrelationID, Asset: asset, Op: protocol.OpInit, Status: p.Status}
}

func (s *Service) enqueueLocked(p *PendingRequest) {
	p.queued = true
	s.pending[p.CorrelationID] = p
	q, ok := s.queues[p.Asset]
	if !ok {
		q = &ledgerQueue{}
		s.queues[p.Asset] = q
	}
	q.waiting = append(q.waiting, p.CorrelationID)
	s.signal()
}

// DepositRequest credits a plaintext amount to owner. The amount moves from
// the owner's cleartext account into the vault.
type DepositRequest struct {
	RequestID string            `json:"request_id,omitempty"`
	Owner     protocol.Identity `json:"owner"`
	Account   string            `json:"account,omitempty"` // Must be the owner's hex identity; defaults to it
	Amount    uint64            `json:"amount"`
	Vault     string            `json:"vault,omitempty"`
	Nonce     protocol.Nonce    `json:"nonce,omitempty"`
}

// TransferRequest moves a hidden amount from sender to a hidden recipient.
type TransferRequest struct {
	RequestID string              `json:"request_id,omitempty"`
	Sender    protocol.Identity   `json:"sender"`
	Recipient *protocol.SealedArg `json:"recipient"`
	Amount    *protocol.SealedArg `json:"amount"`
	Nonce     protocol.Nonce      `json:"nonce,omitempty"`
}

// WithdrawRequest debits a plaintext amount from owner, paid out of the vault
// if the engine finds the balance sufficient.
type WithdrawRequest struct {
	RequestID string            `json:"request_id,omitempty"`
	Owner     protocol.Identity `json:"owner"`
	Account   string            `json:"account,omitempty"` // Payout account; must be the owner's
	Amount    uint64            `json:"amount"`
	Vault     string            `json:"vault,omitempty"`
	Nonce     protocol.Nonce    `json:"nonce,omitempty"`
}

func (s *Service) SubmitDeposit(ctx context.Context, asset protocol.AssetID, req DepositRequest) (*Receipt, error) {
	if req.Amount == 0 {
		return nil, protocol.Invalidf("deposit amount must be positive")
	}
	return s.submit(ctx, &PendingRequest{
		CorrelationID: req.RequestID,
		Asset:         asset,
		Op:            protocol.OpDeposit,
		Owner:         req.Owner,
		Account:       req.Account,
		Amount:        req.Amount,
		CallerNonce:   req.Nonce,
	}, req.Vault)
}

func (s *Service) SubmitTransfer(ctx context.Context, asset protocol.AssetID, req TransferRequest) (*Receipt, error) {
	if req.Recipient == nil || req.Amount == nil {
		return nil, protocol.Invalidf("transfer requires sealed recipient and amount")
	}
	return s.submit(ctx, &PendingRequest{
		CorrelationID: req.RequestID,
		Asset:         asset,
		Op:            protocol.OpTransfer,
		Owner:         req.Sender,
		Recipient:     req.Recipient,
		SealedAmount:  req.Amount,
		CallerNonce:   req.Nonce,
	}, "")
}

func (s *Service) SubmitWithdraw(ctx context.Context, asset protocol.AssetID, req WithdrawRequest) (*Receipt, error) {
	if req.Amount == 0 {
		return nil, protocol.Invalidf("withdraw amount must be positive")
	}
	return s.submit(ctx, &PendingRequest{
		CorrelationID: req.RequestID,
		Asset:         asset,
		Op:            protocol.OpWithdraw,
		Owner:         req.Owner,
		Account:       req.Account,
		Amount:        req.Amount,
		CallerNonce:   req.Nonce,
	}, req.Vault)
}

// submit is the synchronous half: every check and reservation happens here,
// and any failure leaves no reservation or custody hold behind.
func (s *Service) submit(ctx context.Context, p *PendingRequest, vault string) (*Receipt, error) {
	l, err := s.store.Ledger(p.Asset)
	if err != nil {
		return nil, err
	}
	if vault != "" && vault != l.Vault {
		return nil, fmt.Errorf("vault %q: %w", vault, protocol.ErrInvalidVault)
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.New().String()
	}
	// The cleartext account always belongs to the owner.
	if p.Account != "" && !strings.EqualFold(p.Account, p.Owner.Hex()) {
		return nil, protocol.Invalidf("account %s does not belong to owner %s", p.Account, p.Owner.Hex())
	}
	p.Account = p.Owner.Hex()

	if err := s.claim(p); err != nil {
		return nil, err
	}
	done := false
	defer func() {
		if !done {
			s.unclaim(p.CorrelationID)
		}
	}()

	sealed, err := s.engine.SealIdentity(ctx, p.Asset, p.Owner)
	if err != nil {
		return nil, fmt.Errorf("seal owner: %w", err)
	}
	p.SealedOwner = sealed

	_, _, err = s.store.FindEntry(p.Asset, sealed)
	present := err == nil
	if err != nil && !errors.Is(err, protocol.ErrEntryNotFound) {
		return nil, err
	}
	if !present && p.Op != protocol.OpDeposit {
		return nil, fmt.Errorf("%s source: %w", p.Op, protocol.ErrEntryNotFound)
	}

	// A new depositor needs a slot; a hidden recipient might.
	if (p.Op == protocol.OpDeposit && !present) || p.Op == protocol.OpTransfer {
		r, err := s.reserve(p.Asset, p.CorrelationID)
		if err != nil {
			return nil, err
		}
		p.Reservation = r
	}

	if p.Op == protocol.OpDeposit || p.Op == protocol.OpWithdraw {
		kind := custody.KindDeposit
		if p.Op == protocol.OpWithdraw {
			kind = custody.KindWithdraw
		}
		err := s.custody.Hold(ctx, custody.Hold{
			CorrelationID: p.CorrelationID,
			Vault:         l.Vault,
			Asset:         p.Asset,
			Kind:          kind,
			Account:       p.Account,
			Amount:        p.Amount,
		})
		if err != nil {
			s.store.Release(p.Reservation)
			return nil, fmt.Errorf("custody hold: %w", err)
		}
		p.Held = true
	}

	if !l.Initialized() {
		s.ensureInit(p.Asset)
	}

	s.mu.Lock()
	p.Status = protocol.StatusSubmitted
	s.enqueueLocked(p)
	s.mu.Unlock()
	done = true

	s.log.Info("queued request",
		zap.String("request", p.CorrelationID),
		zap.Stringer("asset", p.Asset),
		zap.String("op", string(p.Op)),
		zap.Bool("reserved", p.Reservation != nil))
	return &Receipt{CorrelationID: p.CorrelationID, Asset: p.Asset, Op: p.Op, Status: protocol.StatusSubmitted}, nil
}

// claim registers a placeholder for id so concurrent duplicates fail fast.
func (s *Service) claim(p *PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[p.CorrelationID]; ok || s.completed.Has(p.CorrelationID) {
		return fmt.Errorf("request %s: %w", p.CorrelationID, protocol.ErrDuplicateRequest)
	}
	p.SubmittedAt = time.Now()
	s.pending[p.CorrelationID] = &PendingRequest{
		CorrelationID: p.CorrelationID,
		Asset:         p.Asset,
		Op:            p.Op,
		Status:        protocol.StatusSubmitted,
		SubmittedAt:   p.SubmittedAt,
	}
	return nil
}

func (s *Service) unclaim(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[id]; ok && !p.queued {
		delete(s.pending, id)
	}
}

// reserve claims a slot, provisioning one new shard inline when every shard
// is full and auto-provisioning is enabled.
func (s *Service) reserve(asset protocol.AssetID, id string) (*shardstore.Reservation, error) {
	for attempt := 0; ; attempt++ {
		r, err := s.store.Reserve(asset, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, protocol.ErrShardsExhausted) || !s.autoProvision || attempt >= maxProvisionAttempts {
			return nil, err
		}
		l, lerr := s.store.Ledger(asset)
		if lerr != nil {
			return nil, lerr
		}
		if _, cerr := s.store.CreateShard(asset, int(l.ShardCount)); cerr != nil {
			if !errors.Is(cerr, protocol.ErrShardOutOfOrder) {
				return nil, err
			}
			continue // Another submit provisioned it
		}
		s.log.Info("provisioned shard", zap.Stringer("asset", asset), zap.Uint64("index", l.ShardCount))
	}
}

// Run dispatches queued requests until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("dispatcher started")
	defer s.wg.Wait()
	s.signal()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("dispatcher stopped")
			return nil
		case <-s.wake:
			s.dispatchReady(ctx)
		}
	}
}

// dispatchReady starts the head request of every idle ledger.
func (s *Service) dispatchReady(ctx context.Context) {
	s.mu.Lock()
	var ready []*PendingRequest
	for _, q := range s.queues {
		if q.inflight != "" {
			continue
		}
		for len(q.waiting) > 0 {
			id := q.waiting[0]
			q.waiting = q.waiting[1:]
			p, ok := s.pending[id]
			if !ok || p.Status != protocol.StatusSubmitted {
				continue
			}
			q.inflight = id
			ready = append(ready, p)
			break
		}
	}
	s.mu.Unlock()

	for _, p := range ready {
		s.wg.Add(1)
		go func(p *PendingRequest) {
			defer s.wg.Done()
			s.dispatch(ctx, p)
		}(p)
	}
}

// dispatch snapshots the committed mapping and hands the request to the engine.
func (s *Service) dispatch(ctx context.Context, p *PendingRequest) {
	snap, err := s.store.Snapshot(p.Asset)
	if err != nil {
		s.reject(ctx, p.CorrelationID, "snapshot: "+err.Error(), false)
		return
	}

	out := protocol.DeriveOutputNonce(p.CallerNonce, snap.Mapping.Nonce, p.CorrelationID)
	if p.CallerNonce.IsZero() {
		if out, err = protocol.RandomNonce(); err != nil {
			s.reject(ctx, p.CorrelationID, err.Error(), false)
			return
		}
	}

	req := &protocol.ComputationRequest{
		CorrelationID: p.CorrelationID,
		Asset:         p.Asset,
		Op:            p.Op,
		Mapping:       snap.Mapping,
		Owner:         p.Owner,
		Amount:        p.Amount,
		Recipient:     p.Recipient,
		SealedAmount:  p.SealedAmount,
		OutputNonce:   out,
		CallbackURL:   s.callbackURL,
	}

	s.mu.Lock()
	if p.Status != protocol.StatusSubmitted {
		s.mu.Unlock()
		return
	}
	p.BaseVersion = snap.Version
	p.BaseNonce = snap.Mapping.Nonce
	p.OutputNonce = out
	p.Status = protocol.StatusDispatched
	p.DispatchedAt = time.Now()
	s.mu.Unlock()

	if err := s.engine.Compute(ctx, req); err != nil {
		s.log.Warn("engine did not accept request", zap.String("request", p.CorrelationID), zap.Error(err))
		s.reject(context.WithoutCancel(ctx), p.CorrelationID, "engine: "+err.Error(), false)
		return
	}
	s.log.Debug("dispatched request",
		zap.String("request", p.CorrelationID),
		zap.Stringer("asset", p.Asset),
		zap.Uint64("base_version", snap.Version),
		zap.Int("entries", snap.Mapping.Len()))
}

// reject ends a request without touching the mapping and undoes everything it
// holds. Requests under an apply claim are left alone unless the caller holds
// that claim.
func (s *Service) reject(ctx context.Context, id, reason string, claimed bool) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok || p.Status.Terminal() || (p.applying && !claimed) {
		s.mu.Unlock()
		return
	}
	p.Status = protocol.StatusRejected
	p.Reason = reason
	p.applying = false
	p.FinishedAt = time.Now()
	s.freeLocked(p)
	res, held := p.Reservation, p.Held
	comp := p.completion()
	s.mu.Unlock()

	s.store.Release(res)
	if held {
		if err := s.custody.Revert(context.WithoutCancel(ctx), id); err != nil {
			s.log.Error("custody revert failed", zap.String("request", id), zap.Error(err))
		}
	}
	s.log.Info("request rejected", zap.String("request", id), zap.String("reason", reason))
	s.notifier.Publish(comp)
	s.signal()
}

// freeLocked removes p from its ledger's queue or in-flight slot.
func (s *Service) freeLocked(p *PendingRequest) {
	q, ok := s.queues[p.Asset]
	if !ok {
		return
	}
	if q.inflight == p.CorrelationID {
		q.inflight = ""
	} else {
		q.remove(p.CorrelationID)
	}
}

// HandleCallback is the apply half. Unauthenticated and duplicate callbacks
// are rejected before anything is written.
func (s *Service) HandleCallback(ctx context.Context, cb *protocol.Callback) error {
	signer, err := cb.Signer()
	if err != nil || signer != s.signer {
		s.log.Warn("unauthenticated callback", zap.String("request", cb.CorrelationID), zap.Stringer("signer", signer), zap.Error(err))
		return fmt.Errorf("callback %s: %w", cb.CorrelationID, protocol.ErrUnauthenticatedCallback)
	}
	if s.completed.Has(cb.CorrelationID) {
		s.log.Warn("duplicate callback", zap.String("request", cb.CorrelationID))
		return fmt.Errorf("callback %s: %w", cb.CorrelationID, protocol.ErrDuplicateCallback)
	}

	s.mu.Lock()
	p, ok := s.pending[cb.CorrelationID]
	switch {
	case !ok || !p.queued:
		s.mu.Unlock()
		return fmt.Errorf("callback %s: unknown request: %w", cb.CorrelationID, protocol.ErrUnauthenticatedCallback)
	case p.applying || p.Status == protocol.StatusCompleted:
		s.mu.Unlock()
		return fmt.Errorf("callback %s: %w", cb.CorrelationID, protocol.ErrDuplicateCallback)
	case p.Status != protocol.StatusDispatched:
		s.mu.Unlock()
		return fmt.Errorf("callback %s: request is %s: %w", cb.CorrelationID, p.Status, protocol.ErrUnauthenticatedCallback)
	case cb.Asset != p.Asset || cb.Op != p.Op || cb.BaseNonce != p.BaseNonce || cb.OutputNonce != p.OutputNonce:
		s.mu.Unlock()
		return fmt.Errorf("callback %s: does not match dispatched request: %w", cb.CorrelationID, protocol.ErrUnauthenticatedCallback)
	}
	p.applying = true
	commit := shardstore.CommitRequest{BaseVersion: p.BaseVersion, Result: cb.Mapping}
	if p.Reservation != nil {
		commit.CorrelationID = p.CorrelationID
	}
	s.mu.Unlock()

	if cb.Error != "" {
		s.reject(ctx, p.CorrelationID, "engine: "+cb.Error, true)
		return nil
	}

	if err := s.store.Commit(p.Asset, commit); err != nil {
		s.log.Error("commit failed", zap.String("request", p.CorrelationID), zap.Error(err))
		s.reject(ctx, p.CorrelationID, "commit: "+err.Error(), true)
		return fmt.Errorf("apply callback %s: %w", p.CorrelationID, err)
	}
	if err := s.completed.Add(p.CorrelationID, p.Asset, p.Op, cb.Applied); err != nil {
		s.log.Error("failed to persist completed id", zap.String("request", p.CorrelationID), zap.Error(err))
	}

	// The encrypted side is committed; custody must follow even if the
	// callback's caller went away. Recover retries a failed finalization.
	if p.Held {
		if err := s.finalizeHold(context.WithoutCancel(ctx), p.CorrelationID, cb.Applied); err != nil {
			s.log.Error("custody finalization failed", zap.String("request", p.CorrelationID), zap.Bool("applied", cb.Applied), zap.Error(err))
		}
	}

	s.mu.Lock()
	p.Status = protocol.StatusCompleted
	p.Applied = cb.Applied
	p.applying = false
	p.FinishedAt = time.Now()
	if !cb.Applied {
		p.Reason = notAppliedReason(p.Op)
	}
	s.freeLocked(p)
	comp := p.completion()
	s.mu.Unlock()

	s.log.Info("request completed",
		zap.String("request", p.CorrelationID),
		zap.Stringer("asset", p.Asset),
		zap.String("op", string(p.Op)),
		zap.Bool("applied", cb.Applied))
	s.notifier.Publish(comp)
	s.signal()
	return nil
}

// finalizeHold settles the custody hold of an applied request and reverts it
// otherwise.
func (s *Service) finalizeHold(ctx context.Context, id string, applied bool) error {
	if applied {
		return s.custody.Settle(ctx, id)
	}
	return s.custody.Revert(ctx, id)
}

func notAppliedReason(op protocol.OpKind) string {
	switch op {
	case protocol.OpDeposit:
		return "overflow"
	case protocol.OpWithdraw, protocol.OpTransfer:
		return protocol.ErrInsufficientBalance.Code
	}
	return ""
}

// ExpirePending rejects every request submitted more than olderThan ago that
// has not completed, releasing its reservation and custody hold. It returns
// the number of requests expired. A late callback for an expired request is
// rejected as unauthenticated.
func (s *Service) ExpirePending(ctx context.Context, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.RLock()
	var stale []string
	for id, p := range s.pending {
		if p.queued && !p.Status.Terminal() && !p.applying && p.SubmittedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.reject(ctx, id, reasonExpired, false)
	}
	if len(stale) > 0 {
		s.log.Info("expired pending requests", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Prune forgets terminal requests that finished more than olderThan ago.
// Completed ids stay answerable through the completed log.
func (s *Service) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.pending {
		if p.Status.Terminal() && p.FinishedAt.Before(cutoff) {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

// RunJanitor expires and prunes requests every interval until ctx ends.
func (s *Service) RunJanitor(ctx context.Context, ttl, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ExpirePending(ctx, ttl)
			s.Prune(ttl)
		}
	}
}

// Request returns the state of a request.
func (s *Service) Request(id string) (*PendingRequest, error) {
	s.mu.RLock()
	p, ok := s.pending[id]
	if ok {
		out := p.DeepCopy()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	if rec, ok := s.completed.Get(id); ok {
		return &PendingRequest{
			CorrelationID: id,
			Asset:         rec.Asset,
			Op:            protocol.OpKind(rec.Op),
			Status:        protocol.StatusCompleted,
			Applied:       rec.Applied,
			FinishedAt:    time.Unix(int64(rec.At), 0),
		}, nil
	}
	return nil, fmt.Errorf("request %s: %w", id, protocol.ErrRequestNotFound)
}

// Recover finalizes custody holds left open by requests this process no
// longer knows about, e.g. after a restart. A hold whose request reached the
// completed log follows the recorded outcome. Any other hold is reverted:
// pending requests are not persisted, so the engine result can never be
// applied.
func (s *Service) Recover(ctx context.Context) error {
	holds, err := s.custody.OpenHolds(ctx)
	if err != nil {
		return fmt.Errorf("list open holds: %w", err)
	}
	settled, reverted := 0, 0
	for _, h := range holds {
		s.mu.RLock()
		p, known := s.pending[h.CorrelationID]
		live := known && !p.Status.Terminal()
		s.mu.RUnlock()
		if live {
			continue
		}
		applied := false
		if rec, ok := s.completed.Get(h.CorrelationID); ok {
			applied = rec.Applied
		}
		if err := s.finalizeHold(ctx, h.CorrelationID, applied); err != nil {
			return fmt.Errorf("finalize hold %s: %w", h.CorrelationID, err)
		}
		if applied {
			settled++
		} else {
			reverted++
		}
	}
	if settled+reverted > 0 {
		s.log.Info("finalized orphaned custody holds", zap.Int("settled", settled), zap.Int("reverted", reverted))
	}
	return nil
}
