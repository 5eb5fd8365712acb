package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blackbox-ledger/blackbox/internal/custody"
	"github.com/blackbox-ledger/blackbox/internal/engine"
	"github.com/blackbox-ledger/blackbox/internal/notify"
	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/blackbox-ledger/blackbox/internal/shardstore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	testAsset = protocol.AssetID{0xaa, 0x01}
	testVault = "vault-1"
)

func ident(b byte) protocol.Identity {
	var id protocol.Identity
	id[0] = b
	id[31] = b
	return id
}

// localEngine runs the confidential computations in-process. Compute only
// queues the request; tests decide when and how the callback arrives.
type localEngine struct {
	eng  *engine.Engine
	key  *ecdsa.PrivateKey
	reqs chan *protocol.ComputationRequest

	mu   sync.Mutex
	fail error
}

func newLocalEngine(t *testing.T) *localEngine {
	t.Helper()
	master := make([]byte, engine.KeyLength)
	for i := range master {
		master[i] = byte(i + 7)
	}
	c, err := engine.NewCipher(master)
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &localEngine{
		eng:  engine.New(c, engine.OverflowReject),
		key:  key,
		reqs: make(chan *protocol.ComputationRequest, 16),
	}
}

func (e *localEngine) SealIdentity(_ context.Context, asset protocol.AssetID, id protocol.Identity) ([]byte, error) {
	return e.eng.Cipher().SealIdentity(asset, id), nil
}

func (e *localEngine) Compute(_ context.Context, req *protocol.ComputationRequest) error {
	e.mu.Lock()
	fail := e.fail
	e.mu.Unlock()
	if fail != nil {
		return fail
	}
	e.reqs <- req
	return nil
}

func (e *localEngine) setFail(err error) {
	e.mu.Lock()
	e.fail = err
	e.mu.Unlock()
}

// callback executes req and signs the result with key.
func (e *localEngine) callback(t *testing.T, req *protocol.ComputationRequest, key *ecdsa.PrivateKey) *protocol.Callback {
	t.Helper()
	out, applied, err := e.eng.Execute(req)
	require.NoError(t, err)
	cb := &protocol.Callback{
		CorrelationID: req.CorrelationID,
		Asset:         req.Asset,
		Op:            req.Op,
		BaseNonce:     req.Mapping.Nonce,
		OutputNonce:   req.OutputNonce,
		Mapping:       out,
		Applied:       applied,
	}
	require.NoError(t, cb.Sign(key))
	return cb
}

// flakyVault fails the next settleFailures calls to Settle.
type flakyVault struct {
	*custody.Vault

	mu             sync.Mutex
	settleFailures int
}

func (v *flakyVault) failSettle(n int) {
	v.mu.Lock()
	v.settleFailures = n
	v.mu.Unlock()
}

func (v *flakyVault) Settle(ctx context.Context, id string) error {
	v.mu.Lock()
	fail := v.settleFailures > 0
	if fail {
		v.settleFailures--
	}
	v.mu.Unlock()
	if fail {
		return errors.New("custody backend unavailable")
	}
	return v.Vault.Settle(ctx, id)
}

type harness struct {
	svc    *Service
	store  *shardstore.Store
	vault  *flakyVault
	engine *localEngine
	done   *notify.Channel
}

func newHarness(t *testing.T, mutate func(*shardstore.Options, *Options)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	storeOpts := shardstore.Options{EntryBytes: engine.EntrySize, Logger: logger}
	opts := Options{AutoProvisionShards: true, Logger: logger}
	if mutate != nil {
		mutate(&storeOpts, &opts)
	}

	store, err := shardstore.Open(storeOpts)
	require.NoError(t, err)
	v, err := custody.OpenVault("", logger)
	require.NoError(t, err)
	vault := &flakyVault{Vault: v}
	eng := newLocalEngine(t)
	done := notify.NewChannel(64)

	opts.Store = store
	opts.Engine = eng
	opts.Custody = vault
	opts.Notifier = done
	opts.EngineAddress = crypto.PubkeyToAddress(eng.key.PublicKey)
	svc, err := NewService(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		vault.Close()
		store.Close()
	})
	return &harness{svc: svc, store: store, vault: vault, engine: eng, done: done}
}

// next waits for the engine to receive a computation.
func (h *harness) next(t *testing.T) *protocol.ComputationRequest {
	t.Helper()
	select {
	case req := <-h.engine.reqs:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no computation dispatched")
		return nil
	}
}

// idle asserts that nothing is dispatched for a short while.
func (h *harness) idle(t *testing.T) {
	t.Helper()
	select {
	case req := <-h.engine.reqs:
		t.Fatalf("unexpected dispatch of %s %s", req.Op, req.CorrelationID)
	case <-time.After(50 * time.Millisecond):
	}
}

// completion waits for the next published completion.
func (h *harness) completion(t *testing.T) protocol.Completion {
	t.Helper()
	select {
	case c := <-h.done.C():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion published")
		return protocol.Completion{}
	}
}

// apply dispatches, executes and applies the next computation.
func (h *harness) apply(t *testing.T) protocol.Completion {
	t.Helper()
	req := h.next(t)
	require.NoError(t, h.svc.HandleCallback(context.Background(), h.engine.callback(t, req, h.engine.key)))
	return h.completion(t)
}

// initLedger creates the ledger and applies its init computation.
func (h *harness) initLedger(t *testing.T) {
	t.Helper()
	_, receipt, err := h.svc.CreateLedger(context.Background(), testAsset, testVault)
	require.NoError(t, err)
	require.Equal(t, protocol.OpInit, receipt.Op)
	c := h.apply(t)
	require.Equal(t, receipt.CorrelationID, c.CorrelationID)
	require.True(t, c.Applied)
}

func (h *harness) fund(t *testing.T, id protocol.Identity, amount uint64) {
	t.Helper()
	require.NoError(t, h.vault.Credit(context.Background(), testAsset, id.Hex(), amount))
}

func (h *harness) account(t *testing.T, id protocol.Identity) uint64 {
	t.Helper()
	bal, err := h.vault.Balance(context.Background(), testAsset, id.Hex())
	require.NoError(t, err)
	return bal.Uint64()
}

func (h *harness) vaultTotal(t *testing.T) (uint64, uint64) {
	t.Helper()
	total, earmarked, err := h.vault.VaultBalance(context.Background(), testVault, testAsset)
	require.NoError(t, err)
	return total.Uint64(), earmarked.Uint64()
}

// balances decrypts the committed mapping.
func (h *harness) balances(t *testing.T) *engine.Mapping {
	t.Helper()
	snap, err := h.store.Snapshot(testAsset)
	require.NoError(t, err)
	m, err := h.engine.eng.Cipher().Decrypt(testAsset, &snap.Mapping)
	require.NoError(t, err)
	return m
}

func (h *harness) sealTransfer(t *testing.T, to protocol.Identity, amount uint64) (*protocol.SealedArg, *protocol.SealedArg) {
	t.Helper()
	n, err := protocol.RandomNonce()
	require.NoError(t, err)
	r, a, err := engine.SealTransferArgs(h.engine.eng.Cipher().PublicKey(), testAsset, n, to, amount)
	require.NoError(t, err)
	return r, a
}

func TestService_Scenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a, b := ident(0xA), ident(0xB)
	h.fund(t, a, 1000)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 100, Vault: testVault})
	require.NoError(t, err)
	assert.Equal(t, uint64(900), h.account(t, a))
	c := h.apply(t)
	assert.True(t, c.Applied)
	total, _ := h.vaultTotal(t)
	assert.Equal(t, uint64(100), total)

	r, amt := h.sealTransfer(t, b, 30)
	_, err = h.svc.SubmitTransfer(ctx, testAsset, TransferRequest{Sender: a, Recipient: r, Amount: amt})
	require.NoError(t, err)
	c = h.apply(t)
	assert.True(t, c.Applied)

	// B's balance is 30, so a 50 withdraw is computed but not applied
	_, err = h.svc.SubmitWithdraw(ctx, testAsset, WithdrawRequest{Owner: b, Amount: 50})
	require.NoError(t, err)
	c = h.apply(t)
	assert.Equal(t, protocol.StatusCompleted, c.Status)
	assert.False(t, c.Applied)
	assert.Equal(t, "insufficient_balance", c.Reason)
	total, earmarked := h.vaultTotal(t)
	assert.Equal(t, [2]uint64{100, 0}, [2]uint64{total, earmarked})
	assert.Equal(t, uint64(0), h.account(t, b))

	_, err = h.svc.SubmitWithdraw(ctx, testAsset, WithdrawRequest{Owner: a, Amount: 70})
	require.NoError(t, err)
	c = h.apply(t)
	assert.True(t, c.Applied)
	assert.Equal(t, uint64(970), h.account(t, a))
	total, _ = h.vaultTotal(t)
	assert.Equal(t, uint64(30), total)

	m := h.balances(t)
	balA, ok := m.Balance(a)
	require.True(t, ok)
	balB, ok := m.Balance(b)
	require.True(t, ok)
	assert.Equal(t, uint64(0), balA)
	assert.Equal(t, uint64(30), balB)
	assert.Equal(t, 2, m.Len())
}

func TestService_SerializesPerLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a, b := ident(1), ident(2)
	h.fund(t, a, 10)
	h.fund(t, b, 10)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "first", Owner: a, Amount: 5})
	require.NoError(t, err)
	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "second", Owner: b, Amount: 7})
	require.NoError(t, err)

	first := h.next(t)
	assert.Equal(t, "first", first.CorrelationID)
	h.idle(t)

	require.NoError(t, h.svc.HandleCallback(ctx, h.engine.callback(t, first, h.engine.key)))
	h.completion(t)

	// The second request sees the first one's result
	second := h.next(t)
	assert.Equal(t, "second", second.CorrelationID)
	assert.Equal(t, 1, second.Mapping.Len())
	require.NoError(t, h.svc.HandleCallback(ctx, h.engine.callback(t, second, h.engine.key)))
	h.completion(t)

	m := h.balances(t)
	balA, _ := m.Balance(a)
	balB, _ := m.Balance(b)
	assert.Equal(t, uint64(5), balA)
	assert.Equal(t, uint64(7), balB)
}

func TestService_DepositBeforeInit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := ident(3)
	h.fund(t, a, 10)

	_, receipt, err := h.svc.CreateLedger(ctx, testAsset, testVault)
	require.NoError(t, err)
	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 4})
	require.NoError(t, err)

	c := h.apply(t)
	assert.Equal(t, receipt.CorrelationID, c.CorrelationID)
	c = h.apply(t)
	assert.Equal(t, protocol.OpDeposit, c.Op)
	bal, ok := h.balances(t).Balance(a)
	require.True(t, ok)
	assert.Equal(t, uint64(4), bal)
}

func TestHandleCallback_AppliedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a := ident(4)
	h.fund(t, a, 10)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "dep", Owner: a, Amount: 10})
	require.NoError(t, err)
	req := h.next(t)
	cb := h.engine.callback(t, req, h.engine.key)
	require.NoError(t, h.svc.HandleCallback(ctx, cb))
	h.completion(t)

	before, err := h.store.Ledger(testAsset)
	require.NoError(t, err)
	err = h.svc.HandleCallback(ctx, cb)
	assert.ErrorIs(t, err, protocol.ErrDuplicateCallback)
	after, err := h.store.Ledger(testAsset)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Completed ids are also refused as new submits
	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "dep", Owner: a, Amount: 1})
	assert.ErrorIs(t, err, protocol.ErrDuplicateRequest)

	got, err := h.svc.Request("dep")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, got.Status)
	assert.True(t, got.Applied)
}

func TestHandleCallback_Unauthenticated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a := ident(5)
	h.fund(t, a, 10)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "dep", Owner: a, Amount: 3})
	require.NoError(t, err)
	req := h.next(t)
	before, err := h.store.Ledger(testAsset)
	require.NoError(t, err)

	forger, err := crypto.GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(cb *protocol.Callback) *ecdsa.PrivateKey
	}{
		{
			name:   "wrong signer",
			mutate: func(cb *protocol.Callback) *ecdsa.PrivateKey { return forger },
		},
		{
			name: "tampered after signing",
			mutate: func(cb *protocol.Callback) *ecdsa.PrivateKey {
				cb.Applied = false
				return nil
			},
		},
		{
			name: "different output nonce",
			mutate: func(cb *protocol.Callback) *ecdsa.PrivateKey {
				cb.OutputNonce = protocol.Nonce{0xff}
				return h.engine.key
			},
		},
		{
			name: "different operation",
			mutate: func(cb *protocol.Callback) *ecdsa.PrivateKey {
				cb.Op = protocol.OpWithdraw
				return h.engine.key
			},
		},
		{
			name: "unknown correlation id",
			mutate: func(cb *protocol.Callback) *ecdsa.PrivateKey {
				cb.CorrelationID = "nope"
				return h.engine.key
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := h.engine.callback(t, req, h.engine.key)
			if key := tt.mutate(cb); key != nil {
				require.NoError(t, cb.Sign(key))
			}
			err := h.svc.HandleCallback(ctx, cb)
			assert.ErrorIs(t, err, protocol.ErrUnauthenticatedCallback)
		})
	}

	after, err := h.store.Ledger(testAsset)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	p, err := h.svc.Request("dep")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusDispatched, p.Status)

	// The genuine callback still applies
	require.NoError(t, h.svc.HandleCallback(ctx, h.engine.callback(t, req, h.engine.key)))
	assert.True(t, h.completion(t).Applied)
}

func TestHandleCallback_EngineError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a := ident(6)
	h.fund(t, a, 10)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "dep", Owner: a, Amount: 8})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.account(t, a))

	req := h.next(t)
	cb := &protocol.Callback{
		CorrelationID: req.CorrelationID,
		Asset:         req.Asset,
		Op:            req.Op,
		BaseNonce:     req.Mapping.Nonce,
		OutputNonce:   req.OutputNonce,
		Error:         "decrypt failed",
	}
	require.NoError(t, cb.Sign(h.engine.key))
	require.NoError(t, h.svc.HandleCallback(ctx, cb))

	c := h.completion(t)
	assert.Equal(t, protocol.StatusRejected, c.Status)
	assert.Contains(t, c.Reason, "decrypt failed")
	assert.Equal(t, uint64(10), h.account(t, a))
	assert.Equal(t, 0, h.store.Reserved(testAsset, 0))

	_, _, err = h.store.FindEntry(testAsset, h.engine.eng.Cipher().SealIdentity(testAsset, a))
	assert.ErrorIs(t, err, protocol.ErrEntryNotFound)
}

func TestDispatch_EngineUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a := ident(7)
	h.fund(t, a, 10)
	h.engine.setFail(errors.New("connection refused"))

	receipt, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 10})
	require.NoError(t, err)

	c := h.completion(t)
	assert.Equal(t, receipt.CorrelationID, c.CorrelationID)
	assert.Equal(t, protocol.StatusRejected, c.Status)
	assert.Equal(t, uint64(10), h.account(t, a))
	assert.Equal(t, 0, h.store.Reserved(testAsset, 0))

	// The ledger is free again
	h.engine.setFail(nil)
	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 10})
	require.NoError(t, err)
	assert.True(t, h.apply(t).Applied)
}

func TestExpirePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a, b := ident(8), ident(9)
	h.fund(t, a, 10)
	h.fund(t, b, 10)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "lost", Owner: a, Amount: 6})
	require.NoError(t, err)
	lost := h.next(t)
	assert.Equal(t, 1, h.store.Reserved(testAsset, 0))

	assert.Equal(t, 0, h.svc.ExpirePending(ctx, time.Hour))
	assert.Equal(t, 1, h.svc.ExpirePending(ctx, 0))

	c := h.completion(t)
	assert.Equal(t, protocol.StatusRejected, c.Status)
	assert.Equal(t, "expired", c.Reason)
	assert.Equal(t, 0, h.store.Reserved(testAsset, 0))
	assert.Equal(t, uint64(10), h.account(t, a))

	// A late callback is refused and changes nothing
	err = h.svc.HandleCallback(ctx, h.engine.callback(t, lost, h.engine.key))
	assert.ErrorIs(t, err, protocol.ErrUnauthenticatedCallback)
	l, err := h.store.Ledger(testAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.Version)

	// The ledger dispatches again after expiry
	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: b, Amount: 1})
	require.NoError(t, err)
	assert.True(t, h.apply(t).Applied)

	assert.Equal(t, 0, h.svc.Prune(time.Hour))
	assert.Equal(t, 3, h.svc.Prune(0))
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a, stranger := ident(10), ident(11)
	h.fund(t, a, 5)

	_, err := h.svc.SubmitDeposit(ctx, protocol.AssetID{0x01}, DepositRequest{Owner: a, Amount: 1})
	assert.ErrorIs(t, err, protocol.ErrLedgerNotFound)

	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 1, Vault: "other"})
	assert.ErrorIs(t, err, protocol.ErrInvalidVault)

	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 0})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)

	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 6})
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)
	assert.Equal(t, 0, h.store.Reserved(testAsset, 0))

	_, err = h.svc.SubmitWithdraw(ctx, testAsset, WithdrawRequest{Owner: stranger, Amount: 1})
	assert.ErrorIs(t, err, protocol.ErrEntryNotFound)

	r, amt := h.sealTransfer(t, a, 1)
	_, err = h.svc.SubmitTransfer(ctx, testAsset, TransferRequest{Sender: stranger, Recipient: r, Amount: amt})
	assert.ErrorIs(t, err, protocol.ErrEntryNotFound)
	assert.Equal(t, 0, h.store.Reserved(testAsset, 0))

	_, err = h.svc.SubmitTransfer(ctx, testAsset, TransferRequest{Sender: a})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)

	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "dup", Owner: a, Amount: 1})
	require.NoError(t, err)
	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "dup", Owner: a, Amount: 1})
	assert.ErrorIs(t, err, protocol.ErrDuplicateRequest)
	h.apply(t)

	_, err = h.svc.Request("missing")
	assert.ErrorIs(t, err, protocol.ErrRequestNotFound)
}

func TestSubmit_ProvisionsShards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(so *shardstore.Options, o *Options) {
		so.MaxShardBytes = engine.EntrySize
	})
	h.initLedger(t)
	a, b := ident(12), ident(13)
	h.fund(t, a, 5)
	h.fund(t, b, 5)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 1})
	require.NoError(t, err)
	h.apply(t)
	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: b, Amount: 2})
	require.NoError(t, err)
	h.apply(t)

	l, err := h.store.Ledger(testAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.ShardCount)
	si, _, err := h.store.FindEntry(testAsset, h.engine.eng.Cipher().SealIdentity(testAsset, b))
	require.NoError(t, err)
	assert.Equal(t, 1, si)
}

func TestSubmit_ShardsExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(so *shardstore.Options, o *Options) {
		so.MaxShardBytes = engine.EntrySize
		o.AutoProvisionShards = false
	})
	h.initLedger(t)
	a, b := ident(14), ident(15)
	h.fund(t, a, 5)
	h.fund(t, b, 5)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Amount: 1})
	require.NoError(t, err)
	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: b, Amount: 1})
	assert.ErrorIs(t, err, protocol.ErrShardsExhausted)
	assert.Equal(t, uint64(5), h.account(t, b))
	h.apply(t)
}

func TestRecover_RevertsOrphanedHolds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := ident(16)
	h.fund(t, a, 9)
	require.NoError(t, h.vault.Hold(ctx, custody.Hold{
		CorrelationID: "orphan",
		Vault:         testVault,
		Asset:         testAsset,
		Kind:          custody.KindDeposit,
		Account:       a.Hex(),
		Amount:        9,
	}))
	assert.Equal(t, uint64(0), h.account(t, a))

	require.NoError(t, h.svc.Recover(ctx))
	assert.Equal(t, uint64(9), h.account(t, a))
	holds, err := h.vault.OpenHolds(ctx)
	require.NoError(t, err)
	assert.Empty(t, holds)
}

// restart builds a second service over the same store and vault, as after a
// process restart.
func (h *harness) restart(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Store:         h.store,
		Engine:        h.engine,
		Custody:       h.vault,
		EngineAddress: crypto.PubkeyToAddress(h.engine.key.PublicKey),
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return svc
}

func TestHandleCallback_CancelledContextSettles(t *testing.T) {
	h := newHarness(t, nil)
	h.initLedger(t)
	a := ident(17)
	h.fund(t, a, 100)

	_, err := h.svc.SubmitDeposit(context.Background(), testAsset, DepositRequest{RequestID: "dep", Owner: a, Amount: 100})
	require.NoError(t, err)
	req := h.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.svc.HandleCallback(ctx, h.engine.callback(t, req, h.engine.key)))
	assert.True(t, h.completion(t).Applied)

	holds, err := h.vault.OpenHolds(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holds)
	total, _ := h.vaultTotal(t)
	assert.Equal(t, uint64(100), total)
}

func TestRecover_SettlesAppliedHolds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a := ident(18)
	h.fund(t, a, 100)

	h.vault.failSettle(1)
	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "dep", Owner: a, Amount: 100})
	require.NoError(t, err)
	assert.True(t, h.apply(t).Applied)

	holds, err := h.vault.OpenHolds(ctx)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, "dep", holds[0].CorrelationID)

	require.NoError(t, h.restart(t).Recover(ctx))

	holds, err = h.vault.OpenHolds(ctx)
	require.NoError(t, err)
	assert.Empty(t, holds)
	assert.Equal(t, uint64(0), h.account(t, a))
	total, earmarked := h.vaultTotal(t)
	assert.Equal(t, [2]uint64{100, 0}, [2]uint64{total, earmarked})

	bal, ok := h.balances(t).Balance(a)
	require.True(t, ok)
	assert.Equal(t, uint64(100), bal)
}

func TestRecover_RevertsNotAppliedHolds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a := ident(20)
	h.fund(t, a, 10)

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{RequestID: "dep", Owner: a, Amount: 10})
	require.NoError(t, err)
	h.apply(t)

	// A not-applied outcome recorded but never reverted in custody
	require.NoError(t, h.vault.Hold(ctx, custody.Hold{
		CorrelationID: "wd",
		Vault:         testVault,
		Asset:         testAsset,
		Kind:          custody.KindWithdraw,
		Account:       a.Hex(),
		Amount:        4,
	}))
	require.NoError(t, h.svc.completed.Add("wd", testAsset, protocol.OpWithdraw, false))

	require.NoError(t, h.restart(t).Recover(ctx))
	assert.Equal(t, uint64(0), h.account(t, a))
	total, earmarked := h.vaultTotal(t)
	assert.Equal(t, [2]uint64{10, 0}, [2]uint64{total, earmarked})
}

func TestSubmit_AccountMustBelongToOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.initLedger(t)
	a := ident(21)
	h.fund(t, a, 10)
	require.NoError(t, h.vault.Credit(ctx, testAsset, "mallory", 10))

	_, err := h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Account: "mallory", Amount: 5})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
	bal, err := h.vault.Balance(ctx, testAsset, "mallory")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bal.Uint64())

	_, err = h.svc.SubmitDeposit(ctx, testAsset, DepositRequest{Owner: a, Account: a.Hex(), Amount: 5})
	require.NoError(t, err)
	assert.True(t, h.apply(t).Applied)

	_, err = h.svc.SubmitWithdraw(ctx, testAsset, WithdrawRequest{Owner: a, Account: "mallory", Amount: 5})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
	h.idle(t)
	assert.Equal(t, 0, h.store.Reserved(testAsset, 0))

	got, ok := h.balances(t).Balance(a)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got)
	assert.Equal(t, uint64(5), h.account(t, a))
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Options{})
	assert.Error(t, err)
}
