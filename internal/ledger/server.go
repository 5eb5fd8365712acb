package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/blackbox-ledger/blackbox/internal/custody"
	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// crediter is implemented by custody backends that can mint cleartext funds
// into an account, such as the sqlite vault.
type crediter interface {
	Credit(ctx context.Context, asset protocol.AssetID, account string, amount uint64) error
	Balance(ctx context.Context, asset protocol.AssetID, account string) (*uint256.Int, error)
}

func (s *Service) setupRoutes() {
	s.router.HandleFunc("/ledgers", s.handleCreateLedger).Methods("POST")
	s.router.HandleFunc("/ledgers/{asset}", s.handleLedger).Methods("GET")
	s.router.HandleFunc("/ledgers/{asset}/shards", s.handleCreateShard).Methods("POST")
	s.router.HandleFunc("/ledgers/{asset}/shards/{index}", s.handleShard).Methods("GET")
	s.router.HandleFunc("/ledgers/{asset}/deposit", s.handleDeposit).Methods("POST")
	s.router.HandleFunc("/ledgers/{asset}/transfer", s.handleTransfer).Methods("POST")
	s.router.HandleFunc("/ledgers/{asset}/withdraw", s.handleWithdraw).Methods("POST")
	s.router.HandleFunc("/ledgers/{asset}/accounts/{account}", s.handleAccount).Methods("GET")
	s.router.HandleFunc("/ledgers/{asset}/accounts/{account}/credit", s.handleCredit).Methods("POST")
	s.router.HandleFunc("/callback", s.handleCallback).Methods("POST")
	s.router.HandleFunc("/requests/{id}", s.handleRequest).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.subscriptions != nil {
		s.router.Handle("/ws", s.subscriptions).Methods("GET")
	}
}

// statusOf maps a ledger error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, custody.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, custody.ErrHoldExists):
		return http.StatusConflict
	}
	switch protocol.CodeOf(err) {
	case protocol.ErrEntryNotFound.Code, protocol.ErrLedgerNotFound.Code,
		protocol.ErrShardNotFound.Code, protocol.ErrRequestNotFound.Code:
		return http.StatusNotFound
	case protocol.ErrShardsExhausted.Code, protocol.ErrShardOutOfOrder.Code,
		protocol.ErrLedgerExists.Code, protocol.ErrDuplicateRequest.Code,
		protocol.ErrDuplicateCallback.Code, protocol.ErrStaleSnapshot.Code:
		return http.StatusConflict
	case protocol.ErrInvalidRequest.Code:
		return http.StatusBadRequest
	case protocol.ErrInvalidVault.Code:
		return http.StatusForbidden
	case protocol.ErrUnauthenticatedCallback.Code:
		return http.StatusUnauthorized
	case protocol.ErrMalformedResult.Code:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func codeOf(err error) string {
	if errors.Is(err, custody.ErrInsufficientFunds) {
		return "insufficient_funds"
	}
	if errors.Is(err, custody.ErrHoldExists) {
		return protocol.ErrDuplicateRequest.Code
	}
	return protocol.CodeOf(err)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	json.NewEncoder(w).Encode(map[string]string{
		"code":  codeOf(err),
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return protocol.Invalidf("decode body: %v", err)
	}
	return nil
}

func assetVar(r *http.Request) (protocol.AssetID, error) {
	asset, err := protocol.HexToAssetID(mux.Vars(r)["asset"])
	if err != nil {
		return protocol.AssetID{}, protocol.Invalidf("asset: %v", err)
	}
	return asset, nil
}

func (s *Service) handleCreateLedger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset protocol.AssetID `json:"asset"`
		Vault string           `json:"vault"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	l, receipt, err := s.CreateLedger(r.Context(), req.Asset, req.Vault)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ledger": l,
		"init":   receipt,
	})
}

func (s *Service) handleLedger(w http.ResponseWriter, r *http.Request) {
	asset, err := assetVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := s.store.Ledger(asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ledger":     l,
		"capacity":   s.store.Capacity(),
		"max_shards": s.store.MaxShards(),
	})
}

func (s *Service) handleCreateShard(w http.ResponseWriter, r *http.Request) {
	asset, err := assetVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sh, err := s.store.CreateShard(asset, req.Index)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("created shard", zap.Stringer("asset", asset), zap.Int("index", req.Index))
	writeJSON(w, http.StatusCreated, sh)
}

func (s *Service) handleShard(w http.ResponseWriter, r *http.Request) {
	asset, err := assetVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, protocol.Invalidf("shard index: %v", err))
		return
	}
	sh, err := s.store.Shard(asset, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shard":    sh,
		"reserved": s.store.Reserved(asset, index),
	})
}

func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	asset, err := assetVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req DepositRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.SubmitDeposit(r.Context(), asset, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Service) handleTransfer(w http.ResponseWriter, r *http.Request) {
	asset, err := assetVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req TransferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.SubmitTransfer(r.Context(), asset, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	asset, err := assetVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req WithdrawRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.SubmitWithdraw(r.Context(), asset, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Service) handleAccount(w http.ResponseWriter, r *http.Request) {
	c, ok := s.custody.(crediter)
	if !ok {
		http.Error(w, "custody backend has no account view", http.StatusNotImplemented)
		return
	}
	asset, err := assetVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	account := mux.Vars(r)["account"]
	bal, err := c.Balance(r.Context(), asset, account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account,
		"balance": bal.Dec(),
	})
}

// handleCredit mints cleartext funds into an account. Development only.
func (s *Service) handleCredit(w http.ResponseWriter, r *http.Request) {
	c, ok := s.custody.(crediter)
	if !ok {
		http.Error(w, "custody backend cannot credit accounts", http.StatusNotImplemented)
		return
	}
	asset, err := assetVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	account := mux.Vars(r)["account"]
	if err := c.Credit(r.Context(), asset, account, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb protocol.Callback
	if err := decode(r, &cb); err != nil {
		writeError(w, err)
		return
	}
	if err := s.HandleCallback(r.Context(), &cb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Service) handleRequest(w http.ResponseWriter, r *http.Request) {
	p, err := s.Request(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := 0
	for _, p := range s.pending {
		if !p.Status.Terminal() {
			n++
		}
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"pending": fmt.Sprint(n),
	})
}
