package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/blackbox-ledger/blackbox/internal/network"
	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Engine is the confidential engine as seen from the public side. Compute
// only hands the request over; the result arrives later as a Callback.
type Engine interface {
	// SealIdentity returns the deterministic ciphertext stored for id.
	SealIdentity(ctx context.Context, asset protocol.AssetID, id protocol.Identity) ([]byte, error)
	// Compute queues a computation. A nil error means the engine accepted it.
	Compute(ctx context.Context, req *protocol.ComputationRequest) error
}

// SealRequest is the body of the engine's /seal endpoint.
type SealRequest struct {
	Asset    protocol.AssetID  `json:"asset"`
	Identity protocol.Identity `json:"identity"`
}

// SealResponse carries a sealed identity.
type SealResponse struct {
	Sealed hexutil.Bytes `json:"sealed"`
}

// EngineInfo is published by the engine's /info endpoint.
type EngineInfo struct {
	PublicKey hexutil.Bytes  `json:"public_key"` // X25519 key for sealed arguments
	Signer    common.Address `json:"signer"`     // Callback signing address
}

// EngineClient talks to an engine node over HTTP.
type EngineClient struct {
	baseURL string
	client  *http.Client
}

var _ Engine = (*EngineClient)(nil)

func NewEngineClient(baseURL string, client *http.Client) *EngineClient {
	return &EngineClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *EngineClient) SealIdentity(ctx context.Context, asset protocol.AssetID, id protocol.Identity) ([]byte, error) {
	var resp SealResponse
	if err := network.PostJSON(ctx, c.client, c.baseURL+"/seal", &SealRequest{Asset: asset, Identity: id}, &resp); err != nil {
		return nil, fmt.Errorf("seal identity: %w", err)
	}
	if len(resp.Sealed) == 0 {
		return nil, fmt.Errorf("seal identity: empty response")
	}
	return resp.Sealed, nil
}

func (c *EngineClient) Compute(ctx context.Context, req *protocol.ComputationRequest) error {
	if err := network.PostJSON(ctx, c.client, c.baseURL+"/compute", req, nil); err != nil {
		return fmt.Errorf("submit computation %s: %w", req.CorrelationID, err)
	}
	return nil
}

// Info fetches the engine's public parameters.
func (c *EngineClient) Info(ctx context.Context) (*EngineInfo, error) {
	var info EngineInfo
	if err := network.GetJSON(ctx, c.client, c.baseURL+"/info", &info); err != nil {
		return nil, fmt.Errorf("engine info: %w", err)
	}
	return &info, nil
}
