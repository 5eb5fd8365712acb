// Package custody moves cleartext collateral in and out of a ledger's vault
// in lockstep with confidential ledger updates. Every movement is a hold taken
// at submit time and later settled or reverted by the encrypted-domain outcome.
package custody

import (
	"context"
	"errors"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
)

// Kind is the direction of a hold.
type Kind string

const (
	KindDeposit  Kind = "deposit"  // Owner account -> escrow, escrow -> vault on settle
	KindWithdraw Kind = "withdraw" // Vault funds earmarked, paid to owner account on settle
)

// State of a hold.
type State string

const (
	StateHeld     State = "held"
	StateSettled  State = "settled"
	StateReverted State = "reverted"
)

var (
	ErrInsufficientFunds = errors.New("insufficient cleartext funds")
	ErrHoldExists        = errors.New("hold already exists for correlation id")
	ErrHoldNotFound      = errors.New("no hold for correlation id")
	ErrHoldClosed        = errors.New("hold already settled or reverted")
)

// Hold is one cleartext movement tied to a ledger request.
type Hold struct {
	CorrelationID string
	Vault         string
	Asset         protocol.AssetID
	Kind          Kind
	Account       string // Owner's cleartext token account
	Amount        uint64
	State         State
}

// Custody is the asset custody interface the ledger drives.
type Custody interface {
	// Hold performs the optimistic half of a movement at submit time.
	Hold(ctx context.Context, h Hold) error
	// Settle finalizes a hold after the engine applied the request.
	Settle(ctx context.Context, correlationID string) error
	// Revert undoes a hold after the request was not applied, rejected or expired.
	Revert(ctx context.Context, correlationID string) error
	// OpenHolds lists holds that are neither settled nor reverted.
	OpenHolds(ctx context.Context) ([]Hold, error)
}
