package ledger

import (
	"time"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/blackbox-ledger/blackbox/internal/shardstore"
	"github.com/ethereum/go-ethereum/common"
)

// PendingRequest is the explicit continuation of a submitted operation. It
// holds references only; the entries it may change stay owned by their shard.
type PendingRequest struct {
	CorrelationID string                  `json:"correlation_id"`
	Asset         protocol.AssetID        `json:"asset"`
	Op            protocol.OpKind         `json:"op"`
	Owner         protocol.Identity       `json:"owner"`
	SealedOwner   []byte                  `json:"-"`
	Account       string                  `json:"account,omitempty"`
	Amount        uint64                  `json:"amount,omitempty"`
	Recipient     *protocol.SealedArg     `json:"-"`
	SealedAmount  *protocol.SealedArg     `json:"-"`
	CallerNonce   protocol.Nonce          `json:"-"`
	Reservation   *shardstore.Reservation `json:"reservation,omitempty"`
	Held          bool                    `json:"held"` // Custody hold taken at submit

	// Set at dispatch
	BaseVersion uint64         `json:"base_version"`
	BaseNonce   protocol.Nonce `json:"base_nonce"`
	OutputNonce protocol.Nonce `json:"output_nonce"`

	Status       protocol.RequestStatus `json:"status"`
	Applied      bool                   `json:"applied"`
	Reason       string                 `json:"reason,omitempty"`
	SubmittedAt  time.Time              `json:"submitted_at"`
	DispatchedAt time.Time              `json:"dispatched_at,omitempty"`
	FinishedAt   time.Time              `json:"finished_at,omitempty"`

	applying bool // A callback holds the apply claim
	queued   bool // Visible to the dispatcher
}

// DeepCopy creates a deep copy of the request
func (p *PendingRequest) DeepCopy() *PendingRequest {
	out := *p
	out.SealedOwner = common.CopyBytes(p.SealedOwner)
	if p.Recipient != nil {
		r := *p.Recipient
		r.Ephemeral = common.CopyBytes(r.Ephemeral)
		r.Ciphertext = common.CopyBytes(r.Ciphertext)
		out.Recipient = &r
	}
	if p.SealedAmount != nil {
		a := *p.SealedAmount
		a.Ephemeral = common.CopyBytes(a.Ephemeral)
		a.Ciphertext = common.CopyBytes(a.Ciphertext)
		out.SealedAmount = &a
	}
	if p.Reservation != nil {
		r := *p.Reservation
		out.Reservation = &r
	}
	return &out
}

// completion is the notification for a terminal request.
func (p *PendingRequest) completion() protocol.Completion {
	return protocol.Completion{
		CorrelationID: p.CorrelationID,
		Asset:         p.Asset,
		Op:            p.Op,
		Status:        p.Status,
		Applied:       p.Applied,
		Reason:        p.Reason,
	}
}

// Receipt is returned synchronously by every submit.
type Receipt struct {
	CorrelationID string                 `json:"correlation_id"`
	Asset         protocol.AssetID       `json:"asset"`
	Op            protocol.OpKind        `json:"op"`
	Status        protocol.RequestStatus `json:"status"`
}

// ledgerQueue serializes one ledger's requests: at most one is in flight.
type ledgerQueue struct {
	waiting  []string
	inflight string
}

func (q *ledgerQueue) remove(id string) {
	for i, w := range q.waiting {
		if w == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}
