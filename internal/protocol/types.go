package protocol

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	AssetIDLength  = 32
	IdentityLength = 32
	NonceLength    = 16
)

// AssetID identifies the token a ledger instance holds balances for.
type AssetID [AssetIDLength]byte

func (a AssetID) Hex() string { return hexutil.Encode(a[:]) }

func (a AssetID) String() string { return a.Hex() }

func (a AssetID) MarshalText() ([]byte, error) { return hexutil.Bytes(a[:]).MarshalText() }

func (a *AssetID) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("AssetID", input, a[:])
}

// HexToAssetID parses a 0x-prefixed 32 byte hex string.
func HexToAssetID(s string) (AssetID, error) {
	var a AssetID
	if err := a.UnmarshalText([]byte(s)); err != nil {
		return AssetID{}, err
	}
	return a, nil
}

// Identity is an owner's fixed-width public key.
type Identity [IdentityLength]byte

func (id Identity) Hex() string { return hexutil.Encode(id[:]) }

func (id Identity) MarshalText() ([]byte, error) { return hexutil.Bytes(id[:]).MarshalText() }

func (id *Identity) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Identity", input, id[:])
}

// HexToIdentity parses a 0x-prefixed 32 byte hex string.
func HexToIdentity(s string) (Identity, error) {
	var id Identity
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Nonce is a 128 bit per-encryption value. A nonce is never reused for the
// same mapping state.
type Nonce [NonceLength]byte

func (n Nonce) Hex() string { return hexutil.Encode(n[:]) }

func (n Nonce) IsZero() bool { return n == Nonce{} }

func (n Nonce) MarshalText() ([]byte, error) { return hexutil.Bytes(n[:]).MarshalText() }

func (n *Nonce) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Nonce", input, n[:])
}

// RandomNonce draws a nonce from crypto/rand.
func RandomNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("read random nonce: %w", err)
	}
	return n, nil
}

// DeriveOutputNonce binds a caller nonce to the mapping state it will be
// applied to and to the request that carries it, so equal caller nonces on
// different states or requests never produce the same encryption nonce.
func DeriveOutputNonce(caller, base Nonce, correlationID string) Nonce {
	h := crypto.Keccak256([]byte("blackbox/output-nonce"), caller[:], base[:], []byte(correlationID))
	var n Nonce
	copy(n[:], h)
	return n
}

// OpKind names one of the confidential computations.
type OpKind string

const (
	OpInit     OpKind = "init"
	OpDeposit  OpKind = "deposit"
	OpTransfer OpKind = "transfer"
	OpWithdraw OpKind = "withdraw"
)

// Valid reports whether op is a registered computation.
func (op OpKind) Valid() bool {
	switch op {
	case OpInit, OpDeposit, OpTransfer, OpWithdraw:
		return true
	}
	return false
}

// RequestStatus tracks a pending request through the callback round trip.
type RequestStatus string

const (
	StatusSubmitted  RequestStatus = "submitted"  // Queued, capacity reserved
	StatusDispatched RequestStatus = "dispatched" // Handed to the engine, awaiting callback
	StatusCompleted  RequestStatus = "completed"  // Callback applied
	StatusRejected   RequestStatus = "rejected"   // Terminal failure, nothing applied
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// EncryptedEntry is one (identity, balance) pair as stored on the public side.
type EncryptedEntry struct {
	Identity hexutil.Bytes `json:"identity"`
	Balance  hexutil.Bytes `json:"balance"`
}

// EncryptedMapping is the logical ledger as ciphertext plus the nonce its
// balances were encrypted under.
type EncryptedMapping struct {
	Nonce   Nonce            `json:"nonce"`
	Entries []EncryptedEntry `json:"entries"`
}

// Len returns the number of entries.
func (m *EncryptedMapping) Len() int { return len(m.Entries) }

// DeepCopy creates a deep copy of the mapping
func (m *EncryptedMapping) DeepCopy() *EncryptedMapping {
	if m == nil {
		return nil
	}
	out := &EncryptedMapping{Nonce: m.Nonce}
	if m.Entries != nil {
		out.Entries = make([]EncryptedEntry, len(m.Entries))
		for i, e := range m.Entries {
			out.Entries[i] = e.DeepCopy()
		}
	}
	return out
}

// DeepCopy creates a deep copy of the entry
func (e EncryptedEntry) DeepCopy() EncryptedEntry {
	return EncryptedEntry{
		Identity: common.CopyBytes(e.Identity),
		Balance:  common.CopyBytes(e.Balance),
	}
}

// Digest commits to the nonce and every entry in order.
func (m *EncryptedMapping) Digest() common.Hash {
	parts := make([][]byte, 0, 2+2*len(m.Entries))
	parts = append(parts, []byte("blackbox/mapping"), m.Nonce[:])
	for _, e := range m.Entries {
		parts = append(parts, crypto.Keccak256(e.Identity), crypto.Keccak256(e.Balance))
	}
	return crypto.Keccak256Hash(parts...)
}

// SealedArg is a caller argument encrypted for the confidential engine: the
// caller's ephemeral X25519 key, the nonce it sealed under, and the ciphertext.
type SealedArg struct {
	Ephemeral  hexutil.Bytes `json:"ephemeral"`
	Nonce      Nonce         `json:"nonce"`
	Ciphertext hexutil.Bytes `json:"ciphertext"`
}

// ComputationRequest is what the ledger hands to the confidential engine.
type ComputationRequest struct {
	CorrelationID string           `json:"correlation_id"`
	Asset         AssetID          `json:"asset"`
	Op            OpKind           `json:"op"`
	Mapping       EncryptedMapping `json:"mapping"`
	Owner         Identity         `json:"owner"`                   // Deposit recipient, transfer sender, withdraw owner
	Amount        uint64           `json:"amount,omitempty"`        // Plaintext amount for deposit and withdraw
	Recipient     *SealedArg       `json:"recipient,omitempty"`     // Hidden transfer recipient
	SealedAmount  *SealedArg       `json:"sealed_amount,omitempty"` // Hidden transfer amount
	OutputNonce   Nonce            `json:"output_nonce"`
	CallbackURL   string           `json:"callback_url,omitempty"`
}

// Callback is the engine's authenticated result for one computation.
type Callback struct {
	CorrelationID string           `json:"correlation_id"`
	Asset         AssetID          `json:"asset"`
	Op            OpKind           `json:"op"`
	BaseNonce     Nonce            `json:"base_nonce"`
	OutputNonce   Nonce            `json:"output_nonce"`
	Mapping       EncryptedMapping `json:"mapping"`
	Applied       bool             `json:"applied"`
	Error         string           `json:"error,omitempty"` // Set when the engine could not execute
	Signature     hexutil.Bytes    `json:"signature"`
}

// SigningHash is the digest the engine signs. It binds the result to the
// correlation id, the operation, the input state and the output nonce.
// An error callback signs the same fields with an empty mapping.
func (c *Callback) SigningHash() common.Hash {
	applied := []byte{0}
	if c.Applied {
		applied[0] = 1
	}
	digest := c.Mapping.Digest()
	return crypto.Keccak256Hash(
		[]byte("blackbox/callback"),
		[]byte(c.CorrelationID),
		[]byte(c.Op),
		c.Asset[:],
		c.BaseNonce[:],
		c.OutputNonce[:],
		digest[:],
		applied,
		[]byte(c.Error),
	)
}

// Completion is published once per request when it reaches a terminal state.
type Completion struct {
	CorrelationID string        `json:"correlation_id"`
	Asset         AssetID       `json:"asset"`
	Op            OpKind        `json:"op"`
	Status        RequestStatus `json:"status"`
	Applied       bool          `json:"applied"`
	Reason        string        `json:"reason,omitempty"`
}
