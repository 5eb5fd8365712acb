// Package engine implements the confidential computations over the encrypted
// balance mapping. Every operation decrypts the mapping, performs its search
// and update on plaintext, and re-encrypts the whole mapping under the output
// nonce, changed or not.
//
// This code runs only inside the confidential engine boundary. The public
// ledger never imports a Cipher; it moves protocol.EncryptedMapping values.
package engine

import (
	"fmt"
	"math"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
)

// OverflowPolicy decides what a credit does when it would exceed MaxUint64.
type OverflowPolicy string

const (
	OverflowReject   OverflowPolicy = "reject"   // Leave the mapping unchanged, report not applied
	OverflowSaturate OverflowPolicy = "saturate" // Clamp at MaxUint64, report applied
)

// Valid reports whether p is a known policy.
func (p OverflowPolicy) Valid() bool {
	return p == OverflowReject || p == OverflowSaturate
}

// Mapping is the decrypted ledger. Identities are unique; order is insertion order.
type Mapping struct {
	Identities []protocol.Identity
	Balances   []uint64
}

// Len returns the number of entries.
func (m *Mapping) Len() int { return len(m.Identities) }

// Balance returns the balance of id and whether it is present.
func (m *Mapping) Balance(id protocol.Identity) (uint64, bool) {
	for i := range m.Identities {
		if m.Identities[i] == id {
			return m.Balances[i], true
		}
	}
	return 0, false
}

// Total sums all balances; ok is false if the sum exceeds 64 bits.
func (m *Mapping) Total() (total uint64, ok bool) {
	for _, b := range m.Balances {
		if total > math.MaxUint64-b {
			return 0, false
		}
		total += b
	}
	return total, true
}

func (m *Mapping) append(id protocol.Identity, balance uint64) {
	m.Identities = append(m.Identities, id)
	m.Balances = append(m.Balances, balance)
}

// Engine evaluates the confidential operations with one key and overflow policy.
type Engine struct {
	cipher   *Cipher
	overflow OverflowPolicy
}

// New creates an engine. An invalid policy falls back to reject.
func New(c *Cipher, overflow OverflowPolicy) *Engine {
	if !overflow.Valid() {
		overflow = OverflowReject
	}
	return &Engine{cipher: c, overflow: overflow}
}

// Cipher returns the engine's key material.
func (e *Engine) Cipher() *Cipher { return e.cipher }

// credit adds amount to balance under the overflow policy.
func (e *Engine) credit(balance, amount uint64) (uint64, bool) {
	if balance <= math.MaxUint64-amount {
		return balance + amount, true
	}
	if e.overflow == OverflowSaturate {
		return math.MaxUint64, true
	}
	return balance, false
}

// InitMapping produces an empty mapping encrypted under nonce.
func (e *Engine) InitMapping(asset protocol.AssetID, nonce protocol.Nonce) protocol.EncryptedMapping {
	return e.cipher.Encrypt(asset, &Mapping{}, nonce)
}

// Deposit credits amount to recipient, appending a new entry if recipient is
// absent. The result is false only when the overflow policy rejects the credit.
func (e *Engine) Deposit(asset protocol.AssetID, recipient protocol.Identity, amount uint64, em *protocol.EncryptedMapping, out protocol.Nonce) (protocol.EncryptedMapping, bool, error) {
	m, err := e.cipher.Decrypt(asset, em)
	if err != nil {
		return protocol.EncryptedMapping{}, false, err
	}

	// Scan the full mapping
	found := -1
	for i := range m.Identities {
		if m.Identities[i] == recipient && found < 0 {
			found = i
		}
	}

	applied := true
	if found >= 0 {
		m.Balances[found], applied = e.credit(m.Balances[found], amount)
	} else {
		m.append(recipient, amount)
	}

	return e.cipher.Encrypt(asset, m, out), applied, nil
}

// Transfer moves a hidden amount from sender to a hidden recipient. An unknown
// sender or an insufficient balance leaves every balance unchanged; the
// returned flag tells the caller which case occurred.
func (e *Engine) Transfer(asset protocol.AssetID, em *protocol.EncryptedMapping, sender protocol.Identity, recipient, amount *protocol.SealedArg, out protocol.Nonce) (protocol.EncryptedMapping, bool, error) {
	m, err := e.cipher.Decrypt(asset, em)
	if err != nil {
		return protocol.EncryptedMapping{}, false, err
	}
	to, err := e.cipher.OpenRecipient(asset, recipient)
	if err != nil {
		return protocol.EncryptedMapping{}, false, err
	}
	value, err := e.cipher.OpenAmount(asset, amount)
	if err != nil {
		return protocol.EncryptedMapping{}, false, err
	}

	senderIdx, recipientIdx := -1, -1
	for i := range m.Identities {
		if m.Identities[i] == sender {
			senderIdx = i
		} else if m.Identities[i] == to {
			recipientIdx = i
		}
		if senderIdx >= 0 && recipientIdx >= 0 {
			break
		}
	}
	// A self-transfer resolves both sides to the sender's entry.
	if to == sender {
		recipientIdx = senderIdx
	}

	applied := false
	if senderIdx >= 0 && m.Balances[senderIdx] >= value {
		switch {
		case recipientIdx == senderIdx:
			applied = true
		case recipientIdx >= 0:
			credited, ok := e.credit(m.Balances[recipientIdx], value)
			if ok {
				m.Balances[senderIdx] -= value
				m.Balances[recipientIdx] = credited
				applied = true
			}
		default:
			m.Balances[senderIdx] -= value
			m.append(to, value)
			applied = true
		}
	}

	return e.cipher.Encrypt(asset, m, out), applied, nil
}

// Withdraw debits amount from owner if owner exists and holds at least amount.
// The flag is the only signal of rejection.
func (e *Engine) Withdraw(asset protocol.AssetID, em *protocol.EncryptedMapping, owner protocol.Identity, amount uint64, out protocol.Nonce) (protocol.EncryptedMapping, bool, error) {
	m, err := e.cipher.Decrypt(asset, em)
	if err != nil {
		return protocol.EncryptedMapping{}, false, err
	}

	found := -1
	for i := range m.Identities {
		if m.Identities[i] == owner && found < 0 {
			found = i
		}
	}

	applied := false
	if found >= 0 && m.Balances[found] >= amount {
		m.Balances[found] -= amount
		applied = true
	}

	return e.cipher.Encrypt(asset, m, out), applied, nil
}

// Execute runs the computation named by req.
func (e *Engine) Execute(req *protocol.ComputationRequest) (protocol.EncryptedMapping, bool, error) {
	switch req.Op {
	case protocol.OpInit:
		return e.InitMapping(req.Asset, req.OutputNonce), true, nil
	case protocol.OpDeposit:
		return e.Deposit(req.Asset, req.Owner, req.Amount, &req.Mapping, req.OutputNonce)
	case protocol.OpTransfer:
		return e.Transfer(req.Asset, &req.Mapping, req.Owner, req.Recipient, req.SealedAmount, req.OutputNonce)
	case protocol.OpWithdraw:
		return e.Withdraw(req.Asset, &req.Mapping, req.Owner, req.Amount, req.OutputNonce)
	}
	return protocol.EncryptedMapping{}, false, fmt.Errorf("unregistered computation %q", req.Op)
}
