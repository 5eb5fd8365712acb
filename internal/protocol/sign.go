package protocol

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Sign sets the callback's secp256k1 signature over SigningHash.
func (c *Callback) Sign(key *ecdsa.PrivateKey) error {
	h := c.SigningHash()
	sig, err := crypto.Sign(h[:], key)
	if err != nil {
		return fmt.Errorf("sign callback: %w", err)
	}
	c.Signature = sig
	return nil
}

// Signer recovers the address that signed the callback.
func (c *Callback) Signer() (common.Address, error) {
	if len(c.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(c.Signature))
	}
	h := c.SigningHash()
	pub, err := crypto.SigToPub(h[:], c.Signature)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
