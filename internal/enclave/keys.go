package enclave

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"

	"github.com/blackbox-ledger/blackbox/internal/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keys is the engine node's secret material as stored on disk.
type Keys struct {
	MasterKey  hexutil.Bytes `json:"master_key"`  // Entry, identity and argument keys derive from this
	SigningKey hexutil.Bytes `json:"signing_key"` // secp256k1 callback signing key
}

// GenerateKeys creates fresh engine keys.
func GenerateKeys() (*Keys, error) {
	master, err := engine.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	sk, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Keys{MasterKey: master, SigningKey: crypto.FromECDSA(sk)}, nil
}

// LoadKeys reads a key file written by Save.
func LoadKeys(path string) (*Keys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var k Keys
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if len(k.MasterKey) != engine.KeyLength {
		return nil, engine.ErrKeyLength
	}
	if _, err := k.Signer(); err != nil {
		return nil, err
	}
	return &k, nil
}

// Save writes the keys readable by the owner only.
func (k *Keys) Save(path string) error {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Signer parses the signing key.
func (k *Keys) Signer() (*ecdsa.PrivateKey, error) {
	sk, err := crypto.ToECDSA(k.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return sk, nil
}

// Address is the address ledgers expect on callbacks.
func (k *Keys) Address() (common.Address, error) {
	sk, err := k.Signer()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(sk.PublicKey), nil
}
