package engine

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the size of the engine master key.
	KeyLength = 32

	balanceSize = 8

	// SealedBalanceSize is the ciphertext size of one balance.
	SealedBalanceSize = balanceSize + chacha20poly1305.Overhead
	// SealedIdentitySize is the ciphertext size of one identity (synthetic IV included).
	SealedIdentitySize = chacha20poly1305.NonceSizeX + protocol.IdentityLength + chacha20poly1305.Overhead
	// EntrySize is the stored size of one (identity, balance) pair.
	EntrySize = SealedIdentitySize + SealedBalanceSize
)

var (
	ErrCiphertext = errors.New("ciphertext authentication failed")
	ErrKeyLength  = fmt.Errorf("engine key must be %d bytes", KeyLength)
)

// field tags keep balance, identity and argument nonces in disjoint spaces
var (
	tagBalance   = [4]byte{'b', 'a', 'l', 0}
	tagRecipient = [8]byte{'a', 'r', 'g', 0, 0, 0, 0, 1}
	tagAmount    = [8]byte{'a', 'r', 'g', 0, 0, 0, 0, 2}
)

// Cipher holds the engine's key material. Nothing outside the confidential
// engine boundary ever holds a Cipher.
type Cipher struct {
	entries cipher.AEAD
	sivKey  []byte
	static  []byte // X25519 scalar for caller arguments
	public  [32]byte
}

// NewCipher derives the entry, synthetic-IV and argument keys from master.
func NewCipher(master []byte) (*Cipher, error) {
	if len(master) != KeyLength {
		return nil, ErrKeyLength
	}
	entryKey, err := deriveKey(master, "blackbox/entries")
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(entryKey)
	if err != nil {
		return nil, fmt.Errorf("init entry cipher: %w", err)
	}
	sivKey, err := deriveKey(master, "blackbox/siv")
	if err != nil {
		return nil, err
	}
	static, err := deriveKey(master, "blackbox/x25519")
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(static, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}

	c := &Cipher{entries: aead, sivKey: sivKey, static: static}
	copy(c.public[:], pub)
	return c, nil
}

// GenerateKey returns a fresh master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}

// PublicKey is the X25519 key callers seal hidden arguments to.
func (c *Cipher) PublicKey() [32]byte { return c.public }

// balanceNonce binds a balance to the mapping nonce and to its entry's sealed
// identity, so entries may be stored in any order.
func balanceNonce(n protocol.Nonce, sealedIdentity []byte) []byte {
	return crypto.Keccak256(tagBalance[:], n[:], sealedIdentity)[:chacha20poly1305.NonceSizeX]
}

func (c *Cipher) sealBalance(asset protocol.AssetID, n protocol.Nonce, sealedIdentity []byte, v uint64) []byte {
	var pt [balanceSize]byte
	binary.BigEndian.PutUint64(pt[:], v)
	return c.entries.Seal(nil, balanceNonce(n, sealedIdentity), pt[:], asset[:])
}

func (c *Cipher) openBalance(asset protocol.AssetID, n protocol.Nonce, sealedIdentity []byte, ct []byte) (uint64, error) {
	pt, err := c.entries.Open(nil, balanceNonce(n, sealedIdentity), ct, asset[:])
	if err != nil || len(pt) != balanceSize {
		return 0, ErrCiphertext
	}
	return binary.BigEndian.Uint64(pt), nil
}

func (c *Cipher) syntheticIV(asset protocol.AssetID, id protocol.Identity) []byte {
	return crypto.Keccak256(c.sivKey, asset[:], id[:])[:chacha20poly1305.NonceSizeX]
}

func identityAD(asset protocol.AssetID) []byte {
	return append([]byte("identity:"), asset[:]...)
}

// SealIdentity encrypts id deterministically: the same (asset, identity)
// always yields the same ciphertext, so the public store can match entries
// by ciphertext equality without ever seeing the identity.
func (c *Cipher) SealIdentity(asset protocol.AssetID, id protocol.Identity) []byte {
	iv := c.syntheticIV(asset, id)
	out := make([]byte, 0, SealedIdentitySize)
	out = append(out, iv...)
	return c.entries.Seal(out, iv, id[:], identityAD(asset))
}

// OpenIdentity reverses SealIdentity and checks the synthetic IV.
func (c *Cipher) OpenIdentity(asset protocol.AssetID, sealed []byte) (protocol.Identity, error) {
	var id protocol.Identity
	if len(sealed) != SealedIdentitySize {
		return id, fmt.Errorf("identity: %w", ErrCiphertext)
	}
	iv := sealed[:chacha20poly1305.NonceSizeX]
	pt, err := c.entries.Open(nil, iv, sealed[chacha20poly1305.NonceSizeX:], identityAD(asset))
	if err != nil || len(pt) != protocol.IdentityLength {
		return id, fmt.Errorf("identity: %w", ErrCiphertext)
	}
	copy(id[:], pt)
	if !bytes.Equal(iv, c.syntheticIV(asset, id)) {
		return protocol.Identity{}, fmt.Errorf("identity iv: %w", ErrCiphertext)
	}
	return id, nil
}

// Encrypt seals every entry of m; balances are bound to (n, identity).
func (c *Cipher) Encrypt(asset protocol.AssetID, m *Mapping, n protocol.Nonce) protocol.EncryptedMapping {
	out := protocol.EncryptedMapping{
		Nonce:   n,
		Entries: make([]protocol.EncryptedEntry, len(m.Identities)),
	}
	for i := range m.Identities {
		sealed := c.SealIdentity(asset, m.Identities[i])
		out.Entries[i] = protocol.EncryptedEntry{
			Identity: sealed,
			Balance:  c.sealBalance(asset, n, sealed, m.Balances[i]),
		}
	}
	return out
}

// Decrypt opens every entry of em.
func (c *Cipher) Decrypt(asset protocol.AssetID, em *protocol.EncryptedMapping) (*Mapping, error) {
	m := &Mapping{
		Identities: make([]protocol.Identity, len(em.Entries)),
		Balances:   make([]uint64, len(em.Entries)),
	}
	for i, e := range em.Entries {
		id, err := c.OpenIdentity(asset, e.Identity)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		bal, err := c.openBalance(asset, em.Nonce, e.Identity, e.Balance)
		if err != nil {
			return nil, fmt.Errorf("balance %d: %w", i, err)
		}
		m.Identities[i] = id
		m.Balances[i] = bal
	}
	return m, nil
}

func argNonce(n protocol.Nonce, tag [8]byte) []byte {
	out := make([]byte, chacha20poly1305.NonceSizeX)
	copy(out, n[:])
	copy(out[protocol.NonceLength:], tag[:])
	return out
}

func argCipher(shared []byte, asset protocol.AssetID) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, asset[:], []byte("blackbox/args")), key); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}

func (c *Cipher) openArg(asset protocol.AssetID, arg *protocol.SealedArg, tag [8]byte) ([]byte, error) {
	if arg == nil {
		return nil, fmt.Errorf("missing sealed argument: %w", ErrCiphertext)
	}
	shared, err := curve25519.X25519(c.static, arg.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("argument key agreement: %w", ErrCiphertext)
	}
	aead, err := argCipher(shared, asset)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, argNonce(arg.Nonce, tag), arg.Ciphertext, asset[:])
	if err != nil {
		return nil, fmt.Errorf("sealed argument: %w", ErrCiphertext)
	}
	return pt, nil
}

// OpenRecipient decrypts a hidden transfer recipient.
func (c *Cipher) OpenRecipient(asset protocol.AssetID, arg *protocol.SealedArg) (protocol.Identity, error) {
	var id protocol.Identity
	pt, err := c.openArg(asset, arg, tagRecipient)
	if err != nil {
		return id, err
	}
	if len(pt) != protocol.IdentityLength {
		return id, fmt.Errorf("recipient length %d: %w", len(pt), ErrCiphertext)
	}
	copy(id[:], pt)
	return id, nil
}

// OpenAmount decrypts a hidden transfer amount.
func (c *Cipher) OpenAmount(asset protocol.AssetID, arg *protocol.SealedArg) (uint64, error) {
	pt, err := c.openArg(asset, arg, tagAmount)
	if err != nil {
		return 0, err
	}
	if len(pt) != balanceSize {
		return 0, fmt.Errorf("amount length %d: %w", len(pt), ErrCiphertext)
	}
	return binary.BigEndian.Uint64(pt), nil
}

// SealTransferArgs is the caller-side helper: it seals recipient and amount
// to the engine's public key under nonce with a fresh ephemeral key.
func SealTransferArgs(enginePub [32]byte, asset protocol.AssetID, nonce protocol.Nonce, recipient protocol.Identity, amount uint64) (*protocol.SealedArg, *protocol.SealedArg, error) {
	eph := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(eph); err != nil {
		return nil, nil, err
	}
	ephPub, err := curve25519.X25519(eph, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	shared, err := curve25519.X25519(eph, enginePub[:])
	if err != nil {
		return nil, nil, fmt.Errorf("key agreement: %w", err)
	}
	aead, err := argCipher(shared, asset)
	if err != nil {
		return nil, nil, err
	}

	var amt [balanceSize]byte
	binary.BigEndian.PutUint64(amt[:], amount)

	rcpt := &protocol.SealedArg{
		Ephemeral:  ephPub,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, argNonce(nonce, tagRecipient), recipient[:], asset[:]),
	}
	sealedAmt := &protocol.SealedArg{
		Ephemeral:  ephPub,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, argNonce(nonce, tagAmount), amt[:], asset[:]),
	}
	return rcpt, sealedAmt, nil
}
