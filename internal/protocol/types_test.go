package protocol

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetID_TextRoundTrip(t *testing.T) {
	a := AssetID{0x01, 0x02}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"0x0102000000000000000000000000000000000000000000000000000000000000"`, string(data))

	got, err := HexToAssetID(a.Hex())
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = HexToAssetID("0x01")
	assert.Error(t, err)
	_, err = HexToIdentity("zz")
	assert.Error(t, err)
}

func TestDeriveOutputNonce(t *testing.T) {
	caller := Nonce{1}
	base := Nonce{2}

	n := DeriveOutputNonce(caller, base, "req-1")
	assert.Equal(t, n, DeriveOutputNonce(caller, base, "req-1"))
	assert.NotEqual(t, n, DeriveOutputNonce(caller, Nonce{3}, "req-1"), "same caller nonce on a new state")
	assert.NotEqual(t, n, DeriveOutputNonce(caller, base, "req-2"), "same caller nonce on another request")
	assert.False(t, n.IsZero())
}

func TestRandomNonce_Distinct(t *testing.T) {
	seen := make(map[Nonce]bool)
	for i := 0; i < 64; i++ {
		n, err := RandomNonce()
		require.NoError(t, err)
		require.False(t, seen[n])
		seen[n] = true
	}
}

func TestOpKind_Valid(t *testing.T) {
	for _, op := range []OpKind{OpInit, OpDeposit, OpTransfer, OpWithdraw} {
		assert.True(t, op.Valid(), op)
	}
	assert.False(t, OpKind("mint").Valid())
}

func TestEncryptedMapping_DeepCopy(t *testing.T) {
	m := &EncryptedMapping{Nonce: Nonce{9}, Entries: []EncryptedEntry{{Identity: []byte{1}, Balance: []byte{2}}}}
	cp := m.DeepCopy()
	cp.Entries[0].Balance[0] = 0xff
	assert.Equal(t, byte(2), m.Entries[0].Balance[0])
	assert.Equal(t, m.Digest(), (&EncryptedMapping{Nonce: Nonce{9}, Entries: []EncryptedEntry{{Identity: []byte{1}, Balance: []byte{2}}}}).Digest())
	assert.NotEqual(t, m.Digest(), cp.Digest())

	var nilMapping *EncryptedMapping
	assert.Nil(t, nilMapping.DeepCopy())
}

func TestCallback_SignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	cb := &Callback{
		CorrelationID: "req-1",
		Asset:         AssetID{1},
		Op:            OpDeposit,
		BaseNonce:     Nonce{1},
		OutputNonce:   Nonce{2},
		Mapping:       EncryptedMapping{Nonce: Nonce{2}, Entries: []EncryptedEntry{{Identity: []byte{1}, Balance: []byte{3}}}},
		Applied:       true,
	}
	require.NoError(t, cb.Sign(key))
	got, err := cb.Signer()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Every signed field is bound
	mutations := map[string]func(c *Callback){
		"correlation id": func(c *Callback) { c.CorrelationID = "req-2" },
		"op":             func(c *Callback) { c.Op = OpWithdraw },
		"asset":          func(c *Callback) { c.Asset = AssetID{2} },
		"base nonce":     func(c *Callback) { c.BaseNonce = Nonce{7} },
		"output nonce":   func(c *Callback) { c.OutputNonce = Nonce{7} },
		"mapping":        func(c *Callback) { c.Mapping.Entries[0].Balance = []byte{4} },
		"applied":        func(c *Callback) { c.Applied = false },
		"error":          func(c *Callback) { c.Error = "boom" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := *cb
			c.Mapping = *cb.Mapping.DeepCopy()
			mutate(&c)
			signer, err := c.Signer()
			if err == nil {
				assert.NotEqual(t, want, signer)
			}
		})
	}

	cb.Signature = cb.Signature[:10]
	_, err = cb.Signer()
	assert.Error(t, err)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "shards_exhausted", CodeOf(fmt.Errorf("reserve: %w", ErrShardsExhausted)))
	assert.Equal(t, "invalid_request", CodeOf(Invalidf("bad %d", 1)))
	assert.Equal(t, "internal", CodeOf(fmt.Errorf("plain")))
}
