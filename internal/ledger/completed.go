package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

var completedPrefix = []byte("completed:")

const (
	completedBloomItems = 1 << 20
	completedBloomFP    = 0.0005
)

// completedRecord is persisted per applied correlation id.
type completedRecord struct {
	Asset   protocol.AssetID
	Op      string
	Applied bool
	At      uint64
}

// idHash is a hash.Hash64 over a correlation id for the bloom filter.
type idHash []byte

func (h idHash) Write(p []byte) (n int, err error) { panic("not implemented") }
func (h idHash) Sum(b []byte) []byte               { panic("not implemented") }
func (h idHash) Reset()                            { panic("not implemented") }
func (h idHash) BlockSize() int                    { panic("not implemented") }
func (h idHash) Size() int                         { return 8 }
func (h idHash) Sum64() uint64                     { return binary.BigEndian.Uint64(h) }

func hashID(id string) idHash {
	return idHash(crypto.Keccak256([]byte(id))[:8])
}

// completedLog remembers every applied correlation id so a replayed callback
// is rejected even after the pending record is gone or the process restarted.
// The bloom filter answers most misses without touching the database.
type completedLog struct {
	db    ethdb.KeyValueStore
	mu    sync.RWMutex
	bloom *bloomfilter.Filter
}

func newCompletedLog(db ethdb.KeyValueStore) (*completedLog, error) {
	bloom, err := bloomfilter.NewOptimal(completedBloomItems, completedBloomFP)
	if err != nil {
		return nil, fmt.Errorf("create bloom filter: %w", err)
	}
	c := &completedLog{db: db, bloom: bloom}

	it := db.NewIterator(completedPrefix, nil)
	defer it.Release()
	for it.Next() {
		c.bloom.Add(hashID(string(it.Key()[len(completedPrefix):])))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("load completed ids: %w", err)
	}
	return c, nil
}

func completedKey(id string) []byte {
	return append(append([]byte{}, completedPrefix...), id...)
}

// Has reports whether id was already applied.
func (c *completedLog) Has(id string) bool {
	c.mu.RLock()
	maybe := c.bloom.Contains(hashID(id))
	c.mu.RUnlock()
	if !maybe {
		return false
	}
	ok, _ := c.db.Has(completedKey(id))
	return ok
}

// Add records id as applied.
func (c *completedLog) Add(id string, asset protocol.AssetID, op protocol.OpKind, applied bool) error {
	enc, err := rlp.EncodeToBytes(&completedRecord{
		Asset:   asset,
		Op:      string(op),
		Applied: applied,
		At:      uint64(time.Now().Unix()),
	})
	if err != nil {
		return err
	}
	if err := c.db.Put(completedKey(id), enc); err != nil {
		return fmt.Errorf("persist completed id: %w", err)
	}
	c.mu.Lock()
	c.bloom.Add(hashID(id))
	c.mu.Unlock()
	return nil
}

// Get returns the persisted record for id.
func (c *completedLog) Get(id string) (*completedRecord, bool) {
	if !c.Has(id) {
		return nil, false
	}
	data, err := c.db.Get(completedKey(id))
	if err != nil {
		return nil, false
	}
	var rec completedRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}
