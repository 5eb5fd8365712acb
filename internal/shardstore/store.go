// Package shardstore persists the public, sharded representation of each
// ledger's encrypted mapping. It never interprets ciphertext: identities are
// matched by byte equality and balances are opaque.
package shardstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/zap"
)

const (
	// DefaultMaxShardBytes bounds one shard record.
	DefaultMaxShardBytes = 10 * 1024 * 1024

	// DefaultEntryBytes is the stored size of one sealed (identity, balance) pair.
	DefaultEntryBytes = 96

	// DefaultMaxShards matches a one-byte shard counter.
	DefaultMaxShards = 255

	// StoreCacheMB is the LevelDB block cache size in MB.
	StoreCacheMB = 16

	// StoreHandles is the maximum number of open file handles for LevelDB.
	StoreHandles = 16

	// DefaultRecordCacheBytes sizes the decoded-record read cache.
	DefaultRecordCacheBytes = 64 * 1024 * 1024
)

// Options configures a Store.
type Options struct {
	Path             string // Empty means in-memory
	MaxShardBytes    int
	EntryBytes       int
	MaxShards        int
	RecordCacheBytes int
	Logger           *zap.Logger
}

func (o *Options) normalize() {
	if o.MaxShardBytes <= 0 {
		o.MaxShardBytes = DefaultMaxShardBytes
	}
	if o.EntryBytes <= 0 {
		o.EntryBytes = DefaultEntryBytes
	}
	if o.MaxShards <= 0 {
		o.MaxShards = DefaultMaxShards
	}
	if o.RecordCacheBytes <= 0 {
		o.RecordCacheBytes = DefaultRecordCacheBytes
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Ledger is the persisted LedgerInstance record.
type Ledger struct {
	Asset      protocol.AssetID `json:"asset"`
	Vault      string           `json:"vault"`
	ShardCount uint64           `json:"shard_count"`
	Nonce      protocol.Nonce   `json:"nonce"`   // Nonce of the committed balances
	Version    uint64           `json:"version"` // Incremented on every mapping commit
}

// Initialized reports whether the ledger's initial mapping has been committed.
func (l *Ledger) Initialized() bool { return l.Version > 0 }

// Shard is one persisted container of entries.
type Shard struct {
	Index   uint64                    `json:"index"`
	Asset   protocol.AssetID          `json:"asset"`
	Entries []protocol.EncryptedEntry `json:"entries"`
}

// DeepCopy creates a deep copy of the shard
func (s *Shard) DeepCopy() *Shard {
	out := &Shard{Index: s.Index, Asset: s.Asset}
	out.Entries = make([]protocol.EncryptedEntry, len(s.Entries))
	for i, e := range s.Entries {
		out.Entries[i] = e.DeepCopy()
	}
	return out
}

// ledgerState is the in-memory coordination state of one ledger instance.
// mu orders snapshots against commits; each shard's mu covers its capacity
// check and reservation count. Lock order: ledger, then shard, then resMu.
type ledgerState struct {
	mu     sync.RWMutex
	meta   Ledger
	shards []*shardState

	resMu        sync.Mutex
	reservations map[string]*Reservation
}

type shardState struct {
	mu       sync.Mutex
	count    int // Committed entries
	reserved int // Slots held by in-flight requests
}

// Store is the Shard Store over an ethdb key-value database.
type Store struct {
	db       ethdb.Database
	cache    *fastcache.Cache
	log      *zap.Logger
	capacity int
	max      int
	entryMax int

	mu      sync.Mutex
	ledgers map[protocol.AssetID]*ledgerState
	closed  bool
}

// Open creates a Shard Store. If opts.Path is empty or LevelDB cannot be
// opened, it falls back to in-memory storage.
func Open(opts Options) (*Store, error) {
	opts.normalize()
	if opts.MaxShardBytes < opts.EntryBytes {
		return nil, fmt.Errorf("max shard bytes %d below entry size %d", opts.MaxShardBytes, opts.EntryBytes)
	}

	logger := opts.Logger.Named("shardstore")
	var db ethdb.Database

	if opts.Path != "" {
		if mkErr := os.MkdirAll(opts.Path, 0755); mkErr != nil {
			logger.Warn("failed to create directory, using in-memory", zap.String("path", opts.Path), zap.Error(mkErr))
			db = rawdb.NewMemoryDatabase()
		} else {
			ldb, ldbErr := leveldb.New(opts.Path, StoreCacheMB, StoreHandles, "blackbox/shards/", false)
			if ldbErr != nil {
				logger.Warn("failed to open LevelDB, using in-memory", zap.String("path", opts.Path), zap.Error(ldbErr))
				db = rawdb.NewMemoryDatabase()
			} else {
				db = rawdb.NewDatabase(ldb)
				logger.Info("opened persistent storage", zap.String("path", opts.Path))
			}
		}
	} else {
		db = rawdb.NewMemoryDatabase()
		logger.Info("using in-memory storage (no path specified)")
	}

	return &Store{
		db:       db,
		cache:    fastcache.New(opts.RecordCacheBytes),
		log:      logger,
		capacity: opts.MaxShardBytes / opts.EntryBytes,
		max:      opts.MaxShards,
		entryMax: opts.EntryBytes,
		ledgers:  make(map[protocol.AssetID]*ledgerState),
	}, nil
}

// Capacity is the number of entries one shard holds.
func (s *Store) Capacity() int { return s.capacity }

// MaxShards is the upper bound on shards per ledger.
func (s *Store) MaxShards() int { return s.max }

// DB exposes the underlying database so collaborators can share it.
func (s *Store) DB() ethdb.Database { return s.db }

// Close gracefully closes the underlying database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Reset()
	return s.db.Close()
}

func ledgerKey(asset protocol.AssetID) []byte {
	return append([]byte("ledger:"), asset[:]...)
}

func shardKey(asset protocol.AssetID, index int) []byte {
	key := make([]byte, 0, 6+protocol.AssetIDLength+4)
	key = append(key, "shard:"...)
	key = append(key, asset[:]...)
	return binary.BigEndian.AppendUint32(key, uint32(index))
}

// CreateLedger creates the ledger instance for asset with an empty shard 0.
// The mapping is uninitialized until the first commit.
func (s *Store) CreateLedger(asset protocol.AssetID, vault string) (*Ledger, error) {
	if vault == "" {
		return nil, protocol.Invalidf("vault reference is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("shard store is closed")
	}
	if _, ok := s.ledgers[asset]; ok {
		return nil, protocol.ErrLedgerExists
	}
	if ok, _ := s.db.Has(ledgerKey(asset)); ok {
		return nil, protocol.ErrLedgerExists
	}

	meta := Ledger{Asset: asset, Vault: vault, ShardCount: 1}
	first := &Shard{Index: 0, Asset: asset}

	batch := s.db.NewBatch()
	if err := s.putLedger(batch, &meta); err != nil {
		return nil, err
	}
	if err := s.putShard(batch, first); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("write ledger %s: %w", asset.Hex(), err)
	}
	s.cacheShard(first)

	s.ledgers[asset] = &ledgerState{
		meta:         meta,
		shards:       []*shardState{{}},
		reservations: make(map[string]*Reservation),
	}
	s.log.Info("created ledger", zap.Stringer("asset", asset), zap.String("vault", vault))
	out := meta
	return &out, nil
}

// ledger returns the coordination state for asset, loading it from disk on
// first access.
func (s *Store) ledger(asset protocol.AssetID) (*ledgerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("shard store is closed")
	}
	if l, ok := s.ledgers[asset]; ok {
		return l, nil
	}

	data, err := s.db.Get(ledgerKey(asset))
	if err != nil || len(data) == 0 {
		return nil, protocol.ErrLedgerNotFound
	}
	var meta Ledger
	if err := rlp.DecodeBytes(data, &meta); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", asset.Hex(), err)
	}

	l := &ledgerState{
		meta:         meta,
		shards:       make([]*shardState, meta.ShardCount),
		reservations: make(map[string]*Reservation),
	}
	for i := range l.shards {
		sh, err := s.loadShard(asset, i)
		if err != nil {
			return nil, err
		}
		l.shards[i] = &shardState{count: len(sh.Entries)}
	}
	s.ledgers[asset] = l
	s.log.Debug("loaded ledger", zap.Stringer("asset", asset), zap.Uint64("shards", meta.ShardCount))
	return l, nil
}

// Ledger returns a copy of the ledger record.
func (s *Store) Ledger(asset protocol.AssetID) (*Ledger, error) {
	l, err := s.ledger(asset)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := l.meta
	return &out, nil
}

// Shard returns a copy of the committed shard at index.
func (s *Store) Shard(asset protocol.AssetID, index int) (*Shard, error) {
	l, err := s.ledger(asset)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 || index >= len(l.shards) {
		return nil, fmt.Errorf("shard %d: %w", index, protocol.ErrShardNotFound)
	}
	sh, err := s.loadShard(asset, index)
	if err != nil {
		return nil, err
	}
	return sh.DeepCopy(), nil
}

// CreateShard appends an empty shard. index must equal the ledger's current
// shard count.
func (s *Store) CreateShard(asset protocol.AssetID, index int) (*Shard, error) {
	l, err := s.ledger(asset)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if uint64(index) != l.meta.ShardCount || index < 0 {
		return nil, fmt.Errorf("create shard %d with %d shards: %w", index, l.meta.ShardCount, protocol.ErrShardOutOfOrder)
	}
	if index >= s.max {
		return nil, fmt.Errorf("shard limit %d reached: %w", s.max, protocol.ErrShardsExhausted)
	}

	meta := l.meta
	meta.ShardCount++
	sh := &Shard{Index: uint64(index), Asset: asset}

	batch := s.db.NewBatch()
	if err := s.putShard(batch, sh); err != nil {
		return nil, err
	}
	if err := s.putLedger(batch, &meta); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("write shard %d: %w", index, err)
	}
	s.cacheShard(sh)

	l.meta = meta
	l.shards = append(l.shards, &shardState{})
	s.log.Info("created shard", zap.Stringer("asset", asset), zap.Int("index", index))
	return sh.DeepCopy(), nil
}

// FindEntry locates a sealed identity, scanning shards in index order and
// entries in insertion order.
func (s *Store) FindEntry(asset protocol.AssetID, sealedIdentity []byte) (int, int, error) {
	l, err := s.ledger(asset)
	if err != nil {
		return 0, 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return s.findLocked(asset, l, sealedIdentity)
}

func (s *Store) findLocked(asset protocol.AssetID, l *ledgerState, sealedIdentity []byte) (int, int, error) {
	for i := range l.shards {
		sh, err := s.loadShard(asset, i)
		if err != nil {
			return 0, 0, err
		}
		for j, e := range sh.Entries {
			if bytes.Equal(e.Identity, sealedIdentity) {
				return i, j, nil
			}
		}
	}
	return 0, 0, protocol.ErrEntryNotFound
}

// FindOrCreateEntry returns the location of sealedIdentity, appending it with
// initialBalance to the first shard with spare capacity if absent. Slots held
// by reservations count as used. The append is committed immediately.
//
// initialBalance must be a balance the engine sealed for sealedIdentity under
// the ledger's current nonce; the store cannot check it, and any other blob
// makes the mapping undecryptable. An append is a committed change, so it
// bumps Version and a commit computed from an earlier snapshot fails with
// ErrStaleSnapshot instead of dropping the new entry. Finding an existing
// entry changes nothing. The ledger service appends through Reserve and
// Commit instead.
func (s *Store) FindOrCreateEntry(asset protocol.AssetID, sealedIdentity, initialBalance []byte) (int, int, error) {
	if len(sealedIdentity) == 0 {
		return 0, 0, protocol.Invalidf("empty identity")
	}
	if len(sealedIdentity)+len(initialBalance) > s.entryMax {
		return 0, 0, fmt.Errorf("entry of %d bytes: %w", len(sealedIdentity)+len(initialBalance), protocol.ErrMalformedResult)
	}

	l, err := s.ledger(asset)
	if err != nil {
		return 0, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if si, ei, err := s.findLocked(asset, l, sealedIdentity); err == nil {
		return si, ei, nil
	} else if !errors.Is(err, protocol.ErrEntryNotFound) {
		return 0, 0, err
	}

	for i, st := range l.shards {
		st.mu.Lock()
		if st.count+st.reserved >= s.capacity {
			st.mu.Unlock()
			continue
		}
		sh, err := s.loadShard(asset, i)
		if err != nil {
			st.mu.Unlock()
			return 0, 0, err
		}
		sh = sh.DeepCopy()
		sh.Entries = append(sh.Entries, protocol.EncryptedEntry{
			Identity: bytes.Clone(sealedIdentity),
			Balance:  bytes.Clone(initialBalance),
		})
		meta := l.meta
		meta.Version++

		batch := s.db.NewBatch()
		err = s.putShard(batch, sh)
		if err == nil {
			err = s.putLedger(batch, &meta)
		}
		if err == nil {
			err = batch.Write()
		}
		if err != nil {
			st.mu.Unlock()
			return 0, 0, fmt.Errorf("append entry to shard %d: %w", i, err)
		}
		s.cacheShard(sh)
		st.count++
		st.mu.Unlock()

		l.meta = meta
		return i, len(sh.Entries) - 1, nil
	}
	return 0, 0, protocol.ErrShardsExhausted
}

func (s *Store) putLedger(w ethdb.KeyValueWriter, meta *Ledger) error {
	enc, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return w.Put(ledgerKey(meta.Asset), enc)
}

func (s *Store) putShard(w ethdb.KeyValueWriter, sh *Shard) error {
	enc, err := rlp.EncodeToBytes(sh)
	if err != nil {
		return fmt.Errorf("encode shard %d: %w", sh.Index, err)
	}
	return w.Put(shardKey(sh.Asset, int(sh.Index)), enc)
}

// cacheShard refreshes the read cache after a successful write.
func (s *Store) cacheShard(sh *Shard) {
	enc, err := rlp.EncodeToBytes(sh)
	if err != nil {
		return
	}
	s.cache.SetBig(shardKey(sh.Asset, int(sh.Index)), enc)
}

// loadShard reads a shard record through the cache. The result is shared;
// callers copy before mutating.
func (s *Store) loadShard(asset protocol.AssetID, index int) (*Shard, error) {
	key := shardKey(asset, index)
	enc := s.cache.GetBig(nil, key)
	if len(enc) == 0 {
		data, err := s.db.Get(key)
		if err != nil {
			return nil, fmt.Errorf("read shard %d: %w", index, err)
		}
		enc = data
		s.cache.SetBig(key, enc)
	}
	var sh Shard
	if err := rlp.DecodeBytes(enc, &sh); err != nil {
		return nil, fmt.Errorf("decode shard %d: %w", index, err)
	}
	return &sh, nil
}
