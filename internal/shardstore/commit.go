package shardstore

import (
	"bytes"
	"fmt"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"go.uber.org/zap"
)

// Reservation holds one free slot in a shard for an in-flight request that
// may append a new entry.
type Reservation struct {
	Asset         protocol.AssetID `json:"asset"`
	CorrelationID string           `json:"correlation_id"`
	Shard         int              `json:"shard"`
}

// Reserve claims one slot in the first shard with spare capacity. Capacity
// check and claim happen under that shard's lock, so concurrent reservations
// never exceed a shard's capacity.
func (s *Store) Reserve(asset protocol.AssetID, correlationID string) (*Reservation, error) {
	l, err := s.ledger(asset)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	l.resMu.Lock()
	_, dup := l.reservations[correlationID]
	l.resMu.Unlock()
	if dup {
		return nil, fmt.Errorf("reservation %s: %w", correlationID, protocol.ErrDuplicateRequest)
	}

	for i, st := range l.shards {
		st.mu.Lock()
		if st.count+st.reserved >= s.capacity {
			st.mu.Unlock()
			continue
		}
		st.reserved++
		st.mu.Unlock()

		r := &Reservation{Asset: asset, CorrelationID: correlationID, Shard: i}
		l.resMu.Lock()
		if _, dup := l.reservations[correlationID]; dup {
			l.resMu.Unlock()
			st.mu.Lock()
			st.reserved--
			st.mu.Unlock()
			return nil, fmt.Errorf("reservation %s: %w", correlationID, protocol.ErrDuplicateRequest)
		}
		l.reservations[correlationID] = r
		l.resMu.Unlock()
		s.log.Debug("reserved slot", zap.Stringer("asset", asset), zap.String("request", correlationID), zap.Int("shard", i))
		return r, nil
	}
	return nil, protocol.ErrShardsExhausted
}

// Release returns a reservation's slot. Releasing twice is a no-op.
func (s *Store) Release(r *Reservation) {
	if r == nil {
		return
	}
	l, err := s.ledger(r.Asset)
	if err != nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	s.releaseLocked(l, r.CorrelationID)
}

func (s *Store) releaseLocked(l *ledgerState, correlationID string) bool {
	l.resMu.Lock()
	r, ok := l.reservations[correlationID]
	delete(l.reservations, correlationID)
	l.resMu.Unlock()
	if !ok {
		return false
	}
	st := l.shards[r.Shard]
	st.mu.Lock()
	st.reserved--
	st.mu.Unlock()
	return true
}

// Reserved reports the number of slots currently held in shard index.
func (s *Store) Reserved(asset protocol.AssetID, index int) int {
	l, err := s.ledger(asset)
	if err != nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.shards) {
		return 0
	}
	st := l.shards[index]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reserved
}

// Snapshot is a consistent view of the committed mapping.
type Snapshot struct {
	Mapping protocol.EncryptedMapping
	Version uint64
}

// Snapshot concatenates every shard's committed entries in shard order. It
// never observes a partially applied commit.
func (s *Store) Snapshot(asset protocol.AssetID) (*Snapshot, error) {
	l, err := s.ledger(asset)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := &Snapshot{
		Mapping: protocol.EncryptedMapping{Nonce: l.meta.Nonce, Entries: []protocol.EncryptedEntry{}},
		Version: l.meta.Version,
	}
	for i := range l.shards {
		sh, err := s.loadShard(asset, i)
		if err != nil {
			return nil, err
		}
		for _, e := range sh.Entries {
			snap.Mapping.Entries = append(snap.Mapping.Entries, e.DeepCopy())
		}
	}
	return snap, nil
}

// CommitRequest is an engine result to write back.
type CommitRequest struct {
	BaseVersion   uint64                    // Version of the snapshot the result was computed from
	Result        protocol.EncryptedMapping // Engine output in snapshot order, optionally plus one appended entry
	CorrelationID string                    // Owner of the reservation, if any
}

// Commit atomically replaces the ledger's mapping with an engine result.
// Existing entries keep their shard positions and receive new balance
// ciphertexts; a single appended entry goes into the slot reserved under
// req.CorrelationID. A reservation the result does not use is released.
func (s *Store) Commit(asset protocol.AssetID, req CommitRequest) error {
	l, err := s.ledger(asset)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if req.BaseVersion != l.meta.Version {
		return fmt.Errorf("base version %d, committed %d: %w", req.BaseVersion, l.meta.Version, protocol.ErrStaleSnapshot)
	}
	if l.meta.Version > 0 && req.Result.Nonce == l.meta.Nonce {
		return fmt.Errorf("result reuses nonce %s: %w", req.Result.Nonce.Hex(), protocol.ErrMalformedResult)
	}

	l.resMu.Lock()
	res := l.reservations[req.CorrelationID]
	l.resMu.Unlock()

	shards := make([]*Shard, len(l.shards))
	total := 0
	for i := range l.shards {
		sh, err := s.loadShard(asset, i)
		if err != nil {
			return err
		}
		shards[i] = sh.DeepCopy()
		total += len(sh.Entries)
	}

	grows := len(req.Result.Entries) == total+1
	if len(req.Result.Entries) != total && !(grows && res != nil) {
		return fmt.Errorf("result has %d entries, committed %d: %w", len(req.Result.Entries), total, protocol.ErrMalformedResult)
	}
	for i, e := range req.Result.Entries {
		if len(e.Identity) == 0 || len(e.Identity)+len(e.Balance) > s.entryMax {
			return fmt.Errorf("result entry %d: %w", i, protocol.ErrMalformedResult)
		}
	}

	// Rewrite balances in place; identities must be unchanged.
	k := 0
	for _, sh := range shards {
		for j := range sh.Entries {
			out := req.Result.Entries[k]
			if !bytes.Equal(out.Identity, sh.Entries[j].Identity) {
				return fmt.Errorf("result entry %d changes identity: %w", k, protocol.ErrMalformedResult)
			}
			sh.Entries[j].Balance = bytes.Clone(out.Balance)
			k++
		}
	}
	if grows {
		added := req.Result.Entries[total].DeepCopy()
		for _, e := range req.Result.Entries[:total] {
			if bytes.Equal(e.Identity, added.Identity) {
				return fmt.Errorf("appended entry duplicates an identity: %w", protocol.ErrMalformedResult)
			}
		}
		shards[res.Shard].Entries = append(shards[res.Shard].Entries, added)
	}

	meta := l.meta
	meta.Nonce = req.Result.Nonce
	meta.Version++

	batch := s.db.NewBatch()
	for _, sh := range shards {
		if err := s.putShard(batch, sh); err != nil {
			return err
		}
	}
	if err := s.putLedger(batch, &meta); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("commit %s: %w", asset.Hex(), err)
	}
	for _, sh := range shards {
		s.cacheShard(sh)
	}
	l.meta = meta

	if res != nil {
		if grows {
			l.resMu.Lock()
			delete(l.reservations, req.CorrelationID)
			l.resMu.Unlock()
			st := l.shards[res.Shard]
			st.mu.Lock()
			st.reserved--
			st.count++
			st.mu.Unlock()
		} else {
			s.releaseLocked(l, req.CorrelationID)
		}
	}

	s.log.Debug("committed mapping",
		zap.Stringer("asset", asset),
		zap.Uint64("version", meta.Version),
		zap.Int("entries", len(req.Result.Entries)),
		zap.Bool("appended", grows))
	return nil
}
