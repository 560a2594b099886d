package crowdsale

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"tokensale/storage"
)

var (
	paramsKey         = []byte("crowdsale/params")
	purchaseCountKey  = []byte("crowdsale/purchase/count")
	purchaseKeyPrefix = []byte("crowdsale/purchase/seq/")
)

const maxPreallocatedPurchases = 1024

// Store journals committed purchases in a key-value database. Records are
// rlp encoded and keyed by their sequence number.
type Store struct {
	db storage.Database
}

// NewStore wraps db. A nil db yields a store whose operations fail.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedPurchase struct {
	Seq         uint64
	Receipt     string
	Purchaser   [20]byte
	Beneficiary [20]byte
	Value       *big.Int
	Amount      *big.Int
	Rate        *big.Int
	Position    uint64
}

func (s *Store) withDB() (storage.Database, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("crowdsale store not initialised")
	}
	return s.db, nil
}

func purchaseKey(seq uint64) []byte {
	buf := make([]byte, len(purchaseKeyPrefix)+8)
	copy(buf, purchaseKeyPrefix)
	binary.BigEndian.PutUint64(buf[len(purchaseKeyPrefix):], seq)
	return buf
}

// BindParams records the sale fingerprint on first use and rejects a
// journal written for a different sale afterwards.
func (s *Store) BindParams(fingerprint [32]byte) error {
	db, err := s.withDB()
	if err != nil {
		return err
	}
	existing, err := db.Get(paramsKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return db.Put(paramsKey, fingerprint[:])
	case err != nil:
		return fmt.Errorf("crowdsale: load params fingerprint: %w", err)
	}
	if !bytes.Equal(existing, fingerprint[:]) {
		return ErrParamsMismatch
	}
	return nil
}

// Count returns the sequence number of the last journaled purchase.
func (s *Store) Count() (uint64, error) {
	db, err := s.withDB()
	if err != nil {
		return 0, err
	}
	raw, err := db.Get(purchaseCountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("crowdsale: load purchase count: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: count record is %d bytes", ErrJournalCorrupt, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Append journals p. Its sequence number must directly follow the last
// journaled one. The record and the counter are written in one batch.
func (s *Store) Append(p *Purchase) error {
	db, err := s.withDB()
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("crowdsale: nil purchase")
	}
	count, err := s.Count()
	if err != nil {
		return err
	}
	if p.Seq != count+1 {
		return fmt.Errorf("%w: appending seq %d after %d", ErrJournalCorrupt, p.Seq, count)
	}
	encoded, err := rlp.EncodeToBytes(&storedPurchase{
		Seq:         p.Seq,
		Receipt:     p.Receipt,
		Purchaser:   p.Purchaser,
		Beneficiary: p.Beneficiary,
		Value:       orZero(p.Value),
		Amount:      orZero(p.Amount),
		Rate:        orZero(p.Rate),
		Position:    p.Position,
	})
	if err != nil {
		return fmt.Errorf("crowdsale: encode purchase: %w", err)
	}
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], p.Seq)
	batch := new(storage.Batch)
	batch.Put(purchaseKey(p.Seq), encoded)
	batch.Put(purchaseCountKey, counter[:])
	return db.Write(batch)
}

// Rollback removes the purchase with the given sequence number if it is the
// last one journaled.
func (s *Store) Rollback(seq uint64) error {
	db, err := s.withDB()
	if err != nil {
		return err
	}
	count, err := s.Count()
	if err != nil {
		return err
	}
	if seq == 0 || count != seq {
		return fmt.Errorf("%w: rollback of seq %d at count %d", ErrJournalCorrupt, seq, count)
	}
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], seq-1)
	batch := new(storage.Batch)
	batch.Put(purchaseCountKey, counter[:])
	batch.Delete(purchaseKey(seq))
	return db.Write(batch)
}

// Load returns the purchase journaled under seq.
func (s *Store) Load(seq uint64) (*Purchase, error) {
	db, err := s.withDB()
	if err != nil {
		return nil, err
	}
	raw, err := db.Get(purchaseKey(seq))
	if err != nil {
		return nil, fmt.Errorf("%w: load seq %d: %v", ErrJournalCorrupt, seq, err)
	}
	var stored storedPurchase
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("%w: decode seq %d: %v", ErrJournalCorrupt, seq, err)
	}
	if stored.Seq != seq {
		return nil, fmt.Errorf("%w: record %d claims seq %d", ErrJournalCorrupt, seq, stored.Seq)
	}
	return &Purchase{
		Seq:         stored.Seq,
		Receipt:     stored.Receipt,
		Purchaser:   stored.Purchaser,
		Beneficiary: stored.Beneficiary,
		Value:       orZero(stored.Value),
		Amount:      orZero(stored.Amount),
		Rate:        orZero(stored.Rate),
		Position:    stored.Position,
	}, nil
}

// All returns every journaled purchase in sequence order.
func (s *Store) All() ([]*Purchase, error) {
	count, err := s.Count()
	if err != nil {
		return nil, err
	}
	// The count is read from disk; a corrupt value must not size the slice.
	out := make([]*Purchase, 0, min(count, maxPreallocatedPurchases))
	for seq := uint64(1); seq <= count; seq++ {
		p, err := s.Load(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
