package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"ragpipe/internal/adapter/memstore"
	"ragpipe/internal/domain"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
)

// BoltIndex persists index entries in BoltDB and serves searches from an
// in-memory copy. Keys are bbolt sequence numbers, so a reopened index keeps
// insertion order and therefore tie-break order.
type BoltIndex struct {
	db     *bbolt.DB
	mem    *memstore.Index
	mu     sync.Mutex
	logger *zap.Logger
}

// OpenBoltIndex opens or creates the database at path and loads its entries.
func OpenBoltIndex(path string, logger *zap.Logger) (*BoltIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, &domain.StoreError{Op: "open", Err: err}
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &domain.StoreError{Op: "open", Err: fmt.Errorf("create buckets: %w", err)}
	}

	idx := &BoltIndex{db: db, mem: memstore.NewIndex(), logger: logger}
	if err := idx.load(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *BoltIndex) load() error {
	var entries []domain.IndexEntry
	skipped := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e domain.IndexEntry
			if err := json.Unmarshal(v, &e); err != nil {
				skipped++
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return &domain.StoreError{Op: "load", Err: err}
	}
	if skipped > 0 {
		s.logger.Warn("skipped corrupted index entries", zap.Int("count", skipped))
	}

	if err := s.mem.RebuildFrom(context.Background(), entries); err != nil {
		return &domain.StoreError{Op: "load", Err: err}
	}
	s.logger.Debug("loaded index", zap.Int("entries", len(entries)))
	return nil
}

// InsertMany writes entries in one transaction and publishes them only
// after the commit succeeds.
func (s *BoltIndex) InsertMany(ctx context.Context, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAgainst(s.mem.Dimension(), entries); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putEntries(tx.Bucket(bucketEntries), entries)
	})
	if err != nil {
		return &domain.StoreError{Op: "insert", Err: err}
	}

	return s.mem.InsertMany(ctx, entries)
}

// RebuildFrom swaps the stored entries in one transaction, then swaps the
// in-memory snapshot.
func (s *BoltIndex) RebuildFrom(ctx context.Context, entries []domain.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAgainst(0, entries); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketEntries)
		if err != nil {
			return err
		}
		return putEntries(b, entries)
	})
	if err != nil {
		return &domain.StoreError{Op: "rebuild", Err: err}
	}

	return s.mem.RebuildFrom(ctx, entries)
}

func (s *BoltIndex) Search(ctx context.Context, vector []float32, k int, filter *domain.Partition) (domain.RetrievalResult, error) {
	return s.mem.Search(ctx, vector, k, filter)
}

func (s *BoltIndex) Count(ctx context.Context) (int, error) {
	return s.mem.Count(ctx)
}

func (s *BoltIndex) Close() error {
	return s.db.Close()
}

func putEntries(b *bbolt.Bucket, entries []domain.IndexEntry) error {
	for _, e := range entries {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

func checkAgainst(dim int, entries []domain.IndexEntry) error {
	for _, e := range entries {
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) == 0 || len(e.Vector) != dim {
			return fmt.Errorf("entry %s: %w: expected %d, got %d", e.ID, domain.ErrDimensionMismatch, dim, len(e.Vector))
		}
	}
	return nil
}
