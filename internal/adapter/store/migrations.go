package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"ragpipe/internal/domain"
)

// CurrentSchemaVersion is the current schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 1

var (
	keySchemaVersion = []byte("schema_version")
	keyModelHash     = []byte("model_hash")
)

// SchemaInfo stores schema version and the fingerprint of the embedding
// model that produced the stored vectors.
type SchemaInfo struct {
	Version   int    `json:"version"`
	ModelHash string `json:"model_hash"`
}

// GetSchemaInfo retrieves the current schema info from the database.
func (s *BoltIndex) GetSchemaInfo() (*SchemaInfo, error) {
	var info SchemaInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)

		if data := b.Get(keySchemaVersion); data != nil {
			if err := json.Unmarshal(data, &info.Version); err != nil {
				return fmt.Errorf("decode schema version: %w", err)
			}
		}
		if data := b.Get(keyModelHash); data != nil {
			info.ModelHash = string(data)
		}
		return nil
	})
	if err != nil {
		return nil, &domain.StoreError{Op: "schema", Err: err}
	}
	return &info, nil
}

func (s *BoltIndex) setSchemaInfo(info *SchemaInfo) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)

		versionData, err := json.Marshal(info.Version)
		if err != nil {
			return err
		}
		if err := b.Put(keySchemaVersion, versionData); err != nil {
			return err
		}
		return b.Put(keyModelHash, []byte(info.ModelHash))
	})
	if err != nil {
		return &domain.StoreError{Op: "schema", Err: err}
	}
	return nil
}

// ComputeModelHash fingerprints an embedding provider and model. Vectors
// from different fingerprints are not comparable.
func ComputeModelHash(provider, model string) string {
	hash := sha256.Sum256([]byte(provider + "/" + model))
	return hex.EncodeToString(hash[:8])
}

// MigrationResult describes the result of a migration check.
type MigrationResult struct {
	NeedsRebuild bool
	OldVersion   int
	NewVersion   int
	Reason       string
}

// CheckMigration reports whether the stored vectors can be searched with
// vectors from modelHash.
func (s *BoltIndex) CheckMigration(modelHash string) (*MigrationResult, error) {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{
		OldVersion: info.Version,
		NewVersion: CurrentSchemaVersion,
	}

	n, _ := s.Count(context.Background())
	switch {
	case n == 0:
		// nothing stored yet
	case info.Version > CurrentSchemaVersion:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("index created by newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
	case info.ModelHash != "" && info.ModelHash != modelHash:
		result.NeedsRebuild = true
		result.Reason = "embedding model changed"
	}

	return result, nil
}

// Migrate stamps the database with the current schema version and model.
func (s *BoltIndex) Migrate(modelHash string) error {
	return s.setSchemaInfo(&SchemaInfo{
		Version:   CurrentSchemaVersion,
		ModelHash: modelHash,
	})
}
