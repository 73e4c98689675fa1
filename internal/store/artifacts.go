package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forge/internal/forgeerr"
	"forge/internal/logging"
	"forge/internal/model"
)

// ArtifactStore is the content-addressed blob store of spec §4.1. Blobs
// live under blobRoot, sharded by the first two hex nibbles of their
// hash; the ledger records the (id, hash, kind, size, created_at) row.
type ArtifactStore struct {
	ledger   *Ledger
	blobRoot string
}

// NewArtifactStore binds an artifact store to ledger's database and a
// blob directory root.
func NewArtifactStore(ledger *Ledger, blobRoot string) *ArtifactStore {
	return &ArtifactStore{ledger: ledger, blobRoot: blobRoot}
}

func shardedPath(root, hash string) string {
	return filepath.Join(root, hash[:2], hash[2:])
}

// Put hashes bytes, writes them to the sharded blob path if not already
// present, and records an artifact row keyed by (hash, kind). The blob
// itself dedups on hash alone; the row does not — Put(data, KindA) and
// Put(data, KindB) on identical bytes produce two distinct artifact ids
// that both resolve to the one stored blob (spec §8 scenario 6). Calling
// Put twice with the same bytes and the same kind is still idempotent and
// returns the existing row's id.
func (s *ArtifactStore) Put(data []byte, kind model.ArtifactKind) (string, error) {
	if !model.ValidArtifactKind(kind) {
		return "", forgeerr.Wrap(forgeerr.ErrInvalidInput, "unknown artifact kind %q", kind)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	dest := shardedPath(s.blobRoot, hash)

	if _, err := os.Stat(dest); err != nil {
		if !os.IsNotExist(err) {
			return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "stat blob %s: %v", dest, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "mkdir for blob %s: %v", dest, err)
		}
		tmp := dest + ".tmp-" + hex.EncodeToString([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "write blob tmp %s: %v", tmp, err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			os.Remove(tmp)
			return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "rename blob into place %s: %v", dest, err)
		}
	}

	existing, err := s.ledger.artifactByHashAndKind(hash, kind)
	if err != nil {
		return "", err
	}
	if existing != "" {
		logging.Get(logging.CategoryArtifactStore).Debug("dedup hit for hash %s kind %s", hash, kind)
		return existing, nil
	}

	id, err := s.ledger.insertArtifact(hash, kind, int64(len(data)))
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get reads the bytes for artifactID from the blob store, resolving the
// row's hash first since artifactID is no longer the hash itself.
func (s *ArtifactStore) Get(artifactID string) ([]byte, error) {
	hash, err := s.ledger.artifactHash(artifactID)
	if err != nil {
		return nil, err
	}
	path := shardedPath(s.blobRoot, hash)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, forgeerr.Wrap(forgeerr.ErrUnknownEntity, "artifact %s", artifactID)
		}
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "read blob %s: %v", artifactID, err)
	}
	return data, nil
}

// Describe returns the ledger row for artifactID.
func (s *ArtifactStore) Describe(artifactID string) (*model.Artifact, error) {
	return s.ledger.getArtifact(artifactID)
}
