// Package payloadstore implements the reference content-addressed payload
// store (spec §4.3): full request/response and large node-state payloads
// live here, keyed by their stable hash; the audit row in landscape stores
// only the hash.
//
// Grounded on original_source/src/elspeth/core/retention's PurgeManager
// concept (age-based sweep plus a manual per-hash purge, spec.md's
// supplemental-features note) and on the teacher's filesystem-backed cache
// layering pattern in core/schema_cache.go (options-constructed store with
// a root directory).
package payloadstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FilesystemStore shards payloads into a directory hierarchy by hash
// prefix, one file per hash, content written exactly once (content-addressed
// writes are idempotent: same hash implies same bytes, so a second Put for
// an existing hash is a no-op).
type FilesystemStore struct {
	root string
}

// New constructs a FilesystemStore rooted at dir, creating it if absent.
func New(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("payloadstore.New: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

func (s *FilesystemStore) pathFor(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(s.root, "short", hash)
	}
	return filepath.Join(s.root, hash[:2], hash[2:4], hash)
}

// Put writes data under hash, sharded two levels deep by hash prefix. A
// pre-existing file for the same hash is left untouched rather than
// rewritten, since content-addressing guarantees it already holds the same
// bytes.
func (s *FilesystemStore) Put(ctx context.Context, hash string, data []byte) error {
	path := s.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("payloadstore.Put: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("payloadstore.Put: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("payloadstore.Put: rename: %w", err)
	}
	return nil
}

// Get returns the payload for hash, or ok=false if it has been purged or
// never existed. Callers distinguish "purged" (ReplayPayloadMissingError)
// from "no prior call" (ReplayMissError) at a higher layer; this store only
// reports presence.
func (s *FilesystemStore) Get(ctx context.Context, hash string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("payloadstore.Get: %w", err)
	}
	return data, true, nil
}

// PurgeResult summarizes one purge sweep.
type PurgeResult struct {
	Scanned int
	Deleted int
	Bytes   int64
}

// PurgeOlderThan deletes every payload whose file modification time is
// older than cutoff. Deleting a payload never touches the audit row's
// stored hash (spec §4.3): a subsequent Get for that hash simply reports
// not-found, which the replayer surfaces as ReplayPayloadMissingError.
func (s *FilesystemStore) PurgeOlderThan(cutoff time.Time) (PurgeResult, error) {
	var result PurgeResult
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) == ".tmp" {
			return nil
		}
		result.Scanned++
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			result.Bytes += info.Size()
			if err := os.Remove(path); err != nil {
				return err
			}
			result.Deleted++
		}
		return nil
	})
	return result, err
}

// Purge deletes a single payload by hash, for operator-driven manual purge
// independent of the age-based sweep.
func (s *FilesystemStore) Purge(hash string) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payloadstore.Purge: %w", err)
	}
	return nil
}
