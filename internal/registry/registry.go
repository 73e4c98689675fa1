// Package registry implements the registry and trust verifier (spec
// §4.10): a human-readable mapping from skill name to entry, rewritten
// atomically on promotion and re-hashed at load time so a tampered or
// stale source file can never execute silently.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"forge/internal/forgeerr"
	"forge/internal/logging"
	"forge/internal/model"
)

type fileFormat struct {
	Skills map[string]model.RegistryEntry `yaml:"skills"`
}

// Registry holds the in-memory view of the registry file, refreshed
// from disk on every Lookup so promotions from another process are
// observed without restarting the reader.
type Registry struct {
	mu      sync.RWMutex
	path    string
	entries map[string]model.RegistryEntry
}

// Open loads path if it exists; a missing file is not an error, the
// registry simply starts empty.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, entries: map[string]model.RegistryEntry{}}
	if err := r.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "registry: parse %s: %v", r.path, err)
	}
	if ff.Skills == nil {
		ff.Skills = map[string]model.RegistryEntry{}
	}
	r.mu.Lock()
	r.entries = ff.Skills
	r.mu.Unlock()
	return nil
}

// Promote computes the SHA-256 of sourceBytes, sets it on entry, and
// rewrites the whole registry file atomically (write-temp + rename).
func (r *Registry) Promote(entry model.RegistryEntry, sourceBytes []byte) error {
	sum := sha256.Sum256(sourceBytes)
	entry.Hash = hex.EncodeToString(sum[:])

	r.mu.Lock()
	if r.entries == nil {
		r.entries = map[string]model.RegistryEntry{}
	}
	r.entries[entry.Name] = entry
	snapshot := make(map[string]model.RegistryEntry, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.Unlock()

	return writeAtomic(r.path, snapshot)
}

func writeAtomic(path string, entries map[string]model.RegistryEntry) error {
	data, err := yaml.Marshal(fileFormat{Skills: entries})
	if err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "registry: marshal: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "registry: mkdir: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "registry: write temp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "registry: rename: %v", err)
	}
	return nil
}

// Lookup re-reads the registry file, then returns the entry for name.
// Readers tolerate a momentarily stale file; an absent entry is
// reported as forgeerr.ErrUnknownEntity.
func (r *Registry) Lookup(name string) (model.RegistryEntry, error) {
	if err := r.reload(); err != nil && !os.IsNotExist(err) {
		return model.RegistryEntry{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return model.RegistryEntry{}, forgeerr.Wrap(forgeerr.ErrUnknownEntity, "registry: unknown skill %q", name)
	}
	return entry, nil
}

// VerifyTrust re-hashes sourceBytes and compares it against entry.Hash.
// A missing hash (legacy compatibility) is a warning, not a failure;
// any mismatch is forgeerr.ErrTrustError and must stop execution before
// the module is ever imported.
func VerifyTrust(entry model.RegistryEntry, sourceBytes []byte) error {
	if entry.Hash == "" {
		logging.Get(logging.CategoryRegistry).Warn("entry %q carries no hash, skipping trust verification", entry.Name)
		return nil
	}
	sum := sha256.Sum256(sourceBytes)
	actual := hex.EncodeToString(sum[:])
	if actual != entry.Hash {
		return forgeerr.Wrap(forgeerr.ErrTrustError, "hash mismatch for %q: registry has %s, source hashes to %s", entry.Name, entry.Hash, actual)
	}
	return nil
}

// Watcher reloads a Registry whenever its backing file changes on
// disk, so a promotion performed by a separate process is picked up
// without the reader having to poll.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *Registry
}

// NewWatcher watches the directory containing r's registry file.
func NewWatcher(r *Registry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "registry: new watcher: %v", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fw.Close()
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "registry: mkdir for watch: %v", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "registry: watch %s: %v", dir, err)
	}
	return &Watcher{fsWatcher: fw, registry: r}, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}

// Run blocks, reloading the registry on every relevant filesystem
// event, until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryRegistry)
	target := filepath.Base(w.registry.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.registry.reload(); err != nil && !os.IsNotExist(err) {
				log.Warn("reload after fsnotify event failed: %v", err)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("fsnotify error: %v", err)
		}
	}
}
