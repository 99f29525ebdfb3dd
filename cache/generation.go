// Package cache provides the offline-first resource cache: named, versioned
// generations of static assets with an atomically swappable lifecycle and a
// per-route request policy.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one cached response: the request key it answers plus the bytes
// and metadata needed to replay it.
type Entry struct {
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	Status      int       `json:"status"`
	Opaque      bool      `json:"opaque"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Body        []byte    `json:"-"`
}

// Generation is a named, atomically swappable set of cached resources,
// persisted as one directory under the cache root. Entries are a metadata
// sidecar plus a raw body file so opaque binary responses stay byte-exact.
type Generation struct {
	Name string

	dir string
	mu  sync.RWMutex
}

// OpenGeneration opens (or creates) the named generation under root.
func OpenGeneration(root, name string) (*Generation, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create generation %s: %w", name, err)
	}
	return &Generation{Name: name, dir: dir}, nil
}

func entryBase(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// Get retrieves the entry for key, if present.
func (g *Generation) Get(key string) (*Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	base := filepath.Join(g.dir, entryBase(key))
	metaRaw, err := os.ReadFile(base + ".json")
	if err != nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(metaRaw, &entry); err != nil {
		return nil, false
	}
	if entry.Key != key {
		// Hash prefix collision; treat as a miss.
		return nil, false
	}

	body, err := os.ReadFile(base + ".bin")
	if err != nil {
		return nil, false
	}
	entry.Body = body
	return &entry, true
}

// Put stores the entry, replacing any previous entry for the same key.
func (g *Generation) Put(entry *Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := filepath.Join(g.dir, entryBase(entry.Key))

	metaRaw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry for %s: %w", entry.Key, err)
	}

	if err := os.WriteFile(base+".bin", entry.Body, 0644); err != nil {
		return fmt.Errorf("failed to write body for %s: %w", entry.Key, err)
	}
	if err := os.WriteFile(base+".json", metaRaw, 0644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", entry.Key, err)
	}
	return nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (g *Generation) Delete(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := filepath.Join(g.dir, entryBase(key))
	if err := os.Remove(base + ".json"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(base + ".bin"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Keys enumerates the request keys cached in this generation.
func (g *Generation) Keys() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	files, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		metaRaw, err := os.ReadFile(filepath.Join(g.dir, f.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(metaRaw, &entry); err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	return keys, nil
}

// Destroy removes the generation and everything in it.
func (g *Generation) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return os.RemoveAll(g.dir)
}

// ListGenerations enumerates every generation name present under root,
// the on-disk equivalent of caches.keys().
func ListGenerations(root string) ([]string, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, d := range dirs {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	return names, nil
}
