// Package directory resolves politician ids to profile metadata. The
// directory is owned elsewhere; this package only reads it.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civicledger/panelscore/internal/cache"
	"github.com/civicledger/panelscore/internal/model"
)

// ErrUnknown is returned for ids missing from the directory
var ErrUnknown = errors.New("unknown politician")

// Directory looks up politician profiles
type Directory interface {
	Lookup(ctx context.Context, id string) (model.Politician, error)
}

// File is a YAML-backed directory:
//
//	politicians:
//	  - id: kr-2024-0117
//	    name: ...
type File struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	byID    map[string]model.Politician
}

type fileDoc struct {
	Politicians []model.Politician `yaml:"politicians"`
}

// NewFile creates a directory reading path; the file is reloaded when it changes
func NewFile(path string) *File {
	return &File{path: path}
}

// Lookup returns the profile for id
func (f *File) Lookup(_ context.Context, id string) (model.Politician, error) {
	if err := f.load(); err != nil {
		return model.Politician{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return model.Politician{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return p, nil
}

// IDs returns every id in the directory, sorted
func (f *File) IDs() ([]string, error) {
	if err := f.load(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.byID))
	for id := range f.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *File) load() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("stat directory file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID != nil && info.ModTime().Equal(f.modTime) {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read directory file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse directory file %s: %w", f.path, err)
	}

	byID := make(map[string]model.Politician, len(doc.Politicians))
	for _, p := range doc.Politicians {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("directory entry %+v needs id and name", p)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("directory id %s listed twice", p.ID)
		}
		byID[p.ID] = p
	}
	f.byID = byID
	f.modTime = info.ModTime()
	return nil
}

// Cached memoizes successful lookups of another directory
type Cached struct {
	next  Directory
	cache *cache.MemoryCache
	ttl   time.Duration
}

// NewCached wraps next with a memory cache of the given TTL
func NewCached(next Directory, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: cache.NewMemoryCache(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Lookup serves from cache, falling through to the wrapped directory
func (c *Cached) Lookup(ctx context.Context, id string) (model.Politician, error) {
	key := "politician:" + id
	if p, ok := cache.Value[model.Politician](c.cache, key); ok {
		return p, nil
	}
	p, err := c.next.Lookup(ctx, id)
	if err != nil {
		return model.Politician{}, err
	}
	cache.SetValue(c.cache, key, p, c.ttl)
	return p, nil
}

// Static is an in-memory directory, used when profiles come from flags
type Static map[string]model.Politician

// Lookup returns the profile for id
func (s Static) Lookup(_ context.Context, id string) (model.Politician, error) {
	if p, ok := s[id]; ok {
		return p, nil
	}
	return model.Politician{}, fmt.Errorf("%w: %s", ErrUnknown, id)
}
