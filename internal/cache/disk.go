package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DiskCache keeps one file per key under a two-level fan-out directory.
// Each file is a header line "<expiry unix nanos> <key>" followed by the
// raw value, so score views survive restarts without re-encoding.
type DiskCache struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// NewDiskCache creates a disk cache rooted at dir
func NewDiskCache(dir string, ttl time.Duration) *DiskCache {
	return &DiskCache{dir: dir, ttl: ttl, now: time.Now}
}

// Get returns a live value. Expired or foreign files are removed.
func (c *DiskCache) Get(_ context.Context, key string) ([]byte, bool) {
	path := c.path(key)
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, false
	}
	expiry, stored, ok := parseHeader(header)
	if !ok || stored != key {
		return nil, false
	}
	if c.now().UnixNano() > expiry {
		_ = os.Remove(path)
		return nil, false
	}
	value, err := io.ReadAll(r)
	if err != nil {
		return nil, false
	}
	return value, true
}

// Set writes the entry through a temp file and rename so readers never see
// a partial value. A zero ttl uses the cache default.
func (c *DiskCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.ContainsAny(key, "\n") {
		return fmt.Errorf("cache key contains a newline")
	}
	if ttl == 0 {
		ttl = c.ttl
	}

	path := c.path(key)
	shard := filepath.Dir(path)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %s\n", c.now().Add(ttl).UnixNano(), key)
	buf.Write(value)

	tmp, err := os.CreateTemp(shard, ".entry-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	_, werr := tmp.Write(buf.Bytes())
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// Delete removes a value; a missing entry is not an error
func (c *DiskCache) Delete(_ context.Context, key string) error {
	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes every entry
func (c *DiskCache) Clear(context.Context) error {
	return os.RemoveAll(c.dir)
}

func (c *DiskCache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, name[:2], name[2:])
}

func parseHeader(line string) (int64, string, bool) {
	exp, key, ok := strings.Cut(strings.TrimSuffix(line, "\n"), " ")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, key, true
}
