package storage

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

// CachedDB buffers every change made on top of a lower Database so the whole
// changeset can later be flushed in one batch or dropped.
type CachedDB struct {
	mu    sync.RWMutex
	lower Database
	mem   map[string][]byte
	del   map[string]struct{}
}

// NewCachedDB creates an empty overlay over lower.
func NewCachedDB(lower Database) *CachedDB {
	return &CachedDB{
		lower: lower,
		mem:   make(map[string][]byte),
		del:   make(map[string]struct{}),
	}
}

func (c *CachedDB) Put(key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	c.mem[k] = append([]byte(nil), value...)
	delete(c.del, k)
	return nil
}

func (c *CachedDB) Get(key []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k := string(key)
	if val, ok := c.mem[k]; ok {
		return append([]byte(nil), val...), nil
	}
	if _, ok := c.del[k]; ok {
		return nil, ErrNotFound
	}
	return c.lower.Get(key)
}

func (c *CachedDB) Delete(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	delete(c.mem, k)
	c.del[k] = struct{}{}
	return nil
}

func (c *CachedDB) Has(key []byte) (bool, error) {
	_, err := c.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

type pendingEntry struct {
	key     []byte
	value   []byte
	deleted bool
}

func (c *CachedDB) pending(prefix, start []byte) []pendingEntry {
	from := append(append([]byte(nil), prefix...), start...)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]pendingEntry, 0, len(c.mem)+len(c.del))
	for k, v := range c.mem {
		kb := []byte(k)
		if bytes.HasPrefix(kb, prefix) && bytes.Compare(kb, from) >= 0 {
			out = append(out, pendingEntry{key: kb, value: append([]byte(nil), v...)})
		}
	}
	for k := range c.del {
		kb := []byte(k)
		if bytes.HasPrefix(kb, prefix) && bytes.Compare(kb, from) >= 0 {
			out = append(out, pendingEntry{key: kb, deleted: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].key, out[j].key) < 0 })
	return out
}

// Iterate merges the buffered changes with the lower store so callers observe
// the overlay view in key order.
func (c *CachedDB) Iterate(prefix, start []byte, fn func(key, value []byte) bool) error {
	pending := c.pending(prefix, start)
	i := 0
	stopped := false
	emit := func(key, value []byte) bool {
		if !fn(key, value) {
			stopped = true
			return false
		}
		return true
	}
	err := c.lower.Iterate(prefix, start, func(key, value []byte) bool {
		for i < len(pending) && bytes.Compare(pending[i].key, key) < 0 {
			entry := pending[i]
			i++
			if entry.deleted {
				continue
			}
			if !emit(entry.key, entry.value) {
				return false
			}
		}
		if i < len(pending) && bytes.Equal(pending[i].key, key) {
			entry := pending[i]
			i++
			if entry.deleted {
				return true
			}
			return emit(entry.key, entry.value)
		}
		return emit(key, value)
	})
	if err != nil || stopped {
		return err
	}
	for ; i < len(pending); i++ {
		if pending[i].deleted {
			continue
		}
		if !emit(pending[i].key, pending[i].value) {
			return nil
		}
	}
	return nil
}

// NewBatch returns a batch that writes into the overlay, not the lower store.
func (c *CachedDB) NewBatch() Batch {
	return &cachedBatch{c: c}
}

// Close does nothing; the lower store is owned by the caller.
func (c *CachedDB) Close() {}

// Dirty reports the number of buffered puts and deletes.
func (c *CachedDB) Dirty() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem) + len(c.del)
}

// Commit flushes the buffered changes into the lower store as one batch.
func (c *CachedDB) Commit() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.mem) + len(c.del)
	if n == 0 {
		return 0, nil
	}
	batch := c.lower.NewBatch()
	for k, v := range c.mem {
		batch.Put([]byte(k), v)
	}
	for k := range c.del {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return 0, err
	}
	c.mem = make(map[string][]byte)
	c.del = make(map[string]struct{})
	return n, nil
}

// Discard drops every buffered change.
func (c *CachedDB) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem = make(map[string][]byte)
	c.del = make(map[string]struct{})
}

type cachedBatch struct {
	c   *CachedDB
	ops []batchOp
}

func (b *cachedBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *cachedBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), delete: true})
}

func (b *cachedBatch) Len() int { return len(b.ops) }

func (b *cachedBatch) Write() error {
	for _, op := range b.ops {
		var err error
		if op.delete {
			err = b.c.Delete(op.key)
		} else {
			err = b.c.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
