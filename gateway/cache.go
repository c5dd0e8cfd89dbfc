package gateway

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/openclear/clearway"
)

// DefaultCacheWindow is how long a transfer notification stays queryable.
// It must comfortably exceed the payer's retry horizon: a proof arriving
// after the window is treated as unpaid.
const DefaultCacheWindow = 10 * time.Minute

// Cache stores transfer notifications by transaction id. Inserts come only
// from the clearing node's push events; lookups come from concurrent HTTP
// handlers. Entries older than the window are evicted on insert, keeping
// the cache bounded by notification rate times window.
type Cache struct {
	window  time.Duration
	now     func() time.Time
	onEvict func(n int)

	mu   sync.RWMutex
	byID map[clearway.TxID]clearway.TransferTx
	age  *btree.BTree
}

// ageItem orders cache entries by arrival for window eviction.
type ageItem struct {
	at time.Time
	id clearway.TxID
}

func (a ageItem) Less(other btree.Item) bool {
	b := other.(ageItem)
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// NewCache returns a cache evicting entries older than the given window.
// A zero window means DefaultCacheWindow.
func NewCache(window time.Duration) *Cache {
	if window == 0 {
		window = DefaultCacheWindow
	}
	return &Cache{
		window: window,
		now:    time.Now,
		byID:   make(map[clearway.TxID]clearway.TransferTx),
		age:    btree.New(2),
	}
}

// Put stores a transfer notification. A transaction id seen before is
// ignored: notifications are insert-only and the first copy wins.
func (c *Cache) Put(tx clearway.TransferTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict()
	if _, ok := c.byID[tx.ID]; ok {
		return
	}
	c.byID[tx.ID] = tx
	c.age.ReplaceOrInsert(ageItem{at: c.now(), id: tx.ID})
}

// Get returns the notification for the given transaction id, if present.
func (c *Cache) Get(id clearway.TxID) (clearway.TransferTx, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tx, ok := c.byID[id]
	return tx, ok
}

// Len returns the number of cached notifications.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// evict drops every entry older than the window. Caller holds the lock.
func (c *Cache) evict() {
	cutoff := c.now().Add(-c.window)
	var evicted int
	for c.age.Len() > 0 {
		oldest := c.age.Min().(ageItem)
		if !oldest.at.Before(cutoff) {
			break
		}
		c.age.DeleteMin()
		delete(c.byID, oldest.id)
		evicted++
	}
	if evicted > 0 && c.onEvict != nil {
		c.onEvict(evicted)
	}
}
