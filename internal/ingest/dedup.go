package ingest

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup remembers recently seen readings so gateway retransmissions are
// dropped. Entries expire after ttl; the key set is LRU bounded.
type Dedup struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Dedup{cache: c, ttl: ttl, now: time.Now}
}

// Seen reports whether key was seen within the window and records it if not.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if addedAt, ok := d.cache.Get(key); ok && now.Sub(addedAt) < d.ttl {
		return true
	}
	d.cache.Add(key, now)
	return false
}

// Forget drops key so a failed reading can be retried.
func (d *Dedup) Forget(key string) {
	d.cache.Remove(key)
}

func dedupKey(deviceID string, ts time.Time) string {
	return fmt.Sprintf("%s|%d", deviceID, ts.UnixMilli())
}
