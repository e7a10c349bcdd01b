package alerts

import (
	"sync"
	"time"
)

// Cooldown rate-limits repeated notifications for the same key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: time.Now}
}

func (c *Cooldown) Allow(deviceID, event string, cooldown time.Duration) bool {
	return c.AllowKey(deviceID+"|"+event, cooldown)
}

func (c *Cooldown) AllowKey(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		c.compact(now, cooldown)
	}
	return true
}

func (c *Cooldown) compact(now time.Time, ttl time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) > ttl {
			delete(c.last, k)
		}
	}
}
