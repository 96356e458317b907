package guildhall

import (
	"sync"
	"time"
)

// CooldownTracker enforces a minimum interval between a user's
// command dispatches. Every reservation counts as a dispatch, so a
// user who keeps submitting inside the window keeps pushing their
// window forward.
type CooldownTracker struct {
	cooldown time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
	now      func() time.Time
}

func NewCooldownTracker(cooldown time.Duration) *CooldownTracker {
	return &CooldownTracker{
		cooldown: cooldown,
		last:     map[string]time.Time{},
		now:      time.Now,
	}
}

// Reserve records a dispatch for userID. If the previous dispatch was
// less than the cooldown ago, it returns the time the new dispatch
// should be delayed until.
func (c *CooldownTracker) Reserve(userID string) (delayUntil time.Time, delayed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[userID]; ok {
		next := last.Add(c.cooldown)
		if now.Before(next) {
			delayUntil, delayed = next, true
		}
	}
	c.last[userID] = now
	return delayUntil, delayed
}

// LastInteraction returns the time of the user's last dispatch.
func (c *CooldownTracker) LastInteraction(userID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[userID]
	return t, ok
}

func (c *CooldownTracker) Cooldown() time.Duration {
	return c.cooldown
}

func (c *CooldownTracker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// Prune removes users whose last dispatch is older than olderThan,
// returning the number removed.
func (c *CooldownTracker) Prune(olderThan time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-olderThan)
	var pruned int
	for userID, last := range c.last {
		if last.Before(cutoff) {
			delete(c.last, userID)
			pruned++
		}
	}
	return pruned
}
