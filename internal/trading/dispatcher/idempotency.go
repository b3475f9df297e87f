package dispatcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"trading_engine/internal/core"
)

// Fingerprint identifies a signal for deduplication. Signals carrying an
// explicit id use it directly; otherwise the identity fields are hashed,
// with the timestamp floored to the second, so re-deliveries of the same
// signal collapse to one fingerprint.
func Fingerprint(signal *core.Signal) string {
	if signal.SignalID != "" {
		return signal.SignalID
	}
	ts := signal.Timestamp
	if t, err := signal.ParsedTimestamp(); err == nil {
		ts = strconv.FormatInt(t.Unix(), 10)
	}
	payload := fmt.Sprintf("%s|%s|%s|%s",
		signal.StrategyID, signal.Symbol, signal.Action, ts)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// seenCache remembers fingerprints processed on this replica for a fixed
// window. It is the first, cheap dedup layer; the distributed lock is the
// authoritative one across replicas.
type seenCache struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newSeenCache(window time.Duration) *seenCache {
	return &seenCache{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Seen reports whether the fingerprint was recorded within the window.
// Expired entries are evicted inline, the map stays bounded by signal
// volume per window.
func (c *seenCache) Seen(fingerprint string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, fp)
		}
	}
	at, ok := c.seen[fingerprint]
	return ok && now.Sub(at) <= c.window
}

// Mark records the fingerprint. Called only after the exchange accepted the
// order; a dispatch that failed before execution stays retryable.
func (c *seenCache) Mark(fingerprint string) {
	c.mu.Lock()
	c.seen[fingerprint] = time.Now()
	c.mu.Unlock()
}
