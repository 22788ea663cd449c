package cache

import (
	"time"

	"github.com/maypok86/otter/v2"

	"kptv-timeshift/work/types"
)

// channelsKey is the single key the channel list is stored under.
const channelsKey = "channels"

// Cache keeps the parsed channel list for a fixed time after it was written.
type Cache struct {
	channels *otter.Cache[string, []types.Channel]
	duration time.Duration
}

// NewCache creates a Cache whose entries expire duration after being set.
//
// Parameters:
//   - duration: how long a stored channel list stays valid
//
// Returns:
//   - *Cache: ready-to-use cache
func NewCache(duration time.Duration) *Cache {
	return &Cache{
		channels: otter.Must(&otter.Options[string, []types.Channel]{
			MaximumSize:      16,
			ExpiryCalculator: otter.ExpiryWriting[string, []types.Channel](duration),
		}),
		duration: duration,
	}
}

// GetChannels returns the cached channel list and whether it was present
// and unexpired.
func (c *Cache) GetChannels() ([]types.Channel, bool) {
	return c.channels.GetIfPresent(channelsKey)
}

// SetChannels stores list, restarting its expiry.
func (c *Cache) SetChannels(list []types.Channel) {
	c.channels.Set(channelsKey, list)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.channels.InvalidateAll()
}

// Duration returns the configured entry lifetime.
func (c *Cache) Duration() time.Duration {
	return c.duration
}
