package models

import "time"

// FeedCacheEntry is the last successfully fetched body of a feed layer.
// It is only ever written after a fetch succeeds.
type FeedCacheEntry struct {
	ModifiedOn time.Time `json:"modifiedOn"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Payload    []byte    `json:"-"`
}

// Age returns how old the entry is relative to now.
func (e *FeedCacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.ModifiedOn)
}
