package model

import "time"

// CacheEntry is one cached record pool keyed by normalized search params.
type CacheEntry struct {
	Key            string         `json:"key"`
	Mode           SearchMode     `json:"mode"`
	Records        []PersonRecord `json:"records"`
	TotalAvailable int            `json:"total_available"`
	FetchedAt      time.Time      `json:"fetched_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at the given time.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// FulfillmentRatio is cached records over provider-reported total. A pool
// with no reported total is treated as fully fulfilling.
func (e CacheEntry) FulfillmentRatio() float64 {
	if e.TotalAvailable <= 0 {
		return 1
	}
	return float64(len(e.Records)) / float64(e.TotalAvailable)
}
