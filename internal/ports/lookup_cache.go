package ports

import "time"

type LookupCacheStats struct {
	EntryCount     int
	OldestEntryAge time.Duration
}

// LookupCacheInspector exposes diagnostics of a volatile lookup cache
// without its value type.
type LookupCacheInspector interface {
	Stats() LookupCacheStats
}
