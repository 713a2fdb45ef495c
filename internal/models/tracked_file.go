package models

import "time"

// TrackedFile snapshots a file's content at the moment it entered a session's
// working context. Re-fetching updates LatestContent in place; only the
// original and latest versions are kept.
type TrackedFile struct {
	SessionID       string
	FilePath        string
	OriginalContent string
	LatestContent   string
	FirstTrackedAt  time.Time
	LastFetchedAt   time.Time
}

// Drifted reports whether the file has changed since it was first tracked.
func (f *TrackedFile) Drifted() bool {
	return f.LatestContent != f.OriginalContent
}
