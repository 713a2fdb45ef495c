package models

import "time"

// HistoricalFixRecord is a durable cross-session summary of a successful
// resolution, written when a session resolves and read back by the similarity
// index. Append-only. The confidence score comes from the reasoning engine
// verbatim and is never recomputed here.
type HistoricalFixRecord struct {
	ID               string
	SessionID        string // weak reference; nulled if the session is deleted
	SignatureHash    string
	FixDescription   string
	FixCategory      string
	Confidence       float64
	SuccessConfirmed bool
	AppliedAt        time.Time
}
