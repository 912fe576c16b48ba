// Package storage defines the committer's sink contract.
package storage

import (
	"context"
	"time"

	"logship/internal/domain"
)

const (
	EncodingRaw  = "raw"
	EncodingZstd = "zstd"
)

// Sink persists committed log records. Append must be durable when it
// returns nil. Appending a record with the same timestamp and payload bytes
// twice stores it once, so broker redeliveries and collector replays are
// harmless.
type Sink interface {
	Append(ctx context.Context, rec domain.LogRecord) error
}

// StoredRecord is a record as read back from a sink.
type StoredRecord struct {
	Seq         int64
	Timestamp   domain.Timestamp
	Payload     []byte
	Encoding    string
	RecordHash  []byte
	CommittedAt time.Time
}

// LastDayTimestamp is 9999-12-31T23:59:59.999Z, the latest instant that
// still has a YYYY-MM-DD day name.
const LastDayTimestamp domain.Timestamp = 253402300799999

// Day is the UTC calendar day a record is filed under. Timestamps past
// LastDayTimestamp are filed under 9999-12-31.
func Day(ts domain.Timestamp) string {
	if ts > LastDayTimestamp {
		ts = LastDayTimestamp
	}
	return ts.Time().Format(time.DateOnly)
}
