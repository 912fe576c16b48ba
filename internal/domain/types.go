package domain

import "time"

// Timestamp is a log record time in epoch milliseconds.
type Timestamp uint64

// Time converts the timestamp to a UTC time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// Seconds truncates to whole seconds, the resolution container runtimes
// accept for a log resume point.
func (t Timestamp) Seconds() int64 {
	return int64(t / 1000)
}

// LogRecord is a validated log line. RawPayload holds the exact bytes that
// were decoded and must not be mutated once the record exists.
type LogRecord struct {
	Timestamp  Timestamp
	RawPayload []byte
	Size       int
}

type ContainerDescriptor struct {
	Name   string
	Labels map[string]string
}
