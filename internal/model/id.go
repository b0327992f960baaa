package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a job identifier for a job submitted now.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt generates a job identifier whose timestamp is t. Identifiers
// generated within the same millisecond still sort in generation order.
func NewIDAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
