package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewIDAt generates a ULID whose timestamp component is t, so that ids sort
// in event order.
func NewIDAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
