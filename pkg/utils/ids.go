package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns a time-sortable session identifier. UUIDv7 embeds a
// millisecond timestamp in its high bits, so lexical order is creation order.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails if the random source does; fall back to a
		// timestamped v4 that preserves sortability.
		return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.New().String())
	}
	return id.String()
}

// NewQueryID returns an identifier for a query result.
func NewQueryID() string {
	return "q-" + uuid.New().String()
}

// NewRequestID returns an identifier for a single worker RPC.
func NewRequestID() string {
	return uuid.New().String()
}
