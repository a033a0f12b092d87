package store

import (
	"time"

	"docscope/pkg/evidence"
)

// SessionState is the persisted lifecycle of a session. Only closed sessions
// are eligible for the retention sweep.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

// ChunkSettings is the per-session chunking configuration, fixed at creation
// so segment derivation stays deterministic for the session's lifetime.
type ChunkSettings struct {
	SegmentSize int    `json:"segmentSize"`
	Overlap     int    `json:"overlap"`
	Strategy    string `json:"strategy,omitempty"`
}

// Usage accumulates per-session counters across queries.
type Usage struct {
	Queries      int   `json:"queries"`
	TokensIn     int64 `json:"tokensIn"`
	TokensOut    int64 `json:"tokensOut"`
	SegmentsSeen int   `json:"segmentsSeen"`
}

// Session is the full persisted record for one analyzed document.
type Session struct {
	ID             string        `json:"id"`
	DocumentPath   string        `json:"documentPath"`
	RelativePath   string        `json:"relativePath"`
	Size           int64         `json:"size"`
	Chunk          ChunkSettings `json:"chunk"`
	State          SessionState  `json:"state"`
	Usage          Usage         `json:"usage"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastAccessedAt time.Time     `json:"lastAccessedAt"`
}

// SessionSummary is the lightweight index entry kept in sessions.json.
type SessionSummary struct {
	ID             string       `json:"id"`
	DocumentPath   string       `json:"documentPath"`
	RelativePath   string       `json:"relativePath"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastAccessedAt time.Time    `json:"lastAccessedAt"`
	State          SessionState `json:"state"`
}

// QueryStatus tracks a query result through its run.
type QueryStatus string

const (
	QueryPending  QueryStatus = "pending"
	QueryComplete QueryStatus = "complete"
	QueryError    QueryStatus = "error"
)

// QueryUsage records per-run metrics.
type QueryUsage struct {
	Iterations       int           `json:"iterations"`
	SegmentsAnalyzed int           `json:"segmentsAnalyzed"`
	TokensIn         int64         `json:"tokensIn"`
	TokensOut        int64         `json:"tokensOut"`
	Duration         time.Duration `json:"durationNs"`
}

// QueryResult is the durable outcome of one query run. Immutable once its
// status leaves pending.
type QueryResult struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"sessionId"`
	Query       string              `json:"query"`
	Evidence    []evidence.Item     `json:"evidence"`
	Answer      *evidence.Synthesis `json:"answer,omitempty"`
	Summary     evidence.Summary    `json:"summary"`
	Usage       QueryUsage          `json:"usage"`
	Status      QueryStatus         `json:"status"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt time.Time           `json:"completedAt,omitempty"`
}

// BufferEntry is one append-only scratch note.
type BufferEntry struct {
	Index     int       `json:"index"`
	Content   string    `json:"content"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// bufferFile is the on-disk shape of buffers.json.
type bufferFile struct {
	Version   int           `json:"version"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Buffers   []BufferEntry `json:"buffers"`
}

const bufferFileVersion = 1
