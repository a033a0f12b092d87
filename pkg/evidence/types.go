// Package evidence defines the finding model and the aggregator that merges
// per-round segment findings, decides convergence, and derives follow-up
// queries.
package evidence

// Confidence tiers a finding by how directly it answers the query.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// rank orders tiers for weakest-finding selection; lower is weaker.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// Item is a discrete finding tied to a segment.
type Item struct {
	ChunkIndex int        `json:"chunkIndex"`
	Point      string     `json:"point"`
	Excerpt    string     `json:"excerpt"`
	Confidence Confidence `json:"confidence"`
	LineStart  int        `json:"lineStart,omitempty"`
	LineEnd    int        `json:"lineEnd,omitempty"`
	FollowUps  []string   `json:"followUps,omitempty"`
}

// Synthesis is the final answer assembled from accumulated evidence.
type Synthesis struct {
	Answer     string     `json:"answer"`
	KeyPoints  []string   `json:"keyPoints,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// Summary counts findings by tier for reporting.
type Summary struct {
	Total    int `json:"total"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// SegmentResult is one segment's judgment from a batch round.
type SegmentResult struct {
	SegmentIndex int
	Relevant     bool
	Findings     []Item
	Success      bool
	Err          string
}
