package evidence

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Aggregator accumulates findings across analysis rounds, deduplicates them,
// and decides when the evidence has stopped growing.
type Aggregator struct {
	mu       sync.Mutex
	items    []Item
	seen     map[string]int // normalized point -> index into items
	failures []SegmentResult
	batches  int
	lastNew  int
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{seen: make(map[string]int)}
}

// normalize reduces a finding's point to a comparison key: lowercase,
// punctuation stripped, whitespace collapsed. Two findings that differ only
// in casing or phrasing punctuation are the same finding.
func normalize(text string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// AddBatch merges one round of segment judgments. Findings from irrelevant or
// failed segments are excluded; failures are recorded for reporting. Returns
// the number of materially new findings.
func (a *Aggregator) AddBatch(results []SegmentResult) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	added := 0
	for _, result := range results {
		if !result.Success {
			a.failures = append(a.failures, result)
			continue
		}
		if !result.Relevant {
			continue
		}
		for _, finding := range result.Findings {
			key := normalize(finding.Point)
			if key == "" {
				continue
			}
			if idx, ok := a.seen[key]; ok {
				// Duplicate. Keep the stronger confidence.
				if finding.Confidence.rank() > a.items[idx].Confidence.rank() {
					a.items[idx].Confidence = finding.Confidence
				}
				continue
			}
			a.seen[key] = len(a.items)
			a.items = append(a.items, finding)
			added++
		}
	}
	a.batches++
	a.lastNew = added
	return added
}

// Converged reports whether the last batch produced no materially new
// findings. False before any batch has been added.
func (a *Aggregator) Converged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batches > 0 && a.lastNew == 0
}

// FollowUp derives at most one refinement query from the weakest finding so
// far. Deterministic: ties break on chunk index, then insertion order. Returns
// "" when there is nothing to refine (no findings, or all high confidence).
func (a *Aggregator) FollowUp() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	weakest := -1
	for i, item := range a.items {
		if weakest == -1 {
			weakest = i
			continue
		}
		w := a.items[weakest]
		if item.Confidence.rank() < w.Confidence.rank() ||
			(item.Confidence.rank() == w.Confidence.rank() && item.ChunkIndex < w.ChunkIndex) {
			weakest = i
		}
	}
	if weakest == -1 {
		return ""
	}

	item := a.items[weakest]
	if item.Confidence == ConfidenceHigh {
		return ""
	}
	if len(item.FollowUps) > 0 {
		return item.FollowUps[0]
	}
	return fmt.Sprintf("Find more specific evidence about: %s", item.Point)
}

// Items returns a copy of the accumulated findings in insertion order.
func (a *Aggregator) Items() []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Item, len(a.items))
	copy(out, a.items)
	return out
}

// Failures returns the segment judgments that errored, for reporting.
func (a *Aggregator) Failures() []SegmentResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SegmentResult, len(a.failures))
	copy(out, a.failures)
	return out
}

// Export returns the findings ordered by document position with a tier
// summary.
func (a *Aggregator) Export() ([]Item, Summary) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Item, len(a.items))
	copy(out, a.items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })

	summary := Summary{Total: len(out)}
	for _, item := range out {
		switch item.Confidence {
		case ConfidenceHigh:
			summary.High++
		case ConfidenceMedium:
			summary.Medium++
		default:
			summary.Low++
		}
	}
	return out, summary
}
