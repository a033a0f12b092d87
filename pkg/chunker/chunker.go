// Package chunker derives ordered, overlapping segments from document text.
//
// All strategies are pure: the same (content, config) pair always yields the
// same segment list. The worker serves "fetch segment by index" by recomputing
// the split, so any hidden state here would cause drift between the host's
// view of a segment and the worker's.
package chunker

import (
	"fmt"
	"strings"

	"docscope/pkg/config"
)

// Strategy selects how cut points are chosen.
type Strategy string

const (
	// StrategyFixed cuts at a fixed character stride.
	StrategyFixed Strategy = "fixed"
	// StrategyLine never splits a line; overlap carries trailing lines forward.
	StrategyLine Strategy = "line"
	// StrategyBoundary prefers blank-line/heading/rule positions near the
	// ideal cut, falling back to a raw cut.
	StrategyBoundary Strategy = "boundary"
)

// Config controls segment derivation.
type Config struct {
	SegmentSize int
	Overlap     int
	Strategy    Strategy
}

// Segment is one contiguous slice of the document. Start/End is a half-open
// byte range; LineStart/LineEnd are 1-indexed.
type Segment struct {
	ID        string `json:"id"`
	Index     int    `json:"index"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	LineStart int    `json:"lineStart"`
	LineEnd   int    `json:"lineEnd"`
	Text      string `json:"content,omitempty"`
}

// Length returns the byte length of the segment.
func (s Segment) Length() int {
	return s.End - s.Start
}

// minRemainderDivisor: a trailing remainder shorter than SegmentSize/4 is
// absorbed into the previous segment instead of becoming its own.
const minRemainderDivisor = 4

// boundaryTolerance is the fraction of SegmentSize the boundary strategy may
// move a cut backwards to land on a natural break.
const boundaryTolerance = 0.15

// Chunk splits content into segments per the config. Segments fully cover
// [0, len(content)); an empty document yields no segments.
func Chunk(content string, cfg Config) ([]Segment, error) {
	if err := config.ValidateChunkConfig(cfg.SegmentSize, cfg.Overlap); err != nil {
		return nil, err
	}

	if len(content) == 0 {
		return []Segment{}, nil
	}

	switch cfg.Strategy {
	case StrategyFixed, "":
		return chunkFixed(content, cfg), nil
	case StrategyLine:
		return chunkLines(content, cfg), nil
	case StrategyBoundary:
		return chunkBoundary(content, cfg), nil
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", cfg.Strategy)
	}
}

// chunkFixed cuts at a fixed stride of SegmentSize-Overlap characters.
func chunkFixed(content string, cfg Config) []Segment {
	var segments []Segment
	stride := cfg.SegmentSize - cfg.Overlap
	start := 0

	for start < len(content) {
		end := start + cfg.SegmentSize
		if end > len(content) {
			end = len(content)
		}
		segments = append(segments, newSegment(content, len(segments), start, end))

		start += stride

		// Absorb a sub-minimum trailing remainder into the last segment.
		if remaining := len(content) - start; remaining < cfg.SegmentSize/minRemainderDivisor && start < len(content) {
			last := &segments[len(segments)-1]
			*last = newSegment(content, last.Index, last.Start, len(content))
			break
		}
	}

	return segments
}

// chunkLines accumulates whole lines up to SegmentSize characters per segment.
// The overlap budget (in characters) is spent on trailing lines carried
// forward into the next segment; a line is never split.
func chunkLines(content string, cfg Config) []Segment {
	lineStarts := lineStartOffsets(content)
	var segments []Segment

	start := 0
	for start < len(content) {
		end := start + cfg.SegmentSize
		if end >= len(content) {
			end = len(content)
		} else {
			// Retreat to the most recent line start at or before end so no
			// line is split. A single line longer than SegmentSize is cut raw.
			aligned := previousLineStart(lineStarts, end)
			if aligned > start {
				end = aligned
			}
		}
		segments = append(segments, newSegment(content, len(segments), start, end))

		if end >= len(content) {
			break
		}

		// Carry forward as many trailing whole lines as fit in the overlap
		// budget.
		next := end
		for _, ls := range trailingLineStarts(lineStarts, start, end) {
			if end-ls <= cfg.Overlap {
				next = ls
				break
			}
		}
		if next >= end {
			next = end
		}

		// Absorb a sub-minimum trailing remainder.
		if remaining := len(content) - next; remaining < cfg.SegmentSize/minRemainderDivisor {
			last := &segments[len(segments)-1]
			*last = newSegment(content, last.Index, last.Start, len(content))
			break
		}
		start = next
	}

	return segments
}

// chunkBoundary prefers a natural break (blank line, heading, horizontal
// rule) within the tolerance band below the ideal cut, falling back to a raw
// cut at the stride position.
func chunkBoundary(content string, cfg Config) []Segment {
	var segments []Segment
	stride := cfg.SegmentSize - cfg.Overlap
	tolerance := int(float64(cfg.SegmentSize) * boundaryTolerance)
	start := 0

	for start < len(content) {
		end := start + cfg.SegmentSize
		if end >= len(content) {
			end = len(content)
		} else if b := findBoundary(content, end-tolerance, end); b > start {
			end = b
		}
		segments = append(segments, newSegment(content, len(segments), start, end))

		if end >= len(content) {
			break
		}

		next := end - cfg.Overlap
		if next <= start {
			next = start + stride
		}
		if remaining := len(content) - next; remaining < cfg.SegmentSize/minRemainderDivisor {
			last := &segments[len(segments)-1]
			*last = newSegment(content, last.Index, last.Start, len(content))
			break
		}
		start = next
	}

	return segments
}

// findBoundary returns the best cut position in (lo, hi], or -1.
// Preference order: blank line, heading line, horizontal rule. Heading and
// rule cuts land just after the newline so the next segment starts on the
// heading; blank-line cuts land after the blank line itself.
func findBoundary(content string, lo, hi int) int {
	if lo < 0 {
		lo = 0
	}
	if hi > len(content) {
		hi = len(content)
	}

	best := -1
	bestRank := 4
	for i := hi - 1; i > lo; i-- {
		if content[i] != '\n' {
			continue
		}
		rank := boundaryRank(content, i)
		cut := i + 1
		if rank == 0 {
			cut = i + 2
		}
		if cut > hi {
			continue
		}
		if rank < bestRank {
			best = cut
			bestRank = rank
			if rank == 0 {
				break
			}
		}
	}
	return best
}

// boundaryRank classifies the line break at content[pos]=='\n':
// 0 blank line, 1 heading follows, 2 horizontal rule follows, 3 plain break.
func boundaryRank(content string, pos int) int {
	rest := content[pos+1:]
	switch {
	case strings.HasPrefix(rest, "\n"):
		return 0
	case strings.HasPrefix(rest, "#"):
		return 1
	case strings.HasPrefix(rest, "---"), strings.HasPrefix(rest, "==="), strings.HasPrefix(rest, "***"):
		return 2
	default:
		return 3
	}
}

func newSegment(content string, index, start, end int) Segment {
	return Segment{
		ID:        fmt.Sprintf("chunk_%03d", index),
		Index:     index,
		Start:     start,
		End:       end,
		LineStart: charToLine(content, start),
		LineEnd:   charToLine(content, end-1),
		Text:      content[start:end],
	}
}

// charToLine converts a character position to a 1-indexed line number.
func charToLine(content string, pos int) int {
	if pos <= 0 {
		return 1
	}
	if pos > len(content) {
		pos = len(content)
	}
	return strings.Count(content[:pos], "\n") + 1
}

// lineStartOffsets returns the byte offset of every line start, in order.
func lineStartOffsets(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// previousLineStart returns the greatest line start <= pos.
func previousLineStart(starts []int, pos int) int {
	lo, hi := 0, len(starts)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if starts[mid] <= pos {
			best = starts[mid]
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// trailingLineStarts returns line starts within (from, to), furthest first,
// so callers can pick the earliest start that fits an overlap budget.
func trailingLineStarts(starts []int, from, to int) []int {
	var out []int
	for i := len(starts) - 1; i >= 0; i-- {
		if starts[i] >= to {
			continue
		}
		if starts[i] <= from {
			break
		}
		out = append(out, starts[i])
	}
	// Reverse: earliest candidate first means largest carried overlap that
	// still fits; iterate from earliest to latest.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
