// Package export renders sessions and their query results as JSON or a
// human-readable markdown document.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"docscope/pkg/evidence"
	"docscope/pkg/store"
)

// Options controls export rendering.
type Options struct {
	// TruncateExcerpts caps excerpt length in the JSON export. Zero keeps
	// excerpts whole.
	TruncateExcerpts int
}

// document is the JSON export envelope.
type document struct {
	Session    *store.Session       `json:"session"`
	Results    []*store.QueryResult `json:"results"`
	ExportedAt time.Time            `json:"exportedAt"`
}

// JSON writes the full-fidelity export.
func JSON(w io.Writer, sess *store.Session, results []*store.QueryResult, opts Options) error {
	if opts.TruncateExcerpts > 0 {
		results = truncateExcerpts(results, opts.TruncateExcerpts)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(document{Session: sess, Results: results, ExportedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

func truncateExcerpts(results []*store.QueryResult, limit int) []*store.QueryResult {
	out := make([]*store.QueryResult, len(results))
	for i, result := range results {
		clone := *result
		clone.Evidence = append([]evidence.Item(nil), result.Evidence...)
		for j := range clone.Evidence {
			if len(clone.Evidence[j].Excerpt) > limit {
				clone.Evidence[j].Excerpt = clone.Evidence[j].Excerpt[:limit] + "..."
			}
		}
		out[i] = &clone
	}
	return out
}

// Markdown writes a readable report: session header, one section per query
// with its evidence, and a usage footer.
func Markdown(w io.Writer, sess *store.Session, results []*store.QueryResult) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Analysis Report: %s\n\n", sess.DocumentPath)
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Session | %s |\n", sess.ID)
	fmt.Fprintf(&b, "| Document size | %d bytes |\n", sess.Size)
	fmt.Fprintf(&b, "| Segment size / overlap | %d / %d |\n", sess.Chunk.SegmentSize, sess.Chunk.Overlap)
	fmt.Fprintf(&b, "| State | %s |\n", sess.State)
	fmt.Fprintf(&b, "| Created | %s |\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "| Queries run | %d |\n\n", sess.Usage.Queries)

	for _, result := range results {
		fmt.Fprintf(&b, "## Query: %s\n\n", result.Query)
		fmt.Fprintf(&b, "Status: %s", result.Status)
		if result.Error != "" {
			fmt.Fprintf(&b, " (%s)", result.Error)
		}
		b.WriteString("\n\n")

		if result.Answer != nil {
			fmt.Fprintf(&b, "**Answer** (confidence %s): %s\n\n", result.Answer.Confidence, result.Answer.Answer)
			for _, point := range result.Answer.KeyPoints {
				fmt.Fprintf(&b, "- %s\n", point)
			}
			if len(result.Answer.KeyPoints) > 0 {
				b.WriteString("\n")
			}
		}

		if len(result.Evidence) > 0 {
			fmt.Fprintf(&b, "### Evidence (%d findings: %d high, %d medium, %d low)\n\n",
				result.Summary.Total, result.Summary.High, result.Summary.Medium, result.Summary.Low)
			for _, item := range result.Evidence {
				fmt.Fprintf(&b, "- **segment %d** [%s] %s\n", item.ChunkIndex, item.Confidence, item.Point)
				if item.Excerpt != "" {
					fmt.Fprintf(&b, "  > %s\n", strings.ReplaceAll(item.Excerpt, "\n", " "))
				}
			}
			b.WriteString("\n")
		}

		fmt.Fprintf(&b, "_%d iterations, %d segments analyzed, %d tokens in / %d out, %s_\n\n",
			result.Usage.Iterations, result.Usage.SegmentsAnalyzed,
			result.Usage.TokensIn, result.Usage.TokensOut,
			result.Usage.Duration.Round(time.Millisecond))
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
