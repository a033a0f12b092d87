package llm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"docscope/pkg/evidence"
	"docscope/pkg/logx"
	"docscope/pkg/metrics"
	"docscope/pkg/utils"
)

const judgmentSystemPrompt = `You are a document analysis assistant. You are given one segment of a larger document and a question. Judge whether the segment is relevant to the question and extract evidence.

Respond with ONLY a JSON object in this exact shape:
{
  "relevant": true,
  "findings": [
    {
      "point": "one-line statement of what this segment establishes",
      "excerpt": "verbatim quote from the segment",
      "confidence": "high|medium|low",
      "followUps": ["optional refined query suggestions"]
    }
  ]
}

If the segment is not relevant, respond {"relevant": false, "findings": []}.
Excerpts must be verbatim. Do not invent content that is not in the segment.`

const synthesisSystemPrompt = `You are a document analysis assistant. You are given a question and the evidence collected from a full pass over the document. Synthesize a final answer grounded only in the evidence.

Respond with ONLY a JSON object in this exact shape:
{
  "answer": "direct answer to the question",
  "keyPoints": ["supporting point", "..."],
  "confidence": "high|medium|low"
}`

// Segment is one unit of analysis handed to the batch client.
type Segment struct {
	Index     int
	Content   string
	LineStart int
	LineEnd   int
}

// Options selects the model for a batch and bounds its concurrency.
type Options struct {
	Model         string
	MaxConcurrent int
}

// Usage totals token consumption across a batch or synthesis call.
type Usage struct {
	TokensIn  int64
	TokensOut int64
}

// BatchClient fans segment judgments out over a bounded worker pool and
// caches them by content fingerprint. A nil cache disables caching.
type BatchClient struct {
	client Client
	cache  *Cache
	logger *logx.Logger
}

// NewBatchClient creates a batch client over an underlying completion client.
func NewBatchClient(client Client, cache *Cache) *BatchClient {
	return &BatchClient{
		client: client,
		cache:  cache,
		logger: logx.NewLogger("llm"),
	}
}

// QueryBatch judges every segment against the query. A single segment failure
// is recorded in its result and does not abort the batch. onProgress, if
// non-nil, is called after each segment with (done, total).
func (b *BatchClient) QueryBatch(ctx context.Context, query string, segments []Segment, opts Options, onProgress func(done, total int)) ([]evidence.SegmentResult, Usage) {
	results := make([]evidence.SegmentResult, len(segments))
	var tokensIn, tokensOut, done int64

	group, ctx := errgroup.WithContext(ctx)
	if opts.MaxConcurrent > 0 {
		group.SetLimit(opts.MaxConcurrent)
	}

	for i := range segments {
		group.Go(func() error {
			segment := segments[i]
			judgment, usage, err := b.judgeSegment(ctx, query, segment, opts)
			if err != nil {
				b.logger.Warn("Segment %d judgment failed: %v", segment.Index, err)
				results[i] = evidence.SegmentResult{SegmentIndex: segment.Index, Err: err.Error()}
			} else {
				findings := judgment.Findings
				for j := range findings {
					findings[j].ChunkIndex = segment.Index
					if findings[j].LineStart == 0 {
						findings[j].LineStart = segment.LineStart
						findings[j].LineEnd = segment.LineEnd
					}
				}
				results[i] = evidence.SegmentResult{
					SegmentIndex: segment.Index,
					Relevant:     judgment.Relevant,
					Findings:     findings,
					Success:      true,
				}
			}
			atomic.AddInt64(&tokensIn, usage.TokensIn)
			atomic.AddInt64(&tokensOut, usage.TokensOut)
			if onProgress != nil {
				onProgress(int(atomic.AddInt64(&done, 1)), len(segments))
			}
			return nil
		})
	}
	_ = group.Wait() // per-segment errors land in results

	return results, Usage{TokensIn: atomic.LoadInt64(&tokensIn), TokensOut: atomic.LoadInt64(&tokensOut)}
}

// judgeSegment runs one judgment, consulting the cache first.
func (b *BatchClient) judgeSegment(ctx context.Context, query string, segment Segment, opts Options) (Judgment, Usage, error) {
	fingerprint := Fingerprint(segment.Content, query)

	if b.cache != nil {
		cached, hit, err := b.cache.Get(fingerprint)
		if err != nil {
			b.logger.Warn("Judgment cache read failed: %v", err)
		}
		metrics.Default().ObserveCacheLookup(hit)
		if hit {
			if judgment, perr := ParseJudgment(cached); perr == nil {
				return judgment, Usage{}, nil
			}
			// Unparseable cache entry; fall through and refresh it.
		}
	}

	prompt := buildJudgmentPrompt(query, segment)
	start := time.Now()
	resp, err := b.client.Complete(ctx, Request{
		Model:     opts.Model,
		MaxTokens: defaultMaxTokens,
		Messages: []Message{
			{Role: RoleSystem, Content: judgmentSystemPrompt},
			{Role: RoleUser, Content: prompt},
		},
	})
	if err != nil {
		metrics.Default().ObserveLLMRequest(opts.Model, "judgment", 0, 0, err, time.Since(start))
		return Judgment{}, Usage{}, err
	}
	estimateUsage(&resp, prompt)
	metrics.Default().ObserveLLMRequest(opts.Model, "judgment", resp.TokensIn, resp.TokensOut, nil, time.Since(start))

	usage := Usage{TokensIn: resp.TokensIn, TokensOut: resp.TokensOut}
	judgment, err := ParseJudgment(resp.Content)
	if err != nil {
		return Judgment{}, usage, fmt.Errorf("segment %d: %w", segment.Index, err)
	}

	if b.cache != nil {
		if err := b.cache.Put(fingerprint, opts.Model, resp.Content); err != nil {
			b.logger.Warn("Judgment cache write failed: %v", err)
		}
	}
	return judgment, usage, nil
}

// Synthesize turns accumulated evidence into a final answer in one
// completion.
func (b *BatchClient) Synthesize(ctx context.Context, query string, items []evidence.Item, opts Options) (*evidence.Synthesis, Usage, error) {
	prompt := buildSynthesisPrompt(query, items)
	start := time.Now()
	resp, err := b.client.Complete(ctx, Request{
		Model:     opts.Model,
		MaxTokens: defaultMaxTokens,
		Messages: []Message{
			{Role: RoleSystem, Content: synthesisSystemPrompt},
			{Role: RoleUser, Content: prompt},
		},
	})
	if err != nil {
		metrics.Default().ObserveLLMRequest(opts.Model, "synthesis", 0, 0, err, time.Since(start))
		return nil, Usage{}, err
	}
	estimateUsage(&resp, prompt)
	metrics.Default().ObserveLLMRequest(opts.Model, "synthesis", resp.TokensIn, resp.TokensOut, nil, time.Since(start))

	usage := Usage{TokensIn: resp.TokensIn, TokensOut: resp.TokensOut}
	synthesis, err := ParseSynthesis(resp.Content)
	if err != nil {
		return nil, usage, err
	}
	return &synthesis, usage, nil
}

// estimateUsage fills token counts for backends that do not report usage,
// so accounting stays meaningful with scripted or proxy clients.
func estimateUsage(resp *Response, prompt string) {
	if resp.TokensIn == 0 && resp.TokensOut == 0 {
		resp.TokensIn = int64(utils.CountTokens(prompt))
		resp.TokensOut = int64(utils.CountTokens(resp.Content))
	}
}

func buildJudgmentPrompt(query string, segment Segment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	fmt.Fprintf(&b, "Document segment %d (lines %d-%d):\n", segment.Index, segment.LineStart, segment.LineEnd)
	b.WriteString("---\n")
	b.WriteString(segment.Content)
	b.WriteString("\n---\n")
	return b.String()
}

func buildSynthesisPrompt(query string, items []evidence.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nEvidence collected from the document:\n\n", query)
	for i, item := range items {
		fmt.Fprintf(&b, "%d. [segment %d, confidence %s] %s\n", i+1, item.ChunkIndex, item.Confidence, item.Point)
		if item.Excerpt != "" {
			fmt.Fprintf(&b, "   \"%s\"\n", item.Excerpt)
		}
	}
	return b.String()
}
