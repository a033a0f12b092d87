// Package orchestrator drives the iterative query loop: candidate discovery
// through the worker, batched segment judgments, evidence accumulation, and
// final synthesis.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"docscope/pkg/config"
	"docscope/pkg/evidence"
	"docscope/pkg/llm"
	"docscope/pkg/logx"
	"docscope/pkg/metrics"
	"docscope/pkg/session"
	"docscope/pkg/store"
	"docscope/pkg/utils"
	"docscope/pkg/worker"
)

// EventType classifies observer callbacks.
type EventType string

const (
	EventIterationStart    EventType = "iteration_start"
	EventChunksFound       EventType = "chunks_found"
	EventIterationComplete EventType = "iteration_complete"
	EventProgress          EventType = "progress"
	EventComplete          EventType = "complete"
	EventError             EventType = "error"
)

// Event is one observer callback. Progress is a fraction in [0,1).
type Event struct {
	Type        EventType
	SessionID   string
	QueryID     string
	Iteration   int
	ChunksFound int
	NewFindings int
	Progress    float64
	Message     string
}

// Observer receives events during a query run. Called from the executing
// goroutine and from the progress ticker; implementations must be quick.
type Observer func(Event)

// QueryOptions tunes one query run. Zero values fall back to config.
type QueryOptions struct {
	MaxIterations int
	Model         string
	MaxConcurrent int
}

// progressTickInterval is the cadence of cosmetic progress events.
const progressTickInterval = 2 * time.Second

// Orchestrator coordinates the store, worker registry, batch client, and
// per-session lifecycles.
type Orchestrator struct {
	store      *store.Store
	workers    *worker.Registry
	batch      *llm.BatchClient
	lifecycles *session.Registry
	cfg        config.Config
	logger     *logx.Logger
	observer   Observer

	// tickInterval is overridable in tests.
	tickInterval time.Duration
}

// New creates an orchestrator.
func New(st *store.Store, workers *worker.Registry, batch *llm.BatchClient, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		store:        st,
		workers:      workers,
		batch:        batch,
		lifecycles:   session.NewRegistry(),
		cfg:          cfg,
		logger:       logx.NewLogger("orchestrator"),
		tickInterval: progressTickInterval,
	}
}

// SetObserver installs the event callback.
func (o *Orchestrator) SetObserver(fn Observer) {
	o.observer = fn
}

// Lifecycle exposes the runtime lifecycle for a session.
func (o *Orchestrator) Lifecycle(sessionID string) *session.Lifecycle {
	return o.lifecycles.Get(sessionID)
}

func (o *Orchestrator) emit(event Event) {
	if o.observer != nil {
		o.observer(event)
	}
}

// failLifecycle records the failure and returns the session to ready so later
// queries can run.
func (o *Orchestrator) failLifecycle(lifecycle *session.Lifecycle, cause error) {
	if err := lifecycle.FailQuery(cause); err != nil {
		o.logger.Warn("Lifecycle failure transition: %v", err)
	}
	if err := lifecycle.Reset(); err != nil {
		o.logger.Warn("Lifecycle reset: %v", err)
	}
}

// ExecuteQuery runs the full iterative analysis for one query and persists
// the result. The session returns to ready whether the run succeeds or fails.
func (o *Orchestrator) ExecuteQuery(ctx context.Context, sessionID, query string, opts QueryOptions) (*store.QueryResult, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	lifecycle := o.lifecycles.Get(sessionID)
	if err := lifecycle.StartQuery(); err != nil {
		return nil, err
	}

	if opts.MaxIterations <= 0 {
		opts.MaxIterations = o.cfg.Analysis.MaxIterations
	}
	if opts.Model == "" {
		opts.Model = o.cfg.Analysis.Model
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = o.cfg.Analysis.MaxConcurrent
	}

	result := &store.QueryResult{
		ID:        utils.NewQueryID(),
		SessionID: sessionID,
		Query:     query,
		Status:    store.QueryPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveQueryResult(result); err != nil {
		o.failLifecycle(lifecycle, err)
		return nil, err
	}

	stopTicker := o.startProgressTicker(sessionID, result.ID)
	defer stopTicker()

	runErr := o.runQuery(ctx, sess, lifecycle, result, query, opts)
	result.CompletedAt = time.Now().UTC()
	result.Usage.Duration = result.CompletedAt.Sub(result.CreatedAt)

	if runErr != nil {
		result.Status = store.QueryError
		result.Error = runErr.Error()
		o.failLifecycle(lifecycle, runErr)
		metrics.Default().ObserveQuery("error", result.Usage.Iterations, result.Usage.Duration)
		o.emit(Event{Type: EventError, SessionID: sessionID, QueryID: result.ID, Message: runErr.Error()})
	} else {
		result.Status = store.QueryComplete
		if err := lifecycle.CompleteQuery(); err != nil {
			o.logger.Warn("Lifecycle completion for session %s: %v", sessionID, err)
		}
		metrics.Default().ObserveQuery("complete", result.Usage.Iterations, result.Usage.Duration)
		o.emit(Event{Type: EventComplete, SessionID: sessionID, QueryID: result.ID, Progress: 1})
	}

	if err := o.store.SaveQueryResult(result); err != nil {
		return result, err
	}
	if err := o.store.TouchSession(sessionID, store.Usage{
		Queries:      1,
		TokensIn:     result.Usage.TokensIn,
		TokensOut:    result.Usage.TokensOut,
		SegmentsSeen: result.Usage.SegmentsAnalyzed,
	}); err != nil {
		o.logger.Warn("Failed to update session usage for %s: %v", sessionID, err)
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// runQuery is the iterative core. It mutates result in place and returns the
// first fatal error.
func (o *Orchestrator) runQuery(ctx context.Context, sess *store.Session, lifecycle *session.Lifecycle, result *store.QueryResult, query string, opts QueryOptions) error {
	ch, err := o.workers.EnsureReady(ctx, sess.ID, sess.DocumentPath, sess.Chunk.SegmentSize, sess.Chunk.Overlap)
	if err != nil {
		return err
	}

	agg := evidence.NewAggregator()
	currentQuery := query

	for lifecycle.Snapshot().Iteration < opts.MaxIterations {
		iteration := lifecycle.BeginIteration()
		result.Usage.Iterations = iteration
		o.emit(Event{Type: EventIterationStart, SessionID: sess.ID, QueryID: result.ID, Iteration: iteration, Message: currentQuery})

		lifecycle.SetProgress("scanning", 0, 0)
		candidates, err := o.workers.Query(ctx, ch, currentQuery)
		if err != nil {
			return fmt.Errorf("candidate search failed: %w", err)
		}
		o.emit(Event{Type: EventChunksFound, SessionID: sess.ID, QueryID: result.ID, Iteration: iteration, ChunksFound: len(candidates.RelevantChunks)})

		if len(candidates.RelevantChunks) == 0 {
			// Nothing to analyze. On a refined query this means the previous
			// round's evidence stands; on the first round the query finishes
			// with empty evidence and no synthesis.
			break
		}

		segments, err := o.fetchSegments(ctx, ch, candidates.RelevantChunks)
		if err != nil {
			return err
		}
		result.Usage.SegmentsAnalyzed += len(segments)

		results, usage := o.batch.QueryBatch(ctx, currentQuery, segments, llm.Options{
			Model:         opts.Model,
			MaxConcurrent: opts.MaxConcurrent,
		}, func(done, total int) {
			lifecycle.SetProgress("analyzing", done, total)
			o.emit(Event{
				Type: EventProgress, SessionID: sess.ID, QueryID: result.ID,
				Iteration: iteration, Progress: float64(done) / float64(total),
				Message: "analyzing",
			})
		})
		result.Usage.TokensIn += usage.TokensIn
		result.Usage.TokensOut += usage.TokensOut
		if err := ctx.Err(); err != nil {
			return err
		}

		added := agg.AddBatch(results)
		o.emit(Event{Type: EventIterationComplete, SessionID: sess.ID, QueryID: result.ID, Iteration: iteration, NewFindings: added})

		if agg.Converged() {
			o.logger.Debug("Query %s converged after iteration %d", result.ID, iteration)
			break
		}
		followUp := agg.FollowUp()
		if followUp == "" {
			break
		}
		currentQuery = followUp
	}

	items, summary := agg.Export()
	result.Evidence = items
	result.Summary = summary

	if len(items) > 0 {
		lifecycle.SetProgress("synthesizing", 0, 1)
		synthesis, usage, err := o.batch.Synthesize(ctx, query, items, llm.Options{Model: opts.Model})
		result.Usage.TokensIn += usage.TokensIn
		result.Usage.TokensOut += usage.TokensOut
		if err != nil {
			// Degrade to raw findings rather than failing the run.
			o.logger.Warn("Synthesis failed for query %s, returning raw findings: %v", result.ID, err)
		} else {
			result.Answer = synthesis
		}
	}
	return nil
}

// fetchSegments turns candidates into full-text segments, reusing previews
// that already carry the whole chunk.
func (o *Orchestrator) fetchSegments(ctx context.Context, ch *worker.Channel, candidates []worker.CandidateChunk) ([]llm.Segment, error) {
	segments := make([]llm.Segment, 0, len(candidates))
	for _, candidate := range candidates {
		// A preview ending in "..." was truncated by the worker.
		if !strings.HasSuffix(candidate.Preview, "...") {
			segments = append(segments, llm.Segment{Index: candidate.ChunkIndex, Content: candidate.Preview})
			continue
		}
		chunk, err := ch.GetChunk(ctx, candidate.ChunkIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chunk %d: %w", candidate.ChunkIndex, err)
		}
		segments = append(segments, llm.Segment{
			Index:     chunk.Index,
			Content:   chunk.Content,
			LineStart: chunk.LineStart,
			LineEnd:   chunk.LineEnd,
		})
	}
	return segments, nil
}

// startProgressTicker emits cosmetic progress on a fixed cadence: bounded,
// monotonic, asymptotically approaching but never reaching 100%. The real
// completion event carries the 100%.
func (o *Orchestrator) startProgressTicker(sessionID, queryID string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.tickInterval)
		defer ticker.Stop()
		progress := 0.0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				progress += (0.99 - progress) * 0.1
				o.emit(Event{Type: EventProgress, SessionID: sessionID, QueryID: queryID, Progress: progress, Message: "working"})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
