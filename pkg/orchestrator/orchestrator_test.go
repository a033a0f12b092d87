package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docscope/pkg/config"
	"docscope/pkg/llm"
	"docscope/pkg/session"
	"docscope/pkg/store"
	"docscope/pkg/worker"
)

// fakeWorker scripts the out-of-process worker: canned candidates per query
// and canned chunk content by index.
type fakeWorker struct {
	mu         sync.Mutex
	candidates map[string][]worker.CandidateChunk // query -> candidates
	chunks     map[int]worker.ChunkMeta
	failQuery  bool

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exited  chan struct{}
	once    sync.Once
}

func newFakeWorker() *fakeWorker {
	w := &fakeWorker{
		candidates: make(map[string][]worker.CandidateChunk),
		chunks:     make(map[int]worker.ChunkMeta),
		exited:     make(chan struct{}),
	}
	w.stdinR, w.stdinW = io.Pipe()
	w.stdoutR, w.stdoutW = io.Pipe()
	w.stderrR, w.stderrW = io.Pipe()
	return w
}

func (w *fakeWorker) Start() error {
	go func() {
		scanner := bufio.NewScanner(w.stdinR)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var req worker.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			w.reply(req)
			if req.Method == worker.MethodShutdown {
				w.exit()
				return
			}
		}
		w.exit()
	}()
	return nil
}

func (w *fakeWorker) reply(req worker.Request) {
	respond := func(result any) {
		data, _ := json.Marshal(result)
		line, _ := json.Marshal(worker.Response{JSONRPC: worker.Version, ID: req.ID, Result: data})
		w.stdoutW.Write(append(line, '\n'))
	}
	respondErr := func(code int, message string) {
		line, _ := json.Marshal(worker.Response{JSONRPC: worker.Version, ID: req.ID, Error: &worker.RPCError{Code: code, Message: message}})
		w.stdoutW.Write(append(line, '\n'))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch req.Method {
	case worker.MethodInit:
		respond(worker.InitResult{Status: "initialized", ChunkCount: len(w.chunks)})
	case worker.MethodQuery:
		if w.failQuery {
			respondErr(worker.CodeInternal, "worker blew up")
			return
		}
		var params worker.QueryParams
		json.Unmarshal(req.Params, &params)
		respond(worker.QueryResult{
			Query:          params.Query,
			RelevantChunks: w.candidates[params.Query],
			TotalChunks:    len(w.chunks),
		})
	case worker.MethodGetChunk:
		var params worker.GetChunkParams
		json.Unmarshal(req.Params, &params)
		chunk, ok := w.chunks[params.Index]
		if !ok {
			respondErr(worker.CodeInvalidRange, fmt.Sprintf("chunk index out of range: %d", params.Index))
			return
		}
		respond(worker.GetChunkResult{Chunk: chunk})
	case worker.MethodShutdown:
		respond(worker.ShutdownResult{Status: "shutting_down"})
	default:
		respondErr(worker.CodeMethodNotFound, req.Method)
	}
}

func (w *fakeWorker) exit() {
	w.once.Do(func() {
		w.stdoutW.Close()
		w.stderrW.Close()
		close(w.exited)
	})
}

func (w *fakeWorker) Stdin() io.Writer  { return w.stdinW }
func (w *fakeWorker) Stdout() io.Reader { return w.stdoutR }
func (w *fakeWorker) Stderr() io.Reader { return w.stderrR }
func (w *fakeWorker) Wait() error       { <-w.exited; return nil }
func (w *fakeWorker) Kill() error       { w.stdinW.Close(); w.exit(); return nil }

// fakeLLM scripts completions by inspecting the user prompt.
type fakeLLM struct {
	respond func(in llm.Request) (llm.Response, error)
}

func (f *fakeLLM) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	return f.respond(in)
}

func judgmentFor(point, confidence string) string {
	return fmt.Sprintf(`{"relevant": true, "findings": [{"point": %q, "excerpt": "quoted text", "confidence": %q}]}`, point, confidence)
}

type fixture struct {
	orch   *Orchestrator
	store  *store.Store
	worker *fakeWorker
	sess   *store.Session
}

func newFixture(t *testing.T, respond func(in llm.Request) (llm.Response, error)) *fixture {
	t.Helper()

	dir := t.TempDir()
	doc := filepath.Join(dir, "contract.md")
	require.NoError(t, os.WriteFile(doc, []byte(strings.Repeat("contract text. ", 400)), 0644))

	st := store.NewStore(dir, 10)
	sess, err := st.CreateSession(doc, store.ChunkSettings{SegmentSize: 4000, Overlap: 200, Strategy: "fixed"})
	require.NoError(t, err)

	fw := newFakeWorker()
	registry := worker.NewRegistry(config.Worker{RPCTimeout: 2 * time.Second}, 4)
	registry.SetSpawner(func(string) worker.Transport { return fw })
	t.Cleanup(registry.CloseAll)

	cfg := config.Default()
	cfg.Analysis.MaxIterations = 3

	batch := llm.NewBatchClient(&fakeLLM{respond: respond}, nil)
	orch := New(st, registry, batch, cfg)
	return &fixture{orch: orch, store: st, worker: fw, sess: sess}
}

func TestExecuteQueryHappyPath(t *testing.T) {
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		prompt := in.Messages[1].Content
		switch {
		case strings.Contains(prompt, "Evidence collected"):
			return llm.Response{Content: `{"answer": "Net 30.", "keyPoints": ["section 4"], "confidence": "high"}`, TokensIn: 50, TokensOut: 20}, nil
		case strings.Contains(prompt, "full chunk text"):
			return llm.Response{Content: judgmentFor("terms in chunk two", "high"), TokensIn: 100, TokensOut: 30}, nil
		default:
			return llm.Response{Content: judgmentFor("terms in chunk zero", "high"), TokensIn: 100, TokensOut: 30}, nil
		}
	})

	// Chunk 0's preview carries the whole segment; chunk 2 is truncated and
	// must be fetched in full.
	fx.worker.candidates["payment terms?"] = []worker.CandidateChunk{
		{ChunkIndex: 0, Score: 3, Preview: "short full segment"},
		{ChunkIndex: 2, Score: 2, Preview: "truncated preview..."},
	}
	fx.worker.chunks[2] = worker.ChunkMeta{ID: "chunk_002", Index: 2, LineStart: 40, LineEnd: 80, Content: "full chunk text"}

	result, err := fx.orch.ExecuteQuery(context.Background(), fx.sess.ID, "payment terms?", QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, store.QueryComplete, result.Status)
	require.Len(t, result.Evidence, 2)
	require.NotNil(t, result.Answer)
	assert.Equal(t, "Net 30.", result.Answer.Answer)
	assert.Equal(t, 2, result.Summary.Total)
	assert.Equal(t, 2, result.Usage.SegmentsAnalyzed)
	assert.Positive(t, result.Usage.TokensIn)

	// Persisted result matches.
	loaded, err := fx.store.GetQueryResult(fx.sess.ID, result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Evidence, loaded.Evidence)

	// Session usage was touched and the lifecycle is ready again.
	sess, err := fx.store.GetSession(fx.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Usage.Queries)
	assert.True(t, fx.orch.Lifecycle(fx.sess.ID).CanQuery())
}

func TestExecuteQueryNoCandidates(t *testing.T) {
	llmCalled := false
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		llmCalled = true
		return llm.Response{Content: "{}"}, nil
	})

	result, err := fx.orch.ExecuteQuery(context.Background(), fx.sess.ID, "nothing matches", QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, store.QueryComplete, result.Status)
	assert.Empty(t, result.Evidence)
	assert.Nil(t, result.Answer, "no synthesis without evidence")
	assert.False(t, llmCalled)
}

func TestExecuteQueryWorkerFailure(t *testing.T) {
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		return llm.Response{Content: judgmentFor("x", "high")}, nil
	})
	fx.worker.failQuery = true

	result, err := fx.orch.ExecuteQuery(context.Background(), fx.sess.ID, "anything", QueryOptions{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, store.QueryError, result.Status)
	assert.Contains(t, result.Error, "worker blew up")

	// The failed run is persisted and the session is usable again.
	loaded, lerr := fx.store.GetQueryResult(fx.sess.ID, result.ID)
	require.NoError(t, lerr)
	assert.Equal(t, store.QueryError, loaded.Status)
	assert.True(t, fx.orch.Lifecycle(fx.sess.ID).CanQuery())
}

func TestExecuteQuerySynthesisFailureDegrades(t *testing.T) {
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		if strings.Contains(in.Messages[1].Content, "Evidence collected") {
			return llm.Response{}, errors.New("model unavailable")
		}
		return llm.Response{Content: judgmentFor("a finding", "high")}, nil
	})
	fx.worker.candidates["q"] = []worker.CandidateChunk{{ChunkIndex: 0, Score: 1, Preview: "full segment"}}

	result, err := fx.orch.ExecuteQuery(context.Background(), fx.sess.ID, "q", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.QueryComplete, result.Status)
	assert.Len(t, result.Evidence, 1)
	assert.Nil(t, result.Answer, "synthesis failure degrades to raw findings")
}

func TestExecuteQueryIterationCap(t *testing.T) {
	iteration := 0
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		if strings.Contains(in.Messages[1].Content, "Evidence collected") {
			return llm.Response{Content: `{"answer": "partial", "confidence": "low"}`}, nil
		}
		// Each round yields a fresh low-confidence finding, so the loop only
		// stops at the cap.
		iteration++
		return llm.Response{Content: judgmentFor(fmt.Sprintf("weak finding %d", iteration), "low")}, nil
	})
	fx.worker.candidates["start"] = []worker.CandidateChunk{{ChunkIndex: 0, Score: 1, Preview: "full segment"}}
	// Follow-up queries derived from findings also hit candidates.
	fx.worker.candidates["Find more specific evidence about: weak finding 1"] = []worker.CandidateChunk{{ChunkIndex: 1, Score: 1, Preview: "another segment"}}
	fx.worker.candidates["Find more specific evidence about: weak finding 2"] = []worker.CandidateChunk{{ChunkIndex: 2, Score: 1, Preview: "third segment"}}

	result, err := fx.orch.ExecuteQuery(context.Background(), fx.sess.ID, "start", QueryOptions{MaxIterations: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Usage.Iterations)
	assert.Len(t, result.Evidence, 2)
}

func TestExecuteQueryGuardsConcurrentRuns(t *testing.T) {
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		return llm.Response{Content: judgmentFor("x", "high")}, nil
	})

	require.NoError(t, fx.orch.Lifecycle(fx.sess.ID).StartQuery())
	_, err := fx.orch.ExecuteQuery(context.Background(), fx.sess.ID, "q", QueryOptions{})
	require.ErrorIs(t, err, session.ErrNotReady)
}

func TestExecuteQueryUnknownSession(t *testing.T) {
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		return llm.Response{}, nil
	})
	_, err := fx.orch.ExecuteQuery(context.Background(), "missing", "q", QueryOptions{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteQueryEventSequence(t *testing.T) {
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		if strings.Contains(in.Messages[1].Content, "Evidence collected") {
			return llm.Response{Content: `{"answer": "done", "confidence": "high"}`}, nil
		}
		return llm.Response{Content: judgmentFor("finding", "high")}, nil
	})
	fx.worker.candidates["q"] = []worker.CandidateChunk{{ChunkIndex: 0, Score: 1, Preview: "full segment"}}

	var mu sync.Mutex
	var types []EventType
	fx.orch.SetObserver(func(event Event) {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	})

	_, err := fx.orch.ExecuteQuery(context.Background(), fx.sess.ID, "q", QueryOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, EventIterationStart)
	assert.Contains(t, types, EventChunksFound)
	assert.Contains(t, types, EventIterationComplete)
	assert.Equal(t, EventComplete, types[len(types)-1])
}

func TestProgressTickerNeverReachesFull(t *testing.T) {
	fx := newFixture(t, func(in llm.Request) (llm.Response, error) {
		time.Sleep(60 * time.Millisecond)
		return llm.Response{Content: judgmentFor("finding", "high")}, nil
	})
	fx.orch.tickInterval = 5 * time.Millisecond
	fx.worker.candidates["q"] = []worker.CandidateChunk{{ChunkIndex: 0, Score: 1, Preview: "full segment"}}

	var mu sync.Mutex
	var ticks []float64
	fx.orch.SetObserver(func(event Event) {
		if event.Type == EventProgress && event.Message == "working" {
			mu.Lock()
			ticks = append(ticks, event.Progress)
			mu.Unlock()
		}
	})

	_, err := fx.orch.ExecuteQuery(context.Background(), fx.sess.ID, "q", QueryOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ticks)
	last := 0.0
	for _, tick := range ticks {
		assert.Greater(t, tick, last, "cosmetic progress must be monotonic")
		assert.Less(t, tick, 1.0, "cosmetic progress must never reach 100%%")
		last = tick
	}
}
