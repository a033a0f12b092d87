// Package repl implements the worker side of the analysis protocol: a
// stateful document REPL answering line-delimited JSON-RPC 2.0 over stdio.
// cmd/docscope-worker wraps it; any conforming implementation is
// interchangeable with it.
package repl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"docscope/pkg/chunker"
	"docscope/pkg/worker"
)

const (
	defaultMaxMatches   = 10
	defaultContextLines = 2
	previewLength       = 200
	maxCandidates       = 5
	// keywords shorter than this carry too little signal to score with
	minKeywordLength = 4
)

// Engine holds the loaded document and answers protocol requests. Not safe
// for concurrent use; the serve loop is single-threaded by design.
type Engine struct {
	initialized  bool
	documentPath string
	content      string
	lines        []string
	segments     []chunker.Segment
	buffers      []worker.BufferInfo
	loadedAt     time.Time
}

// NewEngine creates an uninitialized engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Serve runs the request loop until EOF or a shutdown request.
func (e *Engine) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req worker.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			writeResponse(out, errorResponse("", worker.CodeParse, fmt.Sprintf("parse error: %v", err)))
			continue
		}

		writeResponse(out, e.Handle(req))
		if req.Method == worker.MethodShutdown {
			return nil
		}
	}
	return scanner.Err()
}

func writeResponse(w *bufio.Writer, resp worker.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	w.Write(append(data, '\n'))
	w.Flush()
}

func resultResponse(id string, result any) worker.Response {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, worker.CodeInternal, err.Error())
	}
	return worker.Response{JSONRPC: worker.Version, ID: id, Result: data}
}

func errorResponse(id string, code int, message string) worker.Response {
	return worker.Response{JSONRPC: worker.Version, ID: id, Error: &worker.RPCError{Code: code, Message: message}}
}

// rpcFailure carries a protocol error code out of a handler.
type rpcFailure struct {
	code    int
	message string
}

func (f *rpcFailure) Error() string { return f.message }

func failf(code int, format string, args ...any) error {
	return &rpcFailure{code: code, message: fmt.Sprintf(format, args...)}
}

// Handle dispatches one request to its handler.
func (e *Engine) Handle(req worker.Request) worker.Response {
	if req.Method == "" {
		return errorResponse(req.ID, worker.CodeInvalidRequest, "missing method")
	}

	handler, ok := map[string]func(json.RawMessage) (any, error){
		worker.MethodInit:       e.handleInit,
		worker.MethodPeek:       e.handlePeek,
		worker.MethodGrep:       e.handleGrep,
		worker.MethodQuery:      e.handleQuery,
		worker.MethodGetChunks:  e.handleGetChunks,
		worker.MethodGetChunk:   e.handleGetChunk,
		worker.MethodEval:       e.handleEval,
		worker.MethodAddBuffer:  e.handleAddBuffer,
		worker.MethodGetBuffers: e.handleGetBuffers,
		worker.MethodShutdown:   e.handleShutdown,
	}[req.Method]
	if !ok {
		return errorResponse(req.ID, worker.CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}

	result, err := handler(req.Params)
	if err != nil {
		if failure, ok := err.(*rpcFailure); ok {
			return errorResponse(req.ID, failure.code, failure.message)
		}
		return errorResponse(req.ID, worker.CodeInternal, err.Error())
	}
	return resultResponse(req.ID, result)
}

func (e *Engine) requireInit() error {
	if !e.initialized {
		return failf(worker.CodeNotInitialized, "not initialized, call init first")
	}
	return nil
}

func decodeParams(params json.RawMessage, dest any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dest); err != nil {
		return failf(worker.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func (e *Engine) handleInit(params json.RawMessage) (any, error) {
	// Absent fields keep these defaults; explicit values win.
	p := worker.InitParams{ChunkSize: 4000, ChunkOverlap: 200}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.DocumentPath == "" {
		return nil, failf(worker.CodeInvalidParams, "documentPath is required")
	}

	data, err := os.ReadFile(p.DocumentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failf(worker.CodeFileNotFound, "document not found: %s", p.DocumentPath)
		}
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	segments, err := chunker.Chunk(string(data), chunker.Config{
		SegmentSize: p.ChunkSize,
		Overlap:     p.ChunkOverlap,
		Strategy:    chunker.StrategyFixed,
	})
	if err != nil {
		return nil, failf(worker.CodeInvalidParams, "invalid chunk config: %v", err)
	}

	e.documentPath = p.DocumentPath
	e.content = string(data)
	e.lines = strings.Split(e.content, "\n")
	e.segments = segments
	e.buffers = nil
	e.loadedAt = time.Now().UTC()
	e.initialized = true

	return worker.InitResult{
		Status:        "initialized",
		DocumentPath:  p.DocumentPath,
		ContentLength: len(e.content),
		LineCount:     len(e.lines),
		ChunkCount:    len(e.segments),
		LoadedAt:      e.loadedAt.Format(time.RFC3339),
	}, nil
}

func (e *Engine) handlePeek(params json.RawMessage) (any, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	p := worker.PeekParams{End: len(e.content)}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if p.Start < 0 {
		p.Start = 0
	}
	if p.End > len(e.content) {
		p.End = len(e.content)
	}
	if p.Start >= p.End {
		return nil, failf(worker.CodeInvalidRange, "invalid range: %d-%d", p.Start, p.End)
	}

	content := e.content[p.Start:p.End]
	lineEnd := e.charToLine(p.Start)
	if p.End > 0 {
		lineEnd = e.charToLine(p.End - 1)
	}
	return worker.PeekResult{
		Content:   content,
		Start:     p.Start,
		End:       p.End,
		Length:    len(content),
		LineStart: e.charToLine(p.Start),
		LineEnd:   lineEnd,
	}, nil
}

func (e *Engine) handleGrep(params json.RawMessage) (any, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	var p worker.GrepParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Pattern == "" {
		return nil, failf(worker.CodeInvalidParams, "pattern is required")
	}
	if p.MaxMatches <= 0 {
		p.MaxMatches = defaultMaxMatches
	}
	if p.ContextLines <= 0 {
		p.ContextLines = defaultContextLines
	}

	regex, err := regexp.Compile("(?im)" + p.Pattern)
	if err != nil {
		return nil, failf(worker.CodeInvalidParams, "invalid regex pattern: %v", err)
	}

	matches := make([]worker.GrepMatch, 0, p.MaxMatches)
	for _, loc := range regex.FindAllStringIndex(e.content, p.MaxMatches+1) {
		if len(matches) >= p.MaxMatches {
			break
		}
		line := e.charToLine(loc[0])
		contextStart := line - p.ContextLines - 1
		if contextStart < 0 {
			contextStart = 0
		}
		contextEnd := line + p.ContextLines
		if contextEnd > len(e.lines) {
			contextEnd = len(e.lines)
		}
		matches = append(matches, worker.GrepMatch{
			Match:            e.content[loc[0]:loc[1]],
			Start:            loc[0],
			End:              loc[1],
			Line:             line,
			Context:          strings.Join(e.lines[contextStart:contextEnd], "\n"),
			ContextLineStart: contextStart + 1,
			ContextLineEnd:   contextEnd,
		})
	}

	return worker.GrepResult{
		Pattern:    p.Pattern,
		MatchCount: len(matches),
		Matches:    matches,
		Truncated:  len(matches) >= p.MaxMatches,
	}, nil
}

// handleQuery scores segments by keyword overlap and returns the top
// candidates with bounded previews.
func (e *Engine) handleQuery(params json.RawMessage) (any, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	var p worker.QueryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, failf(worker.CodeInvalidParams, "query is required")
	}

	keywords := extractKeywords(p.Query)
	candidates := make([]worker.CandidateChunk, 0, len(e.segments))
	for _, segment := range e.segments {
		lower := strings.ToLower(segment.Text)
		score := 0
		for _, keyword := range keywords {
			if strings.Contains(lower, keyword) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		preview := segment.Text
		if len(preview) > previewLength {
			preview = preview[:previewLength] + "..."
		}
		candidates = append(candidates, worker.CandidateChunk{
			ChunkIndex: segment.Index,
			Score:      score,
			Preview:    preview,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	return worker.QueryResult{
		Query:          p.Query,
		Keywords:       keywords,
		RelevantChunks: candidates,
		TotalChunks:    len(e.segments),
	}, nil
}

var wordPattern = regexp.MustCompile(`\b\w+\b`)

func extractKeywords(query string) []string {
	words := wordPattern.FindAllString(strings.ToLower(query), -1)
	keywords := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) >= minKeywordLength {
			keywords = append(keywords, word)
		}
	}
	return keywords
}

func (e *Engine) chunkMeta(segment chunker.Segment, includeContent bool) worker.ChunkMeta {
	meta := worker.ChunkMeta{
		ID:        segment.ID,
		Index:     segment.Index,
		Start:     segment.Start,
		End:       segment.End,
		Length:    segment.End - segment.Start,
		LineStart: segment.LineStart,
		LineEnd:   segment.LineEnd,
	}
	if includeContent {
		meta.Content = segment.Text
	}
	return meta
}

func (e *Engine) handleGetChunks(params json.RawMessage) (any, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	var p worker.GetChunksParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	chunks := make([]worker.ChunkMeta, len(e.segments))
	for i, segment := range e.segments {
		chunks[i] = e.chunkMeta(segment, p.IncludeContent)
	}
	return worker.GetChunksResult{ChunkCount: len(chunks), Chunks: chunks}, nil
}

func (e *Engine) handleGetChunk(params json.RawMessage) (any, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	p := worker.GetChunkParams{Index: -1}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Index < 0 || p.Index >= len(e.segments) {
		return nil, failf(worker.CodeInvalidRange, "chunk index out of range: %d", p.Index)
	}
	return worker.GetChunkResult{Chunk: e.chunkMeta(e.segments[p.Index], true)}, nil
}

// handleEval always rejects: this implementation has no interpreter, and the
// protocol treats eval as an opt-in extension.
func (e *Engine) handleEval(params json.RawMessage) (any, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	return nil, failf(worker.CodeMethodNotFound, "eval is not supported by this worker")
}

func (e *Engine) handleAddBuffer(params json.RawMessage) (any, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	var p worker.AddBufferParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Content == "" {
		return nil, failf(worker.CodeInvalidParams, "content is required")
	}

	entry := worker.BufferInfo{
		Index:     len(e.buffers),
		Content:   p.Content,
		Label:     p.Label,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	e.buffers = append(e.buffers, entry)
	return worker.AddBufferResult{BufferIndex: entry.Index, BufferCount: len(e.buffers)}, nil
}

func (e *Engine) handleGetBuffers(params json.RawMessage) (any, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	return worker.GetBuffersResult{BufferCount: len(e.buffers), Buffers: e.buffers}, nil
}

func (e *Engine) handleShutdown(json.RawMessage) (any, error) {
	return worker.ShutdownResult{Status: "shutting_down"}, nil
}

// charToLine converts a character offset to a 1-indexed line number.
func (e *Engine) charToLine(pos int) int {
	if pos <= 0 {
		return 1
	}
	if pos > len(e.content) {
		pos = len(e.content)
	}
	return strings.Count(e.content[:pos], "\n") + 1
}
