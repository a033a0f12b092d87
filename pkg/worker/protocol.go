// Package worker manages one long-lived analysis worker process per session
// and speaks line-delimited JSON-RPC 2.0 to it over stdio.
package worker

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version carried on every message.
const Version = "2.0"

// JSON-RPC error codes. The -327xx block is the standard set; the -320xx
// block is protocol-specific.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeNotInitialized = -32000
	CodeFileNotFound   = -32001
	CodeInvalidRange   = -32002
)

// Method names understood by a conforming worker.
const (
	MethodInit       = "init"
	MethodPeek       = "peek"
	MethodGrep       = "grep"
	MethodQuery      = "query"
	MethodGetChunks  = "get_chunks"
	MethodGetChunk   = "get_chunk"
	MethodEval       = "eval"
	MethodAddBuffer  = "add_buffer"
	MethodGetBuffers = "get_buffers"
	MethodShutdown   = "shutdown"
)

// Request is one JSON-RPC request, written as a single line on the worker's
// stdin.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC response line from the worker's stdout. Lines
// without an id are notifications.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a failed response. It implements error so
// call sites can branch on Code after errors.As.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// InitParams loads a document into the worker and fixes its chunk settings.
type InitParams struct {
	DocumentPath string `json:"documentPath"`
	ChunkSize    int    `json:"chunkSize"`
	ChunkOverlap int    `json:"chunkOverlap"`
}

type InitResult struct {
	Status        string `json:"status"`
	DocumentPath  string `json:"documentPath"`
	ContentLength int    `json:"contentLength"`
	LineCount     int    `json:"lineCount"`
	ChunkCount    int    `json:"chunkCount"`
	LoadedAt      string `json:"loadedAt"`
}

// PeekParams selects a half-open character range of the document.
type PeekParams struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type PeekResult struct {
	Content   string `json:"content"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Length    int    `json:"length"`
	LineStart int    `json:"lineStart"`
	LineEnd   int    `json:"lineEnd"`
}

// GrepParams runs a case-insensitive multiline regex over the document.
// Zero values let the worker apply its defaults (10 matches, 2 context lines).
type GrepParams struct {
	Pattern      string `json:"pattern"`
	MaxMatches   int    `json:"maxMatches,omitempty"`
	ContextLines int    `json:"contextLines,omitempty"`
}

type GrepMatch struct {
	Match            string `json:"match"`
	Start            int    `json:"start"`
	End              int    `json:"end"`
	Line             int    `json:"line"`
	Context          string `json:"context"`
	ContextLineStart int    `json:"contextLineStart"`
	ContextLineEnd   int    `json:"contextLineEnd"`
}

type GrepResult struct {
	Pattern    string      `json:"pattern"`
	MatchCount int         `json:"matchCount"`
	Matches    []GrepMatch `json:"matches"`
	Truncated  bool        `json:"truncated"`
}

// ChunkMeta is the wire shape of one derived segment. Content is present only
// when explicitly requested.
type ChunkMeta struct {
	ID        string `json:"id"`
	Index     int    `json:"index"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Length    int    `json:"length"`
	LineStart int    `json:"lineStart"`
	LineEnd   int    `json:"lineEnd"`
	Content   string `json:"content,omitempty"`
}

type GetChunksParams struct {
	IncludeContent bool `json:"includeContent,omitempty"`
}

type GetChunksResult struct {
	ChunkCount int         `json:"chunkCount"`
	Chunks     []ChunkMeta `json:"chunks"`
}

type GetChunkParams struct {
	Index int `json:"index"`
}

type GetChunkResult struct {
	Chunk ChunkMeta `json:"chunk"`
}

// QueryParams asks the worker for candidate segments for a query.
type QueryParams struct {
	Query string `json:"query"`
}

// CandidateChunk is one keyword-scored candidate with a bounded preview.
type CandidateChunk struct {
	ChunkIndex int    `json:"chunkIndex"`
	Score      int    `json:"score"`
	Preview    string `json:"preview"`
}

type QueryResult struct {
	Query          string           `json:"query"`
	Keywords       []string         `json:"keywords"`
	RelevantChunks []CandidateChunk `json:"relevantChunks"`
	TotalChunks    int              `json:"totalChunks"`
	Note           string           `json:"note,omitempty"`
}

type AddBufferParams struct {
	Content string `json:"content"`
	Label   string `json:"label,omitempty"`
}

type AddBufferResult struct {
	BufferIndex int `json:"bufferIndex"`
	BufferCount int `json:"bufferCount"`
}

type BufferInfo struct {
	Index     int    `json:"index"`
	Content   string `json:"content"`
	Label     string `json:"label,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type GetBuffersResult struct {
	BufferCount int          `json:"bufferCount"`
	Buffers     []BufferInfo `json:"buffers"`
}

type EvalParams struct {
	Code string `json:"code"`
}

type EvalResult struct {
	Result json.RawMessage `json:"result"`
	Type   string          `json:"type"`
}

type ShutdownResult struct {
	Status string `json:"status"`
}
