package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"docscope/pkg/logx"
	"docscope/pkg/utils"
)

var (
	// ErrWorkerClosed is returned for any call against a worker whose process
	// has exited. The session itself stays usable; the registry restarts the
	// worker on the next EnsureReady.
	ErrWorkerClosed = errors.New("worker closed")
	// ErrRequestTimeout is returned when a single request exceeds its
	// deadline. The worker process is left running.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrEvalDisabled is returned for eval calls unless the channel was
	// created with eval explicitly enabled.
	ErrEvalDisabled = errors.New("eval is disabled")
)

// maxLineSize bounds a single response line. Chunk content for the largest
// permitted segment fits with a wide margin.
const maxLineSize = 10 * 1024 * 1024

// Options configures a channel.
type Options struct {
	// RPCTimeout is the per-request deadline. Zero means no timeout beyond
	// the caller's context.
	RPCTimeout time.Duration
	// AllowEval enables the eval method. Off by default.
	AllowEval bool
	// OnExit is invoked once when the worker process exits, with the exit
	// error if any.
	OnExit func(err error)
}

// Channel owns one worker process and multiplexes concurrent requests over
// its stdio. Requests are matched to responses by id; the worker may answer
// out of order.
type Channel struct {
	sessionID string
	transport Transport
	opts      Options
	logger    *logx.Logger

	writeMu sync.Mutex // serializes stdin writes

	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool
	exitErr error
	done    chan struct{}
}

// NewChannel wraps a transport for one session. Call Start before use.
func NewChannel(sessionID string, transport Transport, opts Options) *Channel {
	return &Channel{
		sessionID: sessionID,
		transport: transport,
		opts:      opts,
		logger:    logx.NewLogger("worker"),
		pending:   make(map[string]chan *Response),
		done:      make(chan struct{}),
	}
}

// Start launches the worker process and the read loops.
func (c *Channel) Start() error {
	if err := c.transport.Start(); err != nil {
		return err
	}
	go c.readLoop()
	go c.drainStderr()
	go func() {
		err := c.transport.Wait()
		c.handleExit(err)
	}()
	c.logger.Debug("Worker started for session %s", c.sessionID)
	return nil
}

// Closed reports whether the worker process has exited.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Call sends one request and decodes the matched response into result.
// A timeout rejects only this request; the process keeps running and later
// responses for it are discarded.
func (c *Channel) Call(ctx context.Context, method string, params, result any) error {
	id := utils.NewRequestID()

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		rawParams = data
	}
	line, err := json.Marshal(Request{JSONRPC: Version, ID: id, Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrWorkerClosed, c.sessionID)
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_, err = c.transport.Stdin().Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write %s request: %w", method, err)
	}

	var timeout <-chan time.Time
	if c.opts.RPCTimeout > 0 {
		timer := time.NewTimer(c.opts.RPCTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return fmt.Errorf("%s failed: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timeout:
		return fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, c.opts.RPCTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: session %s", ErrWorkerClosed, c.sessionID)
	}
}

// readLoop demuxes response lines to their pending requests. Lines without an
// id are notifications and are only logged.
func (c *Channel) readLoop() {
	scanner := bufio.NewScanner(c.transport.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("Discarding unparseable worker line for session %s: %v", c.sessionID, err)
			continue
		}
		if resp.ID == "" {
			c.logger.Debug("Worker notification for session %s: %s", c.sessionID, line)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			// Late answer to a timed-out request.
			c.logger.Debug("Dropping response for unknown request %s", resp.ID)
			continue
		}
		ch <- &resp
	}
}

// drainStderr keeps the worker's stderr from blocking and surfaces it in
// debug logs.
func (c *Channel) drainStderr() {
	scanner := bufio.NewScanner(c.transport.Stderr())
	for scanner.Scan() {
		c.logger.Debug("Worker stderr [%s]: %s", c.sessionID, scanner.Text())
	}
}

// handleExit flips the channel to closed and unblocks every pending call.
func (c *Channel) handleExit(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.exitErr = err
	close(c.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Worker for session %s exited: %v", c.sessionID, err)
	} else {
		c.logger.Debug("Worker for session %s exited", c.sessionID)
	}
	if c.opts.OnExit != nil {
		c.opts.OnExit(err)
	}
}

// Close asks the worker to shut down gracefully, then kills it if it does not
// exit promptly.
func (c *Channel) Close() error {
	if c.Closed() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Call(ctx, MethodShutdown, nil, nil); err != nil {
		c.logger.Debug("Graceful shutdown for session %s failed, killing: %v", c.sessionID, err)
		return c.transport.Kill()
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(2 * time.Second):
		return c.transport.Kill()
	}
}

// Init loads the document and fixes the chunk settings for this worker.
func (c *Channel) Init(ctx context.Context, params InitParams) (*InitResult, error) {
	var result InitResult
	if err := c.Call(ctx, MethodInit, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Peek returns a character range of the document with its line span.
func (c *Channel) Peek(ctx context.Context, start, end int) (*PeekResult, error) {
	var result PeekResult
	if err := c.Call(ctx, MethodPeek, PeekParams{Start: start, End: end}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Grep searches the document with a case-insensitive regex.
func (c *Channel) Grep(ctx context.Context, params GrepParams) (*GrepResult, error) {
	var result GrepResult
	if err := c.Call(ctx, MethodGrep, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Query returns keyword-scored candidate segments for a query.
func (c *Channel) Query(ctx context.Context, query string) (*QueryResult, error) {
	var result QueryResult
	if err := c.Call(ctx, MethodQuery, QueryParams{Query: query}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetChunks returns segment metadata, optionally with content.
func (c *Channel) GetChunks(ctx context.Context, includeContent bool) (*GetChunksResult, error) {
	var result GetChunksResult
	if err := c.Call(ctx, MethodGetChunks, GetChunksParams{IncludeContent: includeContent}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetChunk returns one segment with its content.
func (c *Channel) GetChunk(ctx context.Context, index int) (*ChunkMeta, error) {
	var result GetChunkResult
	if err := c.Call(ctx, MethodGetChunk, GetChunkParams{Index: index}, &result); err != nil {
		return nil, err
	}
	return &result.Chunk, nil
}

// AddBuffer appends a scratch note in the worker.
func (c *Channel) AddBuffer(ctx context.Context, content, label string) (*AddBufferResult, error) {
	var result AddBufferResult
	if err := c.Call(ctx, MethodAddBuffer, AddBufferParams{Content: content, Label: label}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBuffers returns the worker's scratch notes.
func (c *Channel) GetBuffers(ctx context.Context) (*GetBuffersResult, error) {
	var result GetBuffersResult
	if err := c.Call(ctx, MethodGetBuffers, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Eval runs code in the worker. Rejected unless the channel was created with
// AllowEval.
func (c *Channel) Eval(ctx context.Context, code string) (*EvalResult, error) {
	if !c.opts.AllowEval {
		return nil, ErrEvalDisabled
	}
	var result EvalResult
	if err := c.Call(ctx, MethodEval, EvalParams{Code: code}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
