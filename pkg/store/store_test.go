package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docscope/pkg/chunker"
	"docscope/pkg/config"
	"docscope/pkg/evidence"
)

func newTestStore(t *testing.T, maxSessions int) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, maxSessions), dir
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func defaultChunk() ChunkSettings {
	return ChunkSettings{SegmentSize: 4000, Overlap: 200, Strategy: "fixed"}
}

func TestCreateAndGetSession(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "hello world")

	created, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, SessionActive, created.State)
	assert.Equal(t, int64(11), created.Size)
	assert.Equal(t, "doc.md", created.RelativePath)

	loaded, err := store.GetSession(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, created.DocumentPath, loaded.DocumentPath)
	assert.Equal(t, defaultChunk(), loaded.Chunk)
}

func TestCreateSessionRejectsInvalidChunkConfig(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")

	_, err := store.CreateSession(doc, ChunkSettings{SegmentSize: 100, Overlap: 0})
	require.Error(t, err)

	_, err = store.CreateSession(doc, ChunkSettings{SegmentSize: 4000, Overlap: 4000})
	require.Error(t, err)
}

func TestCreateSessionMissingDocument(t *testing.T) {
	store, dir := newTestStore(t, 10)
	_, err := store.CreateSession(filepath.Join(dir, "nope.md"), defaultChunk())
	require.Error(t, err)
}

func TestSessionLimit(t *testing.T) {
	store, dir := newTestStore(t, 3)
	doc := writeDoc(t, dir, "doc.md", "content")

	for i := 0; i < 3; i++ {
		_, err := store.CreateSession(doc, defaultChunk())
		require.NoError(t, err)
	}

	_, err := store.CreateSession(doc, defaultChunk())
	require.ErrorIs(t, err, ErrSessionLimit)

	// The three that got in are all persisted.
	assert.Len(t, store.ListSessions(), 3)

	// Deleting one frees a slot.
	id := store.ListSessions()[0].ID
	require.NoError(t, store.DeleteSession(id))
	_, err = store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)
}

func TestGetSessionNotFound(t *testing.T) {
	store, _ := newTestStore(t, 10)
	_, err := store.GetSession("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTouchSessionAccumulatesUsage(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")
	session, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	require.NoError(t, store.TouchSession(session.ID, Usage{Queries: 1, TokensIn: 100, TokensOut: 50, SegmentsSeen: 3}))
	require.NoError(t, store.TouchSession(session.ID, Usage{Queries: 1, TokensIn: 40, TokensOut: 10, SegmentsSeen: 2}))

	loaded, err := store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, Usage{Queries: 2, TokensIn: 140, TokensOut: 60, SegmentsSeen: 5}, loaded.Usage)
	assert.True(t, loaded.LastAccessedAt.After(session.LastAccessedAt) || loaded.LastAccessedAt.Equal(session.LastAccessedAt))
}

func TestCloseAndDeleteSession(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")
	session, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	require.NoError(t, store.CloseSession(session.ID))
	loaded, err := store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, loaded.State)

	require.NoError(t, store.DeleteSession(session.ID))
	_, err = store.GetSession(session.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, store.ListSessions())
}

func TestCleanupExpired(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")

	stale, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)
	require.NoError(t, store.CloseSession(stale.ID))

	closedFresh, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)
	require.NoError(t, store.CloseSession(closedFresh.ID))

	activeStale, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	// Backdate the stale ones past the retention window.
	backdate := func(id string) {
		s, err := store.GetSession(id)
		require.NoError(t, err)
		s.LastAccessedAt = time.Now().UTC().AddDate(0, 0, -31)
		require.NoError(t, store.UpdateSession(s))
	}
	backdate(stale.ID)
	backdate(activeStale.ID)

	removed, err := store.CleanupExpired(30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// Only the closed+stale session is gone. Active sessions never expire,
	// recently closed ones survive.
	_, err = store.GetSession(stale.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSession(closedFresh.ID)
	require.NoError(t, err)
	_, err = store.GetSession(activeStale.ID)
	require.NoError(t, err)
}

func TestQueryResultRoundTrip(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")
	session, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	result := &QueryResult{
		ID:        "q-1",
		SessionID: session.ID,
		Query:     "what are the payment terms",
		Evidence: []evidence.Item{
			{ChunkIndex: 2, Point: "net 30 payment terms", Excerpt: "payment due within 30 days", Confidence: evidence.ConfidenceHigh},
		},
		Answer:    &evidence.Synthesis{Answer: "Net 30.", Confidence: evidence.ConfidenceHigh},
		Summary:   evidence.Summary{Total: 1, High: 1},
		Status:    QueryComplete,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveQueryResult(result))

	loaded, err := store.GetQueryResult(session.ID, "q-1")
	require.NoError(t, err)
	assert.Equal(t, result.Query, loaded.Query)
	assert.Equal(t, result.Evidence, loaded.Evidence)
	assert.Equal(t, result.Answer, loaded.Answer)
	assert.Equal(t, QueryComplete, loaded.Status)

	list, err := store.ListQueryResults(session.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "q-1", list[0].ID)
}

func TestGetQueryResultNotFound(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")
	session, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	_, err = store.GetQueryResult(session.ID, "q-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBuffersAppendOnly(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")
	session, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	first, err := store.AppendBuffer(session.ID, "note one", "scratch")
	require.NoError(t, err)
	assert.Equal(t, 0, first.Index)

	second, err := store.AppendBuffer(session.ID, "note two", "")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)

	buffers, err := store.GetBuffers(session.ID)
	require.NoError(t, err)
	require.Len(t, buffers, 2)
	assert.Equal(t, "note one", buffers[0].Content)
	assert.Equal(t, "scratch", buffers[0].Label)
	assert.Equal(t, "note two", buffers[1].Content)
}

func TestMaterializeChunks(t *testing.T) {
	store, dir := newTestStore(t, 10)
	content := strings.Repeat("abcdefghij", 1000)
	doc := writeDoc(t, dir, "doc.md", content)
	session, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	segments, err := chunker.Chunk(content, chunker.Config{SegmentSize: 4000, Overlap: 200, Strategy: chunker.StrategyFixed})
	require.NoError(t, err)
	require.NoError(t, store.MaterializeChunks(session.ID, segments))

	chunksDir := filepath.Join(dir, config.StorageDirName, config.SessionsDirName, session.ID, "chunks")
	for _, segment := range segments {
		data, err := os.ReadFile(filepath.Join(chunksDir, segment.ID+".json"))
		require.NoError(t, err)

		var got chunker.Segment
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, segment.Start, got.Start)
		assert.Equal(t, segment.End, got.End)
		assert.Equal(t, segment.Text, got.Text)
	}
}

func TestBuffersUnknownSession(t *testing.T) {
	store, _ := newTestStore(t, 10)
	_, err := store.AppendBuffer("missing", "note", "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetBuffers("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCorruptIndexDegradesToEmpty(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")
	session, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	indexPath := filepath.Join(dir, config.StorageDirName, config.SessionsIndexFile)
	require.NoError(t, os.WriteFile(indexPath, []byte("{not json"), 0644))

	// Listing degrades to empty rather than failing.
	assert.Empty(t, store.ListSessions())

	// Metadata is the source of truth; a mutating call re-derives the index.
	require.NoError(t, store.TouchSession(session.ID, Usage{}))
	list := store.ListSessions()
	require.Len(t, list, 1)
	assert.Equal(t, session.ID, list[0].ID)
}

func TestListSessionsNewestFirst(t *testing.T) {
	store, dir := newTestStore(t, 10)
	doc := writeDoc(t, dir, "doc.md", "content")

	a, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	b, err := store.CreateSession(doc, defaultChunk())
	require.NoError(t, err)

	list := store.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}
