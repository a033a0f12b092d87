// Package store provides durable CRUD for sessions, query results, and
// scratch buffers under a fixed per-project JSON layout.
//
// Every write goes through an atomic temp-then-rename, so a crash mid-write
// cannot corrupt committed state. Corrupt or missing files on the read path
// degrade to empty defaults rather than failing the caller.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"docscope/pkg/chunker"
	"docscope/pkg/config"
	"docscope/pkg/logx"
	"docscope/pkg/utils"
)

var (
	// ErrNotFound is returned when a session or query id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionLimit is returned when the per-project session cap is hit.
	// There is no silent eviction; the caller must delete or expire sessions.
	ErrSessionLimit = errors.New("session limit reached")
)

// Store manages the on-disk layout under <project>/.docscope.
type Store struct {
	projectDir  string
	root        string
	maxSessions int
	logger      *logx.Logger
	mu          sync.Mutex
}

// NewStore creates a store rooted at projectDir. The storage directory is
// created lazily on first write.
func NewStore(projectDir string, maxSessions int) *Store {
	return &Store{
		projectDir:  projectDir,
		root:        filepath.Join(projectDir, config.StorageDirName),
		maxSessions: maxSessions,
		logger:      logx.NewLogger("store"),
	}
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, config.SessionsIndexFile)
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.root, config.SessionsDirName, id)
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.sessionDir(id), "metadata.json")
}

func (s *Store) buffersPath(id string) string {
	return filepath.Join(s.sessionDir(id), "buffers.json")
}

func (s *Store) resultPath(sessionID, queryID string) string {
	return filepath.Join(s.sessionDir(sessionID), "results", queryID+".json")
}

// CreateSession registers a document for analysis. Enforces the chunk config
// invariants and the per-project session cap.
func (s *Store) CreateSession(documentPath string, chunk ChunkSettings) (*Session, error) {
	if err := config.ValidateChunkConfig(chunk.SegmentSize, chunk.Overlap); err != nil {
		return nil, err
	}

	info, err := os.Stat(documentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat document %s: %w", documentPath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.readIndex()
	if len(index) >= s.maxSessions {
		return nil, fmt.Errorf("%w: %d sessions exist, cap is %d", ErrSessionLimit, len(index), s.maxSessions)
	}

	abs, err := filepath.Abs(documentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document path: %w", err)
	}
	rel, err := filepath.Rel(s.projectDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = "" // Document lives outside the project; no relative form.
	}

	now := time.Now().UTC()
	session := &Session{
		ID:             utils.NewSessionID(),
		DocumentPath:   abs,
		RelativePath:   rel,
		Size:           info.Size(),
		Chunk:          chunk,
		State:          SessionActive,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if err := os.MkdirAll(filepath.Join(s.sessionDir(session.ID), "results"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := s.writeMetadata(session); err != nil {
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}

	s.logger.Info("Created session %s for %s (%d bytes)", session.ID, abs, info.Size())
	return session, nil
}

// GetSession loads the full session record.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMetadata(id)
}

// UpdateSession persists the record as given. Callers mutate a copy obtained
// from GetSession; timestamps are taken verbatim.
func (s *Store) UpdateSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMetadata(session.ID); err != nil {
		return err
	}
	if err := s.writeMetadata(session); err != nil {
		return err
	}
	return s.rebuildIndex()
}

// TouchSession bumps lastAccessedAt and merges usage deltas.
func (s *Store) TouchSession(id string, delta Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	session.LastAccessedAt = time.Now().UTC()
	session.Usage.Queries += delta.Queries
	session.Usage.TokensIn += delta.TokensIn
	session.Usage.TokensOut += delta.TokensOut
	session.Usage.SegmentsSeen += delta.SegmentsSeen

	if err := s.writeMetadata(session); err != nil {
		return err
	}
	return s.rebuildIndex()
}

// CloseSession marks a session closed, making it eligible for retention.
func (s *Store) CloseSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	session.State = SessionClosed
	session.LastAccessedAt = time.Now().UTC()

	if err := s.writeMetadata(session); err != nil {
		return err
	}
	return s.rebuildIndex()
}

// DeleteSession removes a session directory and its index entry.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMetadata(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", id, err)
	}
	return s.rebuildIndex()
}

// ListSessions returns lightweight summaries, newest first.
func (s *Store) ListSessions() []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.readIndex()
	sort.Slice(index, func(i, j int) bool { return index[i].CreatedAt.After(index[j].CreatedAt) })
	return index
}

// CleanupExpired deletes closed sessions whose last access is older than the
// retention window. Scans index entries only; active sessions never expire.
// Returns the number of sessions removed.
func (s *Store) CleanupExpired(retentionDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	index := s.readIndex()

	// Sweep temp files left behind by crashed atomic writes while we are here.
	if err := utils.CleanStaleTemps(s.root); err != nil {
		s.logger.Warn("Stale temp sweep failed: %v", err)
	}
	for _, entry := range index {
		if err := utils.CleanStaleTemps(s.sessionDir(entry.ID)); err != nil {
			s.logger.Warn("Stale temp sweep failed for session %s: %v", entry.ID, err)
		}
	}

	removed := 0
	for _, entry := range index {
		if entry.State != SessionClosed || entry.LastAccessedAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.sessionDir(entry.ID)); err != nil {
			return removed, fmt.Errorf("failed to remove expired session %s: %w", entry.ID, err)
		}
		s.logger.Info("Expired session %s (last accessed %s)", entry.ID, entry.LastAccessedAt.Format(time.RFC3339))
		removed++
	}

	if removed > 0 {
		if err := s.rebuildIndex(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// SaveQueryResult persists a query result. Used both to open a pending result
// and to finalize it; once status is complete or error the record is treated
// as immutable by every caller.
func (s *Store) SaveQueryResult(result *QueryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.ID == "" || result.SessionID == "" {
		return fmt.Errorf("query result requires id and session id")
	}
	dir := filepath.Dir(s.resultPath(result.SessionID, result.ID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	return s.writeJSON(s.resultPath(result.SessionID, result.ID), result)
}

// GetQueryResult loads one query result.
func (s *Store) GetQueryResult(sessionID, queryID string) (*QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result QueryResult
	if err := s.readJSON(s.resultPath(sessionID, queryID), &result); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("query %s in session %s: %w", queryID, sessionID, ErrNotFound)
		}
		return nil, err
	}
	return &result, nil
}

// ListQueryResults returns all results for a session, oldest first.
func (s *Store) ListQueryResults(sessionID string) ([]*QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.sessionDir(sessionID), "results")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read results directory: %w", err)
	}

	var results []*QueryResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var result QueryResult
		if err := s.readJSON(filepath.Join(dir, entry.Name()), &result); err != nil {
			s.logger.Warn("Skipping unreadable result %s: %v", entry.Name(), err)
			continue
		}
		results = append(results, &result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results, nil
}

// AppendBuffer adds a scratch note. Buffers are append-only; entries are never
// individually deleted.
func (s *Store) AppendBuffer(sessionID, content, label string) (*BufferEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMetadata(sessionID); err != nil {
		return nil, err
	}

	var file bufferFile
	if err := s.readJSON(s.buffersPath(sessionID), &file); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if file.Version == 0 {
		file.Version = bufferFileVersion
	}

	entry := BufferEntry{
		Index:     len(file.Buffers),
		Content:   content,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	file.Buffers = append(file.Buffers, entry)
	file.UpdatedAt = entry.CreatedAt

	if err := s.writeJSON(s.buffersPath(sessionID), &file); err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetBuffers returns all scratch notes for a session, in append order.
func (s *Store) GetBuffers(sessionID string) ([]BufferEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMetadata(sessionID); err != nil {
		return nil, err
	}

	var file bufferFile
	if err := s.readJSON(s.buffersPath(sessionID), &file); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return file.Buffers, nil
}

// MaterializeChunks writes derived segments under the session's chunks/
// directory. Optional cache; recomputation is always authoritative.
func (s *Store) MaterializeChunks(sessionID string, segments []chunker.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.sessionDir(sessionID), "chunks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create chunks directory: %w", err)
	}
	for i := range segments {
		path := filepath.Join(dir, segments[i].ID+".json")
		if err := s.writeJSON(path, &segments[i]); err != nil {
			return err
		}
	}
	return nil
}

// readMetadata loads a session record; missing directory or file maps to
// ErrNotFound.
func (s *Store) readMetadata(id string) (*Session, error) {
	var session Session
	if err := s.readJSON(s.metadataPath(id), &session); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) writeMetadata(session *Session) error {
	return s.writeJSON(s.metadataPath(session.ID), session)
}

// readIndex loads sessions.json. A corrupt or missing index degrades to empty:
// the next mutating call re-derives it from metadata files.
func (s *Store) readIndex() []SessionSummary {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return nil
	}
	var index []SessionSummary
	if err := json.Unmarshal(data, &index); err != nil {
		s.logger.Warn("Corrupt session index, starting from empty: %v", err)
		return nil
	}
	return index
}

// rebuildIndex re-derives sessions.json from the metadata files. Called on
// every mutating operation so the index can never drift far from the truth.
func (s *Store) rebuildIndex() error {
	sessionsDir := filepath.Join(s.root, config.SessionsDirName)
	entries, err := os.ReadDir(sessionsDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read sessions directory: %w", err)
	}

	index := make([]SessionSummary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		session, err := s.readMetadata(entry.Name())
		if err != nil {
			s.logger.Warn("Skipping session %s with unreadable metadata: %v", entry.Name(), err)
			continue
		}
		index = append(index, SessionSummary{
			ID:             session.ID,
			DocumentPath:   session.DocumentPath,
			RelativePath:   session.RelativePath,
			CreatedAt:      session.CreatedAt,
			LastAccessedAt: session.LastAccessedAt,
			State:          session.State,
		})
	}
	sort.Slice(index, func(i, j int) bool { return index[i].ID < index[j].ID })
	return s.writeJSON(s.indexPath(), index)
}

func (s *Store) readJSON(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (s *Store) writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return utils.WriteFileAtomic(path, data, 0644)
}
