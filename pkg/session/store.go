package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aurite-ai/aurite/pkg/llms"
)

// CacheDirEnv overrides the session cache directory.
const CacheDirEnv = "CACHE_DIR"

// DefaultCacheDir is the fallback cache directory under the working dir.
const DefaultCacheDir = ".aurite_cache"

// Store persists one JSON file per session in a cache directory. Operations
// on the same session id are serialized by a per-id lock; different ids
// proceed concurrently. Writes are atomic (write-temp-and-rename).
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens (and creates if needed) a store rooted at dir. An empty
// dir falls back to $CACHE_DIR, then DefaultCacheDir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = os.Getenv(CacheDirEnv)
	}
	if dir == "" {
		dir = DefaultCacheDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session cache directory %s: %w", dir, err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// validateID rejects ids that sanitizeID would alter: two distinct ids must
// never collapse onto the same file.
func validateID(id string) error {
	if id == "" || sanitizeID(id) != id {
		return fmt.Errorf("invalid session id %q: only letters, digits, '-' and '_' are allowed", id)
	}
	return nil
}

// sanitizeID strips every character that is not alphanumeric, '-', or '_'
// so an id can never escape the cache directory.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".json")
}

func (s *Store) lockFor(id string) *sync.Mutex {
	key := sanitizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// readRecord loads one session file. Legacy records missing message_count
// are repaired by recomputing derived metadata from the stored result.
func (s *Store) readRecord(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}

	if record.MessageCount == nil {
		record.recomputeDerived()
		if err := s.writeRecord(&record); err != nil {
			slog.Warn("Failed to persist repaired session metadata", "session_id", record.ID, "error", err)
		}
	}

	return &record, nil
}

func (s *Store) writeRecord(record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", record.ID, err)
	}

	path := s.path(record.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session %s: %w", record.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish session %s: %w", record.ID, err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, id, baseID string, kind Kind, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	if baseID == "" {
		baseID = id
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for session %s: %w", id, err)
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	record := &Record{
		ID:        id,
		BaseID:    baseID,
		Kind:      kind,
		CreatedAt: now,
	}
	if existing, err := s.readRecord(id); err == nil {
		record.CreatedAt = existing.CreatedAt
	}
	record.LastUpdated = now
	record.Result = raw
	record.recomputeDerived()

	return s.writeRecord(record)
}

// SaveAgent persists an agent execution result, preserving created_at
// across saves and recomputing derived metadata.
func (s *Store) SaveAgent(ctx context.Context, id, baseID string, result any) error {
	return s.save(ctx, id, baseID, KindAgent, result)
}

// SaveWorkflow persists a workflow execution result.
func (s *Store) SaveWorkflow(ctx context.Context, id, baseID string, result any) error {
	return s.save(ctx, id, baseID, KindWorkflow, result)
}

// AppendMessage appends one message to an agent session's conversation in
// an atomic read-modify-write. A missing session gets a skeletal record so
// streamed history is durable even if the run aborts before the final save.
func (s *Store) AppendMessage(ctx context.Context, id, agentName string, message llms.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	record, err := s.readRecord(id)
	if err != nil {
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		record = &Record{
			ID:        id,
			BaseID:    id,
			Kind:      KindAgent,
			CreatedAt: now,
			Result:    json.RawMessage(`{}`),
		}
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(record.Result, &result); err != nil {
		return fmt.Errorf("failed to decode result of session %s: %w", id, err)
	}
	if result == nil {
		result = make(map[string]json.RawMessage)
	}

	var conversation []json.RawMessage
	if raw, ok := result["conversation"]; ok {
		if err := json.Unmarshal(raw, &conversation); err != nil {
			return fmt.Errorf("failed to decode conversation of session %s: %w", id, err)
		}
	}

	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	conversation = append(conversation, encoded)

	if raw, err := json.Marshal(conversation); err == nil {
		result["conversation"] = raw
	}
	if agentName != "" {
		if raw, err := json.Marshal(agentName); err == nil {
			result["agent_name"] = raw
		}
	}

	merged, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result of session %s: %w", id, err)
	}

	record.Result = merged
	record.LastUpdated = now
	record.recomputeDerived()

	return s.writeRecord(record)
}

// loadAll reads every session file in the cache directory.
func (s *Store) loadAll() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session cache directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		record, err := s.readRecord(id)
		if err != nil {
			slog.Warn("Skipping unreadable session file", "file", entry.Name(), "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Get returns a session by exact id; on a miss it falls back to treating the
// id as a partial one, also trying its "agent-" and "workflow-" prefixed
// forms against session ids and base ids. A single match wins; several fail
// with AmbiguousPartialIDError listing up to five candidates.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	lock := s.lockFor(id)
	lock.Lock()
	record, err := s.readRecord(id)
	lock.Unlock()
	if err == nil {
		return record, nil
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	wanted := map[string]bool{
		id:               true,
		"agent-" + id:    true,
		"workflow-" + id: true,
	}

	var matches []*Record
	for _, candidate := range all {
		if candidate.ID == id {
			continue
		}
		if wanted[candidate.ID] || wanted[candidate.BaseID] {
			matches = append(matches, candidate)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &NotFoundError{ID: id}
	case 1:
		return matches[0], nil
	default:
		sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
		candidates := make([]string, 0, 5)
		for _, m := range matches {
			if len(candidates) == 5 {
				break
			}
			candidates = append(candidates, m.ID)
		}
		return nil, &AmbiguousPartialIDError{ID: id, Candidates: candidates}
	}
}

// List returns sessions sorted by last_updated descending, with the total
// match count before pagination.
func (s *Store) List(ctx context.Context, filter ListFilter, offset, limit int) (int, []*Record, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	all, err := s.loadAll()
	if err != nil {
		return 0, nil, err
	}

	var matched []*Record
	for _, record := range all {
		if filter.AgentName != "" && !(record.Kind == KindAgent && record.Name == filter.AgentName) {
			continue
		}
		if filter.WorkflowName != "" && !(record.Kind == KindWorkflow && record.Name == filter.WorkflowName) {
			continue
		}
		matched = append(matched, record)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastUpdated.After(matched[j].LastUpdated)
	})

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return total, nil, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return total, matched[offset:end], nil
}

// Delete removes a session. Deleting a workflow cascades to every agent
// session sharing its base_id; deleting a child agent patches its parent
// workflows' agents_involved first.
func (s *Store) Delete(ctx context.Context, id string) error {
	target, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if target.Kind == KindWorkflow {
		all, err := s.loadAll()
		if err != nil {
			return err
		}
		for _, record := range all {
			if record.Kind == KindAgent && record.BaseID == target.BaseID {
				s.deleteFile(record.ID)
			}
		}
		s.deleteFile(target.ID)
		return nil
	}

	// child agent: remove it from every parent workflow's agents_involved
	all, err := s.loadAll()
	if err != nil {
		return err
	}
	for _, record := range all {
		if record.Kind != KindWorkflow {
			continue
		}
		if _, ok := record.AgentsInvolved[target.ID]; !ok {
			continue
		}
		lock := s.lockFor(record.ID)
		lock.Lock()
		if current, err := s.readRecord(record.ID); err == nil {
			delete(current.AgentsInvolved, target.ID)
			if err := s.writeRecord(current); err != nil {
				slog.Warn("Failed to patch parent workflow", "session_id", record.ID, "error", err)
			}
		}
		lock.Unlock()
	}

	s.deleteFile(target.ID)
	return nil
}

func (s *Store) deleteFile(id string) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to delete session file", "session_id", id, "error", err)
	}
}

// Cleanup deletes sessions older than maxAgeDays and, separately, the
// oldest sessions beyond the maxSessions cap; the union is removed with
// Delete's cascade semantics. Nil bounds are unlimited.
func (s *Store) Cleanup(ctx context.Context, maxAgeDays, maxSessions *int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	all, err := s.loadAll()
	if err != nil {
		return 0, err
	}

	victims := make(map[string]bool)

	if maxAgeDays != nil {
		cutoff := time.Now().UTC().AddDate(0, 0, -*maxAgeDays)
		for _, record := range all {
			if record.LastUpdated.Before(cutoff) {
				victims[record.ID] = true
			}
		}
	}

	if maxSessions != nil && len(all) > *maxSessions {
		sorted := make([]*Record, len(all))
		copy(sorted, all)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].LastUpdated.After(sorted[j].LastUpdated)
		})
		for _, record := range sorted[*maxSessions:] {
			victims[record.ID] = true
		}
	}

	deleted := 0
	for id := range victims {
		if err := s.Delete(ctx, id); err != nil {
			var notFound *NotFoundError
			if errors.As(err, &notFound) {
				// already removed by an earlier cascade
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// History returns the conversation of an agent session, or nil when the
// session does not exist.
func (s *Store) History(ctx context.Context, id string) ([]llms.Message, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return record.History()
}
