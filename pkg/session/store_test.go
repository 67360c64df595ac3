package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurite-ai/aurite/pkg/llms"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func agentResult(agentName string, messages ...llms.Message) map[string]any {
	if messages == nil {
		messages = []llms.Message{}
	}
	return map[string]any{
		"status":       "success",
		"agent_name":   agentName,
		"conversation": messages,
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result := agentResult("weather_agent",
		llms.NewTextMessage(llms.RoleUser, "hi"),
		llms.NewTextMessage(llms.RoleAssistant, "hello"),
	)
	require.NoError(t, store.SaveAgent(ctx, "agent-12ab34cd", "", result))

	record, err := store.Get(ctx, "agent-12ab34cd")
	require.NoError(t, err)
	assert.Equal(t, "agent-12ab34cd", record.ID)
	assert.Equal(t, "agent-12ab34cd", record.BaseID)
	assert.Equal(t, KindAgent, record.Kind)
	assert.Equal(t, "weather_agent", record.Name)
	require.NotNil(t, record.MessageCount)
	assert.Equal(t, 2, *record.MessageCount)

	history, err := record.History()
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Text())
}

func TestSavePreservesCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "agent-x", "", agentResult("a")))
	first, err := store.Get(ctx, "agent-x")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.SaveAgent(ctx, "agent-x", "", agentResult("a")))
	second, err := store.Get(ctx, "agent-x")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, !second.LastUpdated.Before(first.LastUpdated))
}

func TestGetPartialIDByBase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "workflow-abc-0", "workflow-abc", agentResult("step1")))

	record, err := store.Get(ctx, "workflow-abc")
	require.NoError(t, err)
	assert.Equal(t, "workflow-abc-0", record.ID)
}

func TestGetAmbiguousPartialID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "workflow-abc-0", "workflow-abc", agentResult("step1")))
	require.NoError(t, store.SaveAgent(ctx, "workflow-abc-1", "workflow-abc", agentResult("step2")))

	_, err := store.Get(ctx, "workflow-abc")
	var ambiguous *AmbiguousPartialIDError
	require.ErrorAs(t, err, &ambiguous)
	assert.ElementsMatch(t, []string{"workflow-abc-0", "workflow-abc-1"}, ambiguous.Candidates)
}

func TestGetPartialIDWithoutPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "agent-mychat", "", agentResult("chatty")))

	record, err := store.Get(ctx, "mychat")
	require.NoError(t, err)
	assert.Equal(t, "agent-mychat", record.ID)
}

func TestGetAmbiguousPartialIDWithoutPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "workflow-abc-0", "workflow-abc", agentResult("step1")))
	require.NoError(t, store.SaveAgent(ctx, "workflow-abc-1", "workflow-abc", agentResult("step2")))

	_, err := store.Get(ctx, "abc")
	var ambiguous *AmbiguousPartialIDError
	require.ErrorAs(t, err, &ambiguous)
	assert.ElementsMatch(t, []string{"workflow-abc-0", "workflow-abc-1"}, ambiguous.Candidates)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "agent-nope")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func workflowResult(name string, steps ...map[string]any) map[string]any {
	if steps == nil {
		steps = []map[string]any{}
	}
	return map[string]any{
		"workflow_name": name,
		"status":        "success",
		"step_results":  steps,
	}
}

func TestWorkflowCascadeDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "w1-0", "w1", agentResult("step1")))
	require.NoError(t, store.SaveAgent(ctx, "w1-1", "w1", agentResult("step2")))
	require.NoError(t, store.SaveAgent(ctx, "agent-other", "", agentResult("bystander")))
	require.NoError(t, store.SaveWorkflow(ctx, "w1", "w1", workflowResult("pipeline",
		map[string]any{"step_name": "step1", "session_id": "w1-0"},
		map[string]any{"step_name": "step2", "session_id": "w1-1"},
	)))

	require.NoError(t, store.Delete(ctx, "w1"))

	for _, id := range []string{"w1", "w1-0", "w1-1"} {
		_, err := store.Get(ctx, id)
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound, "expected %s to be gone", id)
	}

	_, err := store.Get(ctx, "agent-other")
	require.NoError(t, err)
}

func TestDeleteChildPatchesParent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "w1-0", "w1", agentResult("step1")))
	require.NoError(t, store.SaveWorkflow(ctx, "w1", "w1", workflowResult("pipeline",
		map[string]any{"step_name": "step1", "session_id": "w1-0"},
	)))

	require.NoError(t, store.Delete(ctx, "w1-0"))

	parent, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.NotContains(t, parent.AgentsInvolved, "w1-0")
}

func TestAppendMessageCreatesSkeleton(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := llms.NewTextMessage(llms.RoleUser, "partial")
	require.NoError(t, store.AppendMessage(ctx, "agent-stream", "streamer", msg))

	record, err := store.Get(ctx, "agent-stream")
	require.NoError(t, err)
	assert.Equal(t, "streamer", record.Name)
	require.NotNil(t, record.MessageCount)
	assert.Equal(t, 1, *record.MessageCount)

	require.NoError(t, store.AppendMessage(ctx, "agent-stream", "streamer",
		llms.NewTextMessage(llms.RoleAssistant, "reply")))

	history, err := store.History(ctx, "agent-stream")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "reply", history[1].Text())
}

func TestHistoryMissingSessionIsNil(t *testing.T) {
	store := newTestStore(t)

	history, err := store.History(context.Background(), "agent-none")
	require.NoError(t, err)
	assert.Nil(t, history)
}

func TestListFilterSortPaginate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "agent-1", "", agentResult("alpha")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.SaveAgent(ctx, "agent-2", "", agentResult("beta")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.SaveWorkflow(ctx, "workflow-1", "", workflowResult("pipeline")))

	total, page, err := store.List(ctx, ListFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 3)
	assert.Equal(t, "workflow-1", page[0].ID)

	total, page, err = store.List(ctx, ListFilter{AgentName: "alpha"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "agent-1", page[0].ID)

	total, page, err = store.List(ctx, ListFilter{}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "agent-2", page[0].ID)
}

func TestCleanupNoBoundsIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "agent-1", "", agentResult("a")))

	deleted, err := store.Cleanup(ctx, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = store.Get(ctx, "agent-1")
	require.NoError(t, err)
}

func TestCleanupMaxSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "agent-old", "", agentResult("a")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.SaveAgent(ctx, "agent-mid", "", agentResult("b")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.SaveAgent(ctx, "agent-new", "", agentResult("c")))

	cap := 2
	deleted, err := store.Cleanup(ctx, nil, &cap)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, "agent-old")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	_, err = store.Get(ctx, "agent-new")
	require.NoError(t, err)
}

func TestCleanupMaxAge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "agent-stale", "", agentResult("a")))

	// backdate the record on disk
	record, err := store.Get(ctx, "agent-stale")
	require.NoError(t, err)
	record.LastUpdated = time.Now().UTC().AddDate(0, 0, -30)
	require.NoError(t, store.writeRecord(record))

	age := 7
	deleted, err := store.Cleanup(ctx, &age, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestInvalidIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../../etc/passwd", "a/b", "a b"} {
		err := store.SaveAgent(ctx, id, "", agentResult("evil"))
		require.Error(t, err, "expected save of %q to fail", id)

		_, err = store.Get(ctx, id)
		if id != "" {
			require.Error(t, err)
		}
	}

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDistinctIDsNeverCollide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "ab", "", agentResult("first")))
	require.Error(t, store.SaveAgent(ctx, "a/b", "", agentResult("second")))

	record, err := store.Get(ctx, "ab")
	require.NoError(t, err)
	assert.Equal(t, "first", record.Name)
}

func TestLegacyRecordRepairedOnRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	legacy := map[string]any{
		"id":           "agent-legacy",
		"base_id":      "agent-legacy",
		"kind":         "agent",
		"created_at":   time.Now().UTC(),
		"last_updated": time.Now().UTC(),
		"result": map[string]any{
			"agent_name": "oldie",
			"conversation": []llms.Message{
				llms.NewTextMessage(llms.RoleUser, "hi"),
			},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "agent-legacy.json"), data, 0644))

	record, err := store.Get(ctx, "agent-legacy")
	require.NoError(t, err)
	require.NotNil(t, record.MessageCount)
	assert.Equal(t, 1, *record.MessageCount)
	assert.Equal(t, "oldie", record.Name)
}
