package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurite-ai/aurite/pkg/agent"
	"github.com/aurite-ai/aurite/pkg/config"
	"github.com/aurite-ai/aurite/pkg/llms"
	"github.com/aurite-ai/aurite/pkg/mcphost"
	"github.com/aurite-ai/aurite/pkg/session"
)

// scriptedClient replays canned completions across every engine call.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llms.CompletionResponse
	requests  []llms.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llms.Request) (*llms.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, errors.New("scripted client exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamEvent, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return llms.SynthesizeStream(resp), nil
}

func (c *scriptedClient) ModelName() string { return "scripted" }

func (c *scriptedClient) push(responses ...*llms.CompletionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responses...)
}

func textResponse(text string) *llms.CompletionResponse {
	return &llms.CompletionResponse{
		Message:    llms.NewTextMessage(llms.RoleAssistant, text),
		StopReason: llms.StopReasonEndTurn,
	}
}

func toolUseResponse(id, name string, input map[string]any) *llms.CompletionResponse {
	if input == nil {
		input = map[string]any{}
	}
	return &llms.CompletionResponse{
		Message: llms.Message{Role: llms.RoleAssistant, Blocks: []llms.ContentBlock{
			{Type: llms.BlockTypeToolUse, ID: id, Name: name, Input: input},
		}},
		StopReason: llms.StopReasonToolUse,
	}
}

func writeConfigWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".aurite"),
		[]byte("aurite:\n  type: project\n"), 0644))

	components := `[
  {"name": "claude", "type": "llm", "provider": "anthropic", "model": "claude-test"},
  {"name": "weather_agent", "type": "agent", "llm_config_id": "claude",
   "mcp_servers": ["weather_server"], "include_history": true},
  {"name": "stateless_agent", "type": "agent", "llm_config_id": "claude"},
  {"name": "weather_server", "type": "mcp_server", "server_path": "./w.py"},
  {"name": "pipeline", "type": "linear_workflow",
   "steps": ["weather_agent", "stateless_agent"]},
  {"name": "custom_pipeline", "type": "custom_workflow", "class_name": "summarize"}
]`
	configDir := filepath.Join(dir, "config")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "components.json"),
		[]byte(components), 0644))

	return dir
}

func newWeatherServer() *server.MCPServer {
	srv := server.NewMCPServer("weather", "1.0.0", server.WithToolCapabilities(true))
	tool := mcp.NewToolWithRawSchema("current_weather", "Reports the weather",
		[]byte(`{"type":"object","properties":{"city":{"type":"string"}}}`))
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("sunny"), nil
	})
	return srv
}

type testHarness struct {
	engine        *Engine
	client        *scriptedClient
	clientBuilds  *atomic.Int32
	registrations *atomic.Int32
	store         *session.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	workdir := writeConfigWorkspace(t)
	index, err := config.NewIndex(workdir, config.WithUserGlobalDir(t.TempDir()))
	require.NoError(t, err)

	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	var registrations atomic.Int32
	host := mcphost.NewHost(mcphost.WithClientFactory(
		func(cfg *config.ToolServerConfig, env map[string]string) (*mcpclient.Client, error) {
			registrations.Add(1)
			return mcpclient.NewInProcessClient(newWeatherServer())
		}))

	client := &scriptedClient{}
	var builds atomic.Int32
	eng, err := New(workdir,
		WithIndex(index),
		WithSessionStore(store),
		WithHost(host),
		WithClientFactory(func(opts llms.ProviderOptions) (llms.Client, error) {
			builds.Add(1)
			return client, nil
		}))
	require.NoError(t, err)

	return &testHarness{
		engine:        eng,
		client:        client,
		clientBuilds:  &builds,
		registrations: &registrations,
		store:         store,
	}
}

func TestRunAgentJITRegistration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.push(
		toolUseResponse("t1", "weather_server-current_weather", map[string]any{"city": "Paris"}),
		textResponse("It is sunny."),
	)

	result, err := h.engine.RunAgent(ctx, "weather_agent", "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusSuccess, result.Status)
	assert.Equal(t, "It is sunny.", result.PrimaryText())
	assert.True(t, h.engine.Host().IsReady("weather_server"))

	tools := h.engine.Host().ListTools()
	require.NotEmpty(t, tools)
	assert.Equal(t, "weather_server-current_weather", tools[0].QualifiedName)

	require.True(t, len(result.SessionID) == 14, "session id %q should be 14 chars", result.SessionID)
	assert.Contains(t, result.SessionID, "agent-")
}

func TestServersPersistAcrossRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.push(textResponse("one"), textResponse("two"))

	_, err := h.engine.RunAgent(ctx, "weather_agent", "first", nil)
	require.NoError(t, err)
	_, err = h.engine.RunAgent(ctx, "weather_agent", "second", nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.registrations.Load())
	assert.Equal(t, int32(1), h.clientBuilds.Load())
}

func TestRunAgentHistoryAcrossCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.push(textResponse("first answer"), textResponse("second answer"))

	opts := &RunOptions{SessionID: "agent-history1"}
	_, err := h.engine.RunAgent(ctx, "weather_agent", "question one", opts)
	require.NoError(t, err)

	result, err := h.engine.RunAgent(ctx, "weather_agent", "question two", opts)
	require.NoError(t, err)
	assert.Equal(t, "second answer", result.PrimaryText())

	// second model call saw the prior conversation plus the new user turn
	require.Len(t, h.client.requests, 2)
	second := h.client.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "question one", second[0].Text())
	assert.Equal(t, "first answer", second[1].Text())
	assert.Equal(t, "question two", second[2].Text())

	// the stored conversation ends with the final assistant message
	history, err := h.store.History(ctx, "agent-history1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, llms.RoleAssistant, history[3].Role)
	assert.Equal(t, "second answer", history[3].Text())
}

func TestRunAgentSessionIDRewrite(t *testing.T) {
	h := newHarness(t)

	h.client.push(textResponse("ok"))

	result, err := h.engine.RunAgent(context.Background(), "weather_agent", "hi",
		&RunOptions{SessionID: "mychat"})
	require.NoError(t, err)
	assert.Equal(t, "agent-mychat", result.SessionID)

	_, err = h.store.Get(context.Background(), "agent-mychat")
	require.NoError(t, err)
}

func TestRunAgentConfigNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.RunAgent(context.Background(), "no_such_agent", "hi", nil)
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindConfigNotFound, engErr.Kind)
	assert.Equal(t, "no_such_agent", engErr.Context["component_id"])
}

func TestStreamAgentFraming(t *testing.T) {
	h := newHarness(t)

	h.client.push(
		toolUseResponse("t1", "weather_server-current_weather", map[string]any{"city": "Oslo"}),
		textResponse("Sunny in Oslo."),
	)

	events, err := h.engine.StreamAgent(context.Background(), "weather_agent", "weather?", nil)
	require.NoError(t, err)

	var collected []llms.StreamEvent
	for event := range events {
		collected = append(collected, event)
	}

	require.NotEmpty(t, collected)
	assert.Equal(t, llms.StreamEventSessionInfo, collected[0].Type)
	assert.Equal(t, llms.StreamEventStreamEnd, collected[len(collected)-1].Type)

	sessionID := collected[0].Data.SessionID
	require.NotEmpty(t, sessionID)

	var sawToolResult bool
	for _, event := range collected[1 : len(collected)-1] {
		assert.NotEqual(t, llms.StreamEventSessionInfo, event.Type)
		assert.NotEqual(t, llms.StreamEventStreamEnd, event.Type)
		if event.Type == llms.StreamEventToolResult {
			sawToolResult = true
			assert.Equal(t, "sunny", event.Data.Content)
		}
	}
	assert.True(t, sawToolResult)

	// finalization persisted the streamed session
	history, err := h.store.History(context.Background(), sessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestStreamAgentErrorEventOnFailure(t *testing.T) {
	h := newHarness(t)
	// no scripted responses: the model call fails immediately

	events, err := h.engine.StreamAgent(context.Background(), "stateless_agent", "hi", nil)
	require.NoError(t, err)

	var collected []llms.StreamEvent
	for event := range events {
		collected = append(collected, event)
	}
	require.NotEmpty(t, collected)
	assert.Equal(t, llms.StreamEventSessionInfo, collected[0].Type)
	assert.Equal(t, llms.StreamEventError, collected[len(collected)-1].Type)
}

func TestRunAgentCancelledContextErrorKind(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.RunAgent(ctx, "stateless_agent", "hi", nil)
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindInternal, engErr.Kind)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAgentModelFailureErrorKind(t *testing.T) {
	h := newHarness(t)
	// no scripted responses: the model call fails

	_, err := h.engine.RunAgent(context.Background(), "stateless_agent", "hi", nil)
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindModelClientFailed, engErr.Kind)
}

func TestStreamAgentAbandonedConsumerStops(t *testing.T) {
	h := newHarness(t)

	// enough text blocks to overflow the event channel buffer once the
	// consumer stops reading
	blocks := make([]llms.ContentBlock, 24)
	for i := range blocks {
		blocks[i] = llms.ContentBlock{Type: llms.BlockTypeText, Text: "chunk"}
	}
	h.client.push(&llms.CompletionResponse{
		Message:    llms.Message{Role: llms.RoleAssistant, Blocks: blocks},
		StopReason: llms.StopReasonEndTurn,
	})

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.engine.StreamAgent(ctx, "stateless_agent", "hi", nil)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, llms.StreamEventSessionInfo, first.Type)

	// walk away without draining the channel
	cancel()

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond, "streaming goroutines should exit after cancellation")
}

func TestRunLinearWorkflowChainsSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.push(textResponse("step one out"), textResponse("final out"))

	result, err := h.engine.RunLinearWorkflow(ctx, "pipeline", "start", &RunOptions{
		SessionID: "workflow-pipe1",
	})
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "pipeline", result.WorkflowName)
	assert.Equal(t, "final out", result.FinalOutput)
	require.Len(t, result.StepResults, 2)
	assert.Equal(t, "workflow-pipe1-0", result.StepResults[0].SessionID)
	assert.Equal(t, "workflow-pipe1-1", result.StepResults[1].SessionID)

	// step 1 output fed step 2
	require.Len(t, h.client.requests, 2)
	secondInput := h.client.requests[1].Messages
	assert.Equal(t, "step one out", secondInput[len(secondInput)-1].Text())

	// workflow and child sessions persisted with shared lineage
	record, err := h.store.Get(ctx, "workflow-pipe1")
	require.NoError(t, err)
	assert.Equal(t, session.KindWorkflow, record.Kind)
	assert.Contains(t, record.AgentsInvolved, "workflow-pipe1-0")

	child, err := h.store.Get(ctx, "workflow-pipe1-0")
	require.NoError(t, err)
	assert.Equal(t, "workflow-pipe1", child.BaseID)
}

func TestRunLinearWorkflowStepFailureCaptured(t *testing.T) {
	h := newHarness(t)
	// no responses: step 1 fails

	result, err := h.engine.RunLinearWorkflow(context.Background(), "pipeline", "start", nil)
	require.NoError(t, err)

	assert.Equal(t, "error", result.Status)
	require.Len(t, result.StepResults, 1)
	assert.NotEmpty(t, result.StepResults[0].Error)
	assert.NotEmpty(t, result.Error)

	// the failed run is still persisted
	_, getErr := h.store.Get(context.Background(), result.SessionID)
	require.NoError(t, getErr)
}

func TestRunCustomWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.push(textResponse("delegated answer"))

	require.NoError(t, h.engine.RegisterCustomWorkflow("summarize",
		func(ctx context.Context, input string, f Facade, sessionID string) (any, error) {
			result, err := f.RunAgent(ctx, "stateless_agent", input, nil)
			if err != nil {
				return nil, err
			}
			return map[string]any{"summary": result.PrimaryText(), "session": sessionID}, nil
		}))

	output, err := h.engine.RunCustomWorkflow(ctx, "custom_pipeline", "summarize this", nil)
	require.NoError(t, err)

	payload, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "delegated answer", payload["summary"])
	assert.Contains(t, payload["session"], "workflow-")
}

func TestRunCustomWorkflowErrorWrapped(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.RegisterCustomWorkflow("summarize",
		func(ctx context.Context, input string, f Facade, sessionID string) (any, error) {
			return nil, errors.New("user code exploded")
		}))

	_, err := h.engine.RunCustomWorkflow(context.Background(), "custom_pipeline", "x", nil)
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindCustomWorkflowFailed, engErr.Kind)
	assert.Contains(t, engErr.Message, "user code exploded")
}

func TestRunCustomWorkflowPanicContained(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.RegisterCustomWorkflow("summarize",
		func(ctx context.Context, input string, f Facade, sessionID string) (any, error) {
			panic("boom")
		}))

	_, err := h.engine.RunCustomWorkflow(context.Background(), "custom_pipeline", "x", nil)
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindCustomWorkflowFailed, engErr.Kind)
}

func TestRegisterCustomWorkflowConflict(t *testing.T) {
	h := newHarness(t)

	fn := func(ctx context.Context, input string, f Facade, sessionID string) (any, error) {
		return input, nil
	}
	require.NoError(t, h.engine.RegisterCustomWorkflow("dup", fn))
	require.Error(t, h.engine.RegisterCustomWorkflow("dup", fn))
}
