package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var wire openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		require.NotEmpty(t, wire.Messages)
		assert.Equal(t, "system", wire.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "weather_server-get_weather", "arguments": "{\"city\":\"Paris\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 6, "total_tokens": 17}
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(ProviderOptions{
		Provider: "openai",
		Model:    "gpt-4o",
		APIKey:   "test-key",
		APIBase:  server.URL,
	})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{
		Messages:     []Message{NewTextMessage(RoleUser, "weather in Paris?")},
		SystemPrompt: "you are helpful",
	})
	require.NoError(t, err)

	assert.Equal(t, StopReasonToolUse, resp.StopReason)
	require.Len(t, resp.Message.Blocks, 1)
	assert.Equal(t, BlockTypeToolUse, resp.Message.Blocks[0].Type)
	assert.Equal(t, "Paris", resp.Message.Blocks[0].Input["city"])
	assert.Equal(t, 11, resp.Usage.InputTokens)
}

func TestOpenAIStream(t *testing.T) {
	sse := `data: {"choices":[{"delta":{"content":"Hi"},"finish_reason":""}]}

data: {"choices":[{"delta":{"content":" there"},"finish_reason":""}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}

data: [DONE]

`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(ProviderOptions{
		Provider: "openai",
		Model:    "gpt-4o",
		APIKey:   "test-key",
		APIBase:  server.URL,
	})
	require.NoError(t, err)

	events, err := client.Stream(context.Background(), Request{
		Messages: []Message{NewTextMessage(RoleUser, "hi")},
	})
	require.NoError(t, err)

	var collected []StreamEvent
	for event := range events {
		collected = append(collected, event)
	}

	require.Len(t, collected, 4)
	assert.Equal(t, StreamEventTextDelta, collected[0].Type)
	assert.Equal(t, "Hi", collected[0].Data.Text)
	assert.Equal(t, StreamEventContentBlockStop, collected[2].Type)
	assert.Equal(t, StreamEventMessageStop, collected[3].Type)
	assert.Equal(t, StopReasonEndTurn, collected[3].Data.Reason)
}

func TestOpenAIStreamToolCalls(t *testing.T) {
	sse := `data: {"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"srv-echo","arguments":""}}]},"finish_reason":""}]}

data: {"choices":[{"delta":{"tool_calls":[{"id":"","function":{"arguments":"{\"msg\":\"hi\"}"}}]},"finish_reason":""}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(ProviderOptions{
		Provider: "openai",
		Model:    "gpt-4o",
		APIKey:   "test-key",
		APIBase:  server.URL,
	})
	require.NoError(t, err)

	events, err := client.Stream(context.Background(), Request{
		Messages: []Message{NewTextMessage(RoleUser, "echo hi")},
	})
	require.NoError(t, err)

	assembler := NewMessageAssembler()
	for event := range events {
		assembler.Feed(event)
	}

	message := assembler.Message()
	require.Len(t, message.Blocks, 1)
	assert.Equal(t, BlockTypeToolUse, message.Blocks[0].Type)
	assert.Equal(t, "call_1", message.Blocks[0].ID)
	assert.Equal(t, "srv-echo", message.Blocks[0].Name)
	assert.Equal(t, "hi", message.Blocks[0].Input["msg"])
	assert.Equal(t, StopReasonToolUse, assembler.StopReason())
}

func TestOpenAIBuildRequestToolResults(t *testing.T) {
	client, err := NewOpenAIClient(ProviderOptions{Provider: "openai", Model: "gpt-4o", APIKey: "k"})
	require.NoError(t, err)

	messages := []Message{
		NewTextMessage(RoleUser, "echo"),
		{
			Role: RoleAssistant,
			Blocks: []ContentBlock{
				{Type: BlockTypeToolUse, ID: "call_1", Name: "srv-echo", Input: map[string]any{"msg": "hi"}},
			},
		},
		{
			Role: RoleUser,
			Blocks: []ContentBlock{
				{Type: BlockTypeToolResult, ToolUseID: "call_1", Content: "hi"},
			},
		},
	}

	wire := client.buildRequest(Request{Messages: messages}, false)
	require.Len(t, wire.Messages, 3)
	assert.Equal(t, "user", wire.Messages[0].Role)
	assert.Equal(t, "assistant", wire.Messages[1].Role)
	require.Len(t, wire.Messages[1].ToolCalls, 1)
	assert.Equal(t, "tool", wire.Messages[2].Role)
	assert.Equal(t, "call_1", wire.Messages[2].ToolCallID)
}
