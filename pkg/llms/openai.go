package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aurite-ai/aurite/pkg/httpclient"
)

const (
	defaultOpenAIHost    = "https://api.openai.com/v1"
	defaultOpenAITimeout = 120 * time.Second
)

// OpenAIClient talks to the OpenAI Chat Completions API (and compatible
// endpoints via a custom APIBase).
type OpenAIClient struct {
	options    ProviderOptions
	httpClient *httpclient.Client
}

var _ Client = (*OpenAIClient)(nil)

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIClient builds an OpenAI client from provider options.
func NewOpenAIClient(opts ProviderOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}
	if opts.APIBase == "" {
		opts.APIBase = defaultOpenAIHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultOpenAITimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}

	return &OpenAIClient{
		options: opts,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
			httpclient.WithMaxRetries(opts.MaxRetries),
			httpclient.WithBaseDelay(opts.RetryDelay),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (c *OpenAIClient) ModelName() string {
	return c.options.Model
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*CompletionResponse, error) {
	wire := c.buildRequest(req, false)

	resp, err := c.makeRequest(ctx, wire)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("openai API error: %s (type: %s)", resp.Error.Message, resp.Error.Type)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai API returned no choices")
	}

	choice := resp.Choices[0]
	message := Message{Role: RoleAssistant}

	if choice.Message.Content != "" {
		message.Blocks = append(message.Blocks, ContentBlock{
			Type: BlockTypeText,
			Text: choice.Message.Content,
		})
	}
	for _, call := range choice.Message.ToolCalls {
		input := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("failed to parse tool call arguments for %s: %w", call.Function.Name, err)
			}
		}
		message.Blocks = append(message.Blocks, ContentBlock{
			Type:  BlockTypeToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	return &CompletionResponse{
		Message:    message,
		StopReason: mapOpenAIFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	wire := c.buildRequest(req, true)

	events := make(chan StreamEvent, 100)
	go func() {
		defer close(events)

		if err := c.makeStreamingRequest(ctx, wire, events); err != nil {
			select {
			case events <- StreamEvent{
				Type: StreamEventError,
				Data: StreamEventData{Message: err.Error()},
			}:
			case <-ctx.Done():
			}
		}
	}()

	return events, nil
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) openAIRequest {
	var messages []openAIMessage

	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}

	for _, msg := range req.Messages {
		var text string
		var toolCalls []openAIToolCall
		var toolResults []ContentBlock

		for _, block := range msg.Blocks {
			switch block.Type {
			case BlockTypeText:
				text += block.Text
			case BlockTypeToolUse:
				args := "{}"
				if len(block.Input) > 0 {
					if raw, err := json.Marshal(block.Input); err == nil {
						args = string(raw)
					}
				}
				toolCalls = append(toolCalls, openAIToolCall{
					ID:   block.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      block.Name,
						Arguments: args,
					},
				})
			case BlockTypeToolResult:
				toolResults = append(toolResults, block)
			}
		}

		// tool results become individual role=tool messages
		for _, result := range toolResults {
			content := result.Content
			if result.IsError && content == "" {
				content = "tool execution failed"
			}
			messages = append(messages, openAIMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: result.ToolUseID,
			})
		}

		if text == "" && len(toolCalls) == 0 {
			continue
		}
		messages = append(messages, openAIMessage{
			Role:      string(msg.Role),
			Content:   text,
			ToolCalls: toolCalls,
		})
	}

	model := c.options.Model
	if req.Params.Model != "" {
		model = req.Params.Model
	}
	maxTokens := c.options.MaxTokens
	if req.Params.MaxTokens > 0 {
		maxTokens = req.Params.MaxTokens
	}
	temperature := c.options.Temperature
	if req.Params.Temperature != nil {
		temperature = req.Params.Temperature
	}

	wire := openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   &maxTokens,
		Temperature: temperature,
		Stream:      stream,
	}

	if len(req.Tools) > 0 {
		tools := make([]openAITool, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = openAITool{
				Type: "function",
				Function: openAIToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
		wire.Tools = tools
	}

	return wire
}

func (c *OpenAIClient) newRequest(ctx context.Context, wire openAIRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.APIBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.options.APIKey)

	return req, nil
}

func (c *OpenAIClient) makeRequest(ctx context.Context, wire openAIRequest) (*openAIResponse, error) {
	req, err := c.newRequest(ctx, wire)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

func (c *OpenAIClient) makeStreamingRequest(ctx context.Context, wire openAIRequest, events chan<- StreamEvent) error {
	req, err := c.newRequest(ctx, wire)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	// abandoned consumers must not pin this goroutine (and the response
	// body) on a full channel
	send := func(event StreamEvent) error {
		select {
		case events <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Text always occupies block index 0; tool calls take 1..n in arrival
	// order so indices stay strictly increasing per message.
	textStarted := false
	openBlocks := map[int]bool{}
	toolIndex := 0
	var usage openAIUsage

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			usage = *streamResp.Usage
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			textStarted = true
			openBlocks[0] = true
			event := StreamEvent{
				Type: StreamEventTextDelta,
				Data: StreamEventData{Index: 0, Text: choice.Delta.Content},
			}
			if err := send(event); err != nil {
				return err
			}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				toolIndex++
				openBlocks[toolIndex] = true
				event := StreamEvent{
					Type: StreamEventToolUseStart,
					Data: StreamEventData{
						Index: toolIndex,
						ID:    deltaCall.ID,
						Name:  deltaCall.Function.Name,
					},
				}
				if err := send(event); err != nil {
					return err
				}
			}
			if deltaCall.Function.Arguments != "" && toolIndex > 0 {
				event := StreamEvent{
					Type: StreamEventToolUseInputDelta,
					Data: StreamEventData{Index: toolIndex, JSONChunk: deltaCall.Function.Arguments},
				}
				if err := send(event); err != nil {
					return err
				}
			}
		}

		if choice.FinishReason != "" {
			if textStarted {
				event := StreamEvent{
					Type: StreamEventContentBlockStop,
					Data: StreamEventData{Index: 0},
				}
				if err := send(event); err != nil {
					return err
				}
				delete(openBlocks, 0)
			}
			for i := 1; i <= toolIndex; i++ {
				if openBlocks[i] {
					event := StreamEvent{
						Type: StreamEventContentBlockStop,
						Data: StreamEventData{Index: i},
					}
					if err := send(event); err != nil {
						return err
					}
					delete(openBlocks, i)
				}
			}

			finalUsage := Usage{
				InputTokens:  usage.PromptTokens,
				OutputTokens: usage.CompletionTokens,
			}
			return send(StreamEvent{
				Type: StreamEventMessageStop,
				Data: StreamEventData{
					Reason: mapOpenAIFinishReason(choice.FinishReason),
					Usage:  &finalUsage,
				},
			})
		}
	}

	return fmt.Errorf("stream ended without a finish reason")
}

func mapOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "tool_calls":
		return StopReasonToolUse
	case "length":
		return StopReasonMaxTokens
	default:
		return StopReasonEndTurn
	}
}
