package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aurite-ai/aurite/pkg/httpclient"
)

const (
	defaultAnthropicHost    = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicTimeout = 120 * time.Second
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	options    ProviderOptions
	httpClient *httpclient.Client
}

var _ Client = (*AnthropicClient)(nil)

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicClient builds an Anthropic client from provider options.
func NewAnthropicClient(opts ProviderOptions) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if opts.APIBase == "" {
		opts.APIBase = defaultAnthropicHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultAnthropicTimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}

	return &AnthropicClient{
		options: opts,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
			httpclient.WithMaxRetries(opts.MaxRetries),
			httpclient.WithBaseDelay(opts.RetryDelay),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (c *AnthropicClient) ModelName() string {
	return c.options.Model
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*CompletionResponse, error) {
	wire := c.buildRequest(req, false)

	resp, err := c.makeRequest(ctx, wire)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s (type: %s)", resp.Error.Message, resp.Error.Type)
	}

	message := Message{Role: RoleAssistant}
	for _, content := range resp.Content {
		switch content.Type {
		case "text":
			message.Blocks = append(message.Blocks, ContentBlock{
				Type: BlockTypeText,
				Text: content.Text,
			})
		case "thinking":
			message.Blocks = append(message.Blocks, ContentBlock{
				Type: BlockTypeThinking,
				Text: content.Text,
			})
		case "tool_use":
			input := map[string]any{}
			if content.Input != nil {
				input = *content.Input
			}
			message.Blocks = append(message.Blocks, ContentBlock{
				Type:  BlockTypeToolUse,
				ID:    content.ID,
				Name:  content.Name,
				Input: input,
			})
		}
	}

	return &CompletionResponse{
		Message:    message,
		StopReason: mapAnthropicStopReason(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
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

func (c *AnthropicClient) buildRequest(req Request, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		contents := make([]anthropicContent, 0, len(msg.Blocks))
		for _, block := range msg.Blocks {
			switch block.Type {
			case BlockTypeText:
				contents = append(contents, anthropicContent{Type: "text", Text: block.Text})
			case BlockTypeToolUse:
				input := block.Input
				if input == nil {
					input = make(map[string]any)
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    block.ID,
					Name:  block.Name,
					Input: &input,
				})
			case BlockTypeToolResult:
				contents = append(contents, anthropicContent{
					Type:      "tool_result",
					ToolUseID: block.ToolUseID,
					Content:   block.Content,
					IsError:   block.IsError,
				})
			}
		}
		if len(contents) == 0 {
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: contents,
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

	wire := anthropicRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
		System:      req.SystemPrompt,
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropicTool, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		wire.Tools = tools
	}

	return wire
}

func (c *AnthropicClient) newRequest(ctx context.Context, wire anthropicRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.APIBase+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.options.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	return req, nil
}

func (c *AnthropicClient) makeRequest(ctx context.Context, wire anthropicRequest) (*anthropicResponse, error) {
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

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

func (c *AnthropicClient) makeStreamingRequest(ctx context.Context, wire anthropicRequest, events chan<- StreamEvent) error {
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

	var stopReason string
	var usage anthropicUsage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")

		var streamResp anthropicStreamResponse
		if err := json.Unmarshal([]byte(payload), &streamResp); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w, data: %s", err, payload)
		}

		switch streamResp.Type {
		case "message_start":
			if streamResp.Message != nil {
				usage.InputTokens = streamResp.Message.Usage.InputTokens
			}

		case "content_block_start":
			if streamResp.ContentBlock != nil && streamResp.ContentBlock.Type == "tool_use" {
				event := StreamEvent{
					Type: StreamEventToolUseStart,
					Data: StreamEventData{
						Index: streamResp.Index,
						ID:    streamResp.ContentBlock.ID,
						Name:  streamResp.ContentBlock.Name,
					},
				}
				if err := send(event); err != nil {
					return err
				}
			}

		case "content_block_delta":
			if streamResp.Delta != nil {
				if streamResp.Delta.Text != "" {
					event := StreamEvent{
						Type: StreamEventTextDelta,
						Data: StreamEventData{Index: streamResp.Index, Text: streamResp.Delta.Text},
					}
					if err := send(event); err != nil {
						return err
					}
				}
				if streamResp.Delta.Type == "input_json_delta" && streamResp.Delta.PartialJSON != "" {
					event := StreamEvent{
						Type: StreamEventToolUseInputDelta,
						Data: StreamEventData{Index: streamResp.Index, JSONChunk: streamResp.Delta.PartialJSON},
					}
					if err := send(event); err != nil {
						return err
					}
				}
			}

		case "content_block_stop":
			event := StreamEvent{
				Type: StreamEventContentBlockStop,
				Data: StreamEventData{Index: streamResp.Index},
			}
			if err := send(event); err != nil {
				return err
			}

		case "message_delta":
			if streamResp.Delta != nil && streamResp.Delta.StopReason != "" {
				stopReason = streamResp.Delta.StopReason
			}
			if streamResp.Usage != nil {
				usage.OutputTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			finalUsage := Usage{
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
			}
			return send(StreamEvent{
				Type: StreamEventMessageStop,
				Data: StreamEventData{
					Reason: mapAnthropicStopReason(stopReason),
					Usage:  &finalUsage,
				},
			})
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	return nil
}

func mapAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopReasonToolUse
	case "max_tokens":
		return StopReasonMaxTokens
	default:
		return StopReasonEndTurn
	}
}
