package llms

import (
	"context"
	"encoding/json"
	"fmt"
)

// Params are per-request generation parameters. Zero values fall back to the
// client's configured defaults; callers override per call.
type Params struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Request is one completion or streaming request.
type Request struct {
	Messages     []Message
	Tools        []ToolDefinition
	SystemPrompt string
	Params       Params
}

// CompletionResponse is the fully assembled result of a blocking completion.
type CompletionResponse struct {
	Message    Message
	StopReason StopReason
	Usage      Usage
}

// Client is the provider-agnostic model contract. Stream returns a channel
// that is closed after the terminal message_stop or error event.
type Client interface {
	Complete(ctx context.Context, req Request) (*CompletionResponse, error)
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
	ModelName() string
}

// SynthesizeStream converts a single completion into the normalized event
// sequence (text deltas, tool blocks, block stops, message stop) for
// providers without native streaming.
func SynthesizeStream(resp *CompletionResponse) <-chan StreamEvent {
	out := make(chan StreamEvent, len(resp.Message.Blocks)*2+2)

	for i, block := range resp.Message.Blocks {
		switch block.Type {
		case BlockTypeText, BlockTypeThinking:
			if block.Text != "" {
				out <- StreamEvent{
					Type: StreamEventTextDelta,
					Data: StreamEventData{Index: i, Text: block.Text},
				}
			}
		case BlockTypeToolUse:
			out <- StreamEvent{
				Type: StreamEventToolUseStart,
				Data: StreamEventData{Index: i, ID: block.ID, Name: block.Name},
			}
			if len(block.Input) > 0 {
				if raw, err := json.Marshal(block.Input); err == nil {
					out <- StreamEvent{
						Type: StreamEventToolUseInputDelta,
						Data: StreamEventData{Index: i, JSONChunk: string(raw)},
					}
				}
			}
		}
		out <- StreamEvent{
			Type: StreamEventContentBlockStop,
			Data: StreamEventData{Index: i},
		}
	}

	usage := resp.Usage
	out <- StreamEvent{
		Type: StreamEventMessageStop,
		Data: StreamEventData{Reason: resp.StopReason, Usage: &usage},
	}
	close(out)

	return out
}

// MessageAssembler accumulates stream events for one assistant message back
// into the assembled Message plus its stop reason.
type MessageAssembler struct {
	blocks      map[int]*ContentBlock
	jsonBuffers map[int]string
	order       []int
	stopReason  StopReason
	usage       Usage
	done        bool
}

func NewMessageAssembler() *MessageAssembler {
	return &MessageAssembler{
		blocks:      make(map[int]*ContentBlock),
		jsonBuffers: make(map[int]string),
	}
}

// Feed consumes one event. It returns true once the message is complete.
func (a *MessageAssembler) Feed(event StreamEvent) bool {
	switch event.Type {
	case StreamEventTextDelta:
		block := a.block(event.Data.Index, BlockTypeText)
		block.Text += event.Data.Text

	case StreamEventToolUseStart:
		block := a.block(event.Data.Index, BlockTypeToolUse)
		block.ID = event.Data.ID
		block.Name = event.Data.Name

	case StreamEventToolUseInputDelta:
		a.jsonBuffers[event.Data.Index] += event.Data.JSONChunk

	case StreamEventContentBlockStop:
		if block, ok := a.blocks[event.Data.Index]; ok && block.Type == BlockTypeToolUse {
			if buf := a.jsonBuffers[event.Data.Index]; buf != "" {
				var input map[string]any
				if err := json.Unmarshal([]byte(buf), &input); err == nil {
					block.Input = input
				}
			}
			if block.Input == nil {
				block.Input = make(map[string]any)
			}
		}

	case StreamEventMessageStop:
		a.stopReason = event.Data.Reason
		if event.Data.Usage != nil {
			a.usage = *event.Data.Usage
		}
		a.done = true
	}

	return a.done
}

func (a *MessageAssembler) block(index int, blockType BlockType) *ContentBlock {
	if block, ok := a.blocks[index]; ok {
		return block
	}
	block := &ContentBlock{Type: blockType}
	a.blocks[index] = block
	a.order = append(a.order, index)
	return block
}

// Message returns the assembled assistant message with blocks in index order.
func (a *MessageAssembler) Message() Message {
	blocks := make([]ContentBlock, 0, len(a.order))
	for _, idx := range sortedIndices(a.order) {
		blocks = append(blocks, *a.blocks[idx])
	}
	return Message{Role: RoleAssistant, Blocks: blocks}
}

func (a *MessageAssembler) StopReason() StopReason {
	return a.stopReason
}

func (a *MessageAssembler) Usage() Usage {
	return a.usage
}

func sortedIndices(indices []int) []int {
	out := make([]int, len(indices))
	copy(out, indices)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SchemaInstructions renders the system prompt suffix demanding JSON output
// conforming to the given schema.
func SchemaInstructions(schema map[string]any) string {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return ""
	}

	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Follow the exact structure specified
- Use correct data types for each field`, string(schemaJSON))
}
