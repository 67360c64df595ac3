package llms

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags a ContentBlock variant.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeThinking   BlockType = "thinking"
)

// ContentBlock is a tagged variant carrying one piece of message content.
// Only the fields for its Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one conversation entry: a role plus ordered content blocks.
// Tool results travel as user-role messages holding tool_result blocks.
type Message struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"content"`
}

// NewTextMessage builds a single-block text message.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:   role,
		Blocks: []ContentBlock{{Type: BlockTypeText, Text: text}},
	}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockTypeText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the message's tool_use blocks in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockTypeToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolDefinition describes a callable tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StopReason is the provider-agnostic reason a completion ended.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEventType tags a normalized streaming event.
type StreamEventType string

const (
	StreamEventSessionInfo       StreamEventType = "session_info"
	StreamEventTextDelta         StreamEventType = "text_delta"
	StreamEventToolUseStart      StreamEventType = "tool_use_start"
	StreamEventToolUseInputDelta StreamEventType = "tool_use_input_delta"
	StreamEventContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventMessageStop       StreamEventType = "message_stop"
	StreamEventToolResult        StreamEventType = "tool_result"
	StreamEventStreamEnd         StreamEventType = "stream_end"
	StreamEventError             StreamEventType = "error"
)

// StreamEventData carries the payload fields for a StreamEvent. Only the
// fields relevant to the event type are populated.
type StreamEventData struct {
	Index     int        `json:"index,omitempty"`
	Text      string     `json:"text,omitempty"`
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name,omitempty"`
	JSONChunk string     `json:"json_chunk,omitempty"`
	Reason    StopReason `json:"reason,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Message   string     `json:"message,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// StreamEvent is the normalized event envelope every provider emits. The
// sequence for one assistant message preserves index ordering and always
// terminates with message_stop (or error).
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Data StreamEventData `json:"data"`
}
