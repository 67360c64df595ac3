package agent

import (
	"github.com/aurite-ai/aurite/pkg/llms"
)

// Status classifies how an agent run ended.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusMaxIterations Status = "max_iterations"
	StatusError         Status = "error"
)

// ExecutionResult is the outcome of one agent run: the full conversation,
// the final assistant message when one was produced, and tool accounting
// for the last turn.
type ExecutionResult struct {
	Status              Status         `json:"status"`
	AgentName           string         `json:"agent_name"`
	SessionID           string         `json:"session_id,omitempty"`
	Conversation        []llms.Message `json:"conversation"`
	FinalMessage        *llms.Message  `json:"final_message,omitempty"`
	ToolUsesInFinalTurn int            `json:"tool_uses_in_final_turn"`
	Error               string         `json:"error,omitempty"`
}

// PrimaryText returns the text of the final assistant message.
func (r *ExecutionResult) PrimaryText() string {
	if r.FinalMessage == nil {
		return ""
	}
	return r.FinalMessage.Text()
}
