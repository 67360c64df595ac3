package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aurite-ai/aurite/pkg/llms"
)

// Kind distinguishes agent sessions from workflow sessions.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindWorkflow Kind = "workflow"
)

// Record is one persisted session. Result holds the raw execution result;
// the derived fields (Name, MessageCount, AgentsInvolved) are recomputed
// from it on every save and repaired on read for legacy records.
type Record struct {
	ID             string            `json:"id"`
	BaseID         string            `json:"base_id"`
	Kind           Kind              `json:"kind"`
	Name           string            `json:"name,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastUpdated    time.Time         `json:"last_updated"`
	MessageCount   *int              `json:"message_count,omitempty"`
	AgentsInvolved map[string]string `json:"agents_involved,omitempty"`
	Result         json.RawMessage   `json:"result"`
}

// agentResultProbe extracts the metadata-bearing fields of a stored agent
// execution result without binding to its full shape.
type agentResultProbe struct {
	AgentName    string            `json:"agent_name"`
	Conversation []json.RawMessage `json:"conversation"`
}

// workflowResultProbe does the same for workflow results.
type workflowResultProbe struct {
	WorkflowName string `json:"workflow_name"`
	StepResults  []struct {
		StepName  string `json:"step_name"`
		SessionID string `json:"session_id"`
	} `json:"step_results"`
}

// recomputeDerived refreshes Name, MessageCount, and AgentsInvolved from
// the stored result.
func (r *Record) recomputeDerived() {
	switch r.Kind {
	case KindAgent:
		var probe agentResultProbe
		if err := json.Unmarshal(r.Result, &probe); err != nil {
			return
		}
		r.Name = probe.AgentName
		count := len(probe.Conversation)
		r.MessageCount = &count
	case KindWorkflow:
		var probe workflowResultProbe
		if err := json.Unmarshal(r.Result, &probe); err != nil {
			return
		}
		r.Name = probe.WorkflowName
		count := len(probe.StepResults)
		r.MessageCount = &count
		involved := make(map[string]string, len(probe.StepResults))
		for _, step := range probe.StepResults {
			if step.SessionID != "" {
				involved[step.SessionID] = step.StepName
			}
		}
		r.AgentsInvolved = involved
	}
}

// History extracts the conversation messages of an agent session's result.
func (r *Record) History() ([]llms.Message, error) {
	if r.Kind != KindAgent {
		return nil, fmt.Errorf("session %s is not an agent session", r.ID)
	}
	var probe struct {
		Conversation []llms.Message `json:"conversation"`
	}
	if err := json.Unmarshal(r.Result, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode conversation of session %s: %w", r.ID, err)
	}
	return probe.Conversation, nil
}

// NotFoundError reports a missing session.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// AmbiguousPartialIDError reports a base-id lookup matching several
// sessions; Candidates holds at most five of them.
type AmbiguousPartialIDError struct {
	ID         string
	Candidates []string
}

func (e *AmbiguousPartialIDError) Error() string {
	return fmt.Sprintf("session id %q is ambiguous, matches: %s", e.ID, strings.Join(e.Candidates, ", "))
}

// ListFilter narrows List results.
type ListFilter struct {
	AgentName    string
	WorkflowName string
}
