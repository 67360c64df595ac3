package agent

import (
	"context"
	"fmt"

	"github.com/aurite-ai/aurite/pkg/llms"
)

// Stream runs the turn loop while forwarding the model's normalized events
// to the given channel. Tool execution is interleaved: when a streamed
// message stops for tool use, the requested tools run and one tool_result
// event per call is emitted before the next turn begins. The channel is
// owned by the caller and is never closed here; session_info and stream_end
// framing is the caller's concern too.
func (a *Agent) Stream(ctx context.Context, initial []llms.Message, events chan<- llms.StreamEvent) (*ExecutionResult, error) {
	conversation := append([]llms.Message(nil), initial...)
	tools := a.toolDefinitions()

	emit := func(event llms.StreamEvent) error {
		select {
		case events <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fail := func(err error) (*ExecutionResult, error) {
		return &ExecutionResult{
			Status:       StatusError,
			AgentName:    a.config.Name,
			Conversation: conversation,
			Error:        err.Error(),
		}, err
	}

	for iteration := 0; iteration < a.config.MaxIterations; iteration++ {
		stream, err := a.llm.Stream(ctx, a.request(conversation, tools))
		if err != nil {
			return fail(err)
		}

		assembler := llms.NewMessageAssembler()
		var streamErr error
		for event := range stream {
			if event.Type == llms.StreamEventError {
				streamErr = fmt.Errorf("model stream failed: %s", event.Data.Message)
				break
			}
			if err := emit(event); err != nil {
				return fail(err)
			}
			assembler.Feed(event)
		}
		if streamErr != nil {
			return fail(streamErr)
		}

		message := assembler.Message()
		conversation = append(conversation, message)

		if assembler.StopReason() != llms.StopReasonToolUse {
			if correction := a.validateStructuredOutput(message); correction != "" {
				conversation = append(conversation, llms.NewTextMessage(llms.RoleUser, correction))
				continue
			}
			final := message
			return &ExecutionResult{
				Status:              StatusSuccess,
				AgentName:           a.config.Name,
				Conversation:        conversation,
				FinalMessage:        &final,
				ToolUsesInFinalTurn: len(final.ToolUses()),
			}, nil
		}

		uses := message.ToolUses()
		if len(uses) == 0 {
			continue
		}

		resultMsg, err := a.dispatchTools(ctx, uses, emit)
		if err != nil {
			return fail(err)
		}
		conversation = append(conversation, resultMsg)
	}

	return &ExecutionResult{
		Status:       StatusMaxIterations,
		AgentName:    a.config.Name,
		Conversation: conversation,
		Error:        fmt.Sprintf("no final response after %d iterations", a.config.MaxIterations),
	}, nil
}
