package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aurite-ai/aurite/pkg/config"
)

// StepResult is the outcome of one workflow step.
type StepResult struct {
	StepName  string      `json:"step_name"`
	StepType  config.Kind `json:"step_type"`
	SessionID string      `json:"session_id,omitempty"`
	Output    any         `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// WorkflowResult is the outcome of a linear workflow run: per-step results
// in execution order plus the final chained output.
type WorkflowResult struct {
	WorkflowName string       `json:"workflow_name"`
	Status       string       `json:"status"`
	SessionID    string       `json:"session_id,omitempty"`
	StepResults  []StepResult `json:"step_results"`
	FinalOutput  any          `json:"final_output,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// RunLinearWorkflow executes the workflow's steps in order, feeding each
// step's textual output into the next. Step failures are captured in the
// result and stop the chain, but never prevent persistence.
func (e *Engine) RunLinearWorkflow(ctx context.Context, workflowID, initialInput string, opts *RunOptions) (*WorkflowResult, error) {
	if opts == nil {
		opts = &RunOptions{}
	}

	workflowCfg, err := e.index.GetLinearWorkflow(workflowID)
	if err != nil {
		return nil, wrapConfigError(err, config.KindLinearWorkflow, workflowID)
	}

	sessionID := opts.SessionID
	if opts.BaseSessionID == "" {
		sessionID = normalizeSessionID(sessionID, workflowSessionPrefix)
	}
	if sessionID == "" {
		sessionID = newSessionID(workflowSessionPrefix)
	}
	baseID := opts.BaseSessionID
	if baseID == "" {
		baseID = sessionID
	}

	result := &WorkflowResult{
		WorkflowName: workflowCfg.Name,
		Status:       "success",
		SessionID:    sessionID,
		StepResults:  make([]StepResult, 0, len(workflowCfg.Steps)),
	}

	currentInput := initialInput
	for i, step := range workflowCfg.Steps {
		stepResult := StepResult{StepName: step.Name, StepType: step.Type}

		var output any
		var stepErr error
		switch step.Type {
		case config.KindAgent:
			childID := fmt.Sprintf("%s-%d", baseID, i)
			stepResult.SessionID = childID
			include := true
			agentResult, err := e.RunAgent(ctx, step.Name, currentInput, &RunOptions{
				SessionID:           childID,
				BaseSessionID:       baseID,
				ForceIncludeHistory: &include,
			})
			stepErr = err
			if agentResult != nil {
				output = agentResult.PrimaryText()
			}

		case config.KindLinearWorkflow:
			childResult, err := e.RunLinearWorkflow(ctx, step.Name, currentInput, &RunOptions{
				BaseSessionID: baseID,
			})
			stepErr = err
			if childResult != nil {
				stepResult.SessionID = childResult.SessionID
				output = childResult.FinalOutput
				if err == nil && childResult.Status != "success" {
					stepErr = fmt.Errorf("nested workflow %q failed: %s", step.Name, childResult.Error)
				}
			}

		case config.KindCustomWorkflow:
			output, stepErr = e.RunCustomWorkflow(ctx, step.Name, currentInput, &RunOptions{
				BaseSessionID: baseID,
			})

		default:
			stepErr = fmt.Errorf("unsupported step type %q", step.Type)
		}

		if stepErr != nil {
			stepResult.Error = stepErr.Error()
			result.StepResults = append(result.StepResults, stepResult)
			result.Status = "error"
			result.Error = fmt.Sprintf("step %q failed: %v", step.Name, stepErr)
			break
		}

		stepResult.Output = output
		result.StepResults = append(result.StepResults, stepResult)
		if text, ok := output.(string); ok {
			currentInput = text
		}
	}

	if result.Status == "success" {
		result.FinalOutput = currentInput
	}

	saveCtx := context.WithoutCancel(ctx)
	if err := e.store.SaveWorkflow(saveCtx, sessionID, baseID, result); err != nil {
		slog.Warn("Failed to persist workflow session", "session_id", sessionID, "error", err)
	}

	return result, nil
}
