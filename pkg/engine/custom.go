package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aurite-ai/aurite/pkg/agent"
	"github.com/aurite-ai/aurite/pkg/config"
)

// Facade is the narrowed engine surface handed to custom workflow code.
type Facade interface {
	RunAgent(ctx context.Context, agentID, userMessage string, opts *RunOptions) (*agent.ExecutionResult, error)
	RunLinearWorkflow(ctx context.Context, workflowID, initialInput string, opts *RunOptions) (*WorkflowResult, error)
}

// CustomWorkflowFunc is a user-supplied workflow entry point. Its return
// value is treated as opaque and handed back verbatim.
type CustomWorkflowFunc func(ctx context.Context, input string, facade Facade, sessionID string) (any, error)

// RegisterCustomWorkflow binds a workflow entry point to a name. A
// custom_workflow component whose class_name matches resolves to it.
func (e *Engine) RegisterCustomWorkflow(name string, fn CustomWorkflowFunc) error {
	if fn == nil {
		return fmt.Errorf("custom workflow %q: entry point is nil", name)
	}
	e.workflowMu.Lock()
	defer e.workflowMu.Unlock()
	if _, exists := e.customWorkflows[name]; exists {
		return fmt.Errorf("custom workflow %q already registered", name)
	}
	e.customWorkflows[name] = fn
	return nil
}

func (e *Engine) customWorkflow(name string) (CustomWorkflowFunc, bool) {
	e.workflowMu.RLock()
	defer e.workflowMu.RUnlock()
	fn, ok := e.customWorkflows[name]
	return fn, ok
}

// facade scopes every nested run to the parent workflow's lineage.
type facade struct {
	engine *Engine
	baseID string
}

func (f *facade) RunAgent(ctx context.Context, agentID, userMessage string, opts *RunOptions) (*agent.ExecutionResult, error) {
	opts = withBase(opts, f.baseID)
	return f.engine.RunAgent(ctx, agentID, userMessage, opts)
}

func (f *facade) RunLinearWorkflow(ctx context.Context, workflowID, initialInput string, opts *RunOptions) (*WorkflowResult, error) {
	opts = withBase(opts, f.baseID)
	return f.engine.RunLinearWorkflow(ctx, workflowID, initialInput, opts)
}

func withBase(opts *RunOptions, baseID string) *RunOptions {
	if opts == nil {
		opts = &RunOptions{}
	}
	if opts.BaseSessionID == "" {
		opts.BaseSessionID = baseID
	}
	return opts
}

// RunCustomWorkflow resolves the workflow's registered entry point and
// invokes it with the input, a scoped facade, and the session id. Failures
// from custom code are wrapped with workflow context; panics are contained.
func (e *Engine) RunCustomWorkflow(ctx context.Context, workflowID, initialInput string, opts *RunOptions) (output any, err error) {
	if opts == nil {
		opts = &RunOptions{}
	}

	entrypoint := workflowID
	workflowCfg, cfgErr := e.index.GetCustomWorkflow(workflowID)
	if cfgErr != nil {
		var notFound *config.NotFoundError
		if !errors.As(cfgErr, &notFound) {
			return nil, wrapConfigError(cfgErr, config.KindCustomWorkflow, workflowID)
		}
		// no component record: fall back to a directly registered entry point
	} else {
		entrypoint = workflowCfg.Entrypoint
	}

	fn, ok := e.customWorkflow(entrypoint)
	if !ok {
		return nil, newError(KindConfigNotFound,
			fmt.Errorf("custom workflow %q has no registered entry point %q", workflowID, entrypoint),
			map[string]any{"component_kind": "custom_workflow", "component_id": workflowID})
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

	defer func() {
		if r := recover(); r != nil {
			err = newError(KindCustomWorkflowFailed,
				fmt.Errorf("custom workflow %q panicked: %v", workflowID, r),
				map[string]any{"component_kind": "custom_workflow", "component_id": workflowID, "session_id": sessionID})
		}
	}()

	output, fnErr := fn(ctx, initialInput, &facade{engine: e, baseID: baseID}, sessionID)
	if fnErr != nil {
		return nil, newError(KindCustomWorkflowFailed,
			fmt.Errorf("custom workflow %q failed: %w", workflowID, fnErr),
			map[string]any{"component_kind": "custom_workflow", "component_id": workflowID, "session_id": sessionID})
	}
	return output, nil
}
