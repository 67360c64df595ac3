package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aurite-ai/aurite/pkg/agent"
	"github.com/aurite-ai/aurite/pkg/config"
	"github.com/aurite-ai/aurite/pkg/llms"
	"github.com/aurite-ai/aurite/pkg/mcphost"
	"github.com/aurite-ai/aurite/pkg/session"
)

const (
	agentSessionPrefix    = "agent-"
	workflowSessionPrefix = "workflow-"
)

// ClientFactory builds a model client from provider options. Tests swap in
// scripted clients.
type ClientFactory func(opts llms.ProviderOptions) (llms.Client, error)

// Engine is the public execution API: it resolves components through the
// config index, provisions tool servers and model clients just in time,
// drives agent runs and workflows, and persists sessions.
type Engine struct {
	index     *config.Index
	store     *session.Store
	host      *mcphost.Host
	newClient ClientFactory

	clientMu sync.Mutex
	clients  map[string]llms.Client

	workflowMu      sync.RWMutex
	customWorkflows map[string]CustomWorkflowFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithIndex supplies a pre-built config index.
func WithIndex(index *config.Index) Option {
	return func(e *Engine) { e.index = index }
}

// WithSessionStore supplies a pre-built session store.
func WithSessionStore(store *session.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithHost supplies a pre-built tool-server host.
func WithHost(host *mcphost.Host) Option {
	return func(e *Engine) { e.host = host }
}

// WithClientFactory overrides model client construction.
func WithClientFactory(factory ClientFactory) Option {
	return func(e *Engine) { e.newClient = factory }
}

// New builds an engine rooted at workdir. Missing collaborators are built
// with their defaults: a config index over workdir, a session store in the
// cache directory, and an empty host.
func New(workdir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		newClient:       llms.New,
		clients:         make(map[string]llms.Client),
		customWorkflows: make(map[string]CustomWorkflowFunc),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.index == nil {
		index, err := config.NewIndex(workdir)
		if err != nil {
			return nil, fmt.Errorf("failed to build config index: %w", err)
		}
		e.index = index
	}
	if e.store == nil {
		store, err := session.NewStore("")
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		e.store = store
	}
	if e.host == nil {
		e.host = mcphost.NewHost()
	}

	return e, nil
}

// Index exposes the config index for registration and validation APIs.
func (e *Engine) Index() *config.Index { return e.index }

// Sessions exposes the session store.
func (e *Engine) Sessions() *session.Store { return e.store }

// Host exposes the tool-server host.
func (e *Engine) Host() *mcphost.Host { return e.host }

// Shutdown tears down every live tool server.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.host.Shutdown(ctx)
}

// RunOptions tune one engine call.
type RunOptions struct {
	SessionID           string
	BaseSessionID       string
	ForceIncludeHistory *bool
	SystemPrompt        string
}

// normalizeSessionID makes a user-provided id prefix-stable: ids lacking
// the expected prefix are rewritten to carry it.
func normalizeSessionID(id, prefix string) string {
	if id == "" || strings.HasPrefix(id, prefix) {
		return id
	}
	return prefix + id
}

func newSessionID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ensureServers JIT-registers every tool server the agent references that
// the host does not already report ready. Registered servers persist across
// calls.
func (e *Engine) ensureServers(ctx context.Context, serverIDs []string) error {
	for _, serverID := range serverIDs {
		if e.host.IsReady(serverID) {
			continue
		}
		serverCfg, err := e.index.GetToolServer(serverID)
		if err != nil {
			return wrapConfigError(err, config.KindMCPServer, serverID)
		}
		if err := e.host.Register(ctx, serverCfg, e.index.Env()); err != nil {
			return wrapRegistrationError(err, serverID)
		}
	}
	return nil
}

// modelClient resolves the effective model client for an agent: the llm
// config referenced by llm_config_id supplies defaults, agent-level
// overrides win. Clients are cached per provider/model/endpoint.
func (e *Engine) modelClient(agentCfg *config.AgentConfig) (llms.Client, error) {
	llmCfg := &config.LLMConfig{Provider: "anthropic"}
	llmCfg.SetDefaults()
	if agentCfg.LLMConfigID != "" {
		resolved, err := e.index.GetLLM(agentCfg.LLMConfigID)
		if err != nil {
			return nil, wrapConfigError(err, config.KindLLM, agentCfg.LLMConfigID)
		}
		llmCfg = resolved
	}

	model := llmCfg.Model
	if agentCfg.Model != "" {
		model = agentCfg.Model
	}
	if model == "" {
		return nil, newError(KindModelClientFailed,
			fmt.Errorf("agent %q resolves to no model (set llm_config_id or model)", agentCfg.Name),
			map[string]any{"component_kind": "agent", "component_id": agentCfg.Name})
	}

	key := llmCfg.Provider + "/" + model + "/" + llmCfg.APIBase
	e.clientMu.Lock()
	defer e.clientMu.Unlock()
	if client, ok := e.clients[key]; ok {
		return client, nil
	}

	client, err := e.newClient(llms.ProviderOptions{
		Provider:    llmCfg.Provider,
		Model:       model,
		APIKey:      e.resolveAPIKey(llmCfg),
		APIBase:     llmCfg.APIBase,
		Temperature: llmCfg.Temperature,
		MaxTokens:   llmCfg.MaxTokens,
		Timeout:     time.Duration(llmCfg.TimeoutSeconds) * time.Second,
		MaxRetries:  llmCfg.MaxRetries,
	})
	if err != nil {
		return nil, newError(KindModelClientFailed, err,
			map[string]any{"component_kind": "llm", "component_id": llmCfg.Name})
	}
	e.clients[key] = client
	return client, nil
}

// resolveAPIKey looks the key up in the anchor env first, then the process
// environment. api_key_env defaults per provider.
func (e *Engine) resolveAPIKey(llmCfg *config.LLMConfig) string {
	keyEnv := llmCfg.APIKeyEnv
	if keyEnv == "" {
		switch llmCfg.Provider {
		case "openai":
			keyEnv = "OPENAI_API_KEY"
		default:
			keyEnv = "ANTHROPIC_API_KEY"
		}
	}
	if value, ok := e.index.Env()[keyEnv]; ok && value != "" {
		return value
	}
	return os.Getenv(keyEnv)
}

// preparedRun is everything resolved for one agent call.
type preparedRun struct {
	runner         *agent.Agent
	agentCfg       *config.AgentConfig
	sessionID      string
	baseID         string
	includeHistory bool
	initial        []llms.Message
}

func (e *Engine) prepareAgentRun(ctx context.Context, agentID, userMessage string, opts *RunOptions) (*preparedRun, error) {
	if opts == nil {
		opts = &RunOptions{}
	}

	agentCfg, err := e.index.GetAgent(agentID)
	if err != nil {
		return nil, wrapConfigError(err, config.KindAgent, agentID)
	}

	includeHistory := agentCfg.HistoryEnabled()
	if opts.ForceIncludeHistory != nil {
		includeHistory = *opts.ForceIncludeHistory
	}

	// workflow-assigned child ids keep their lineage naming; only ids from
	// API callers are rewritten to be prefix-stable
	sessionID := opts.SessionID
	if opts.BaseSessionID == "" {
		sessionID = normalizeSessionID(sessionID, agentSessionPrefix)
	}
	if sessionID == "" && includeHistory {
		sessionID = newSessionID(agentSessionPrefix)
	}

	if err := e.ensureServers(ctx, agentCfg.ToolServers); err != nil {
		return nil, err
	}

	client, err := e.modelClient(agentCfg)
	if err != nil {
		return nil, err
	}

	effective := *agentCfg
	if opts.SystemPrompt != "" {
		effective.SystemPrompt = opts.SystemPrompt
	}

	runner, err := agent.New(&effective, client, e.host)
	if err != nil {
		return nil, newError(KindInternal, err,
			map[string]any{"component_kind": "agent", "component_id": agentID})
	}

	var initial []llms.Message
	if includeHistory && sessionID != "" {
		history, err := e.store.History(ctx, sessionID)
		if err != nil {
			return nil, wrapSessionError(err, sessionID)
		}
		initial = history
	}
	initial = append(initial, llms.NewTextMessage(llms.RoleUser, userMessage))

	return &preparedRun{
		runner:         runner,
		agentCfg:       agentCfg,
		sessionID:      sessionID,
		baseID:         opts.BaseSessionID,
		includeHistory: includeHistory,
		initial:        initial,
	}, nil
}

// RunAgent executes one agent conversation to completion.
func (e *Engine) RunAgent(ctx context.Context, agentID, userMessage string, opts *RunOptions) (*agent.ExecutionResult, error) {
	prepared, err := e.prepareAgentRun(ctx, agentID, userMessage, opts)
	if err != nil {
		return nil, err
	}

	result, runErr := prepared.runner.Run(ctx, prepared.initial)
	if result != nil {
		result.SessionID = prepared.sessionID
		e.persistAgentResult(ctx, prepared, result)
	}
	if runErr != nil {
		kind := KindModelClientFailed
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			kind = KindInternal
		}
		return result, newError(kind, runErr,
			map[string]any{"component_kind": "agent", "component_id": agentID, "session_id": prepared.sessionID})
	}
	return result, nil
}

// persistAgentResult saves the session best-effort: persistence failures
// are logged, never surfaced over the primary outcome.
func (e *Engine) persistAgentResult(ctx context.Context, prepared *preparedRun, result *agent.ExecutionResult) {
	if !prepared.includeHistory || prepared.sessionID == "" {
		return
	}
	// persist even when the request context is already cancelled
	saveCtx := context.WithoutCancel(ctx)
	if err := e.store.SaveAgent(saveCtx, prepared.sessionID, prepared.baseID, result); err != nil {
		slog.Warn("Failed to persist agent session",
			"session_id", prepared.sessionID, "error", err)
	}
}

// StreamAgent executes one agent conversation while emitting normalized
// events. The first event is session_info, the last stream_end (or error);
// the channel closes after the terminal event. Session history is persisted
// on every exit path.
func (e *Engine) StreamAgent(ctx context.Context, agentID, userMessage string, opts *RunOptions) (<-chan llms.StreamEvent, error) {
	prepared, err := e.prepareAgentRun(ctx, agentID, userMessage, opts)
	if err != nil {
		return nil, err
	}

	events := make(chan llms.StreamEvent, 16)
	go func() {
		defer close(events)

		// an abandoned consumer must not pin this goroutine on a full
		// channel
		send := func(event llms.StreamEvent) bool {
			select {
			case events <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(llms.StreamEvent{
			Type: llms.StreamEventSessionInfo,
			Data: llms.StreamEventData{SessionID: prepared.sessionID},
		}) {
			return
		}

		result, runErr := prepared.runner.Stream(ctx, prepared.initial, events)
		if result != nil {
			result.SessionID = prepared.sessionID
			e.persistAgentResult(ctx, prepared, result)
		}

		if runErr != nil {
			send(llms.StreamEvent{
				Type: llms.StreamEventError,
				Data: llms.StreamEventData{Message: runErr.Error(), SessionID: prepared.sessionID},
			})
			return
		}
		send(llms.StreamEvent{
			Type: llms.StreamEventStreamEnd,
			Data: llms.StreamEventData{SessionID: prepared.sessionID},
		})
	}()

	return events, nil
}
