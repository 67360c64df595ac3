package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/aurite-ai/aurite/pkg/config"
)

const (
	protocolVersion        = "2024-11-05"
	defaultClientName      = "aurite"
	defaultClientVersion   = "0.1.0"
	defaultShutdownTimeout = 10 * time.Second
)

// ClientFactory builds the transport client for a resolved server config.
// Tests swap in in-process clients.
type ClientFactory func(cfg *config.ToolServerConfig, env map[string]string) (*client.Client, error)

// Host owns the lifetime of every live tool server and routes tool
// invocations to the right transport session. All component maps are
// guarded by one reader-writer lock; dispatch lookups are read-side.
type Host struct {
	clientName      string
	clientVersion   string
	shutdownTimeout time.Duration
	newClient       ClientFactory

	mu        sync.RWMutex
	servers   map[string]*LiveServer
	tools     map[string]*DiscoveredTool
	prompts   map[string]*DiscoveredPrompt
	resources map[string]*DiscoveredResource
	router    map[string]string
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithClientInfo sets the client identity sent in the protocol handshake.
func WithClientInfo(name, version string) HostOption {
	return func(h *Host) {
		h.clientName = name
		h.clientVersion = version
	}
}

// WithShutdownTimeout bounds how long Shutdown waits before force-closing
// remaining transports.
func WithShutdownTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		h.shutdownTimeout = d
	}
}

// WithClientFactory overrides transport client construction.
func WithClientFactory(factory ClientFactory) HostOption {
	return func(h *Host) {
		h.newClient = factory
	}
}

// NewHost builds an empty host.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		clientName:      defaultClientName,
		clientVersion:   defaultClientVersion,
		shutdownTimeout: defaultShutdownTimeout,
		newClient:       newTransportClient,
		servers:         make(map[string]*LiveServer),
		tools:           make(map[string]*DiscoveredTool),
		prompts:         make(map[string]*DiscoveredPrompt),
		resources:       make(map[string]*DiscoveredResource),
		router:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// IsReady reports whether a server is registered and ready.
func (h *Host) IsReady(serverID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	server, ok := h.servers[serverID]
	return ok && server.state == StateReady
}

// Register runs the five-phase registration pipeline, each phase bounded by
// the config's registration timeout. A re-registration of a known server id
// first unregisters the old LiveServer. The server outlives the registering
// request: its lifetime is bound to the host, not to ctx.
func (h *Host) Register(ctx context.Context, cfg *config.ToolServerConfig, env map[string]string) error {
	deadline := cfg.RegistrationDeadline()

	// Phase 1: config resolution
	if errs := cfg.Validate(); len(errs) > 0 {
		return &RegistrationError{
			ServerID: cfg.Name,
			Phase:    "config_resolution",
			Err:      &config.InvalidError{Kind: config.KindMCPServer, ID: cfg.Name, Fields: errs},
		}
	}
	resolved := resolveTransportConfig(cfg, env)

	serverCtx, serverCancel := context.WithCancel(context.Background())
	server := &LiveServer{
		ID:     cfg.Name,
		Config: resolved,
		ctx:    serverCtx,
		cancel: serverCancel,
		state:  StateRegistering,
	}

	fail := func(phase string, err error) error {
		server.state = StateFailed
		serverCancel()
		if server.client != nil {
			_ = server.client.Close()
		}
		return &RegistrationError{ServerID: cfg.Name, Phase: phase, Err: err}
	}

	// Phase 2: transport establishment
	mcpClient, err := h.newClient(resolved, env)
	if err != nil {
		return fail("transport", err)
	}
	server.client = mcpClient

	startCtx, cancel := context.WithTimeout(ctx, deadline)
	err = mcpClient.Start(startCtx)
	cancel()
	if err != nil {
		return fail("transport", err)
	}

	// Phase 3: protocol handshake
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    h.clientName,
		Version: h.clientVersion,
	}
	initReq.Params.ProtocolVersion = protocolVersion

	initCtx, cancel := context.WithTimeout(ctx, deadline)
	_, err = mcpClient.Initialize(initCtx, initReq)
	cancel()
	if err != nil {
		return fail("handshake", err)
	}

	// Phase 4: component discovery, each list independently fault-tolerant
	tools := h.discoverTools(ctx, server, deadline)
	prompts := h.discoverPrompts(ctx, server, deadline)
	resources := h.discoverResources(ctx, server, deadline)

	// Phase 5: registration
	h.mu.Lock()
	if _, exists := h.servers[cfg.Name]; exists {
		h.unregisterLocked(cfg.Name)
	}
	server.state = StateReady
	server.RegisteredAt = time.Now().UTC()
	h.servers[cfg.Name] = server
	for _, tool := range tools {
		h.tools[tool.QualifiedName] = tool
		h.router[tool.QualifiedName] = cfg.Name
	}
	for _, prompt := range prompts {
		h.prompts[prompt.QualifiedName] = prompt
	}
	for _, resource := range resources {
		h.resources[resource.URI] = resource
	}
	h.mu.Unlock()

	slog.Info("Registered tool server",
		"server_id", cfg.Name,
		"transport", resolved.Transport,
		"tools", len(tools), "prompts", len(prompts), "resources", len(resources))
	return nil
}

func (h *Host) discoverTools(ctx context.Context, server *LiveServer, deadline time.Duration) []*DiscoveredTool {
	listCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := server.client.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		slog.Warn("Tool discovery failed, continuing with none", "server_id", server.ID, "error", err)
		return nil
	}

	tools := make([]*DiscoveredTool, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		tools = append(tools, &DiscoveredTool{
			QualifiedName: qualifiedName(server.ID, tool.Name),
			OriginalName:  tool.Name,
			Description:   tool.Description,
			InputSchema:   convertSchema(tool.InputSchema),
			ServerID:      server.ID,
			Timeout:       server.Config.Timeout(),
		})
	}
	return tools
}

func (h *Host) discoverPrompts(ctx context.Context, server *LiveServer, deadline time.Duration) []*DiscoveredPrompt {
	listCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := server.client.ListPrompts(listCtx, mcp.ListPromptsRequest{})
	if err != nil {
		slog.Debug("Prompt discovery failed, continuing with none", "server_id", server.ID, "error", err)
		return nil
	}

	prompts := make([]*DiscoveredPrompt, 0, len(resp.Prompts))
	for _, prompt := range resp.Prompts {
		prompts = append(prompts, &DiscoveredPrompt{
			QualifiedName: qualifiedName(server.ID, prompt.Name),
			OriginalName:  prompt.Name,
			Description:   prompt.Description,
			ServerID:      server.ID,
		})
	}
	return prompts
}

func (h *Host) discoverResources(ctx context.Context, server *LiveServer, deadline time.Duration) []*DiscoveredResource {
	listCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := server.client.ListResources(listCtx, mcp.ListResourcesRequest{})
	if err != nil {
		slog.Debug("Resource discovery failed, continuing with none", "server_id", server.ID, "error", err)
		return nil
	}

	resources := make([]*DiscoveredResource, 0, len(resp.Resources))
	for _, resource := range resp.Resources {
		resources = append(resources, &DiscoveredResource{
			URI:         resource.URI,
			Name:        resource.Name,
			Description: resource.Description,
			MIMEType:    resource.MIMEType,
			ServerID:    server.ID,
		})
	}
	return resources
}

// ListTools returns every discovered tool, sorted by qualified name.
func (h *Host) ListTools() []*DiscoveredTool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tools := make([]*DiscoveredTool, 0, len(h.tools))
	for _, tool := range h.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].QualifiedName < tools[j].QualifiedName })
	return tools
}

// ListPrompts returns every discovered prompt, sorted by qualified name.
func (h *Host) ListPrompts() []*DiscoveredPrompt {
	h.mu.RLock()
	defer h.mu.RUnlock()
	prompts := make([]*DiscoveredPrompt, 0, len(h.prompts))
	for _, prompt := range h.prompts {
		prompts = append(prompts, prompt)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].QualifiedName < prompts[j].QualifiedName })
	return prompts
}

// ListResources returns every discovered resource, sorted by URI.
func (h *Host) ListResources() []*DiscoveredResource {
	h.mu.RLock()
	defer h.mu.RUnlock()
	resources := make([]*DiscoveredResource, 0, len(h.resources))
	for _, resource := range h.resources {
		resources = append(resources, resource)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources
}

// CallTool dispatches one tool invocation. Tool-side failures come back as
// ToolResult{IsError: true}; the returned error is non-nil only when the
// caller's ctx ended. The call is bounded by the tool's timeout, serialized
// per transport session, and cancelled if the owning server is torn down.
func (h *Host) CallTool(ctx context.Context, qualified string, args map[string]any) (*ToolResult, error) {
	h.mu.RLock()
	serverID, routable := h.router[qualified]
	tool := h.tools[qualified]
	server := h.servers[serverID]
	h.mu.RUnlock()

	if !routable || tool == nil || server == nil {
		return &ToolResult{
			IsError: true,
			Content: fmt.Sprintf("tool %q is not routable", qualified),
		}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()
	// tearing down the server cancels this call, not the other way around
	stop := context.AfterFunc(server.ctx, cancel)
	defer stop()

	server.callMu.Lock()
	defer server.callMu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool.OriginalName
	req.Params.Arguments = args

	resp, err := server.client.CallTool(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := err.Error()
		if callCtx.Err() == context.DeadlineExceeded {
			reason = fmt.Sprintf("tool %q timed out after %s", qualified, tool.Timeout)
		}
		return &ToolResult{IsError: true, Content: reason}, nil
	}

	return &ToolResult{
		Content: extractText(resp.Content),
		IsError: resp.IsError,
	}, nil
}

// GetPrompt fetches a prompt by qualified name.
func (h *Host) GetPrompt(ctx context.Context, qualified string, args map[string]string) (*mcp.GetPromptResult, error) {
	h.mu.RLock()
	prompt := h.prompts[qualified]
	var server *LiveServer
	if prompt != nil {
		server = h.servers[prompt.ServerID]
	}
	h.mu.RUnlock()

	if prompt == nil || server == nil {
		return nil, fmt.Errorf("prompt %q not found", qualified)
	}

	server.callMu.Lock()
	defer server.callMu.Unlock()

	req := mcp.GetPromptRequest{}
	req.Params.Name = prompt.OriginalName
	req.Params.Arguments = args
	return server.client.GetPrompt(ctx, req)
}

// ReadResource reads a resource by URI.
func (h *Host) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	h.mu.RLock()
	resource := h.resources[uri]
	var server *LiveServer
	if resource != nil {
		server = h.servers[resource.ServerID]
	}
	h.mu.RUnlock()

	if resource == nil || server == nil {
		return nil, fmt.Errorf("resource %q not found", uri)
	}

	server.callMu.Lock()
	defer server.callMu.Unlock()

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return server.client.ReadResource(ctx, req)
}

// Unregister tears down a server and removes its components. Idempotent.
func (h *Host) Unregister(serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(serverID)
}

func (h *Host) unregisterLocked(serverID string) {
	server, ok := h.servers[serverID]
	if !ok {
		return
	}

	server.cancel()
	if server.client != nil {
		if err := server.client.Close(); err != nil {
			slog.Warn("Error closing tool server transport", "server_id", serverID, "error", err)
		}
	}
	server.state = StateTerminated
	delete(h.servers, serverID)

	for name, tool := range h.tools {
		if tool.ServerID == serverID {
			delete(h.tools, name)
			delete(h.router, name)
		}
	}
	for name, prompt := range h.prompts {
		if prompt.ServerID == serverID {
			delete(h.prompts, name)
		}
	}
	for uri, resource := range h.resources {
		if resource.ServerID == serverID {
			delete(h.resources, uri)
		}
	}
}

// Shutdown unregisters every server concurrently, force-closing whatever
// remains when the shutdown timeout expires.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	servers := make(map[string]*LiveServer, len(h.servers))
	for id, server := range h.servers {
		servers[id] = server
	}
	h.mu.RUnlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(shutdownCtx)
	for id, server := range servers {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				h.Unregister(id)
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-shutdownCtx.Done():
				// cooperative teardown is stuck; cancelling the server's
				// scope forces the transport to release without touching
				// the host lock (the stuck goroutine may hold it)
				server.cancel()
				return fmt.Errorf("forced termination of server %q after shutdown deadline", id)
			}
		})
	}
	return g.Wait()
}

// convertSchema converts an MCP tool schema to a plain map through a JSON
// round-trip.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
