package mcphost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aurite-ai/aurite/pkg/config"
)

// ServerState tracks a live server through its lifecycle.
type ServerState string

const (
	StateRegistering ServerState = "registering"
	StateReady       ServerState = "ready"
	StateFailed      ServerState = "failed"
	StateTerminated  ServerState = "terminated"
)

// LiveServer owns one transport session. Its cancel function tears down the
// transport and every descendant operation; callMu enforces the single
// outstanding protocol request per session.
type LiveServer struct {
	ID           string
	Config       *config.ToolServerConfig
	RegisteredAt time.Time

	client *client.Client
	ctx    context.Context
	cancel context.CancelFunc
	state  ServerState

	callMu sync.Mutex
}

// State returns the server's lifecycle state.
func (s *LiveServer) State() ServerState {
	return s.state
}

// DiscoveredTool is one tool offered by a ready server, addressed by its
// server-prefixed qualified name.
type DiscoveredTool struct {
	QualifiedName string         `json:"qualified_name"`
	OriginalName  string         `json:"original_name"`
	Description   string         `json:"description,omitempty"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	ServerID      string         `json:"server_id"`
	Timeout       time.Duration  `json:"-"`
}

// DiscoveredPrompt is one prompt offered by a ready server.
type DiscoveredPrompt struct {
	QualifiedName string `json:"qualified_name"`
	OriginalName  string `json:"original_name"`
	Description   string `json:"description,omitempty"`
	ServerID      string `json:"server_id"`
}

// DiscoveredResource is one resource offered by a ready server, addressed
// by its URI.
type DiscoveredResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	ServerID    string `json:"server_id"`
}

// ToolResult is the outcome of a tool dispatch. Tool-side failures are
// data, not errors: IsError is set and Content carries the message.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// RegistrationError reports which registration phase failed for a server.
type RegistrationError struct {
	ServerID string
	Phase    string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration of server %q failed during %s: %v", e.ServerID, e.Phase, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// qualifiedName prefixes a component name with its server id.
func qualifiedName(serverID, name string) string {
	return serverID + "-" + name
}

// extractText flattens a tool result's text content blocks.
func extractText(contents []mcp.Content) string {
	var out string
	for _, content := range contents {
		if text, ok := content.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += text.Text
		}
	}
	return out
}
