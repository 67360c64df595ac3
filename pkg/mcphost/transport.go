package mcphost

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/aurite-ai/aurite/pkg/config"
)

// resolveTransportConfig applies {NAME} placeholder substitution to every
// transport-bearing field of a copy of cfg.
func resolveTransportConfig(cfg *config.ToolServerConfig, env map[string]string) *config.ToolServerConfig {
	resolved := *cfg
	resolved.ServerPath = config.ExpandPlaceholders(cfg.ServerPath, env)
	resolved.Command = config.ExpandPlaceholders(cfg.Command, env)
	resolved.Args = config.ExpandPlaceholdersSlice(cfg.Args, env)
	resolved.HTTPEndpoint = config.ExpandPlaceholders(cfg.HTTPEndpoint, env)
	resolved.Headers = config.ExpandPlaceholdersMap(cfg.Headers, env)
	return &resolved
}

// newTransportClient builds the mcp-go client for the config's transport.
// Subprocess launches the server script directly (Python scripts through
// the interpreter); command runs an arbitrary command line; http_stream
// opens a streamable HTTP connection with the configured headers.
func newTransportClient(cfg *config.ToolServerConfig, env map[string]string) (*client.Client, error) {
	switch cfg.Transport {
	case config.TransportSubprocess:
		command, args := subprocessCommand(cfg.ServerPath)
		return client.NewStdioMCPClient(command, envSlice(env), args...)

	case config.TransportCommand:
		return client.NewStdioMCPClient(cfg.Command, envSlice(env), cfg.Args...)

	case config.TransportHTTPStream:
		opts := []transport.StreamableHTTPCOption{
			transport.WithHTTPTimeout(cfg.Timeout()),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return client.NewStreamableHttpClient(cfg.HTTPEndpoint, opts...)

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func subprocessCommand(serverPath string) (string, []string) {
	if strings.HasSuffix(serverPath, ".py") {
		return "python3", []string{serverPath}
	}
	return serverPath, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
