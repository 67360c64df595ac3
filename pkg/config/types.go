package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Transport identifies how a tool server is reached.
type Transport string

const (
	TransportSubprocess Transport = "subprocess"
	TransportCommand    Transport = "command"
	TransportHTTPStream Transport = "http_stream"
)

// AgentConfig configures one agent.
type AgentConfig struct {
	Name               string         `mapstructure:"name" json:"name"`
	LLMConfigID        string         `mapstructure:"llm_config_id" json:"llm_config_id,omitempty"`
	Model              string         `mapstructure:"model" json:"model,omitempty"`
	Temperature        *float64       `mapstructure:"temperature" json:"temperature,omitempty"`
	MaxTokens          int            `mapstructure:"max_tokens" json:"max_tokens,omitempty"`
	SystemPrompt       string         `mapstructure:"system_prompt" json:"system_prompt,omitempty"`
	ToolServers        []string       `mapstructure:"mcp_servers" json:"mcp_servers,omitempty"`
	MaxIterations      int            `mapstructure:"max_iterations" json:"max_iterations,omitempty"`
	IncludeHistory     *bool          `mapstructure:"include_history" json:"include_history,omitempty"`
	ResponseSchema     map[string]any `mapstructure:"response_schema" json:"response_schema,omitempty"`
	ExcludedComponents []string       `mapstructure:"exclude_components" json:"exclude_components,omitempty"`
	AutoTools          bool           `mapstructure:"auto" json:"auto,omitempty"`
}

// SetDefaults applies default values.
func (c *AgentConfig) SetDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() []FieldError {
	var errs []FieldError
	if c.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if c.MaxIterations < 1 {
		errs = append(errs, FieldError{Field: "max_iterations", Message: "must be at least 1"})
	}
	return errs
}

// HistoryEnabled reports whether session history is on for this agent.
func (c *AgentConfig) HistoryEnabled() bool {
	return c.IncludeHistory != nil && *c.IncludeHistory
}

// LLMConfig configures one model-provider connection.
type LLMConfig struct {
	Name                string   `mapstructure:"name" json:"name"`
	Provider            string   `mapstructure:"provider" json:"provider"`
	Model               string   `mapstructure:"model" json:"model"`
	Temperature         *float64 `mapstructure:"temperature" json:"temperature,omitempty"`
	MaxTokens           int      `mapstructure:"max_tokens" json:"max_tokens,omitempty"`
	DefaultSystemPrompt string   `mapstructure:"default_system_prompt" json:"default_system_prompt,omitempty"`
	APIBase             string   `mapstructure:"api_base" json:"api_base,omitempty"`
	APIKeyEnv           string   `mapstructure:"api_key_env" json:"api_key_env,omitempty"`
	TimeoutSeconds      int      `mapstructure:"timeout" json:"timeout,omitempty"`
	MaxRetries          int      `mapstructure:"max_retries" json:"max_retries,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 120
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

func (c *LLMConfig) Validate() []FieldError {
	var errs []FieldError
	if c.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if c.Provider == "" {
		errs = append(errs, FieldError{Field: "provider", Message: "is required"})
	}
	if c.Model == "" {
		errs = append(errs, FieldError{Field: "model", Message: "is required"})
	}
	return errs
}

// ToolServerConfig configures one MCP tool server.
type ToolServerConfig struct {
	Name                string            `mapstructure:"name" json:"name"`
	Transport           Transport         `mapstructure:"transport_type" json:"transport_type"`
	ServerPath          string            `mapstructure:"server_path" json:"server_path,omitempty"`
	Command             string            `mapstructure:"command" json:"command,omitempty"`
	Args                []string          `mapstructure:"args" json:"args,omitempty"`
	HTTPEndpoint        string            `mapstructure:"http_endpoint" json:"http_endpoint,omitempty"`
	Headers             map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Capabilities        []string          `mapstructure:"capabilities" json:"capabilities,omitempty"`
	TimeoutSeconds      float64           `mapstructure:"timeout" json:"timeout,omitempty"`
	RegistrationTimeout float64           `mapstructure:"registration_timeout" json:"registration_timeout,omitempty"`
}

func (c *ToolServerConfig) SetDefaults() {
	if c.Transport == "" {
		// Auto-detect from populated fields
		switch {
		case c.HTTPEndpoint != "":
			c.Transport = TransportHTTPStream
		case c.Command != "":
			c.Transport = TransportCommand
		default:
			c.Transport = TransportSubprocess
		}
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = 30
	}
}

func (c *ToolServerConfig) Validate() []FieldError {
	var errs []FieldError
	if c.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	switch c.Transport {
	case TransportSubprocess:
		if c.ServerPath == "" {
			errs = append(errs, FieldError{Field: "server_path", Message: "is required for subprocess transport"})
		}
	case TransportCommand:
		if c.Command == "" {
			errs = append(errs, FieldError{Field: "command", Message: "is required for command transport"})
		}
	case TransportHTTPStream:
		if c.HTTPEndpoint == "" {
			errs = append(errs, FieldError{Field: "http_endpoint", Message: "is required for http_stream transport"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "transport_type",
			Message: fmt.Sprintf("unknown transport %q (valid: subprocess, command, http_stream)", c.Transport),
		})
	}
	return errs
}

// Timeout returns the per-tool call timeout.
func (c *ToolServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// RegistrationDeadline returns the per-phase registration timeout.
func (c *ToolServerConfig) RegistrationDeadline() time.Duration {
	return time.Duration(c.RegistrationTimeout * float64(time.Second))
}

// WorkflowStep is one entry in a linear workflow. A plain string in the
// source document decodes to a step of type agent.
type WorkflowStep struct {
	Name string `mapstructure:"name" json:"name"`
	Type Kind   `mapstructure:"type" json:"type"`
}

// LinearWorkflowConfig configures an ordered sequence of steps.
type LinearWorkflowConfig struct {
	Name        string         `mapstructure:"name" json:"name"`
	Description string         `mapstructure:"description" json:"description,omitempty"`
	Steps       []WorkflowStep `mapstructure:"steps" json:"steps"`
}

func (c *LinearWorkflowConfig) SetDefaults() {
	for i := range c.Steps {
		if c.Steps[i].Type == "" {
			c.Steps[i].Type = KindAgent
		}
	}
}

func (c *LinearWorkflowConfig) Validate() []FieldError {
	var errs []FieldError
	if c.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if len(c.Steps) == 0 {
		errs = append(errs, FieldError{Field: "steps", Message: "must list at least one step"})
	}
	for i, step := range c.Steps {
		if step.Name == "" {
			errs = append(errs, FieldError{Field: fmt.Sprintf("steps[%d].name", i), Message: "is required"})
		}
		switch step.Type {
		case KindAgent, KindLinearWorkflow, KindCustomWorkflow:
		default:
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("steps[%d].type", i),
				Message: fmt.Sprintf("unknown step type %q", step.Type),
			})
		}
	}
	return errs
}

// CustomWorkflowConfig configures a user-supplied workflow entry point. The
// callable itself is resolved from the in-process registry by name; the
// module path is kept for provenance.
type CustomWorkflowConfig struct {
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description,omitempty"`
	ModulePath  string `mapstructure:"module_path" json:"module_path,omitempty"`
	Entrypoint  string `mapstructure:"class_name" json:"class_name,omitempty"`
}

func (c *CustomWorkflowConfig) SetDefaults() {
	if c.Entrypoint == "" {
		c.Entrypoint = c.Name
	}
}

func (c *CustomWorkflowConfig) Validate() []FieldError {
	var errs []FieldError
	if c.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	return errs
}

// resolvePath resolves a possibly relative path against the record's
// context directory.
func resolvePath(path, contextPath string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(contextPath, path)
}
