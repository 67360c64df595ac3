package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/aurite-ai/aurite/pkg/config"
	"github.com/aurite-ai/aurite/pkg/llms"
	"github.com/aurite-ai/aurite/pkg/mcphost"
)

// ToolDispatcher is the slice of the tool-server host the turn loop needs.
type ToolDispatcher interface {
	ListTools() []*mcphost.DiscoveredTool
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*mcphost.ToolResult, error)
}

// Agent drives the bounded conversation loop for one agent configuration:
// call the model, execute requested tools, feed results back, until the
// model stops or max_iterations runs out.
type Agent struct {
	config *config.AgentConfig
	llm    llms.Client
	tools  ToolDispatcher

	schema       *gojsonschema.Schema
	systemPrompt string
}

// New builds an agent, compiling the response schema up front so malformed
// schemas fail at construction instead of mid-conversation.
func New(cfg *config.AgentConfig, llm llms.Client, tools ToolDispatcher) (*Agent, error) {
	if llm == nil {
		return nil, fmt.Errorf("agent %q: model client is required", cfg.Name)
	}

	a := &Agent{
		config:       cfg,
		llm:          llm,
		tools:        tools,
		systemPrompt: cfg.SystemPrompt,
	}

	if cfg.ResponseSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(cfg.ResponseSchema))
		if err != nil {
			return nil, fmt.Errorf("agent %q: invalid response schema: %w", cfg.Name, err)
		}
		a.schema = schema
		instructions := llms.SchemaInstructions(cfg.ResponseSchema)
		if a.systemPrompt != "" {
			a.systemPrompt += "\n\n" + instructions
		} else {
			a.systemPrompt = instructions
		}
	}

	return a, nil
}

// toolDefinitions selects the tools this agent may call: everything from
// its configured servers (or every server when auto is set), minus the
// excluded components.
func (a *Agent) toolDefinitions() []llms.ToolDefinition {
	if a.tools == nil {
		return nil
	}

	allowed := make(map[string]bool, len(a.config.ToolServers))
	for _, serverID := range a.config.ToolServers {
		allowed[serverID] = true
	}
	excluded := make(map[string]bool, len(a.config.ExcludedComponents))
	for _, name := range a.config.ExcludedComponents {
		excluded[name] = true
	}

	var defs []llms.ToolDefinition
	for _, tool := range a.tools.ListTools() {
		if !a.config.AutoTools && !allowed[tool.ServerID] {
			continue
		}
		if excluded[tool.QualifiedName] || excluded[tool.OriginalName] {
			continue
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        tool.QualifiedName,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return defs
}

func (a *Agent) request(conversation []llms.Message, tools []llms.ToolDefinition) llms.Request {
	return llms.Request{
		Messages:     conversation,
		Tools:        tools,
		SystemPrompt: a.systemPrompt,
		Params: llms.Params{
			Model:       a.config.Model,
			Temperature: a.config.Temperature,
			MaxTokens:   a.config.MaxTokens,
		},
	}
}

// Run executes the turn loop to completion. The returned result carries the
// whole conversation including the initial messages.
func (a *Agent) Run(ctx context.Context, initial []llms.Message) (*ExecutionResult, error) {
	conversation := append([]llms.Message(nil), initial...)
	tools := a.toolDefinitions()

	for iteration := 0; iteration < a.config.MaxIterations; iteration++ {
		resp, err := a.llm.Complete(ctx, a.request(conversation, tools))
		if err != nil {
			return &ExecutionResult{
				Status:       StatusError,
				AgentName:    a.config.Name,
				Conversation: conversation,
				Error:        err.Error(),
			}, err
		}

		conversation = append(conversation, resp.Message)

		if resp.StopReason != llms.StopReasonToolUse {
			if correction := a.validateStructuredOutput(resp.Message); correction != "" {
				slog.Debug("Structured output rejected, requesting correction",
					"agent", a.config.Name, "iteration", iteration)
				conversation = append(conversation, llms.NewTextMessage(llms.RoleUser, correction))
				continue
			}
			final := resp.Message
			return &ExecutionResult{
				Status:              StatusSuccess,
				AgentName:           a.config.Name,
				Conversation:        conversation,
				FinalMessage:        &final,
				ToolUsesInFinalTurn: len(final.ToolUses()),
			}, nil
		}

		uses := resp.Message.ToolUses()
		if len(uses) == 0 {
			// malformed turn: tool_use stop with no tool_use blocks
			slog.Warn("Model stopped for tool use without tool calls", "agent", a.config.Name)
			continue
		}

		resultMsg, err := a.dispatchTools(ctx, uses, nil)
		if err != nil {
			return &ExecutionResult{
				Status:       StatusError,
				AgentName:    a.config.Name,
				Conversation: conversation,
				Error:        err.Error(),
			}, err
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

// dispatchTools runs every requested tool concurrently and assembles the
// results into one message whose blocks follow the request order. The
// optional emit callback observes each result in that same order.
func (a *Agent) dispatchTools(ctx context.Context, uses []llms.ContentBlock, emit func(llms.StreamEvent) error) (llms.Message, error) {
	results := make([]llms.ContentBlock, len(uses))

	g, gctx := errgroup.WithContext(ctx)
	for i, use := range uses {
		g.Go(func() error {
			result := a.callTool(gctx, use)
			results[i] = llms.ContentBlock{
				Type:      llms.BlockTypeToolResult,
				ToolUseID: use.ID,
				Content:   result.Content,
				IsError:   result.IsError,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return llms.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return llms.Message{}, err
	}

	if emit != nil {
		for _, block := range results {
			event := llms.StreamEvent{
				Type: llms.StreamEventToolResult,
				Data: llms.StreamEventData{
					ToolUseID: block.ToolUseID,
					Content:   block.Content,
					IsError:   block.IsError,
				},
			}
			if err := emit(event); err != nil {
				return llms.Message{}, err
			}
		}
	}

	return llms.Message{Role: llms.RoleUser, Blocks: results}, nil
}

// callTool never fails the turn: dispatch errors come back as error blocks.
func (a *Agent) callTool(ctx context.Context, use llms.ContentBlock) *mcphost.ToolResult {
	if a.tools == nil {
		return &mcphost.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("tool %q is not routable", use.Name),
		}
	}

	result, err := a.tools.CallTool(ctx, use.Name, use.Input)
	if err != nil {
		return &mcphost.ToolResult{IsError: true, Content: err.Error()}
	}
	return result
}

// validateStructuredOutput checks a candidate final message against the
// response schema. It returns the correction prompt for the model, or ""
// when the message is acceptable.
func (a *Agent) validateStructuredOutput(msg llms.Message) string {
	if a.schema == nil {
		return ""
	}

	text := strings.TrimSpace(msg.Text())
	result, err := a.schema.Validate(gojsonschema.NewStringLoader(text))
	if err != nil {
		return fmt.Sprintf("Your response must be valid JSON matching the required schema, but it could not be parsed: %v. Respond again with ONLY the JSON object.", err)
	}
	if result.Valid() {
		return ""
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Sprintf("Your response did not match the required schema: %s. Respond again with ONLY the JSON object.", strings.Join(problems, "; "))
}
