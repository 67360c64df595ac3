// Package aurite is a runtime for configuration-driven LLM agents.
//
// Components (agents, llm connections, mcp tool servers, workflows) are
// declared in JSON or YAML files discovered through .aurite anchor files.
// The engine resolves a named component, provisions its dependencies just
// in time (tool servers over MCP, a model client for its provider), drives
// a bounded conversation loop with concurrent tool dispatch, and persists
// the session so conversations can be resumed.
//
// # Quick start
//
//	eng, err := engine.New(".")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Shutdown(context.Background())
//
//	result, err := eng.RunAgent(ctx, "weather_agent", "What's the weather in Paris?", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(result.PrimaryText())
//
// Streaming runs emit a normalized event sequence instead:
//
//	events, err := eng.StreamAgent(ctx, "weather_agent", "hi", nil)
//	for event := range events {
//		// session_info, text_delta, tool_use_start, ..., stream_end
//	}
//
// # Packages
//
//   - pkg/config: anchor discovery and the component index
//   - pkg/session: file-based session store
//   - pkg/mcphost: MCP tool-server host (subprocess, command, http_stream)
//   - pkg/llms: provider-agnostic model clients (Anthropic, OpenAI)
//   - pkg/agent: the agent turn loop
//   - pkg/engine: the public execution API
package aurite
