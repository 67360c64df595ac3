package config

// Kind identifies a component category.
type Kind string

const (
	KindAgent          Kind = "agent"
	KindLLM            Kind = "llm"
	KindMCPServer      Kind = "mcp_server"
	KindLinearWorkflow Kind = "linear_workflow"
	KindCustomWorkflow Kind = "custom_workflow"
)

// Kinds lists every recognized component kind.
func Kinds() []Kind {
	return []Kind{KindAgent, KindLLM, KindMCPServer, KindLinearWorkflow, KindCustomWorkflow}
}

func validKind(kind Kind) bool {
	for _, k := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// ContextLevel records where a component came from in the priority order.
type ContextLevel string

const (
	ContextProject      ContextLevel = "project"
	ContextWorkspace    ContextLevel = "workspace"
	ContextUser         ContextLevel = "user"
	ContextProgrammatic ContextLevel = "programmatic"
)

// ComponentRecord is one parsed component plus its provenance.
type ComponentRecord struct {
	Kind         Kind           `json:"kind"`
	ID           string         `json:"id"`
	Body         map[string]any `json:"body"`
	SourceFile   string         `json:"source_file"`
	ContextPath  string         `json:"context_path"`
	ContextLevel ContextLevel   `json:"context_level"`
}

// Source is one config directory in the ordered priority list.
type Source struct {
	Path         string
	ContextPath  string
	ContextLevel ContextLevel
}

type recordKey struct {
	kind Kind
	id   string
}
