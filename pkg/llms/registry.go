package llms

import (
	"fmt"
	"time"
)

// ProviderOptions are the resolved connection settings for one provider
// client. They come from an llm component plus environment lookup.
type ProviderOptions struct {
	Provider    string
	Model       string
	APIKey      string
	APIBase     string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// New builds a Client for the options' provider.
func New(opts ProviderOptions) (Client, error) {
	switch opts.Provider {
	case "anthropic":
		return NewAnthropicClient(opts)
	case "openai":
		return NewOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (valid: anthropic, openai)", opts.Provider)
	}
}
