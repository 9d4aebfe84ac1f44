package resilience

import (
	"context"

	"github.com/crowdsynth/crowdsynth/pkg/provider/llm"
)

// LLMFallback chains [llm.Provider] backends behind per-backend breakers. The
// arbiter calls it once per tick round; when the preferred model is down or
// cooling off, the completion comes from the next model in the chain and the
// tick still resolves on time.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback builds a chain with primary at the head. primaryName labels
// the breaker in logs.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends a provider to the end of the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete runs the completion against the first healthy backend in the
// chain.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary provider's capabilities. The arbiter
// builds its prompts against the preferred model; fallbacks are assumed
// compatible.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.primary().Capabilities()
}
