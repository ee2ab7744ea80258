package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/parlox/pkg/provider/llm"
)

// ErrEmptyCompletion is reported for a backend that answered without text.
// A blank translation is useless to the caller, so it counts as a failure
// and the next backend is tried.
var ErrEmptyCompletion = errors.New("resilience: empty completion")

// LLMFallback is an [llm.Provider] that spreads completions over several
// backends in configuration order, each behind its own circuit breaker.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback preferring primary. More backends
// are added with AddFallback.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{FallbackGroup: NewFallbackGroup(primary, primaryName, cfg)}
}

// Group returns the failover group, for health checks.
func (f *LLMFallback) Group() *FallbackGroup[llm.Provider] { return f.FallbackGroup }

// Complete returns the first non-empty reply.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		switch {
		case err != nil:
			return nil, err
		case resp == nil || strings.TrimSpace(resp.Content) == "":
			return nil, ErrEmptyCompletion
		}
		return resp, nil
	})
}
