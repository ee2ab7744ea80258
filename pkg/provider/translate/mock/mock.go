// Package mock provides a test double for the translate.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parlox/pkg/provider/translate"
)

var _ translate.Provider = (*Provider)(nil)

// Provider is a mock implementation of translate.Provider. By default it
// returns the input prefixed with "[target] ".
type Provider struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from every call.
	Err error

	// TranslateFunc, if set, computes the result instead.
	TranslateFunc func(ctx context.Context, req translate.Request) (translate.Result, error)

	// Calls records every request.
	Calls []translate.Request
}

// Translate records the call and returns a canned translation.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn, err := p.TranslateFunc, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return translate.Result{}, err
	}
	return translate.Result{Text: "[" + req.Target + "] " + req.Text}, nil
}

// Requests returns a copy of the recorded calls.
func (p *Provider) Requests() []translate.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]translate.Request, len(p.Calls))
	copy(out, p.Calls)
	return out
}
