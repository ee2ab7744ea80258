// Package mock provides a test double for the stt.Provider interface.
//
// Results are returned in order from Results; once exhausted, Default is
// returned. Every call is recorded.
//
//	p := &mock.Provider{Results: []stt.Result{{Text: "hello"}}}
//	res, _ := p.Transcribe(ctx, stt.Request{Audio: wav})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parlox/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive calls.
	Results []stt.Result

	// Default is returned once Results is exhausted.
	Default stt.Result

	// Err, if non-nil, is returned from every call.
	Err error

	// Delay is slept (honouring ctx) before returning.
	Delay time.Duration

	// TranscribeFunc, if set, replaces the canned behaviour entirely.
	TranscribeFunc func(ctx context.Context, req stt.Request) (stt.Result, error)

	// Calls records every request.
	Calls []stt.Request
}

// Transcribe records the call and returns the next canned result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn, delay, err := p.TranscribeFunc, p.Delay, p.Err
	res := p.Default
	if len(p.Results) > 0 {
		res, p.Results = p.Results[0], p.Results[1:]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
