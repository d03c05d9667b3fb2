// Package mock provides a test double for the textgen.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Replies: []string{`{"title":"Café"}`}}
//	res, err := p.Generate(ctx, textgen.Request{Prompt: "hi", Schema: s})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecoach/pkg/provider/textgen"
)

var _ textgen.Provider = (*Provider)(nil)

// Provider is a mock implementation of textgen.Provider. Replies are
// returned in order, the last one repeating; each is passed through
// [textgen.Finish] so schema validation behaves like a real backend.
type Provider struct {
	mu sync.Mutex

	// Replies are the raw backend replies.
	Replies []string

	// Err, if non-nil, is returned from Generate instead of a reply.
	Err error

	// Calls records every request in order.
	Calls []textgen.Request
}

// Generate implements textgen.Provider.
func (p *Provider) Generate(_ context.Context, req textgen.Request) (textgen.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	n := len(p.Calls)
	err := p.Err
	var reply string
	if len(p.Replies) > 0 {
		reply = p.Replies[min(n, len(p.Replies))-1]
	}
	p.mu.Unlock()

	if err != nil {
		return textgen.Result{}, err
	}
	if err := req.Validate(); err != nil {
		return textgen.Result{}, err
	}
	return textgen.Finish(req, reply)
}

// CallCount returns the number of Generate calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
