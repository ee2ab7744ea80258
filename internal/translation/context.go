// Package translation keeps the rolling context of recent source/target pairs
// that biases translation toward a coherent conversation.
package translation

import (
	"sync"
	"time"
)

// DefaultClearAfter is the silence gap after which the context is cleared.
const DefaultClearAfter = 1500 * time.Millisecond

// DefaultMaxPairs is the number of pairs retained.
const DefaultMaxPairs = 6

// Pair is one translated utterance.
type Pair struct {
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	SourceLang string    `json:"source_lang"`
	TargetLang string    `json:"target_lang"`
	At         time.Time `json:"at"`
}

// Option configures a [Context].
type Option func(*Context)

// WithClearAfter sets the silence gap that clears the context. Zero keeps
// pairs regardless of gaps.
func WithClearAfter(d time.Duration) Option {
	return func(c *Context) { c.clearAfter = d }
}

// WithMaxPairs bounds the number of retained pairs.
func WithMaxPairs(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.maxPairs = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// Context is the per-session translation context. The capture side reports
// speech boundaries with [Context.SpeechStarted] and [Context.SpeechEnded].
// Silence is the time between the last input (a speech offset or a new pair)
// and the next speech onset; when it exceeds the clear-after window, the
// pairs are dropped at that onset. Time spent speaking never counts as
// silence, however long the utterance.
//
// All methods are safe for concurrent use.
type Context struct {
	mu         sync.Mutex
	pairs      []Pair
	last       time.Time
	speaking   bool
	clearAfter time.Duration
	maxPairs   int
	now        func() time.Time
}

// NewContext returns an empty context.
func NewContext(opts ...Option) *Context {
	c := &Context{
		clearAfter: DefaultClearAfter,
		maxPairs:   DefaultMaxPairs,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SpeechStarted records a speech onset. Pairs are cleared first when the
// silence before it was longer than the clear-after window. Repeated calls
// without [Context.SpeechEnded] are ignored.
func (c *Context) SpeechStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speaking {
		return
	}
	now := c.now()
	if c.clearAfter > 0 && !c.last.IsZero() && now.Sub(c.last) > c.clearAfter {
		c.pairs = nil
	}
	c.speaking = true
}

// SpeechEnded records a speech offset. The silence gap starts here.
func (c *Context) SpeechEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = false
	c.markLocked(c.now())
}

// Speaking reports whether speech is in progress.
func (c *Context) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Add appends p and counts it as input. It never clears: a pair only
// finishes an utterance that was already heard. A zero p.At is set to now.
func (c *Context) Add(p Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.At.IsZero() {
		p.At = c.now()
	}
	c.markLocked(p.At)
	c.pairs = append(c.pairs, p)
	if len(c.pairs) > c.maxPairs {
		fresh := make([]Pair, c.maxPairs)
		copy(fresh, c.pairs[len(c.pairs)-c.maxPairs:])
		c.pairs = fresh
	}
}

// Recent returns up to n of the newest pairs in chronological order. n <= 0
// returns every pair.
func (c *Context) Recent(n int) []Pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.pairs
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]Pair, len(src))
	copy(out, src)
	return out
}

// Len returns the number of retained pairs.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

// Clear drops every pair and forgets the last input time. The speaking
// flag is kept; it follows the capture side.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = nil
	c.last = time.Time{}
}

// SetClearAfter changes the silence gap.
func (c *Context) SetClearAfter(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearAfter = d
}

func (c *Context) markLocked(at time.Time) {
	if at.After(c.last) {
		c.last = at
	}
}
