// internal/provider/static.go
package provider

import (
	"context"
	"sync"
	"time"
)

// StaticGateway returns deterministic responses for local runs and tests.
// Replies are consumed in order; once exhausted, the default reply repeats.
type StaticGateway struct {
	mu           sync.Mutex
	name         string
	replies      []staticReply
	defaultReply string
	delay        time.Duration
	calls        int
}

type staticReply struct {
	text string
	err  error
}

// NewStaticGateway creates a gateway that always answers defaultReply.
func NewStaticGateway(name, defaultReply string) *StaticGateway {
	return &StaticGateway{name: name, defaultReply: defaultReply}
}

// WithDelay makes every call take at least d, for timeout testing.
func (g *StaticGateway) WithDelay(d time.Duration) *StaticGateway {
	g.delay = d
	return g
}

// QueueReply appends a scripted successful reply.
func (g *StaticGateway) QueueReply(text string) *StaticGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, staticReply{text: text})
	return g
}

// QueueError appends a scripted failure.
func (g *StaticGateway) QueueError(err error) *StaticGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, staticReply{err: err})
	return g
}

// Calls reports how many invocations the gateway has served.
func (g *StaticGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *StaticGateway) Name() string {
	return g.name
}

func (g *StaticGateway) Invoke(ctx context.Context, _, user string, _ int, _ float64) (*Completion, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	var reply staticReply
	if len(g.replies) > 0 {
		reply = g.replies[0]
		g.replies = g.replies[1:]
	} else {
		reply = staticReply{text: g.defaultReply}
	}
	g.mu.Unlock()

	if reply.err != nil {
		return nil, reply.err
	}
	return &Completion{Text: reply.text, TokensUsed: len(user) / 4}, nil
}
