package model

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays canned turns. It backs tests and offline runs.
type Scripted struct {
	mu       sync.Mutex
	turns    []*Turn
	requests []Request
	err      error
}

// NewScripted returns an invoker that answers with turns in order.
func NewScripted(turns ...*Turn) *Scripted {
	return &Scripted{turns: turns}
}

// FailWith makes every later call return err.
func (s *Scripted) FailWith(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Converse returns the next scripted turn.
func (s *Scripted) Converse(ctx context.Context, req Request) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModel, s.err)
	}
	if len(s.turns) == 0 {
		return nil, fmt.Errorf("%w: script exhausted after %d calls", ErrModel, len(s.requests)-1)
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	return turn, nil
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Text is a turn that ends with a text reply.
func Text(s string) *Turn {
	return &Turn{Text: s, EndTurn: true}
}

// Call is a turn that requests a single tool call.
func Call(id, name, input string) *Turn {
	return &Turn{ToolCalls: []ToolCall{{ID: id, Name: name, Input: []byte(input)}}}
}
