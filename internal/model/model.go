// Package model abstracts the language model an agent converses with.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrModel wraps failures of the model endpoint. Runs that hit it fail as
// collaborator failures.
var ErrModel = errors.New("model invocation failed")

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	// Properties is the JSON schema "properties" object of the input.
	Properties map[string]any
	Required   []string
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	// Stop ends the tool loop after this result.
	Stop bool `json:"-"`
}

// Message is one turn of a conversation.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is a conversation sent to the model.
type Request struct {
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int64
}

// Usage counts tokens of one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Turn is the model's reply.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
	// EndTurn is true when the model finished without requesting tools.
	EndTurn bool
	Usage   Usage
}

// Invoker sends a conversation to a model.
type Invoker interface {
	Converse(ctx context.Context, req Request) (*Turn, error)
}

// Complete runs a single prompt without tools and returns the text reply.
func Complete(ctx context.Context, inv Invoker, system, prompt string) (string, error) {
	turn, err := inv.Converse(ctx, Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Text: prompt}},
	})
	if err != nil {
		return "", err
	}
	return turn.Text, nil
}
