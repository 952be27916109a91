package model

import (
	"context"
	"fmt"
)

// Executor runs tool calls on behalf of a Loop.
type Executor interface {
	Execute(ctx context.Context, call ToolCall) ToolResult
}

// LoopResult contains the results of a tool loop.
type LoopResult struct {
	Output     string
	ToolCalls  int
	Iterations int
	Usage      Usage
	// Stopped is true when a tool ended the loop.
	Stopped bool
}

// Loop alternates model turns and tool execution until the model ends its
// turn, a tool stops the loop, or the iteration cap is reached.
type Loop struct {
	invoker       Invoker
	executor      Executor
	maxIterations int
	onTurn        func(*Turn)
}

// NewLoop creates a Loop. maxIterations <= 0 selects 50.
func NewLoop(inv Invoker, exec Executor, maxIterations int) *Loop {
	if maxIterations <= 0 {
		maxIterations = 50
	}
	return &Loop{invoker: inv, executor: exec, maxIterations: maxIterations}
}

// OnTurn registers a callback observing each model turn.
func (l *Loop) OnTurn(fn func(*Turn)) {
	l.onTurn = fn
}

// Run executes the loop with the given prompts and tools.
func (l *Loop) Run(ctx context.Context, system, prompt string, tools []Tool) (*LoopResult, error) {
	result := &LoopResult{}
	messages := []Message{{Role: RoleUser, Text: prompt}}

	for result.Iterations < l.maxIterations {
		result.Iterations++

		turn, err := l.invoker.Converse(ctx, Request{
			System:   system,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return result, err
		}
		result.Usage.InputTokens += turn.Usage.InputTokens
		result.Usage.OutputTokens += turn.Usage.OutputTokens
		if l.onTurn != nil {
			l.onTurn(turn)
		}
		if turn.Text != "" {
			result.Output = turn.Text
		}

		if len(turn.ToolCalls) == 0 {
			return result, nil
		}

		messages = append(messages, Message{Role: RoleAssistant, Text: turn.Text, ToolCalls: turn.ToolCalls})
		var results []ToolResult
		stop := false
		for _, call := range turn.ToolCalls {
			result.ToolCalls++
			res := l.executor.Execute(ctx, call)
			res.CallID = call.ID
			results = append(results, res)
			stop = stop || res.Stop
		}
		if stop {
			result.Stopped = true
			return result, nil
		}
		messages = append(messages, Message{Role: RoleUser, ToolResults: results})
	}

	return result, fmt.Errorf("max iterations (%d) reached", l.maxIterations)
}
