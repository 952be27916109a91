package exec

import (
	"context"
	"strings"
	"sync"
)

// Response is a canned result for a Fake.
type Response struct {
	Output   string
	ExitCode int
}

// Fake records commands and answers them from prefix-matched responses.
// Unmatched commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	responses map[string]Response
	commands  []Command
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{responses: make(map[string]Response)}
}

// On registers a response for command lines starting with prefix.
func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = resp
	return f
}

// Run records cmd and returns the longest matching response.
func (f *Fake) Run(ctx context.Context, cmd Command) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	line := cmd.String()
	best := ""
	for prefix := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	resp, ok := f.responses[best]
	if !ok {
		return nil, nil
	}
	out := []byte(resp.Output)
	if resp.ExitCode != 0 {
		return out, &ExitError{Command: cmd, ExitCode: resp.ExitCode, Output: out}
	}
	return out, nil
}

// Commands returns the recorded command lines.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.commands))
	for i, c := range f.commands {
		lines[i] = c.String()
	}
	return lines
}

var _ Runner = (*Fake)(nil)
