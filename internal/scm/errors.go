package scm

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes for source-control failures.
var (
	ErrAuth      = errors.New("scm authentication failed")
	ErrConflict  = errors.New("scm conflict")
	ErrTransient = errors.New("scm transient network error")
)

// Error is a failed source-control operation.
type Error struct {
	Op string
	// Class is one of ErrAuth, ErrConflict, ErrTransient, or nil.
	Class error
	Err   error
}

func (e *Error) Error() string {
	if e.Class != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Class == nil {
		return []error{e.Err}
	}
	return []error{e.Class, e.Err}
}

var classes = []struct {
	class    error
	patterns []string
}{
	{ErrAuth, []string{
		"authentication failed",
		"permission denied",
		"could not read username",
		"bad credentials",
		"http 401",
		"http 403",
		"gh auth login",
	}},
	{ErrConflict, []string{
		"non-fast-forward",
		"[rejected]",
		"merge conflict",
		"already exists",
		"fetch first",
	}},
	{ErrTransient, []string{
		"could not resolve host",
		"connection reset",
		"connection refused",
		"timed out",
		"temporary failure",
		"http 502",
		"http 503",
		"early eof",
	}},
}

// classify maps command output to an error class.
func classify(output string) error {
	lower := strings.ToLower(output)
	for _, c := range classes {
		for _, p := range c.patterns {
			if strings.Contains(lower, p) {
				return c.class
			}
		}
	}
	return nil
}

// Retryable reports whether err is a transient failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
