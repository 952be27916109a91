package a2a

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// WaitConfig bounds how long and how often WaitFor polls.
type WaitConfig struct {
	Timeout time.Duration
	Initial time.Duration
	Max     time.Duration
}

// DefaultWaitConfig returns the polling schedule used when none is set.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		Timeout: 2 * time.Minute,
		Initial: time.Second,
		Max:     15 * time.Second,
	}
}

var errNoMatch = errors.New("no matching fact yet")

// WaitFor polls the group until a message after since satisfies match.
// It never blocks past the configured timeout and returns ErrWaitTimeout
// so the caller can fall back to acting without the fact.
func (c *Channel) WaitFor(ctx context.Context, groupID string, since int64, match func(models.Message) bool) (models.Message, error) {
	return c.poll(ctx, []*Cursor{c.Cursor(groupID, since)}, groupID, match)
}

// WaitForAny is WaitFor over several groups, each read from the start.
func (c *Channel) WaitForAny(ctx context.Context, groupIDs []string, match func(models.Message) bool) (models.Message, error) {
	cursors := make([]*Cursor, len(groupIDs))
	for i, id := range groupIDs {
		cursors[i] = c.Cursor(id, 0)
	}
	return c.poll(ctx, cursors, strings.Join(groupIDs, ","), match)
}

func (c *Channel) poll(ctx context.Context, cursors []*Cursor, groupID string, match func(models.Message) bool) (models.Message, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.wait.Initial
	b.MaxInterval = c.wait.Max

	op := func() (models.Message, error) {
		for _, cur := range cursors {
			msgs, err := cur.Next(ctx)
			if err != nil {
				return models.Message{}, backoff.Permanent(err)
			}
			for _, m := range msgs {
				if match(m) {
					return m, nil
				}
			}
		}
		return models.Message{}, errNoMatch
	}

	msg, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.wait.Timeout),
	)
	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, errNoMatch):
		return models.Message{}, fmt.Errorf("%w: group %s after %s", ErrWaitTimeout, groupID, c.wait.Timeout)
	default:
		return models.Message{}, err
	}
}

// HasKey matches messages whose fact carries the given key.
func HasKey(key string) func(models.Message) bool {
	return func(m models.Message) bool {
		_, ok := m.Content[key]
		return ok
	}
}
