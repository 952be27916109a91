// Package a2a implements the append-only fact channel shared by the
// children of one composite run. The group id is the parent run id.
//
// A run belongs to its parent's group and, when the parent is itself a
// subtask, to the group its parent shares with its siblings. That lets the
// SWEs of two PMs under one FullstackPlanner agree on an interface.
package a2a

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// Channel errors.
var (
	// ErrNotMember rejects a post from a run outside the group.
	ErrNotMember = errors.New("sender is not a member of the group")
	// ErrWaitTimeout means no matching fact arrived before the deadline.
	ErrWaitTimeout = errors.New("timed out waiting for fact")
)

// Log is the ordered message storage behind a channel. store.DB,
// store.Memory and RedisLog implement it.
type Log interface {
	PostMessage(ctx context.Context, groupID, senderRunID string, content models.Fact) (int64, error)
	ListMessages(ctx context.Context, groupID string, since int64) ([]models.Message, error)
}

// Channel validates membership and forwards to a Log.
type Channel struct {
	log  Log
	runs store.RunStore
	wait WaitConfig
}

// Option configures a Channel.
type Option func(*Channel)

// WithWait sets the polling schedule used by WaitFor.
func WithWait(cfg WaitConfig) Option {
	return func(c *Channel) { c.wait = cfg }
}

// New creates a channel over log. runs resolves sender membership.
func New(log Log, runs store.RunStore, opts ...Option) *Channel {
	c := &Channel{
		log:  log,
		runs: runs,
		wait: DefaultWaitConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Groups returns the groups a run coordinates in, nearest first: its
// parent's group, then the grandparent's group when one exists.
func (c *Channel) Groups(ctx context.Context, runID string) ([]string, error) {
	run, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resolve run: %w", err)
	}
	return c.groupsOf(ctx, run)
}

func (c *Channel) groupsOf(ctx context.Context, run *models.Run) ([]string, error) {
	if run.ParentRunID == "" {
		return nil, nil
	}
	parent, err := c.runs.GetRun(ctx, run.ParentRunID)
	if err != nil {
		return nil, fmt.Errorf("resolve parent: %w", err)
	}
	if parent.ParentRunID == "" {
		return []string{parent.ID}, nil
	}
	return []string{parent.ID, parent.ParentRunID}, nil
}

// Post appends a fact to the group and returns its id. The sender must be
// the group's run itself or belong to the group through Groups.
func (c *Channel) Post(ctx context.Context, senderRunID, groupID string, fact models.Fact) (int64, error) {
	if groupID == "" {
		return 0, fmt.Errorf("%w: run %s has no group", ErrNotMember, senderRunID)
	}
	sender, err := c.runs.GetRun(ctx, senderRunID)
	if err != nil {
		return 0, fmt.Errorf("resolve sender: %w", err)
	}
	if sender.ID != groupID {
		groups, err := c.groupsOf(ctx, sender)
		if err != nil {
			return 0, err
		}
		if !slices.Contains(groups, groupID) {
			return 0, fmt.Errorf("%w: run %s, group %s", ErrNotMember, senderRunID, groupID)
		}
	}
	id, err := c.log.PostMessage(ctx, groupID, senderRunID, fact)
	if err != nil {
		return 0, fmt.Errorf("post fact: %w", err)
	}
	return id, nil
}

// Read returns messages of the group with id > since in ascending order.
func (c *Channel) Read(ctx context.Context, groupID string, since int64) ([]models.Message, error) {
	msgs, err := c.log.ListMessages(ctx, groupID, since)
	if err != nil {
		return nil, fmt.Errorf("read facts: %w", err)
	}
	return msgs, nil
}

// Cursor reads a group incrementally so each fact is observed once.
type Cursor struct {
	ch      *Channel
	groupID string
	last    int64
}

// Cursor starts reading the group after message id since.
func (c *Channel) Cursor(groupID string, since int64) *Cursor {
	return &Cursor{ch: c, groupID: groupID, last: since}
}

// Next returns messages posted since the previous call.
func (cur *Cursor) Next(ctx context.Context) ([]models.Message, error) {
	msgs, err := cur.ch.Read(ctx, cur.groupID, cur.last)
	if err != nil {
		return nil, err
	}
	if n := len(msgs); n > 0 {
		cur.last = msgs[n-1].ID
	}
	return msgs, nil
}

// Position is the id of the last message returned.
func (cur *Cursor) Position() int64 {
	return cur.last
}
