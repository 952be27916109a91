package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// appendScript assigns the next id and appends in one atomic step so ids
// and log order always agree.
var appendScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], id, id .. '|' .. ARGV[1])
return id
`)

// RedisLog stores group messages in Redis for supervisors that span hosts.
// Each group has a counter key and a sorted set scored by message id.
type RedisLog struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisLog.
type RedisOption func(*RedisLog)

// WithPrefix sets the key prefix for Redis keys.
// Default is "cairn".
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLog) {
		l.prefix = prefix
	}
}

// NewRedisLog creates a Redis-backed message log.
func NewRedisLog(client redis.UniversalClient, opts ...RedisOption) *RedisLog {
	l := &RedisLog{
		client: client,
		prefix: "cairn",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type redisEntry struct {
	SenderRunID string      `json:"sender_run_id"`
	Content     models.Fact `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (l *RedisLog) seqKey(groupID string) string {
	return fmt.Sprintf("%s:a2a:%s:seq", l.prefix, groupID)
}

func (l *RedisLog) logKey(groupID string) string {
	return fmt.Sprintf("%s:a2a:%s:log", l.prefix, groupID)
}

// PostMessage appends a fact and returns its id.
func (l *RedisLog) PostMessage(ctx context.Context, groupID, senderRunID string, content models.Fact) (int64, error) {
	if groupID == "" || senderRunID == "" {
		return 0, fmt.Errorf("message requires group and sender")
	}
	data, err := json.Marshal(redisEntry{
		SenderRunID: senderRunID,
		Content:     content,
		CreatedAt:   l.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}
	id, err := appendScript.Run(ctx, l.client, []string{l.seqKey(groupID), l.logKey(groupID)}, string(data)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis append failed: %w", err)
	}
	return id, nil
}

// ListMessages returns messages with id > since in ascending order.
func (l *RedisLog) ListMessages(ctx context.Context, groupID string, since int64) ([]models.Message, error) {
	members, err := l.client.ZRangeByScore(ctx, l.logKey(groupID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range failed: %w", err)
	}

	msgs := make([]models.Message, 0, len(members))
	for _, member := range members {
		idPart, body, ok := strings.Cut(member, "|")
		if !ok {
			return nil, fmt.Errorf("malformed a2a entry in %s", l.logKey(groupID))
		}
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse message id: %w", err)
		}
		var entry redisEntry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message %d: %w", id, err)
		}
		msgs = append(msgs, models.Message{
			ID:          id,
			GroupID:     groupID,
			SenderRunID: entry.SenderRunID,
			Content:     entry.Content,
			CreatedAt:   entry.CreatedAt,
		})
	}
	return msgs, nil
}
