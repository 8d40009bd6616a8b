package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/pavelanni/testroom/internal/model"
)

// RedisTracker keeps one hash per session, keyed by student id, with the
// status encoded as JSON.
type RedisTracker struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*RedisTracker)

// WithTTL expires a session hash after the last report.
func WithTTL(ttl time.Duration) Option {
	return func(t *RedisTracker) {
		t.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(t *RedisTracker) {
		t.prefix = prefix
	}
}

// NewRedis connects a tracker to a Redis server.
func NewRedis(address, password string, db int, opts ...Option) *RedisTracker {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisFromClient(rdb, opts...)
}

// NewRedisFromClient creates a tracker from an existing client.
func NewRedisFromClient(client *backend.Client, opts ...Option) *RedisTracker {
	t := &RedisTracker{
		client: client,
		prefix: "testroom:progress:",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTracker) key(sessionID string) string {
	return t.prefix + sessionID
}

// Ping checks the Redis connection.
func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

// ReportStatus stores st for its student. A report without a start time keeps
// the one recorded earlier.
func (t *RedisTracker) ReportStatus(ctx context.Context, sessionID string, st model.StudentStatus) error {
	st.Joined = true
	if st.StartTime == nil {
		prev, err := t.client.HGet(ctx, t.key(sessionID), st.StudentID).Result()
		switch {
		case errors.Is(err, backend.Nil):
		case err != nil:
			return fmt.Errorf("failed to read status from redis: %w", err)
		default:
			var old model.StudentStatus
			if err := json.Unmarshal([]byte(prev), &old); err == nil {
				st.StartTime = old.StartTime
			}
		}
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, t.key(sessionID), st.StudentID, data)
	if t.ttl > 0 {
		pipe.Expire(ctx, t.key(sessionID), t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save status to redis: %w", err)
	}
	return nil
}

// FetchStudentStatuses returns every reported status of the session, ordered
// by student id.
func (t *RedisTracker) FetchStudentStatuses(ctx context.Context, sessionID string) ([]model.StudentStatus, error) {
	vals, err := t.client.HGetAll(ctx, t.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get statuses from redis: %w", err)
	}
	statuses := make([]model.StudentStatus, 0, len(vals))
	for studentID, raw := range vals {
		var st model.StudentStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status of %s: %w", studentID, err)
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].StudentID < statuses[j].StudentID })
	return statuses, nil
}
