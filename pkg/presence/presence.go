// Package presence records which users currently hold a live session.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

type Tracker interface {
	Online(ctx context.Context, id auth.Identity) error
	Offline(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
}

func userKey(id int64) string { return fmt.Sprintf("user:%d", id) }

// RedisTracker keeps one hash per user: user:{id} -> online, username, last_seen.
type RedisTracker struct {
	rdb    redis.Cmdable
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewRedisTracker(rdb redis.Cmdable, logger *zap.SugaredLogger) *RedisTracker {
	return &RedisTracker{rdb: rdb, now: time.Now, logger: util.OrNop(logger)}
}

func (t *RedisTracker) Online(ctx context.Context, id auth.Identity) error {
	err := t.rdb.HSet(ctx, userKey(id.UserID),
		"online", "true",
		"username", id.Username,
		"role", string(id.Role),
		"last_seen", strconv.FormatInt(t.now().Unix(), 10),
	).Err()
	if err != nil {
		t.logger.Warnw("presence_online_failed", "user", id.UserID, "err", err)
	}
	return err
}

func (t *RedisTracker) Offline(ctx context.Context, userID int64) error {
	err := t.rdb.HSet(ctx, userKey(userID),
		"online", "false",
		"last_seen", strconv.FormatInt(t.now().Unix(), 10),
	).Err()
	if err != nil {
		t.logger.Warnw("presence_offline_failed", "user", userID, "err", err)
	}
	return err
}

func (t *RedisTracker) IsOnline(ctx context.Context, userID int64) (bool, error) {
	v, err := t.rdb.HGet(ctx, userKey(userID), "online").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// MemoryTracker is used when Redis is disabled.
type MemoryTracker struct {
	mu     sync.RWMutex
	online map[int64]bool
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{online: make(map[int64]bool)}
}

func (t *MemoryTracker) Online(_ context.Context, id auth.Identity) error {
	t.mu.Lock()
	t.online[id.UserID] = true
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) Offline(_ context.Context, userID int64) error {
	t.mu.Lock()
	delete(t.online, userID)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) IsOnline(_ context.Context, userID int64) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID], nil
}

var (
	_ Tracker = (*RedisTracker)(nil)
	_ Tracker = (*MemoryTracker)(nil)
)
