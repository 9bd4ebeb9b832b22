// Package presence mirrors room membership into Redis for external
// consumers (dashboards, other instances). The gateway treats it as
// best-effort: errors are logged, never propagated to clients.
package presence

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Member is one mirrored room occupant.
type Member struct {
	SessionID string
	Username  string
}

type Presence interface {
	// Touch registers (or refreshes) a session in a room.
	Touch(ctx context.Context, roomID, sessionID, username string, ttl time.Duration) error

	// Remove drops a session from a room.
	Remove(ctx context.Context, roomID, sessionID string) error

	// Members lists sessions whose logical TTL has not expired.
	Members(ctx context.Context, roomID string) ([]Member, error)

	// DisposeRoom clears all mirrored state for a room.
	DisposeRoom(ctx context.Context, roomID string) error
}

func roomKey(roomID string) string  { return "presence:room:" + roomID }
func namesKey(roomID string) string { return "presence:names:" + roomID }

type redisPresence struct {
	rdb *redis.Client
}

// NewRedis mirrors presence into the given Redis client.
func NewRedis(rdb *redis.Client) Presence {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Touch(ctx context.Context, roomID, sessionID, username string, ttl time.Duration) error {
	// ZSET score is the logical expiry (Unix seconds); refreshing is just
	// another Touch.
	expireAt := time.Now().Add(ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, namesKey(roomID), sessionID, username)
	tx.Expire(ctx, roomKey(roomID), ttl*2)
	tx.Expire(ctx, namesKey(roomID), ttl*2)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Remove(ctx context.Context, roomID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), sessionID)
	tx.HDel(ctx, namesKey(roomID), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Members(ctx context.Context, roomID string) ([]Member, error) {
	now := float64(time.Now().Unix())

	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: formatScore(now),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(roomID), ids...).Result()
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		m := Member{SessionID: id}
		if i < len(names) {
			if name, ok := names[i].(string); ok {
				m.Username = name
			}
		}
		members = append(members, m)
	}
	return members, nil
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func (p *redisPresence) DisposeRoom(ctx context.Context, roomID string) error {
	return p.rdb.Del(ctx, roomKey(roomID), namesKey(roomID)).Err()
}
