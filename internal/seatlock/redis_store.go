package seatlock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeySeatLock is the hash holding seat expiries for one showtime:
// seatlock:{showtime_id} -> {seat_id: expiry_ms}
const KeySeatLock = "seatlock:%s"

// acquireScript runs the whole admission check and write inside Redis so
// two instances can never both pass the check for the same seat.  Expired
// fields are pruned on a successful acquire to keep the hash small.
var acquireScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local expires_ms = ARGV[2]
	local ttl_ms = tonumber(ARGV[3])

	local taken = {}
	for i = 4, #ARGV do
		local exp = tonumber(redis.call('HGET', key, ARGV[i]))
		if exp and exp > now_ms then
			taken[#taken + 1] = ARGV[i]
		end
	end
	if #taken > 0 then
		return taken
	end

	local all = redis.call('HGETALL', key)
	for i = 1, #all, 2 do
		local exp = tonumber(all[i + 1])
		if not exp or exp <= now_ms then
			redis.call('HDEL', key, all[i])
		end
	end

	for i = 4, #ARGV do
		redis.call('HSET', key, ARGV[i], expires_ms)
	end
	redis.call('PEXPIRE', key, ttl_ms)

	return taken
`)

// releaseHoldScript deletes a seat field only while it still carries the
// expiry written by the hold being released.
var releaseHoldScript = redis.NewScript(`
	local key = KEYS[1]
	local expires_ms = ARGV[1]
	local removed = 0
	for i = 2, #ARGV do
		if redis.call('HGET', key, ARGV[i]) == expires_ms then
			removed = removed + redis.call('HDEL', key, ARGV[i])
		end
	end
	return removed
`)

// RedisStore keeps seat holds in Redis hashes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func seatLockKey(showtimeID string) string {
	return fmt.Sprintf(KeySeatLock, showtimeID)
}

func (s *RedisStore) Acquire(ctx context.Context, showtimeID string, seatIDs []string, now, expiresAt time.Time, keyTTL time.Duration) ([]string, error) {
	args := make([]interface{}, 0, 3+len(seatIDs))
	args = append(args, now.UnixMilli(), expiresAt.UnixMilli(), keyTTL.Milliseconds())
	for _, id := range seatIDs {
		args = append(args, id)
	}
	taken, err := acquireScript.Run(ctx, s.client, []string{seatLockKey(showtimeID)}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("acquire script: %w", err)
	}
	return taken, nil
}

func (s *RedisStore) Release(ctx context.Context, showtimeID string, seatIDs []string) error {
	if len(seatIDs) == 0 {
		return nil
	}
	return s.client.HDel(ctx, seatLockKey(showtimeID), seatIDs...).Err()
}

func (s *RedisStore) ReleaseHold(ctx context.Context, showtimeID string, seatIDs []string, expiresAt time.Time) error {
	if len(seatIDs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 1+len(seatIDs))
	args = append(args, strconv.FormatInt(expiresAt.UnixMilli(), 10))
	for _, id := range seatIDs {
		args = append(args, id)
	}
	if err := releaseHoldScript.Run(ctx, s.client, []string{seatLockKey(showtimeID)}, args...).Err(); err != nil {
		return fmt.Errorf("release hold script: %w", err)
	}
	return nil
}

func (s *RedisStore) Expiries(ctx context.Context, showtimeID string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, seatLockKey(showtimeID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for seat, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue // unreadable entries count as free
		}
		out[seat] = ms
	}
	return out, nil
}
