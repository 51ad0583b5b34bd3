package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/session-core/internal/models"
)

// KEYS: hash index, record, user set. ARGV: id, expire-at ms, created ms, then field/value pairs.
const createSessionScript = `
if not redis.call("SET", KEYS[1], ARGV[1], "NX") then
  return 0
end
redis.call("PEXPIREAT", KEYS[1], ARGV[2])
redis.call("HSET", KEYS[2], unpack(ARGV, 4))
redis.call("PEXPIREAT", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return 1
`

// KEYS: record. ARGV: updated ms, retention ms, key prefix.
const deactivateSessionScript = `
if redis.call("HGET", KEYS[1], "is_active") ~= "1" then
  return 0
end
redis.call("HSET", KEYS[1], "is_active", "0", "updated_at", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
local th = redis.call("HGET", KEYS[1], "token_hash")
if th then
  redis.call("PEXPIRE", ARGV[3] .. ":hash:" .. th, ARGV[2])
end
return 1
`

// KEYS: user set. ARGV: updated ms, retention ms, key prefix.
const deactivateUserSessionsScript = `
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[3] .. ":rec:" .. id
  if redis.call("HGET", key, "is_active") == "1" then
    redis.call("HSET", key, "is_active", "0", "updated_at", ARGV[1])
    redis.call("PEXPIRE", key, ARGV[2])
    local th = redis.call("HGET", key, "token_hash")
    if th then
      redis.call("PEXPIRE", ARGV[3] .. ":hash:" .. th, ARGV[2])
    end
    n = n + 1
  end
end
return n
`

var (
	createSessionLua          = redis.NewScript(createSessionScript)
	deactivateSessionLua      = redis.NewScript(deactivateSessionScript)
	deactivateUserSessionsLua = redis.NewScript(deactivateUserSessionsScript)
)

// RedisSessionRepository keeps refresh token records in Redis hashes. Records expire
// on their own once past expiry plus the retention window; PurgeExpired sweeps what the
// TTLs leave behind. The Lua scripts derive key names from the prefix, so the store
// expects a single Redis node rather than a cluster.
type RedisSessionRepository struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisSessionRepository creates a Redis-backed session store.
func NewRedisSessionRepository(client redis.UniversalClient, prefix string, retention time.Duration) *RedisSessionRepository {
	if prefix == "" {
		prefix = "session"
	}
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &RedisSessionRepository{client: client, prefix: prefix, retention: retention, now: time.Now}
}

// WithClock overrides the clock used for expiry comparisons and timestamps.
func (r *RedisSessionRepository) WithClock(now func() time.Time) *RedisSessionRepository {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *RedisSessionRepository) recordKey(id string) string {
	return r.prefix + ":rec:" + id
}

func (r *RedisSessionRepository) hashKey(tokenHash string) string {
	return r.prefix + ":hash:" + tokenHash
}

func (r *RedisSessionRepository) userKey(userID string) string {
	return r.prefix + ":user:" + userID
}

// Create inserts a new active record and returns its identifier.
func (r *RedisSessionRepository) Create(ctx context.Context, rec *models.RefreshTokenRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.IsActive = true

	args := []interface{}{rec.ID, rec.ExpiresAt.Add(r.retention).UnixMilli(), now.UnixMilli()}
	args = append(args, encodeRecord(rec)...)
	keys := []string{r.hashKey(rec.TokenHash), r.recordKey(rec.ID), r.userKey(rec.UserID)}

	created, err := createSessionLua.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return "", fmt.Errorf("create refresh token: %w", err)
	}
	if created == 0 {
		return "", ErrDuplicateTokenHash
	}
	return rec.ID, nil
}

// FindActive returns the active, unexpired record holding the hash.
func (r *RedisSessionRepository) FindActive(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error) {
	rec, err := r.FindByHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive || rec.ExpiredAt(r.now()) {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

// FindByHash returns the record holding the hash regardless of state, as long as it
// is still retained.
func (r *RedisSessionRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error) {
	id, err := r.client.Get(ctx, r.hashKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("find refresh token index: %w", err)
	}
	fields, err := r.client.HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return decodeRecord(fields)
}

// DeactivateIfActive flips the record to inactive only if it is still active.
func (r *RedisSessionRepository) DeactivateIfActive(ctx context.Context, id string) (bool, error) {
	flipped, err := deactivateSessionLua.Run(ctx, r.client,
		[]string{r.recordKey(id)},
		r.now().UTC().UnixMilli(), r.retention.Milliseconds(), r.prefix,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("deactivate refresh token: %w", err)
	}
	return flipped == 1, nil
}

// DeactivateAllForUser deactivates every active record of the user.
func (r *RedisSessionRepository) DeactivateAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := deactivateUserSessionsLua.Run(ctx, r.client,
		[]string{r.userKey(userID)},
		r.now().UTC().UnixMilli(), r.retention.Milliseconds(), r.prefix,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("deactivate user refresh tokens: %w", err)
	}
	return n, nil
}

// ListActive returns the user's active, unexpired records, newest first.
func (r *RedisSessionRepository) ListActive(ctx context.Context, userID string) ([]models.RefreshTokenRecord, error) {
	ids, err := r.client.ZRevRange(ctx, r.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list refresh token ids: %w", err)
	}
	records, err := r.loadRecords(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}

	now := r.now()
	active := make([]models.RefreshTokenRecord, 0, len(records))
	for _, rec := range records {
		if rec == nil || !rec.IsActive || rec.ExpiredAt(now) {
			continue
		}
		active = append(active, *rec)
	}
	return active, nil
}

// PurgeExpired deletes records deactivated or expired before the retention window and
// drops index entries whose record already expired.
func (r *RedisSessionRepository) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.now().UTC().Add(-retention)
	var purged int64

	iter := r.client.Scan(ctx, 0, r.prefix+":user:*", 100).Iterator()
	for iter.Next(ctx) {
		userKey := iter.Val()
		ids, err := r.client.ZRange(ctx, userKey, 0, -1).Result()
		if err != nil {
			return purged, fmt.Errorf("purge refresh tokens: %w", err)
		}
		records, err := r.loadRecords(ctx, ids)
		if err != nil {
			return purged, fmt.Errorf("purge refresh tokens: %w", err)
		}

		for i, rec := range records {
			if rec == nil {
				if err := r.client.ZRem(ctx, userKey, ids[i]).Err(); err != nil {
					return purged, fmt.Errorf("purge dangling refresh token: %w", err)
				}
				continue
			}
			stale := (!rec.IsActive && rec.UpdatedAt.Before(cutoff)) || rec.ExpiresAt.Before(cutoff)
			if !stale {
				continue
			}
			deleted, err := r.deleteRecord(ctx, userKey, rec)
			if err != nil {
				return purged, fmt.Errorf("purge refresh token: %w", err)
			}
			purged += deleted
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("scan refresh token users: %w", err)
	}
	return purged, nil
}

func (r *RedisSessionRepository) deleteRecord(ctx context.Context, userKey string, rec *models.RefreshTokenRecord) (int64, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.recordKey(rec.ID))
		pipe.Del(ctx, r.hashKey(rec.TokenHash))
		pipe.ZRem(ctx, userKey, rec.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return del.Val(), nil
}

// loadRecords fetches records in one round trip. Missing records yield nil entries at
// the same index.
func (r *RedisSessionRepository) loadRecords(ctx context.Context, ids []string) ([]*models.RefreshTokenRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]*models.RefreshTokenRecord, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}

func encodeRecord(rec *models.RefreshTokenRecord) []interface{} {
	active := "0"
	if rec.IsActive {
		active = "1"
	}
	return []interface{}{
		"id", rec.ID,
		"user_id", rec.UserID,
		"role", string(rec.Role),
		"token_hash", rec.TokenHash,
		"expires_at", rec.ExpiresAt.UnixMilli(),
		"is_active", active,
		"user_agent", rec.UserAgent,
		"ip_address", rec.IP,
		"device_id", rec.DeviceID,
		"created_at", rec.CreatedAt.UnixMilli(),
		"updated_at", rec.UpdatedAt.UnixMilli(),
	}
}

func decodeRecord(fields map[string]string) (*models.RefreshTokenRecord, error) {
	rec := &models.RefreshTokenRecord{
		ID:        fields["id"],
		UserID:    fields["user_id"],
		Role:      models.UserRole(fields["role"]),
		TokenHash: fields["token_hash"],
		IsActive:  fields["is_active"] == "1",
		DeviceInfo: models.DeviceInfo{
			UserAgent: fields["user_agent"],
			IP:        fields["ip_address"],
			DeviceID:  fields["device_id"],
		},
	}
	var err error
	if rec.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return nil, fmt.Errorf("decode refresh token %s expires_at: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("decode refresh token %s created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseMillis(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode refresh token %s updated_at: %w", rec.ID, err)
	}
	return rec, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
