package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-core/internal/models"
)

type redisFixture struct {
	mr    *miniredis.Miniredis
	repo  *RedisSessionRepository
	now   time.Time
	mu    sync.Mutex
	close func()
}

func (f *redisFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *redisFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
	f.mr.SetTime(f.now)
}

func newRedisFixture(t *testing.T) *redisFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	f := &redisFixture{mr: mr, now: time.Now().UTC().Truncate(time.Millisecond)}
	mr.SetTime(f.now)
	f.repo = NewRedisSessionRepository(client, "test", time.Hour).WithClock(f.clock)
	f.close = func() {
		client.Close()
		mr.Close()
	}
	return f
}

func createRedisRecord(t *testing.T, f *redisFixture, userID, hash string, ttl time.Duration) string {
	t.Helper()
	id, err := f.repo.Create(context.Background(), &models.RefreshTokenRecord{
		UserID:     userID,
		Role:       models.RoleTenant,
		TokenHash:  hash,
		ExpiresAt:  f.clock().Add(ttl),
		DeviceInfo: models.DeviceInfo{UserAgent: "ua", IP: "10.0.0.1", DeviceID: "dev-1"},
	})
	require.NoError(t, err)
	return id
}

func TestRedisSessionRepositoryCreateAndFind(t *testing.T) {
	f := newRedisFixture(t)
	defer f.close()
	ctx := context.Background()

	id := createRedisRecord(t, f, "u1", "h1", 24*time.Hour)

	rec, err := f.repo.FindActive(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, models.RoleTenant, rec.Role)
	assert.Equal(t, "dev-1", rec.DeviceID)
	assert.True(t, rec.IsActive)
	assert.Equal(t, f.clock(), rec.CreatedAt)

	_, err = f.repo.FindActive(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.True(t, f.mr.Exists("test:rec:"+id))
	assert.True(t, f.mr.Exists("test:hash:h1"))
}

func TestRedisSessionRepositoryRejectsDuplicateHash(t *testing.T) {
	f := newRedisFixture(t)
	defer f.close()

	createRedisRecord(t, f, "u1", "h1", time.Hour)
	_, err := f.repo.Create(context.Background(), &models.RefreshTokenRecord{UserID: "u2", TokenHash: "h1", ExpiresAt: f.clock().Add(time.Hour)})
	assert.ErrorIs(t, err, ErrDuplicateTokenHash)
}

func TestRedisSessionRepositoryFindActiveHonoursExpiry(t *testing.T) {
	f := newRedisFixture(t)
	defer f.close()
	ctx := context.Background()

	createRedisRecord(t, f, "u1", "h1", time.Minute)
	f.advance(2 * time.Minute)

	_, err := f.repo.FindActive(ctx, "h1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := f.repo.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
}

func TestRedisSessionRepositoryDeactivateIsSingleWinner(t *testing.T) {
	f := newRedisFixture(t)
	defer f.close()
	ctx := context.Background()

	id := createRedisRecord(t, f, "u1", "h1", time.Hour)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := f.repo.DeactivateIfActive(ctx, id)
			assert.NoError(t, err)
			if won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	_, err := f.repo.FindActive(ctx, "h1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := f.repo.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.Equal(t, time.Hour, f.mr.TTL("test:rec:"+id))
}

func TestRedisSessionRepositoryDeactivateUnknown(t *testing.T) {
	f := newRedisFixture(t)
	defer f.close()

	won, err := f.repo.DeactivateIfActive(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestRedisSessionRepositoryDeactivateAllAndList(t *testing.T) {
	f := newRedisFixture(t)
	defer f.close()
	ctx := context.Background()

	first := createRedisRecord(t, f, "u1", "h1", time.Hour)
	f.advance(time.Second)
	second := createRedisRecord(t, f, "u1", "h2", time.Hour)
	createRedisRecord(t, f, "u2", "h3", time.Hour)

	records, err := f.repo.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second, records[0].ID)
	assert.Equal(t, first, records[1].ID)

	won, err := f.repo.DeactivateIfActive(ctx, first)
	require.NoError(t, err)
	require.True(t, won)

	n, err := f.repo.DeactivateAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err = f.repo.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, records)

	others, err := f.repo.ListActive(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestRedisSessionRepositoryPurgeExpired(t *testing.T) {
	f := newRedisFixture(t)
	defer f.close()
	ctx := context.Background()

	revoked := createRedisRecord(t, f, "u1", "h1", 48*time.Hour)
	expiring := createRedisRecord(t, f, "u1", "h2", time.Minute)
	kept := createRedisRecord(t, f, "u1", "h3", 48*time.Hour)

	won, err := f.repo.DeactivateIfActive(ctx, revoked)
	require.NoError(t, err)
	require.True(t, won)

	// Sweep with a window shorter than the TTL retention so records are still present.
	f.advance(10 * time.Minute)
	n, err := f.repo.PurgeExpired(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.False(t, f.mr.Exists("test:rec:"+revoked))
	assert.False(t, f.mr.Exists("test:rec:"+expiring))
	assert.False(t, f.mr.Exists("test:hash:h1"))
	assert.True(t, f.mr.Exists("test:rec:"+kept))

	n, err = f.repo.PurgeExpired(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	records, err := f.repo.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, kept, records[0].ID)
}

func TestRedisSessionRepositoryPurgeDropsDanglingIndex(t *testing.T) {
	f := newRedisFixture(t)
	defer f.close()
	ctx := context.Background()

	id := createRedisRecord(t, f, "u1", "h1", time.Hour)
	f.mr.Del("test:rec:" + id)

	n, err := f.repo.PurgeExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.mr.Exists("test:user:u1"))
}
