package relay

import (
	"context"
	"sync"
	"time"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/redis/go-redis/v9"
)

// RegistrationCache remembers which relay application serves a trip and the
// last status published for it. Losing it costs one redundant provisioning.
type RegistrationCache interface {
	Get(ctx context.Context, tripID string) (models.WebhookRegistration, bool, error)
	Put(ctx context.Context, reg models.WebhookRegistration) error
	SetLastStatus(ctx context.Context, tripID string, status models.TripStatus) error
}

type MemoryCache struct {
	mu   sync.RWMutex
	regs map[string]models.WebhookRegistration
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{regs: make(map[string]models.WebhookRegistration)}
}

func (m *MemoryCache) Get(_ context.Context, tripID string) (models.WebhookRegistration, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[tripID]
	return reg, ok, nil
}

func (m *MemoryCache) Put(_ context.Context, reg models.WebhookRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.regs[reg.TripID]; ok && prev.LastStatus.Rank() >= reg.LastStatus.Rank() {
		reg.LastStatus = prev.LastStatus
	}
	m.regs[reg.TripID] = reg
	return nil
}

// SetLastStatus records status unless the trip already holds a status at
// the same or a later lifecycle rank.
func (m *MemoryCache) SetLastStatus(_ context.Context, tripID string, status models.TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[tripID]
	if ok && reg.LastStatus != "" && reg.LastStatus.Rank() >= status.Rank() {
		return nil
	}
	reg.TripID = tripID
	reg.LastStatus = status
	reg.UpdatedAt = time.Now().UTC()
	m.regs[tripID] = reg
	return nil
}

// HashStore is the subset of redis hash commands the cache needs.
// SetStatusIfNewer writes last_status, last_rank and updated_at in one step,
// and only when the stored last_rank is absent or lower than rank.
type HashStore interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SetStatusIfNewer(ctx context.Context, key, status string, rank int, updatedAt string) (bool, error)
}

var setStatusIfNewer = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'last_rank'))
if cur and cur >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'last_status', ARGV[1], 'last_rank', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

type redisHashes struct{ c *redis.Client }

func (r *redisHashes) SetStatusIfNewer(ctx context.Context, key, status string, rank int, updatedAt string) (bool, error) {
	n, err := setStatusIfNewer.Run(ctx, r.c, []string{key}, status, rank, updatedAt).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisHashes) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisHashes) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

// NewRedisHashes adapts a go-redis client to HashStore.
func NewRedisHashes(c *redis.Client) HashStore { return &redisHashes{c: c} }

// RegistrationKey is the redis hash holding a trip's relay registration. The
// status consumer writes last_status into the same hash.
func RegistrationKey(tripID string) string { return "trip:relay:" + tripID }

// RedisCache keeps registrations in redis hashes so they survive restarts
// and are shared between gateway replicas.
type RedisCache struct {
	h HashStore
}

func NewRedisCache(h HashStore) *RedisCache { return &RedisCache{h: h} }

func (r *RedisCache) Get(ctx context.Context, tripID string) (models.WebhookRegistration, bool, error) {
	m, err := r.h.HGetAll(ctx, RegistrationKey(tripID))
	if err != nil {
		return models.WebhookRegistration{}, false, apperr.Transient(err, "read relay registration %s", tripID)
	}
	if len(m) == 0 {
		return models.WebhookRegistration{}, false, nil
	}
	reg := models.WebhookRegistration{
		TripID:     tripID,
		AppID:      m["app_id"],
		EndpointID: m["endpoint_id"],
		LastStatus: models.TripStatus(m["last_status"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["updated_at"]); err == nil {
		reg.UpdatedAt = ts
	}
	return reg, true, nil
}

func (r *RedisCache) Put(ctx context.Context, reg models.WebhookRegistration) error {
	err := r.h.HSet(ctx, RegistrationKey(reg.TripID), map[string]interface{}{
		"app_id":      reg.AppID,
		"endpoint_id": reg.EndpointID,
		"updated_at":  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return apperr.Transient(err, "write relay registration %s", reg.TripID)
	}
	if reg.LastStatus != "" {
		return r.SetLastStatus(ctx, reg.TripID, reg.LastStatus)
	}
	return nil
}

// SetLastStatus records status unless redis already holds a status at the
// same or a later lifecycle rank. The check and write run as one script so
// gateway replicas and the status consumer cannot regress each other.
func (r *RedisCache) SetLastStatus(ctx context.Context, tripID string, status models.TripStatus) error {
	_, err := r.h.SetStatusIfNewer(ctx, RegistrationKey(tripID), string(status), status.Rank(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Transient(err, "write last status %s", tripID)
	}
	return nil
}
