// Package instance owns the authoritative InstanceState record:
// a KV-backed store keyed by localId, a state-machine-enforced
// patch operation, and the provider-merge listing used by the HTTP
// layer's comprehensive-listing endpoint.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftforge/gpu-orchestrator/internal/cache"
	"github.com/riftforge/gpu-orchestrator/internal/database"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/pkg/serializer"
)

const kvPrefix = "instance:state:"

// Patch mutates a loaded InstanceState in place; UpdateInstanceState
// loads the current record, calls the patch on it, and writes back the
// whole resulting struct.
type Patch func(s *models.InstanceState)

// Store is the KV-backed InstanceState store.
type Store struct {
	redis *database.Redis
	cache *cache.Registry

	// stripes serializes concurrent updates to the same localId so a
	// load-patch-write sequence never races with another writer for the
	// same instance (a per-instance critical section), while
	// still letting unrelated instances update in parallel.
	stripes [256]sync.Mutex
}

// New constructs a Store.
func New(redis *database.Redis, cacheRegistry *cache.Registry) *Store {
	return &Store{redis: redis, cache: cacheRegistry}
}

func (s *Store) stripeFor(id string) *sync.Mutex {
	h := fnv32(id)
	return &s.stripes[h%uint32(len(s.stripes))]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Create writes the initial InstanceState for a newly-validated
// request (status CREATING), rejecting a duplicate id.
func (s *Store) Create(ctx context.Context, st models.InstanceState) error {
	mu := s.stripeFor(st.ID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.load(ctx, st.ID); err == nil {
		return apierrors.NewConflictError(fmt.Sprintf("instance %s already exists", st.ID))
	}

	now := time.Now().UTC()
	st.Timestamps.CreatedAt = now
	st.Timestamps.LastUpdatedAt = now
	return s.write(ctx, st)
}

// ListAll scans every InstanceState in the KV namespace. Used by the
// comprehensive-listing merge; not cached itself,
// since its caller (Lister) caches the merged result.
func (s *Store) ListAll(ctx context.Context) ([]models.InstanceState, error) {
	keys, err := s.redis.Keys(ctx, kvPrefix+"*")
	if err != nil {
		return nil, apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	out := make([]models.InstanceState, 0, len(keys))
	for _, key := range keys {
		id := key[len(kvPrefix):]
		st, err := s.load(ctx, id)
		if err != nil {
			continue // evicted between Keys and Get; skip rather than fail the whole scan
		}
		out = append(out, *st)
	}
	return out, nil
}

// Get reads the current InstanceState, checking the instance-details
// cache first.
func (s *Store) Get(ctx context.Context, id string) (*models.InstanceState, error) {
	cacheKey := id
	detailsCache := s.cache.Get(cache.NameInstanceDetails)
	if v, ok := detailsCache.Get(cacheKey); ok {
		if st, ok := v.(models.InstanceState); ok {
			return &st, nil
		}
	}

	st, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	detailsCache.Set(cacheKey, *st, 0)
	return st, nil
}

// UpdateInstanceState loads the current record, applies patch, stamps
// lastUpdatedAt, enforces the state machine, writes atomically, and
// invalidates the caches this store owns. The critical section is
// striped per localId so concurrent updates to different instances
// don't serialize against each other.
func (s *Store) UpdateInstanceState(ctx context.Context, id string, patch Patch) (*models.InstanceState, error) {
	mu := s.stripeFor(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	before := current.Status
	patch(current)

	if !isValidTransition(before, current.Status) {
		return nil, apierrors.NewConflictError(
			fmt.Sprintf("INVALID_TRANSITION: cannot move instance %s from %s to %s", id, before, current.Status))
	}

	current.Timestamps.LastUpdatedAt = time.Now().UTC()
	if err := s.write(ctx, *current); err != nil {
		return nil, err
	}
	s.invalidate(id)
	return current, nil
}

func (s *Store) load(ctx context.Context, id string) (*models.InstanceState, error) {
	raw, err := s.redis.Get(ctx, kvPrefix+id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apierrors.NewNotFoundError(fmt.Sprintf("instance %s", id))
		}
		return nil, apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	var st models.InstanceState
	if err := serializer.DeserializeInto(raw, &st); err != nil {
		return nil, apierrors.ErrSerialization.WithMessage(err.Error())
	}
	return &st, nil
}

func (s *Store) write(ctx context.Context, st models.InstanceState) error {
	encoded, err := serializer.Serialize(st)
	if err != nil {
		return apierrors.ErrSerialization.WithMessage(err.Error())
	}
	if err := s.redis.Set(ctx, kvPrefix+st.ID, encoded, 0); err != nil {
		return apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	return nil
}

// invalidate drops the cache entries this store owns as stale once a
// record changes: instance-details:id, instance-states:id, and every
// merged-instances entry (merges are keyed by listing options, not by
// id, so a targeted key can't be computed — the whole cache is cleared).
func (s *Store) invalidate(id string) {
	s.cache.Get(cache.NameInstanceDetails).Delete(id)
	s.cache.Get(cache.NameInstanceStates).Delete(id)
	s.cache.Get(cache.NameMergedInstances).Clear()
}
