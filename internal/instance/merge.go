package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftforge/gpu-orchestrator/internal/cache"
	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// ProviderInstance mirrors the fields of provider.Instance this package
// needs, so it doesn't import internal/provider directly — tests
// substitute a fake ProviderLister instead of a real HTTP stub.
type ProviderInstance struct {
	UpstreamID string
	Status     string
	Connection *models.Connection
	Ports      []models.Port
}

// ProviderLister is the narrow provider surface listInstancesComprehensive
// needs (satisfied by the adapter around internal/provider.Client in
// cmd/server/main.go).
type ProviderLister interface {
	ListInstances(ctx context.Context) ([]ProviderInstance, error)
}

// LocalLister is the narrow local-store surface listInstancesComprehensive
// needs (satisfied directly by Store, whose ListAll scans the KV
// namespace since Store indexes by localId).
type LocalLister interface {
	ListAll(ctx context.Context) ([]models.InstanceState, error)
}

// ListOptions controls listInstancesComprehensive.
type ListOptions struct {
	SyncLocalState        bool
	IncludeUpstreamOnly    bool
	EnableFallbackToLocal  bool
}

// MergedRow is one row of a comprehensive listing: the local record
// (if any) overlaid with provider-authoritative lifecycle fields.
type MergedRow struct {
	models.InstanceState
	FallbackToLocal bool `json:"fallbackToLocal,omitempty"`
}

// Counts reports how many rows came from each source.
type Counts struct {
	Local   int `json:"local"`
	Upstream int `json:"upstream"`
	Merged  int `json:"merged"`
}

// Performance reports the timing breakdown of one comprehensive listing
.
type Performance struct {
	TotalMs    int64 `json:"totalMs"`
	UpstreamMs int64 `json:"upstreamMs"`
	LocalMs    int64 `json:"localMs"`
	CacheHit   bool  `json:"cacheHit"`
}

// ComprehensiveListing is the full response listInstancesComprehensive
// returns.
type ComprehensiveListing struct {
	Items       []MergedRow `json:"items"`
	Counts      Counts      `json:"counts"`
	Performance Performance `json:"performance"`
}

// Lister composes Store with the provider/local fan-out merge logic.
type Lister struct {
	store    LocalLister
	provider ProviderLister
	cache    *cache.Registry
}

// NewLister constructs a Lister. store is typically the same *Store
// UpdateInstanceState uses (Store implements LocalLister via ListAll).
func NewLister(store LocalLister, provider ProviderLister, cacheRegistry *cache.Registry) *Lister {
	return &Lister{store: store, provider: provider, cache: cacheRegistry}
}

func mergedCacheKey(opts ListOptions) string {
	return fmt.Sprintf("sync=%v;upstreamOnly=%v;fallback=%v", opts.SyncLocalState, opts.IncludeUpstreamOnly, opts.EnableFallbackToLocal)
}

// ListInstancesComprehensive implements the local/upstream merge algorithm.
func (l *Lister) ListInstancesComprehensive(ctx context.Context, opts ListOptions) (*ComprehensiveListing, error) {
	start := time.Now()
	mergedCache := l.cache.Get(cache.NameMergedInstances)
	key := mergedCacheKey(opts)
	if v, ok := mergedCache.Get(key); ok {
		if listing, ok := v.(ComprehensiveListing); ok {
			listing.Performance.CacheHit = true
			return &listing, nil
		}
	}

	var (
		localStates []models.InstanceState
		upstream    []ProviderInstance
		localErr    error
		upstreamErr error
		localMs     int64
		upstreamMs  int64
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t0 := time.Now()
		localStates, localErr = l.store.ListAll(ctx)
		localMs = time.Since(t0).Milliseconds()
	}()
	go func() {
		defer wg.Done()
		t0 := time.Now()
		upstream, upstreamErr = l.provider.ListInstances(ctx)
		upstreamMs = time.Since(t0).Milliseconds()
	}()
	wg.Wait()

	if localErr != nil {
		return nil, localErr
	}

	fallback := false
	if upstreamErr != nil {
		if !opts.EnableFallbackToLocal {
			return nil, upstreamErr
		}
		fallback = true
		upstream = nil
	}

	byUpstreamID := make(map[string]*models.InstanceState, len(localStates))
	for i := range localStates {
		if localStates[i].UpstreamID != "" {
			byUpstreamID[localStates[i].UpstreamID] = &localStates[i]
		}
	}

	rows := make([]MergedRow, 0, len(localStates))
	seenUpstream := make(map[string]bool, len(upstream))

	for _, up := range upstream {
		seenUpstream[up.UpstreamID] = true
		local, hasLocal := byUpstreamID[up.UpstreamID]
		if !hasLocal && !opts.IncludeUpstreamOnly {
			// Provider-only row with no local shadow, and the caller
			// didn't ask for those.
			continue
		}
		row := MergedRow{FallbackToLocal: fallback}
		if hasLocal {
			row.InstanceState = *local
		}
		row.InstanceState.UpstreamID = up.UpstreamID
		row.InstanceState.Status = models.InstanceStatus(up.Status)
		row.InstanceState.Connection = up.Connection
		row.InstanceState.Ports = up.Ports
		rows = append(rows, row)
	}

	// Local-only rows (no upstreamId yet, e.g. still CREATING, or the
	// upstream listing didn't mention them) are always kept — they're
	// the local store's own records, not conditioned on includeUpstreamOnly.
	for i := range localStates {
		if localStates[i].UpstreamID == "" || !seenUpstream[localStates[i].UpstreamID] {
			rows = append(rows, MergedRow{InstanceState: localStates[i], FallbackToLocal: fallback})
		}
	}

	listing := ComprehensiveListing{
		Items: rows,
		Counts: Counts{
			Local:    len(localStates),
			Upstream: len(upstream),
			Merged:   len(rows),
		},
		Performance: Performance{
			TotalMs:    time.Since(start).Milliseconds(),
			UpstreamMs: upstreamMs,
			LocalMs:    localMs,
			CacheHit:   false,
		},
	}

	mergedCache.Set(key, listing, 0)

	if opts.SyncLocalState {
		l.persistMergedState(ctx, rows)
	}

	return &listing, nil
}

// persistMergedState writes provider-authoritative fields back to the
// local store when opts.syncLocalState is set.
// Per-row update errors (including rejected status transitions) are
// discarded without logging, so a sync failure never fails the listing
// response itself.
func (l *Lister) persistMergedState(ctx context.Context, rows []MergedRow) {
	store, ok := l.store.(*Store)
	if !ok {
		return
	}
	for _, row := range rows {
		if row.InstanceState.ID == "" || row.InstanceState.UpstreamID == "" {
			continue
		}
		status := row.InstanceState.Status
		connection := row.InstanceState.Connection
		ports := row.InstanceState.Ports
		_, _ = store.UpdateInstanceState(ctx, row.InstanceState.ID, func(s *models.InstanceState) {
			s.Status = status
			s.Connection = connection
			s.Ports = ports
		})
	}
}
