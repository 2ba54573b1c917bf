package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/gpu-orchestrator/internal/cache"
	"github.com/riftforge/gpu-orchestrator/internal/models"
)

type fakeLister struct {
	byRegion map[string][]models.Product
	calls    map[string]int
}

func newFakeLister() *fakeLister {
	return &fakeLister{byRegion: map[string][]models.Product{}, calls: map[string]int{}}
}

func (f *fakeLister) ListProducts(_ context.Context, _, regionID, _ string) ([]models.Product, error) {
	f.calls[regionID]++
	return f.byRegion[regionID], nil
}

func newTestCache() *cache.Cache {
	return cache.New(cache.Config{MaxSize: 100, DefaultTTL: time.Minute})
}

func TestPicksCheapestAvailableInFirstRegion(t *testing.T) {
	lister := newFakeLister()
	lister.byRegion["us-east"] = []models.Product{
		{ID: "p2", SpotPriceUSDPerHour: 2.0, Availability: true},
		{ID: "p1", SpotPriceUSDPerHour: 1.0, Availability: true},
		{ID: "p0", SpotPriceUSDPerHour: 0.5, Availability: false},
	}
	s := New(lister, newTestCache())

	result, err := s.GetOptimalProductWithFallback(context.Background(), "a100", "", []models.RegionConfig{
		{ID: "us-east", Name: "us-east", Priority: 1},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "p1", result.Product.ID)
	assert.Equal(t, "us-east", result.RegionUsed)
}

func TestFallsBackToNextRegionOnEmptyResult(t *testing.T) {
	lister := newFakeLister()
	lister.byRegion["us-east"] = nil
	lister.byRegion["eu-west"] = []models.Product{{ID: "p1", SpotPriceUSDPerHour: 3.0, Availability: true}}
	s := New(lister, newTestCache())

	result, err := s.GetOptimalProductWithFallback(context.Background(), "a100", "", []models.RegionConfig{
		{ID: "us-east", Name: "us-east", Priority: 1},
		{ID: "eu-west", Name: "eu-west", Priority: 2},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", result.RegionUsed)
}

func TestPreferredRegionTriedFirstRegardlessOfPriority(t *testing.T) {
	lister := newFakeLister()
	lister.byRegion["us-east"] = []models.Product{{ID: "p1", SpotPriceUSDPerHour: 1.0, Availability: true}}
	lister.byRegion["eu-west"] = []models.Product{{ID: "p2", SpotPriceUSDPerHour: 1.0, Availability: true}}
	s := New(lister, newTestCache())

	result, err := s.GetOptimalProductWithFallback(context.Background(), "a100", "eu-west", []models.RegionConfig{
		{ID: "us-east", Name: "us-east", Priority: 1},
		{ID: "eu-west", Name: "eu-west", Priority: 2},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", result.RegionUsed)
	assert.Equal(t, 0, lister.calls["us-east"], "preferred region must be tried before any other")
}

func TestTiesBrokenByProductIDLexicographicOrder(t *testing.T) {
	lister := newFakeLister()
	lister.byRegion["us-east"] = []models.Product{
		{ID: "zeta", SpotPriceUSDPerHour: 1.0, Availability: true},
		{ID: "alpha", SpotPriceUSDPerHour: 1.0, Availability: true},
	}
	s := New(lister, newTestCache())

	result, err := s.GetOptimalProductWithFallback(context.Background(), "a100", "", []models.RegionConfig{
		{ID: "us-east", Name: "us-east", Priority: 1},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "alpha", result.Product.ID)
}

func TestAllRegionsFailingRaisesAggregateError(t *testing.T) {
	lister := newFakeLister()
	s := New(lister, newTestCache())

	_, err := s.GetOptimalProductWithFallback(context.Background(), "a100", "", []models.RegionConfig{
		{ID: "us-east", Name: "us-east", Priority: 1},
		{ID: "eu-west", Name: "eu-west", Priority: 2},
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO_OPTIMAL_PRODUCT_ANY_REGION")
}

func TestCachesResultPerRegionAndProduct(t *testing.T) {
	lister := newFakeLister()
	lister.byRegion["us-east"] = []models.Product{{ID: "p1", SpotPriceUSDPerHour: 1.0, Availability: true}}
	s := New(lister, newTestCache())

	regions := []models.RegionConfig{{ID: "us-east", Name: "us-east", Priority: 1}}
	_, err := s.GetOptimalProductWithFallback(context.Background(), "a100", "", regions, "")
	require.NoError(t, err)
	_, err = s.GetOptimalProductWithFallback(context.Background(), "a100", "", regions, "")
	require.NoError(t, err)

	assert.Equal(t, 1, lister.calls["us-east"], "second call should be served from cache")
}
