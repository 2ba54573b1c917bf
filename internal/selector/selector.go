// Package selector implements the region-fallback optimal product
// selection algorithm: try each candidate region in
// priority order, cache-then-fetch, filter to available products, and
// take the cheapest.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/riftforge/gpu-orchestrator/internal/cache"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// ProductLister is the subset of the provider adapter this package
// depends on — kept narrow so tests can substitute a fake.
type ProductLister interface {
	ListProducts(ctx context.Context, productName, regionID, gpuType string) ([]models.Product, error)
}

// Selector resolves the cheapest available product for a requested
// name, trying regions in priority order and falling back on failure.
type Selector struct {
	provider ProductLister
	cache    *cache.Cache
}

// New constructs a Selector. productsCache holds the resolved cheapest
// pick per product name, region name and GPU type; the raw per-region
// product listing is not cached.
func New(provider ProductLister, productsCache *cache.Cache) *Selector {
	return &Selector{provider: provider, cache: productsCache}
}

// Result is the outcome of a successful selection.
type Result struct {
	Product    models.Product
	RegionUsed string
}

// regionFailure records why one region was skipped, for the aggregate
// error raised when every region fails.
type regionFailure struct {
	Region string
	Reason string
}

// GetOptimalProductWithFallback implements the region-fallback selection algorithm.
// regions is the full candidate set; preferredRegionName, if non-empty
// and present in regions, is tried first regardless of its priority.
func (s *Selector) GetOptimalProductWithFallback(
	ctx context.Context,
	productName string,
	preferredRegionName string,
	regions []models.RegionConfig,
	gpuType string,
) (*Result, error) {
	ordered := orderRegions(regions, preferredRegionName)

	var failures []regionFailure
	for _, region := range ordered {
		product, err := s.pickForRegion(ctx, productName, region, gpuType)
		if err != nil {
			failures = append(failures, regionFailure{Region: region.Name, Reason: err.Error()})
			continue
		}
		return &Result{Product: *product, RegionUsed: region.ID}, nil
	}

	return nil, noOptimalProductError(productName, failures)
}

// orderRegions sorts by Priority ascending, then promotes
// preferredRegionName (by name match) to the front if present.
func orderRegions(regions []models.RegionConfig, preferredRegionName string) []models.RegionConfig {
	ordered := make([]models.RegionConfig, len(regions))
	copy(ordered, regions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	if preferredRegionName == "" {
		return ordered
	}
	for i, r := range ordered {
		if r.Name == preferredRegionName {
			preferred := ordered[i]
			rest := append(ordered[:i:i], ordered[i+1:]...)
			return append([]models.RegionConfig{preferred}, rest...)
		}
	}
	return ordered
}

// pickForRegion resolves the cheapest available product within one
// region, consulting the cache before calling the provider.
func (s *Selector) pickForRegion(ctx context.Context, productName string, region models.RegionConfig, gpuType string) (*models.Product, error) {
	key := cacheKey(productName, region.Name, gpuType)
	if cached, ok := s.cache.Get(key); ok {
		product := cached.(models.Product)
		return &product, nil
	}

	products, err := s.provider.ListProducts(ctx, productName, region.ID, gpuType)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	best := cheapestAvailable(products)
	if best == nil {
		return nil, fmt.Errorf("no available product named %q", productName)
	}

	s.cache.Set(key, *best, 0)
	return best, nil
}

// cheapestAvailable filters to availability==true and returns the
// lowest spotPriceUsdPerHour entry, breaking ties by product ID
// lexicographic order.
func cheapestAvailable(products []models.Product) *models.Product {
	var candidates []models.Product
	for _, p := range products {
		if p.Availability {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].SpotPriceUSDPerHour != candidates[j].SpotPriceUSDPerHour {
			return candidates[i].SpotPriceUSDPerHour < candidates[j].SpotPriceUSDPerHour
		}
		return candidates[i].ID < candidates[j].ID
	})
	return &candidates[0]
}

func cacheKey(productName, regionName, gpuType string) string {
	return fmt.Sprintf("%s|%s|%s", productName, regionName, gpuType)
}

func noOptimalProductError(productName string, failures []regionFailure) error {
	reasons := make([]string, len(failures))
	for i, f := range failures {
		reasons[i] = fmt.Sprintf("%s: %s", f.Region, f.Reason)
	}
	return apierrors.NewNotFoundError(productName).WithMessage(
		fmt.Sprintf("NO_OPTIMAL_PRODUCT_ANY_REGION: %s", strings.Join(reasons, "; ")),
	).WithDetails(failures)
}
