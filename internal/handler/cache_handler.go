package handler

import (
	"net/http"

	"github.com/riftforge/gpu-orchestrator/internal/cache"
	"github.com/riftforge/gpu-orchestrator/internal/pkg/response"
)

// CacheHandler backs the administrative cache routes:
// GET /cache/stats, POST /cache/clear, POST /cache/cleanup.
type CacheHandler struct {
	registry *cache.Registry
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(registry *cache.Registry) *CacheHandler {
	return &CacheHandler{registry: registry}
}

type cacheStatsEntry struct {
	Size  int         `json:"size"`
	Stats cache.Stats `json:"stats"`
}

// Stats handles GET /cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]cacheStatsEntry)
	for name, c := range h.registry.All() {
		out[name] = cacheStatsEntry{Size: c.Size(), Stats: c.Stats()}
	}
	response.OK(w, out)
}

// Clear handles POST /cache/clear — empties every named cache.
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.registry.All() {
		c.Clear()
	}
	response.OK(w, map[string]string{"status": "cleared"})
}

// Cleanup handles POST /cache/cleanup — sweeps expired entries out of
// every named cache ahead of its next scheduled sweep.
func (h *CacheHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	total := 0
	for _, c := range h.registry.All() {
		total += c.CleanupExpired()
	}
	response.OK(w, map[string]int{"evicted": total})
}
