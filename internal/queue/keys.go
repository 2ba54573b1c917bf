// Package queue implements the Redis-backed durable job queue:
// per-type ready/scheduled/processing sorted-set indices over
// a shared job-body hash, with idempotency-key deduplication.
package queue

import "fmt"

func readyKey(jobType string) string      { return fmt.Sprintf("queue:%s:ready", jobType) }
func scheduledKey(jobType string) string  { return fmt.Sprintf("queue:%s:scheduled", jobType) }
func processingKey(jobType string) string { return fmt.Sprintf("queue:%s:processing", jobType) }
func bodyKey(jobType string) string       { return fmt.Sprintf("queue:%s:body", jobType) }
func idempotencyKey(jobType, key string) string {
	return fmt.Sprintf("queue:%s:idempotency:%s", jobType, key)
}

// priorityWeight dominates the createdAt component of the ready-index
// score so ZREVRANGE always prefers strictly higher priority before
// ever considering age — createdAt is expressed in unix millis, which
// never exceeds ~13 digits, so 1e13 leaves enough headroom between
// adjacent priority tiers.
const priorityWeight = 1e13

// readyScore combines priority (descending) and createdAt (ascending,
// i.e. FIFO among equal priorities) into a single sortable score for
// the ready index.
func readyScore(priority int, createdAtMillis int64) float64 {
	return float64(priority)*priorityWeight - float64(createdAtMillis)
}
