// internal/models/queue.go
package models

import "time"

// QueueItem wraps a Request while it waits for dispatch. Owned exclusively
// by the orchestrator's queue; only the dispatch loop mutates it.
type QueueItem struct {
	Request       *Request
	Priority      Priority
	RetryCount    int
	EnqueuedAt    time.Time
	EstimatedCost int // rough prompt tokens
}

// NewQueueItem classifies a request into its tier's priority class.
func NewQueueItem(req *Request) *QueueItem {
	return &QueueItem{
		Request:       req,
		Priority:      PriorityForTier(req.Tier),
		EnqueuedAt:    time.Now().UTC(),
		EstimatedCost: len(req.Text) / 4,
	}
}
