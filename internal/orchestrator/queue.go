// internal/orchestrator/queue.go
package orchestrator

import (
	"sync"
	"time"

	"ensemble-orchestrator/internal/common/errors"
	"ensemble-orchestrator/internal/common/metrics"
	"ensemble-orchestrator/internal/models"
)

// pendingItem is one queued request plus the channel its submitter waits on.
type pendingItem struct {
	item     *models.QueueItem
	resultCh chan *models.FinalResult
	// notBefore delays a retried item without blocking the dispatch loop.
	notBefore time.Time
}

// priorityQueue holds the three bounded sub-queues. The dispatch loop drains
// high before medium before low; retried items re-enter at the front of the
// high queue.
type priorityQueue struct {
	mu       sync.Mutex
	queues   [3][]*pendingItem
	capacity int
	notify   chan struct{}
}

func newPriorityQueue(capacity int) *priorityQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &priorityQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push appends to the item's priority class. Returns a QUEUE_FULL error when
// that class is at capacity.
func (q *priorityQueue) push(p *pendingItem) error {
	q.mu.Lock()
	idx := int(p.item.Priority)
	if len(q.queues[idx]) >= q.capacity {
		q.mu.Unlock()
		return errors.NewQueueFullError(p.item.Priority.String(), q.capacity)
	}
	q.queues[idx] = append(q.queues[idx], p)
	q.publishDepth(idx)
	q.mu.Unlock()
	q.wake()
	return nil
}

// pushFront reinserts a retried item at the head of the high-priority queue,
// bumping its priority class to match and bypassing the capacity bound so a
// retry is never dropped for queue pressure.
func (q *priorityQueue) pushFront(p *pendingItem) {
	q.mu.Lock()
	idx := int(models.PriorityHigh)
	p.item.Priority = models.PriorityHigh
	q.queues[idx] = append([]*pendingItem{p}, q.queues[idx]...)
	q.publishDepth(idx)
	q.mu.Unlock()
	q.wake()
}

// pop returns the next dispatchable item in priority order, or nil when
// everything is empty, still backing off, or held back by admit. A nil admit
// accepts every item; a skipped item stays queued in place, so a saturated
// tier never blocks work behind it. The second return is the nearest
// notBefore among deferred items, zero when none.
func (q *priorityQueue) pop(now time.Time, admit func(*pendingItem) bool) (*pendingItem, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var nearest time.Time
	for idx := range q.queues {
		for pos, p := range q.queues[idx] {
			if p.notBefore.After(now) {
				if nearest.IsZero() || p.notBefore.Before(nearest) {
					nearest = p.notBefore
				}
				continue
			}
			if admit != nil && !admit(p) {
				continue
			}
			q.queues[idx] = append(q.queues[idx][:pos], q.queues[idx][pos+1:]...)
			q.publishDepth(idx)
			return p, time.Time{}
		}
	}
	return nil, nearest
}

// depths snapshots the queue lengths by priority name.
func (q *priorityQueue) depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, 3)
	for idx := range q.queues {
		out[models.Priority(idx).String()] = len(q.queues[idx])
	}
	return out
}

// tierGate counts in-flight requests per tier so one caller class cannot
// monopolize the dispatch capacity. A limit of zero or less is unbounded.
type tierGate struct {
	mu     sync.Mutex
	active map[models.Tier]int
}

func newTierGate() *tierGate {
	return &tierGate{active: make(map[models.Tier]int)}
}

// tryAcquire claims an active slot for the tier, refusing at the limit.
// Every successful acquire must be paired with a release.
func (g *tierGate) tryAcquire(t models.Tier, limit int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit > 0 && g.active[t] >= limit {
		return false
	}
	g.active[t]++
	return true
}

func (g *tierGate) release(t models.Tier) {
	g.mu.Lock()
	if g.active[t] > 0 {
		g.active[t]--
	}
	g.mu.Unlock()
}

func (q *priorityQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *priorityQueue) publishDepth(idx int) {
	metrics.QueueDepth.WithLabelValues(models.Priority(idx).String()).Set(float64(len(q.queues[idx])))
}
