package engine

import "roundtable/internal/domain"

// queueItem is a pending response slot: the agent that will speak, the
// message that triggered it, and a snapshot of the log taken at enqueue
// time so the generation prompt is stable even if the log moves on.
type queueItem struct {
	AgentID  domain.AgentID
	Trigger  domain.Message
	Snapshot []domain.Message
}

// responseQueue is a FIFO with at most one pending slot per agent.
// Not safe for concurrent use; the engine mutex guards it.
type responseQueue struct {
	items []queueItem
}

// enqueue appends item unless the agent already holds a slot.
func (q *responseQueue) enqueue(item queueItem) bool {
	for _, it := range q.items {
		if it.AgentID == item.AgentID {
			return false
		}
	}
	q.items = append(q.items, item)
	return true
}

// pop removes and returns the head of the queue.
func (q *responseQueue) pop() (queueItem, bool) {
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *responseQueue) contains(id domain.AgentID) bool {
	for _, it := range q.items {
		if it.AgentID == id {
			return true
		}
	}
	return false
}

func (q *responseQueue) len() int { return len(q.items) }

func (q *responseQueue) clear() { q.items = nil }
