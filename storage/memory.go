package storage

import (
	"errors"
	"sync"

	"github.com/click-stream/tracker/common"
)

type MemoryQueue struct {
	mu     sync.Mutex
	events []*common.Event
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(event *common.Event) error {

	if event == nil {
		return errors.New("event is not found")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, event)
	return nil
}

func (q *MemoryQueue) FirstN(limit int) ([]*common.Event, error) {

	q.mu.Lock()
	defer q.mu.Unlock()

	if limit < 0 {
		limit = 0
	}
	if limit > len(q.events) {
		limit = len(q.events)
	}

	batch := make([]*common.Event, limit)
	copy(batch, q.events[:limit])
	return batch, nil
}

func (q *MemoryQueue) Remove(events []*common.Event) error {

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := make(map[string]bool)
	for _, event := range events {
		if event != nil {
			removed[event.ID] = true
		}
	}

	kept := q.events[:0]
	for _, event := range q.events {
		if !removed[event.ID] {
			kept = append(kept, event)
		}
	}
	q.events = kept
	return nil
}

func (q *MemoryQueue) Count() (int, error) {

	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.events), nil
}
