package common

// Queue holds pending events in FIFO order. FirstN peeks without removing,
// Remove matches by id and is a no-op for events already absent.
type Queue interface {
	Enqueue(event *Event) error
	FirstN(limit int) ([]*Event, error)
	Remove(events []*Event) error
	Count() (int, error)
}

// Dispatcher transmits one batch, all events delivered or none.
type Dispatcher interface {
	Send(events []*Event) error
}
