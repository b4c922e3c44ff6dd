package common

import "time"

const V1 = "v1"

// Batch is the versioned wire envelope for one dispatcher call.
type Batch struct {
	Version string   `json:"version"`
	TimeMs  uint64   `json:"timeMs"`
	Events  []*Event `json:"events,omitempty"`
}

func NewBatchV1(events []*Event) *Batch {

	return &Batch{
		Version: V1,
		TimeMs:  uint64(time.Now().UTC().UnixNano() / (1000 * 1000)),
		Events:  events,
	}
}
