package common

import "time"

// State is the persisted snapshot of a tracker installation.
type State struct {
	OptOut        bool      `json:"optOut"`
	VisitorID     string    `json:"visitorId,omitempty"`
	FirstVisit    time.Time `json:"firstVisit"`
	PreviousVisit time.Time `json:"previousVisit"`
	CurrentVisit  time.Time `json:"currentVisit"`
	TotalVisits   int       `json:"totalVisits"`
}

type StateStore interface {
	Load() (State, error)
	Save(state State) error
}
