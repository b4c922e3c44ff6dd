package common

import (
	"time"
)

// CustomDimension is a user-defined (index, value) pair, at most one per index.
type CustomDimension struct {
	Index int    `json:"index"`
	Value string `json:"value"`
}

type Visitor struct {
	ID         string    `json:"id"`
	FirstVisit time.Time `json:"firstVisit"`
}

type Session struct {
	PreviousVisit time.Time `json:"previousVisit"`
	CurrentVisit  time.Time `json:"currentVisit"`
	TotalVisits   int       `json:"totalVisits"`
}

// Event fields never change after creation, only its presence in the queue does.
type Event struct {
	ID      string  `json:"id"`
	SiteID  string  `json:"siteId"`
	Visitor Visitor `json:"visitor"`
	Session Session `json:"session"`

	Date         time.Time `json:"date"`
	URL          string    `json:"url,omitempty"`
	ActionPath   []string  `json:"actionPath,omitempty"`
	Language     string    `json:"lang,omitempty"`
	IsNewSession bool      `json:"newSession"`
	Referrer     string    `json:"referrer,omitempty"`

	EventCategory string   `json:"eventCategory,omitempty"`
	EventAction   string   `json:"eventAction,omitempty"`
	EventName     string   `json:"eventName,omitempty"`
	EventValue    *float64 `json:"eventValue,omitempty"`

	Dimensions []CustomDimension `json:"dimensions,omitempty"`
}
