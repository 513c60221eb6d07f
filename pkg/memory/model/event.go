package model

import "time"

// EventType names the operation an audit event belongs to.
type EventType string

const (
	EventIngest    EventType = "INGEST"
	EventRecall    EventType = "RECALL"
	EventReinforce EventType = "REINFORCE"
)

// EventStatus is the outcome recorded with an event.
type EventStatus string

const (
	StatusSuccess EventStatus = "SUCCESS"
	StatusFail    EventStatus = "FAIL"
	StatusRequest EventStatus = "REQUEST"
)

// Event is one append-only audit entry of a domain.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Domain    string         `json:"domain"`
	EventType EventType      `json:"event_type"`
	Status    EventStatus    `json:"status"`
	Payload   map[string]any `json:"payload"`
}
