package xmq

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	Filtered     EventType = "filtered"
	Discard      EventType = "discard"
	Handled      EventType = "handled"
	Error        EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	Destination string
	Topic       string
	Group       string
	Consumer    string
	Key         string
	MessageID   string
	Mode        string
	Outcome     string
	Duration    time.Duration
	Err         error

	// Internal: attached for async dispatch
	observers []Observer
}
