package engine

import (
	"encoding/json"
)

// EventType enumerates the engine event frames the relay interprets.
// The engine emits many more frame types over its event socket; anything
// outside this set parses as EventUnknown and is ignored, so new engine
// versions cannot abort a stream.
type EventType int

const (
	// EventUnknown is any frame shape the relay does not interpret
	EventUnknown EventType = iota
	// EventProgress is an explicit numeric progress report
	EventProgress
	// EventExecuting announces the node currently executing; a null node
	// is the engine's defined end-of-job signal
	EventExecuting
)

// Event is the parsed form of one engine event frame
type Event struct {
	Type  EventType
	Value int    // EventProgress: current value
	Max   int    // EventProgress: maximum value
	Node  string // EventExecuting: active node id, empty when EndOfJob
	// EndOfJob is set for an executing frame with a null node id
	EndOfJob bool
}

// wireEvent mirrors the engine's frame envelope
type wireEvent struct {
	Type string `json:"type"`
	Data struct {
		Value *int    `json:"value"`
		Max   *int    `json:"max"`
		Node  *string `json:"node"`
	} `json:"data"`
}

// ParseEvent decodes a raw socket frame into an Event. Malformed JSON and
// unrecognized frame types both return EventUnknown rather than an error;
// the stream must survive anything the engine sends.
func ParseEvent(raw []byte) Event {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return Event{Type: EventUnknown}
	}

	switch we.Type {
	case "progress":
		ev := Event{Type: EventProgress, Value: 0, Max: 100}
		if we.Data.Value != nil {
			ev.Value = *we.Data.Value
		}
		if we.Data.Max != nil {
			ev.Max = *we.Data.Max
		}
		return ev

	case "executing":
		if we.Data.Node == nil {
			return Event{Type: EventExecuting, EndOfJob: true}
		}
		return Event{Type: EventExecuting, Node: *we.Data.Node}

	default:
		return Event{Type: EventUnknown}
	}
}
