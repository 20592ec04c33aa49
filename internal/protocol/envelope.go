// Package protocol defines the typed events exchanged with workspace clients
// and their JSON wire form.
//
// Every frame is a text message holding an Envelope:
//
//	{"type": "update_position", "payload": {"position": {"x": 1, "y": 0, "z": 2}}}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEvent is returned for an envelope type no handler exists for.
	ErrUnknownEvent = errors.New("protocol: unknown event")
	// ErrMalformedPayload is returned when a payload cannot be decoded or
	// lacks a required field.
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)

// Envelope is the JSON structure sent over the websocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is an event the server sends to clients.
type Outbound interface {
	EventName() string
}

// Encode wraps evt in an envelope and marshals it.
func Encode(evt Outbound) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", evt.EventName(), err)
	}
	data, err := json.Marshal(Envelope{Type: evt.EventName(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", evt.EventName(), err)
	}
	return data, nil
}
