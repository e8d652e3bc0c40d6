// Package events streams session lifecycle events to WebSocket subscribers.
package events

import (
	"time"
)

// EventMessage is the JSON frame sent to subscribers.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// ClientInfo describes a connected subscriber.
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	IPAddress   string    `json:"ipAddress"`
}
