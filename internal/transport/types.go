package transport

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeSettingsUpdated announces a settings change
	EventTypeSettingsUpdated EventType = "settings_updated"
	// EventTypeToggleMasking announces a masking on/off flip
	EventTypeToggleMasking EventType = "toggle_masking"
	// EventTypeDetection announces sensitive matches found during a scan
	EventTypeDetection EventType = "detection"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ToggleMaskingEvent carries the new masking state
type ToggleMaskingEvent struct {
	Enabled bool `json:"enabled"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
}
