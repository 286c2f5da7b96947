package bridge

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Pin-related messages
	MessageTypePinValue  MessageType = "pin_value"
	MessageTypePinSynced MessageType = "pin_synced"

	// Connection state messages
	MessageTypeConnectionState MessageType = "connection_state"
	MessageTypeConnectionError MessageType = "connection_error"

	// Client commands
	MessageTypeSetPin MessageType = "set_pin"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PinValueData represents a pin value update
type PinValueData struct {
	Name   string      `json:"name"`
	Type   string      `json:"type"`
	Value  interface{} `json:"value"`
	Synced bool        `json:"synced"`
}

// ConnectionStateData represents a composite state change
type ConnectionStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state,omitempty"`
}

// ConnectionErrorData represents an error report
type ConnectionErrorData struct {
	Error       string `json:"error"`
	ErrorString string `json:"error_string,omitempty"`
}

// SetPinCommand is the inbound set_pin payload
type SetPinCommand struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewPinValueMessage(name, pinType string, value interface{}, synced bool) Message {
	return NewMessage(MessageTypePinValue, PinValueData{
		Name:   name,
		Type:   pinType,
		Value:  value,
		Synced: synced,
	})
}

func NewConnectionStateMessage(state, previous string) Message {
	return NewMessage(MessageTypeConnectionState, ConnectionStateData{
		State:    state,
		Previous: previous,
	})
}

func NewConnectionErrorMessage(err, errorString string) Message {
	return NewMessage(MessageTypeConnectionError, ConnectionErrorData{
		Error:       err,
		ErrorString: errorString,
	})
}
