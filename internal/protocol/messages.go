// Package protocol defines the WebSocket message types exchanged between
// clients and the Posey gateway. All messages are JSON-encoded and wrapped
// in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Server
	MsgQuery  MessageType = "query"
	MsgCancel MessageType = "cancel"
	MsgPing   MessageType = "ping"

	// Server → Client
	MsgAccepted MessageType = "accepted"
	MsgEvent    MessageType = "event"
	MsgResult   MessageType = "result"
	MsgPong     MessageType = "pong"

	// Server → Client, also terminal for a query.
	MsgError MessageType = "error"
)

// Envelope is the top-level wrapper for every WebSocket message. Clients
// choose the ID of their query messages; RequestID links server replies
// and cancel requests to that query.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Reply creates an envelope answering the query requestID.
func Reply(requestID string, msgType MessageType, payload any) (*Envelope, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	env.RequestID = requestID
	return env, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Client → Server payloads ---

// QueryPayload is sent with MsgQuery.
type QueryPayload struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ImageProvider  string   `json:"image_provider,omitempty"`
	Minions        []string `json:"minions,omitempty"`
}

// --- Server → Client payloads ---

// AcceptedPayload acknowledges a query.
type AcceptedPayload struct {
	Message string `json:"message"`
}

// Error codes carried in ErrorPayload.
const (
	CodeBadMessage     = "bad_message"
	CodeUnknownType    = "unknown_type"
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeBusy           = "busy"
	CodeTimeout        = "timeout"
	CodeCancelled      = "cancelled"
	CodeInternal       = "internal"
)

// ErrorPayload is sent with MsgError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
