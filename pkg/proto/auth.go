// Package proto defines the wire messages exchanged over the codrive
// authorization extension.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/codrive/codrive/pkg/drive"
)

// AuthExtension is the extension channel name the authorization protocol is
// registered under.
const AuthExtension = "co-hyperdrive-auth-1"

// ProtocolVersion is the current authorization message version.
const ProtocolVersion = 1

// AuthType identifies the kind of authorization message.
type AuthType string

const (
	// AuthRequest asks connected peers to grant write access to Key.
	AuthRequest AuthType = "request"

	// AuthAllow reports that the responder recorded Key as an active writer.
	AuthAllow AuthType = "allow"

	// AuthDeny reports that the responder refused, or failed to record, Key.
	AuthDeny AuthType = "deny"

	// AuthIgnore reports that the responder cannot adjudicate requests.
	AuthIgnore AuthType = "ignore"
)

// Valid reports whether t is a known message type.
func (t AuthType) Valid() bool {
	switch t {
	case AuthRequest, AuthAllow, AuthDeny, AuthIgnore:
		return true
	}
	return false
}

// IsResponse reports whether t answers a request.
func (t AuthType) IsResponse() bool {
	return t == AuthAllow || t == AuthDeny || t == AuthIgnore
}

// AuthMessage is the envelope sent over the authorization extension.
type AuthMessage struct {
	Version int       `json:"version"`
	ID      string    `json:"id,omitempty"` // request correlation id, echoed in responses
	Key     drive.Key `json:"key"`
	Type    AuthType  `json:"type"`
}

// NewAuthRequest creates a request for key carrying correlation id id.
func NewAuthRequest(id string, key drive.Key) *AuthMessage {
	return &AuthMessage{
		Version: ProtocolVersion,
		ID:      id,
		Key:     key,
		Type:    AuthRequest,
	}
}

// Reply builds a response of type t to the request m.
func (m *AuthMessage) Reply(t AuthType) *AuthMessage {
	return &AuthMessage{
		Version: ProtocolVersion,
		ID:      m.ID,
		Key:     m.Key,
		Type:    t,
	}
}

// Marshal serializes the message to JSON.
func (m *AuthMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal auth message: %w", err)
	}
	return data, nil
}

// UnmarshalAuthMessage deserializes and validates a message.
func UnmarshalAuthMessage(data []byte) (*AuthMessage, error) {
	var msg AuthMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal auth message: %w", err)
	}

	// Senders that predate versioning omit the field.
	if msg.Version == 0 {
		msg.Version = ProtocolVersion
	}
	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("incompatible protocol version: got %d, expected %d", msg.Version, ProtocolVersion)
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("unknown auth message type %q", msg.Type)
	}

	return &msg, nil
}
