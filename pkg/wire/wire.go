// Package wire defines the JSON frame protocol spoken between the hub and
// its client applications. Every websocket text message carries exactly one
// Frame; the frame kind selects the payload shape.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client-to-hub request kinds.
const (
	KindRegisterApp       = "RegisterApp"
	KindAuthenticateUser  = "AuthenticateUser"
	KindSendMessage       = "SendMessage"
	KindBroadcastToApp    = "BroadcastToApp"
	KindBroadcastToUser   = "BroadcastToUser"
	KindHeartbeat         = "Heartbeat"
	KindGetConnectionInfo = "GetConnectionInfo"
	KindGetServerStats    = "GetServerStats"
)

// Hub-to-client event kinds.
const (
	KindInitialData            = "InitialData"
	KindRegistrationComplete   = "RegistrationComplete"
	KindRegistrationError      = "RegistrationError"
	KindAuthenticationComplete = "AuthenticationComplete"
	KindAuthenticationError    = "AuthenticationError"
	KindMessageResponse        = "MessageResponse"
	KindMessageAck             = "MessageAck"
	KindBroadcastMessage       = "BroadcastMessage"
	KindHeartbeatAck           = "HeartbeatAck"
	KindConnectionInfo         = "ConnectionInfo"
	KindServerStats            = "ServerStats"
)

// Frame is the envelope for everything on the wire.
type Frame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame wraps a payload under the given kind.
func NewFrame(kind string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Kind: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Frame{Kind: kind, Payload: raw}, nil
}

// Decode unmarshals the frame payload into v. An empty payload leaves v untouched.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Kind, err)
	}
	return nil
}

// NewMessageID returns a fresh correlation key for a Message.
func NewMessageID() string {
	return uuid.NewString()
}

// AppRegistration is the RegisterApp request payload.
type AppRegistration struct {
	AppName    string            `json:"appName"`
	AppVersion string            `json:"appVersion,omitempty"`
	DeviceID   string            `json:"deviceId,omitempty"`
	DeviceType string            `json:"deviceType,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuthRequest is the AuthenticateUser request payload. Token is an opaque
// hint for an external verifier; the hub itself does not validate it.
type AuthRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// Message is one routable application message. MessageID is the caller's
// correlation key and must be unique per logical operation; the hub stamps
// SourceApp and UserID from the sending connection before routing.
type Message struct {
	MessageID   string          `json:"messageId"`
	MessageType string          `json:"messageType"`
	SourceApp   string          `json:"sourceApp,omitempty"`
	TargetApp   string          `json:"targetApp"`
	UserID      string          `json:"userId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	RequiresAck bool            `json:"requiresAck,omitempty"`
}

// BroadcastRequest carries BroadcastToApp and BroadcastToUser payloads.
// Exactly one of TargetApp or UserID is set.
type BroadcastRequest struct {
	TargetApp   string          `json:"targetApp,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// RegistrationComplete confirms a RegisterApp request.
type RegistrationComplete struct {
	ConnectionID          string    `json:"connectionId"`
	ServerTime            time.Time `json:"serverTime"`
	RegisteredApps        []string  `json:"registeredApps,omitempty"`
	SupportedMessageTypes []string  `json:"supportedMessageTypes,omitempty"`
}

// ErrorEvent carries RegistrationError and AuthenticationError payloads.
type ErrorEvent struct {
	Reason string `json:"reason"`
}

// AuthenticationComplete confirms an AuthenticateUser request.
type AuthenticationComplete struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	ServerTime   time.Time `json:"serverTime"`
}

// MessageResponse is the direct reply to SendMessage. It is also the
// catch-all error shape for request kinds without a dedicated error event.
type MessageResponse struct {
	MessageID string          `json:"messageId,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// MessageAck confirms terminal processing of a message sent with RequiresAck.
type MessageAck struct {
	MessageID    string `json:"messageId"`
	ConnectionID string `json:"connectionId"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// BroadcastMessage is fanned out to every member of a target group.
type BroadcastMessage struct {
	MessageType string          `json:"messageType"`
	TargetApp   string          `json:"targetApp,omitempty"`
	TargetUser  string          `json:"targetUser,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// HeartbeatAck echoes a heartbeat with the hub clock.
type HeartbeatAck struct {
	ServerTime time.Time `json:"serverTime"`
}

// InitialData is pushed once after a successful registration.
type InitialData struct {
	AppName string          `json:"appName"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ConnectionInfo is the hub's view of the caller's own connection.
type ConnectionInfo struct {
	ConnectionID  string    `json:"connectionId"`
	AppName       string    `json:"appName"`
	AppVersion    string    `json:"appVersion,omitempty"`
	DeviceID      string    `json:"deviceId,omitempty"`
	DeviceType    string    `json:"deviceType,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Status        string    `json:"status"`
}

// ServerStats summarizes hub-wide connection state.
type ServerStats struct {
	TotalConnections    int            `json:"totalConnections"`
	AppConnectionCounts map[string]int `json:"appConnectionCounts"`
	RegisteredApps      []string       `json:"registeredApps,omitempty"`
	ServerTime          time.Time      `json:"serverTime"`
}
