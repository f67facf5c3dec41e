// Package wire implements the message envelopes described in spec.md §6:
// shapes only, no transport framing. A transport decodes raw bytes into
// these types, hands them to the engine, and re-encodes whatever the
// engine/graph send back.
package wire

import (
	"encoding/json"

	"github.com/sylphxai/lens/internal/codec"
)

// ClientMessageType enumerates the client→server envelope tags.
type ClientMessageType string

const (
	ClientHandshake    ClientMessageType = "handshake"
	ClientOperation    ClientMessageType = "operation"
	ClientSubscription ClientMessageType = "subscription"
	ClientUnsubscribe  ClientMessageType = "unsubscribe"
	ClientReconnect    ClientMessageType = "reconnect"
)

// ClientMessage is the outer envelope for every client→server message.
// Fields not meaningful for Type are left zero.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	// operation / subscription
	ID     string          `json:"id,omitempty"`
	Path   string          `json:"path,omitempty"`
	OpType string          `json:"opType,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`

	// reconnect
	ProtocolVersion int64                 `json:"protocolVersion,omitempty"`
	ReconnectID     string                `json:"reconnectId,omitempty"`
	Subscriptions   []ReconnectSubRequest `json:"subscriptions,omitempty"`
	ClientTime      int64                 `json:"clientTime,omitempty"`
}

// ReconnectSubRequest is one entry of a reconnect message's subscription
// list, mirroring spec.md §3's ReconnectSubscription.
type ReconnectSubRequest struct {
	ID       string   `json:"id"`
	Entity   string   `json:"entity"`
	EntityID string   `json:"entityId"`
	Fields   []string `json:"fields"` // nil/absent means the wildcard "*"
	Version  int64    `json:"version"`
	DataHash string   `json:"dataHash,omitempty"`
}

// ServerMessageType enumerates the server→client envelope tags.
type ServerMessageType string

const (
	ServerHandshake    ServerMessageType = "handshake"
	ServerResponse     ServerMessageType = "response"
	ServerSubscription ServerMessageType = "subscription"
	ServerReconnectAck ServerMessageType = "reconnect_ack"
	ServerError        ServerMessageType = "error"
	ServerUpdate       ServerMessageType = "update"
)

// ServerMessage is the outer envelope for every server→client message.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`

	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`

	// subscription stream
	Update  *EmitCommandPayload `json:"update,omitempty"`
	Version int64               `json:"version,omitempty"`

	// reconnect_ack
	ReconnectID    string                `json:"reconnectId,omitempty"`
	Results        []ReconnectResultWire `json:"results,omitempty"`
	ServerTime     int64                 `json:"serverTime,omitempty"`
	ProcessingTime int64                 `json:"processingTime,omitempty"`
}

// Error is the {message, code?} shape used wherever spec.md's wire format
// surfaces an error to the client.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// EmitCommandPayload is the wire shape of an EmitCommand, tagged so a
// client can dispatch without peeking at field presence.
type EmitCommandPayload struct {
	Kind string `json:"kind"`

	// full
	Data    any  `json:"data,omitempty"`
	Replace bool `json:"replace,omitempty"`

	// field / batch
	Field  string           `json:"field,omitempty"`
	Single *codec.Update    `json:"update,omitempty"`
	Batch  []BatchFieldWire `json:"updates,omitempty"`

	// array
	ArrayOp string `json:"op,omitempty"`
	Index   int    `json:"index,omitempty"`
	ID      string `json:"id,omitempty"`
	Value   any    `json:"value,omitempty"`
}

// BatchFieldWire is one entry of a batch EmitCommand's updates list.
type BatchFieldWire struct {
	Field  string       `json:"field"`
	Update codec.Update `json:"update"`
}

// UpdateMessage is the raw entity-level state update shape from spec.md
// §6 ("State update wire shape"): what the graph state manager's Send
// callback delivers for hydration and for every fan-out.
type UpdateMessage struct {
	Type    string                  `json:"type"` // always "update"
	Entity  string                  `json:"entity"`
	ID      string                  `json:"id"`
	Version int64                   `json:"version"`
	Updates map[string]codec.Update `json:"updates"`
}

func NewUpdateMessage(entity, id string, version int64, updates map[string]codec.Update) UpdateMessage {
	return UpdateMessage{Type: "update", Entity: entity, ID: id, Version: version, Updates: updates}
}

// ReconnectResultWire is the wire shape of one ReconnectResult.
type ReconnectResultWire struct {
	ID       string            `json:"id"`
	Entity   string            `json:"entity"`
	EntityID string            `json:"entityId"`
	Status   string            `json:"status"`
	Version  int64             `json:"version"`
	Patches  [][]codec.PatchOp `json:"patches,omitempty"`
	Data     any               `json:"data,omitempty"`
	Error    string            `json:"error,omitempty"`
}
