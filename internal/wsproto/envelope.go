// Package wsproto implements the wire envelope and MessageCodec from
// spec.md §3-4.3: a typed JSON unit carried on WebSocket text frames,
// plus the parse/serialize pair that threads it through the optional
// encryption layer.
package wsproto

import "encoding/json"

// Type enumerates the envelope kinds defined in spec.md §3.
type Type string

const (
	TypeEvent    Type = "event"
	TypePing     Type = "ping"
	TypePong     Type = "pong"
	TypeCallback Type = "callback"
	TypeBinary   Type = "binary"
	TypeError    Type = "error"
)

// Envelope is the wire unit on a text frame. Data is an arbitrary
// JSON value (json.RawMessage preserves it unparsed until a listener
// asks for a concrete shape); for TypeBinary it instead carries raw
// bytes in BinaryData and Data is left nil.
type Envelope struct {
	Type       Type            `json:"type"`
	Event      string          `json:"event,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CallbackID string          `json:"callbackId,omitempty"`

	// BinaryData holds the verbatim payload of a binary frame; it is
	// never serialized to JSON (binary frames skip the codec).
	BinaryData []byte `json:"-"`
}

// NewEventEnvelope marshals data into an event-typed envelope.
func NewEventEnvelope(event string, data interface{}, callbackID string) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeEvent, Event: event, Data: raw, CallbackID: callbackID}, nil
}

// NewCallbackEnvelope builds the reply envelope sent back for a
// request that carried a callbackId (spec.md §4.9).
func NewCallbackEnvelope(callbackID string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeCallback, CallbackID: callbackID, Data: raw}, nil
}

// NewBinaryEnvelope wraps a raw binary frame as a local TypeBinary
// envelope (spec.md §3: "Binary frames ... are delivered verbatim as
// type=binary events").
func NewBinaryEnvelope(payload []byte) Envelope {
	return Envelope{Type: TypeBinary, BinaryData: payload}
}

// PingEnvelope and PongEnvelope are the two heartbeat frames.
func PingEnvelope() Envelope { return Envelope{Type: TypePing} }
func PongEnvelope() Envelope { return Envelope{Type: TypePong} }

// ErrorEnvelope builds a synthetic error envelope, e.g. for a frame
// that fails decryption but looks ciphertext-shaped (spec.md §4.3).
func ErrorEnvelope(message string) Envelope {
	raw, _ := json.Marshal(message)
	return Envelope{Type: TypeError, Data: raw}
}

// EncryptedEventEnvelope surfaces a frame that failed JSON parsing
// (after a decryption attempt) as a synthetic "encrypted" event
// carrying the raw text, so a peer without the key can still observe
// traffic (spec.md §3).
func EncryptedEventEnvelope(raw string) Envelope {
	data, _ := json.Marshal(raw)
	return Envelope{Type: TypeEvent, Event: "encrypted", Data: data}
}
