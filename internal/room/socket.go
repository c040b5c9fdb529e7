package room

import "context"

// Envelope is the wire shape of every control-channel message, in both
// directions: {"type": ..., "payload": ...}.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ControlSocket is a borrowed reference to a bidirectional JSON control
// connection bound to one role. The room holds it only for fan-out; it
// neither opens nor tears down the underlying transport.
type ControlSocket interface {
	SendEnvelope(ctx context.Context, env Envelope) error
}

// AudioSocket is a borrowed reference to a one-way binary audio connection.
type AudioSocket interface {
	SendAudio(ctx context.Context, chunk []byte) error
}
