// Package gateway abstracts the bidirectional streaming session with the
// remote speech-to-speech model.
package gateway

import "context"

// EventKind discriminates the events a model session emits.
type EventKind int

const (
	// EventAudio carries synthesized PCM audio.
	EventAudio EventKind = iota
	// EventText carries a text part of the model turn.
	EventText
	// EventEnd marks the end of a model turn. It does not end the stream.
	EventEnd
)

// Event is one item from the model's output stream.
type Event struct {
	Kind  EventKind
	Audio []byte // set for EventAudio
	Text  string // set for EventText
}

// Session is one open streaming conversation with the speech model.
//
// Send and Receive may be called from different goroutines; Receive itself
// must be driven by a single goroutine. Close unblocks a pending Receive.
type Session interface {
	Send(pcm []byte) error
	Receive() (Event, error)
	Close() error
}

// Gateway opens model sessions. One relay session owns exactly one handle.
type Gateway interface {
	Open(ctx context.Context, instruction string) (Session, error)
}
