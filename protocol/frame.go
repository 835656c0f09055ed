// Package protocol defines the JSON text frames exchanged between the browser
// client and the relay over the WebSocket.
//
// The wire format is a tagged union: a frame carries exactly one of the
// variants below, keyed by its JSON field. Frames matching no variant are
// rejected by Decode.
package protocol

import (
	"encoding/base64"
	"errors"

	"github.com/bytedance/sonic"
)

// ErrUnknownFrame is returned for frames matching no known variant.
var ErrUnknownFrame = errors.New("frame matches no known variant")

// Handshake is the configuration message a client must send exactly once,
// before anything else.
type Handshake struct {
	IsRagEnabled bool   `json:"isRagEnabled"`
	SessionID    string `json:"sessionId"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Frame is one wire message in either direction.
//
//   - Config: client -> server, exactly once, first message
//   - AudioChunk: base64 PCM, both directions
//   - Error: server -> client, fatal session error, precedes close
type Frame struct {
	Config     *Handshake `json:"config,omitempty"`
	AudioChunk *string    `json:"audio_chunk,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// Decode parses a raw text frame into the tagged union.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Config == nil && f.AudioChunk == nil && f.Error == nil {
		return nil, ErrUnknownFrame
	}
	return &f, nil
}

// Encode serializes a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	return sonic.Marshal(f)
}

// NewConfigFrame builds the handshake frame.
func NewConfigFrame(hs *Handshake) *Frame {
	return &Frame{Config: hs}
}

// NewAudioFrame wraps raw PCM bytes as a base64 audio_chunk frame.
func NewAudioFrame(pcm []byte) *Frame {
	encoded := base64.StdEncoding.EncodeToString(pcm)
	return &Frame{AudioChunk: &encoded}
}

// NewErrorFrame builds a fatal error frame.
func NewErrorFrame(msg string) *Frame {
	return &Frame{Error: &msg}
}

// DecodePCM decodes the payload of an audio_chunk frame.
func DecodePCM(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
