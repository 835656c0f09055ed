// Package client implements the browser-equivalent side of the voice relay:
// a connection controller owning the socket and both state machines, a capture
// pipeline producing fixed-size PCM frames, and a strictly sequential playback
// pipeline.
package client

import (
	"context"
	"errors"
	"log"
	"time"

	"sync"

	"github.com/gorilla/websocket"

	"github.com/openmodal/voicerelay/protocol"
)

// ConnState is the connection state machine.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ConvState is the conversation state machine. Transitions are only valid
// while connected; a non-connected controller is implicitly idle.
type ConvState int

const (
	ConvIdle ConvState = iota
	ConvRecording
	ConvProcessing
	ConvSpeaking
)

func (s ConvState) String() string {
	switch s {
	case ConvIdle:
		return "idle"
	case ConvRecording:
		return "recording"
	case ConvProcessing:
		return "processing"
	case ConvSpeaking:
		return "speaking"
	}
	return "unknown"
}

var (
	// ErrNotConnected is returned when an operation requires a live socket.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a live controller.
	ErrAlreadyConnected = errors.New("already connected")
)

// Config configures a Controller.
type Config struct {
	URL          string // ws://host:port/ws
	SessionID    string
	SystemPrompt string
	RAGEnabled   bool

	Capture         CaptureConfig
	Quiescence      time.Duration // speaking -> idle debounce, default 300ms
	PlaybackBacklog int
	WriteTimeout    time.Duration // default 10s

	// OnStatus receives terminal status messages (connection lost, server
	// errors). Optional.
	OnStatus func(msg string)
}

// Controller owns the socket, the handshake, and both state machines, and
// mediates between the capture/playback pipelines and the wire protocol.
type Controller struct {
	cfg      Config
	capture  *Capture
	playback *Playback

	mu             sync.Mutex
	conn           *websocket.Conn
	done           chan struct{}
	connState      ConnState
	convState      ConvState
	framesThisTurn int
}

// New builds a controller around a microphone source and a speaker sink.
func New(cfg Config, source Source, sink Sink) *Controller {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Controller{
		cfg:      cfg,
		capture:  NewCapture(source, cfg.Capture),
		playback: NewPlayback(sink, cfg.Quiescence, cfg.PlaybackBacklog),
	}
}

// Connect opens the socket and sends exactly one handshake message before
// anything else. Failure surfaces as the error state; there is no automatic
// retry — call Connect again.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connState = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setError("connect failed: " + err.Error())
		return err
	}

	handshake := protocol.NewConfigFrame(&protocol.Handshake{
		IsRagEnabled: c.cfg.RAGEnabled,
		SessionID:    c.cfg.SessionID,
		SystemPrompt: c.cfg.SystemPrompt,
	})
	data, err := protocol.Encode(handshake)
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		_ = conn.Close()
		c.setError("handshake failed: " + err.Error())
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.connState = StateConnected
	c.convState = ConvIdle
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.sendLoop(conn, done)
	go c.drainWatcher(done)
	return nil
}

// ToggleRecording flips between idle and recording. Stopping with no audio
// queued returns to idle; otherwise the turn moves to processing to await the
// model's reply. Calls while processing or speaking are no-ops.
func (c *Controller) ToggleRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connState != StateConnected {
		return ErrNotConnected
	}

	switch c.convState {
	case ConvIdle:
		if err := c.capture.Start(); err != nil {
			return err
		}
		c.framesThisTurn = 0
		c.convState = ConvRecording

	case ConvRecording:
		_ = c.capture.Stop()
		if c.framesThisTurn == 0 {
			c.convState = ConvIdle
		} else {
			c.convState = ConvProcessing
		}

	default:
		// processing or speaking: no-op
	}
	return nil
}

// Disconnect cancels any in-flight capture/playback and closes the socket.
// Idempotent: repeated calls land in the same end state.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.done = nil
	c.connState = StateDisconnected
	c.convState = ConvIdle
	c.mu.Unlock()

	_ = c.capture.Stop()
	c.playback.Reset()

	if conn == nil {
		return
	}
	close(done)
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	_ = conn.Close()
}

// Close disconnects and stops the capture and playback workers.
func (c *Controller) Close() {
	c.Disconnect()
	c.capture.Close()
	c.playback.Close()
}

// ConnectionState returns the connection state.
func (c *Controller) ConnectionState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// ConversationState returns the conversation state.
func (c *Controller) ConversationState() ConvState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convState
}

// FramesDropped reports capture frames discarded under backpressure.
func (c *Controller) FramesDropped() int64 {
	return c.capture.Dropped()
}

func (c *Controller) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(conn, "connection lost: "+err.Error())
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			log.Printf("⚠️ Dropping malformed server frame: %v", err)
			continue
		}

		switch {
		case frame.AudioChunk != nil:
			pcm, err := protocol.DecodePCM(*frame.AudioChunk)
			if err != nil {
				log.Printf("⚠️ Dropping server chunk with bad base64: %v", err)
				continue
			}
			c.mu.Lock()
			if c.convState == ConvProcessing {
				c.convState = ConvSpeaking
			}
			speaking := c.convState == ConvSpeaking
			c.mu.Unlock()
			if speaking {
				c.playback.Enqueue(pcm)
			} else {
				log.Printf("⚠️ Dropping audio outside a turn (%d bytes)", len(pcm))
			}

		case frame.Error != nil:
			c.fail(conn, "server error: "+*frame.Error)
			return
		}
	}
}

func (c *Controller) sendLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case pcm := <-c.capture.Frames():
			data, err := protocol.Encode(protocol.NewAudioFrame(pcm))
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(conn, "send failed: "+err.Error())
				return
			}
			c.mu.Lock()
			c.framesThisTurn++
			c.mu.Unlock()
		}
	}
}

// drainWatcher moves speaking -> idle once the playback queue drains and the
// quiescence window elapses.
func (c *Controller) drainWatcher(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.playback.Drained():
			c.mu.Lock()
			if c.convState == ConvSpeaking {
				c.convState = ConvIdle
			}
			c.mu.Unlock()
		}
	}
}

// fail tears the connection down into the error state, unless a Disconnect
// already took it.
func (c *Controller) fail(conn *websocket.Conn, msg string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	done := c.done
	c.conn = nil
	c.done = nil
	c.connState = StateError
	c.convState = ConvIdle
	c.mu.Unlock()

	_ = c.capture.Stop()
	c.playback.Reset()
	close(done)
	_ = conn.Close()
	c.status(msg)
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	c.connState = StateError
	c.convState = ConvIdle
	c.mu.Unlock()
	c.status(msg)
}

func (c *Controller) status(msg string) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(msg)
	}
}
