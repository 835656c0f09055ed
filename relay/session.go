package relay

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmodal/voicerelay/gateway"
	"github.com/openmodal/voicerelay/metrics"
	"github.com/openmodal/voicerelay/protocol"
)

const (
	writeQueueSize = 256
	maxMessageSize = 512 * 1024
)

var (
	// ErrNoHandshake means the first frame was not a config frame.
	ErrNoHandshake = errors.New("first message must be a config frame")
	// ErrHandshakeTimeout means no handshake arrived within the bound.
	ErrHandshakeTimeout = errors.New("handshake not received in time")
)

// RelaySession bridges one client socket and one upstream model session. It
// runs two forwarding loops, one per direction, plus a single write pump that
// serializes all outbound frames in queue order.
type RelaySession struct {
	ID        string
	CreatedAt time.Time

	conn     *websocket.Conn
	upstream gateway.Session
	metrics  *metrics.Metrics

	handshake    *protocol.Handshake
	writeTimeout time.Duration

	writeChan chan *protocol.Frame
	CloseChan chan struct{}

	mu           sync.RWMutex
	lastActivity time.Time
	closed       bool
	fatalFrame   *protocol.Frame
	closeCode    int
}

func newRelaySession(conn *websocket.Conn, writeTimeout time.Duration, m *metrics.Metrics) *RelaySession {
	conn.SetReadLimit(maxMessageSize)

	return &RelaySession{
		CreatedAt:    time.Now(),
		conn:         conn,
		metrics:      m,
		writeTimeout: writeTimeout,
		lastActivity: time.Now(),
		writeChan:    make(chan *protocol.Frame, writeQueueSize),
		CloseChan:    make(chan struct{}),
	}
}

// awaitHandshake reads exactly one frame under the timeout and requires the
// config variant. Anything else (including an early audio chunk) rejects the
// session before an upstream handle is opened.
func (rs *RelaySession) awaitHandshake(timeout time.Duration) (*protocol.Handshake, error) {
	_ = rs.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = rs.conn.SetReadDeadline(time.Time{}) }()

	_, data, err := rs.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHandshake, err)
	}
	if frame.Config == nil {
		return nil, ErrNoHandshake
	}

	rs.handshake = frame.Config
	return frame.Config, nil
}

// Start launches the write pump and both forwarding loops.
func (rs *RelaySession) Start() {
	go rs.writePump()
	go rs.upstreamLoop()
	go rs.downstreamLoop()
}

// downstreamLoop reads inbound frames and forwards decoded PCM to the model.
// Chunk-local errors drop the chunk; socket or upstream errors end the session.
func (rs *RelaySession) downstreamLoop() {
	defer rs.Close()

	for {
		_, data, err := rs.conn.ReadMessage()
		if err != nil {
			if !rs.IsClosed() {
				log.Printf("🔌 [%s] Client read ended: %v", shortID(rs.ID), err)
			}
			return
		}
		rs.touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			log.Printf("⚠️ [%s] Dropping malformed frame: %v", shortID(rs.ID), err)
			rs.metrics.MalformedChunks.Inc()
			continue
		}

		switch {
		case frame.AudioChunk != nil:
			pcm, err := protocol.DecodePCM(*frame.AudioChunk)
			if err != nil {
				log.Printf("⚠️ [%s] Dropping chunk with bad base64: %v", shortID(rs.ID), err)
				rs.metrics.MalformedChunks.Inc()
				continue
			}
			if err := rs.upstream.Send(pcm); err != nil {
				log.Printf("❌ [%s] Failed to send audio upstream: %v", shortID(rs.ID), err)
				rs.metrics.UpstreamErrors.Inc()
				rs.fail("upstream send failed")
				return
			}
			rs.metrics.ChunksDownstream.Inc()

		case frame.Config != nil:
			// The handshake already happened; a second config is ignored.
			log.Printf("⚠️ [%s] Ignoring duplicate config frame", shortID(rs.ID))

		default:
			log.Printf("⚠️ [%s] Ignoring unexpected frame from client", shortID(rs.ID))
		}
	}
}

// upstreamLoop receives model events and emits audio frames in arrival order.
// End-of-turn events do not end the loop; only stream errors or Close do.
func (rs *RelaySession) upstreamLoop() {
	defer rs.Close()

	for {
		event, err := rs.upstream.Receive()
		if err != nil {
			if !rs.IsClosed() {
				log.Printf("❌ [%s] Upstream receive error: %v", shortID(rs.ID), err)
				rs.metrics.UpstreamErrors.Inc()
				rs.fail("upstream stream failed")
			}
			return
		}
		rs.touch()

		switch event.Kind {
		case gateway.EventAudio:
			rs.enqueue(protocol.NewAudioFrame(event.Audio))
			rs.metrics.ChunksUpstream.Inc()
		case gateway.EventText:
			log.Printf("📝 [%s] Model text: %s", shortID(rs.ID), event.Text)
		case gateway.EventEnd:
			log.Printf("✅ [%s] Model turn complete", shortID(rs.ID))
		}
	}
}

// writePump handles all outgoing frames in a single goroutine, preserving
// queue order on the wire. It is also the sole closer of the socket: on
// teardown it flushes the queue, delivers any recorded fatal error frame, and
// only then sends the close frame, so every fatal condition reaches the client
// before the connection drops.
func (rs *RelaySession) writePump() {
	for {
		select {
		case <-rs.CloseChan:
			rs.flush()
			rs.closeConn()
			return
		case frame := <-rs.writeChan:
			if err := rs.writeFrame(frame); err != nil {
				rs.closeConn()
				return
			}
		}
	}
}

// flush writes out frames that were queued before teardown began.
func (rs *RelaySession) flush() {
	for {
		select {
		case frame := <-rs.writeChan:
			if err := rs.writeFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (rs *RelaySession) closeConn() {
	rs.mu.RLock()
	fatal := rs.fatalFrame
	code := rs.closeCode
	rs.mu.RUnlock()

	if fatal != nil {
		_ = rs.writeFrame(fatal)
	}
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = rs.conn.SetWriteDeadline(time.Now().Add(rs.writeTimeout))
	_ = rs.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	_ = rs.conn.Close()
}

// fail records a fatal error for the client. The first failure wins; the write
// pump delivers the frame and an error close code during teardown.
func (rs *RelaySession) fail(msg string) {
	rs.mu.Lock()
	if rs.fatalFrame == nil {
		rs.fatalFrame = protocol.NewErrorFrame(msg)
		rs.closeCode = websocket.CloseInternalServerErr
	}
	rs.mu.Unlock()
}

func (rs *RelaySession) writeFrame(frame *protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		log.Printf("❌ [%s] Failed to encode frame: %v", shortID(rs.ID), err)
		return nil
	}
	_ = rs.conn.SetWriteDeadline(time.Now().Add(rs.writeTimeout))
	return rs.conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue adds a frame to the write queue without blocking. Frames queued
// before teardown are still flushed by the pump; a full queue drops the frame.
// Fatal error frames never pass through here; fail records them for the pump.
func (rs *RelaySession) enqueue(frame *protocol.Frame) {
	rs.mu.RLock()
	closed := rs.closed
	rs.mu.RUnlock()
	if closed {
		return
	}
	select {
	case rs.writeChan <- frame:
	default:
		log.Printf("⚠️ [%s] Write queue full, dropping outbound frame", shortID(rs.ID))
	}
}

func (rs *RelaySession) touch() {
	rs.mu.Lock()
	rs.lastActivity = time.Now()
	rs.mu.Unlock()
}

// LastActivity reports the time of the last frame in either direction.
func (rs *RelaySession) LastActivity() time.Time {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.lastActivity
}

// IsClosed returns whether the session is closed
func (rs *RelaySession) IsClosed() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.closed
}

// Close terminates the session and releases the upstream handle. Safe to call
// from both loops and the manager concurrently; teardown runs exactly once.
// The socket itself is closed by the write pump once the queue is flushed.
func (rs *RelaySession) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	rs.mu.Unlock()

	close(rs.CloseChan)

	if rs.upstream != nil {
		_ = rs.upstream.Close()
	}

	rs.metrics.SessionsClosed.Inc()
	rs.metrics.SessionsActive.Dec()
	rs.metrics.SessionDuration.Observe(time.Since(rs.CreatedAt).Seconds())
	return nil
}
