package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmodal/voicerelay/config"
	"github.com/openmodal/voicerelay/gateway"
	"github.com/openmodal/voicerelay/metrics"
	"github.com/openmodal/voicerelay/protocol"
	"github.com/openmodal/voicerelay/ragstore"
	"github.com/openmodal/voicerelay/relay"
)

// fakeUpstream stands in for a live model session. Tests push events into it
// and inspect what the relay forwarded.
type fakeUpstream struct {
	mu         sync.Mutex
	sent       [][]byte
	sendErr    error
	closeCalls int

	events    chan gateway.Event
	recvErr   chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events:  make(chan gateway.Event, 64),
		recvErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (u *fakeUpstream) Send(pcm []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendErr != nil {
		return u.sendErr
	}
	u.sent = append(u.sent, append([]byte(nil), pcm...))
	return nil
}

func (u *fakeUpstream) Receive() (gateway.Event, error) {
	// Drain queued events before surfacing an injected stream failure.
	select {
	case ev := <-u.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-u.events:
		return ev, nil
	case err := <-u.recvErr:
		return gateway.Event{}, err
	case <-u.closed:
		return gateway.Event{}, errors.New("session closed")
	}
}

func (u *fakeUpstream) failStream(err error) {
	u.recvErr <- err
}

func (u *fakeUpstream) failSends(err error) {
	u.mu.Lock()
	u.sendErr = err
	u.mu.Unlock()
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	u.closeCalls++
	u.mu.Unlock()
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUpstream) sentChunks() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.sent))
	copy(out, u.sent)
	return out
}

func (u *fakeUpstream) closes() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closeCalls
}

// fakeGateway records the instruction of every opened session.
type fakeGateway struct {
	mu           sync.Mutex
	instructions []string
	upstreams    []*fakeUpstream
	openErr      error
}

func (g *fakeGateway) Open(ctx context.Context, instruction string) (gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	g.instructions = append(g.instructions, instruction)
	u := newFakeUpstream()
	g.upstreams = append(g.upstreams, u)
	return u, nil
}

func (g *fakeGateway) opened() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.upstreams)
}

func (g *fakeGateway) upstream(i int) *fakeUpstream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.upstreams[i]
}

func (g *fakeGateway) instruction(i int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.instructions[i]
}

type fakeProvider struct {
	text  string
	err   error
	calls atomic.Int32
}

func (p *fakeProvider) FetchContext(ctx context.Context, sessionID string) (string, error) {
	p.calls.Add(1)
	return p.text, p.err
}

func newTestServer(t *testing.T, gw gateway.Gateway, provider ragstore.Provider) (string, *relay.Manager) {
	t.Helper()

	cfg := &config.Config{
		MaxSessions:        4,
		SessionIdleTimeout: time.Minute,
		HandshakeTimeout:   500 * time.Millisecond,
		WriteTimeout:       time.Second,
		MaxContextChars:    1024,
		AllowedOrigins:     []string{"*"},
		SystemPrompt:       "base prompt",
	}

	registry := prometheus.NewRegistry()
	manager := relay.NewManager(cfg, gw, provider, nil, metrics.New(registry))
	srv := New(cfg, manager, registry)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(manager.Shutdown)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", manager
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func sendAudio(t *testing.T, conn *websocket.Conn, pcm []byte) {
	t.Helper()
	data, err := protocol.Encode(protocol.NewAudioFrame(pcm))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.Decode(data)
	require.NoError(t, err)
	return frame
}

// readToClose reads frames until the server closes the socket, returning the
// frames seen and the final read error.
func readToClose(t *testing.T, conn *websocket.Conn) ([]*protocol.Frame, error) {
	t.Helper()
	var frames []*protocol.Frame
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return frames, err
		}
		frame, err := protocol.Decode(data)
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func TestRelayForwardsAudioDownstreamInOrder(t *testing.T) {
	gw := &fakeGateway{}
	provider := &fakeProvider{text: "doc text"}
	url, _ := newTestServer(t, gw, provider)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"isRagEnabled":false,"sessionId":"sess-a"}}`)

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, c := range chunks {
		sendAudio(t, conn, c)
	}

	require.Eventually(t, func() bool {
		return gw.opened() == 1 && len(gw.upstream(0).sentChunks()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, chunks, gw.upstream(0).sentChunks())
	assert.Zero(t, provider.calls.Load(), "no context fetch when RAG disabled")
	assert.Equal(t, "base prompt", gw.instruction(0))
}

func TestRelayGroundsInstructionOnRetrievedContext(t *testing.T) {
	gw := &fakeGateway{}
	provider := &fakeProvider{text: "doc text"}
	url, _ := newTestServer(t, gw, provider)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"isRagEnabled":true,"sessionId":"sess-b"}}`)

	require.Eventually(t, func() bool { return gw.opened() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), provider.calls.Load())
	instruction := gw.instruction(0)
	assert.Contains(t, instruction, "base prompt")
	assert.Contains(t, instruction, "Answer only using the following context:")
	assert.Contains(t, instruction, "doc text")
}

func TestRelayForwardsModelAudioUpstreamInOrder(t *testing.T) {
	gw := &fakeGateway{}
	url, _ := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"sessionId":"sess-c"}}`)

	require.Eventually(t, func() bool { return gw.opened() == 1 }, 2*time.Second, 10*time.Millisecond)
	up := gw.upstream(0)

	up.events <- gateway.Event{Kind: gateway.EventAudio, Audio: []byte("a1")}
	up.events <- gateway.Event{Kind: gateway.EventText, Text: "transcript"}
	up.events <- gateway.Event{Kind: gateway.EventAudio, Audio: []byte("a2")}
	up.events <- gateway.Event{Kind: gateway.EventEnd}

	// Text and end-of-turn events produce no frames; audio arrives in order.
	for _, want := range [][]byte{[]byte("a1"), []byte("a2")} {
		frame := readFrame(t, conn)
		require.NotNil(t, frame.AudioChunk)
		pcm, err := protocol.DecodePCM(*frame.AudioChunk)
		require.NoError(t, err)
		assert.Equal(t, want, pcm)
	}

	// The loop survives end-of-turn: a later event still comes through.
	up.events <- gateway.Event{Kind: gateway.EventAudio, Audio: []byte("a3")}
	frame := readFrame(t, conn)
	require.NotNil(t, frame.AudioChunk)
	pcm, err := protocol.DecodePCM(*frame.AudioChunk)
	require.NoError(t, err)
	assert.Equal(t, []byte("a3"), pcm)
}

func TestClientDisconnectTearsDownExactlyOnce(t *testing.T) {
	gw := &fakeGateway{}
	url, manager := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"sessionId":"sess-d"}}`)

	require.Eventually(t, func() bool { return manager.ActiveSessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	up := gw.upstream(0)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return manager.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return up.closes() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// Both loops plus the manager race to tear down; the handle is released once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, up.closes())
}

func TestRejectsAudioBeforeHandshake(t *testing.T) {
	gw := &fakeGateway{}
	provider := &fakeProvider{text: "doc text"}
	url, _ := newTestServer(t, gw, provider)

	conn := dial(t, url)
	sendAudio(t, conn, []byte("too early"))

	frame := readFrame(t, conn)
	require.NotNil(t, frame.Error)

	assert.Zero(t, gw.opened(), "no upstream handle before a valid handshake")
	assert.Zero(t, provider.calls.Load())
}

func TestRejectsUnknownFirstFrame(t *testing.T) {
	gw := &fakeGateway{}
	url, _ := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"something":"else"}`)

	frame := readFrame(t, conn)
	require.NotNil(t, frame.Error)
	assert.Zero(t, gw.opened())
}

func TestRejectsMissingHandshakeOnTimeout(t *testing.T) {
	gw := &fakeGateway{}
	url, _ := newTestServer(t, gw, nil)

	conn := dial(t, url)
	// Send nothing; the handshake deadline expires server-side.

	frame := readFrame(t, conn)
	require.NotNil(t, frame.Error)
	assert.Zero(t, gw.opened())
}

func TestUpstreamOpenFailureReachesClient(t *testing.T) {
	gw := &fakeGateway{openErr: errors.New("quota exceeded")}
	url, _ := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"sessionId":"sess-e"}}`)

	frame := readFrame(t, conn)
	require.NotNil(t, frame.Error)
	assert.Contains(t, *frame.Error, "failed to open upstream session")
}

func TestUpstreamStreamFailureReachesClient(t *testing.T) {
	gw := &fakeGateway{}
	url, _ := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"sessionId":"sess-h"}}`)

	require.Eventually(t, func() bool { return gw.opened() == 1 }, 2*time.Second, 10*time.Millisecond)
	gw.upstream(0).failStream(errors.New("model stream reset"))

	frames, err := readToClose(t, conn)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr, "server must send a close frame, not drop the TCP connection")
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)

	require.NotEmpty(t, frames, "the error frame must precede the close")
	last := frames[len(frames)-1]
	require.NotNil(t, last.Error)
	assert.Contains(t, *last.Error, "upstream stream failed")
}

func TestUpstreamStreamFailureAfterAudioBurst(t *testing.T) {
	gw := &fakeGateway{}
	url, _ := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"sessionId":"sess-i"}}`)

	require.Eventually(t, func() bool { return gw.opened() == 1 }, 2*time.Second, 10*time.Millisecond)
	up := gw.upstream(0)

	for i := 0; i < 16; i++ {
		up.events <- gateway.Event{Kind: gateway.EventAudio, Audio: []byte{byte(i)}}
	}
	up.failStream(errors.New("model stream reset"))

	frames, err := readToClose(t, conn)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)

	// The burst arrives in order, then the error frame, then the close.
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.NotNil(t, last.Error)
	assert.Contains(t, *last.Error, "upstream stream failed")

	prev := -1
	for _, frame := range frames[:len(frames)-1] {
		require.NotNil(t, frame.AudioChunk)
		pcm, err := protocol.DecodePCM(*frame.AudioChunk)
		require.NoError(t, err)
		require.Len(t, pcm, 1)
		assert.Greater(t, int(pcm[0]), prev)
		prev = int(pcm[0])
	}
}

func TestUpstreamSendFailureReachesClient(t *testing.T) {
	gw := &fakeGateway{}
	url, _ := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"sessionId":"sess-j"}}`)

	require.Eventually(t, func() bool { return gw.opened() == 1 }, 2*time.Second, 10*time.Millisecond)
	gw.upstream(0).failSends(errors.New("pipe broken"))

	sendAudio(t, conn, []byte("chunk"))

	frames, err := readToClose(t, conn)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.NotNil(t, last.Error)
	assert.Contains(t, *last.Error, "upstream send failed")
}

func TestMalformedChunkIsDroppedMidSession(t *testing.T) {
	gw := &fakeGateway{}
	url, _ := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"sessionId":"sess-f"}}`)

	require.Eventually(t, func() bool { return gw.opened() == 1 }, 2*time.Second, 10*time.Millisecond)

	sendRaw(t, conn, `{"audio_chunk":"%%% not base64 %%%"}`)
	sendRaw(t, conn, `{"unknown_frame":true}`)
	sendAudio(t, conn, []byte("valid"))

	require.Eventually(t, func() bool {
		return len(gw.upstream(0).sentChunks()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("valid")}, gw.upstream(0).sentChunks())
}

func TestDuplicateConfigFrameIsIgnored(t *testing.T) {
	gw := &fakeGateway{}
	url, manager := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"sessionId":"sess-g"}}`)

	require.Eventually(t, func() bool { return gw.opened() == 1 }, 2*time.Second, 10*time.Millisecond)

	sendRaw(t, conn, `{"config":{"sessionId":"other"}}`)
	sendAudio(t, conn, []byte("still forwarded"))

	require.Eventually(t, func() bool {
		return len(gw.upstream(0).sentChunks()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, gw.opened(), "no second upstream session")
	assert.Equal(t, 1, manager.ActiveSessions())
}

func TestServerAssignsSessionIDWhenAbsent(t *testing.T) {
	gw := &fakeGateway{}
	url, manager := newTestServer(t, gw, nil)

	conn := dial(t, url)
	sendRaw(t, conn, `{"config":{"isRagEnabled":false}}`)

	require.Eventually(t, func() bool { return manager.ActiveSessions() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	url, _ := newTestServer(t, &fakeGateway{}, nil)
	healthURL := "http" + strings.TrimPrefix(strings.TrimSuffix(url, "/ws"), "ws") + "/health"

	resp, err := http.Get(healthURL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, string(body))
}
