package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/aide/media"
)

type fakeConn struct {
	inbound chan []byte
	wrote   chan clientMessage
	closed  chan struct{}
	once    sync.Once

	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		wrote:   make(chan clientMessage, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.failWrites.Load() {
		return fmt.Errorf("socket is dead")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	select {
	case c.wrote <- msg:
	default:
	}
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *fakeConn) nextWrite(t *testing.T) clientMessage {
	t.Helper()
	select {
	case msg := <-c.wrote:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return clientMessage{}
	}
}

type fakeCapture struct {
	mu     sync.Mutex
	starts int
	stops  int
	muted  bool
	sink   media.Sink
}

func (f *fakeCapture) Start(sink media.Sink, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.muted = muted
	f.sink = sink
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeCapture) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
}

func (f *fakeCapture) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeCapture) currentSink() media.Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

type fakeScreen struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeScreen) Start(sink media.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeScreen) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

type fakePlayer struct {
	mu       sync.Mutex
	enqueued []string
	stopAlls atomic.Int32
}

func (f *fakePlayer) Enqueue(payload string, onStart, onStop func()) {
	f.mu.Lock()
	f.enqueued = append(f.enqueued, payload)
	f.mu.Unlock()
	if onStart != nil {
		onStart()
	}
}

func (f *fakePlayer) StopAll() {
	f.stopAlls.Add(1)
}

func (f *fakePlayer) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

type harness struct {
	ctrl    *Controller
	capture *fakeCapture
	screen  *fakeScreen
	player  *fakePlayer
	store   *MessageStore
	tools   *ToolSet

	dials atomic.Int32
	conns chan *fakeConn
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		capture: &fakeCapture{},
		screen:  &fakeScreen{},
		player:  &fakePlayer{},
		store:   NewMessageStore(),
		tools:   NewToolSet(),
		conns:   make(chan *fakeConn, 16),
	}

	cfg := Config{
		Endpoint:        "wss://example.test/session",
		APIKey:          "test-key",
		Model:           "models/test",
		BackoffBase:     time.Millisecond,
		BackoffGrowth:   1.1,
		BackoffJitter:   -1,
		BackoffMax:      5 * time.Millisecond,
		MaxAttempts:     3,
		StabilityWindow: time.Hour,
		Dial: func(ctx context.Context, endpoint string) (Conn, error) {
			h.dials.Add(1)
			conn := newFakeConn()
			h.conns <- conn
			return conn, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctrl, err := NewController(cfg, h.capture, h.screen, h.player, h.tools, h.store)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Disconnect)
	return h
}

func (h *harness) dialConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-h.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// connect drives the harness to the connected state and returns the
// live fake conn with its setup frame already consumed.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, h.ctrl.Connect())
	conn := h.dialConn(t)
	setup := conn.nextWrite(t)
	require.NotNil(t, setup.Setup)

	conn.push(t, map[string]any{"setupComplete": map[string]any{}})
	waitState(t, h.ctrl, StateConnected)
	return conn
}

func waitState(t *testing.T, ctrl *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.State() == want
	}, 2*time.Second, time.Millisecond, "expected state %s, have %s", want, ctrl.State())
}

func TestControllerConnectSendsSetup(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.SystemInstruction = "be brief"
	})
	h.tools.Register(RenderArtifactTool(h.store))

	require.NoError(t, h.ctrl.Connect())
	conn := h.dialConn(t)

	setup := conn.nextWrite(t)
	require.NotNil(t, setup.Setup)
	assert.Equal(t, "models/test", setup.Setup.Model)
	assert.Equal(t, []string{"AUDIO"}, setup.Setup.GenerationConfig.ResponseModalities)
	require.NotNil(t, setup.Setup.SystemInstruction)
	assert.Equal(t, "be brief", setup.Setup.SystemInstruction.Parts[0].Text)
	require.Len(t, setup.Setup.Tools, 1)
	assert.Equal(t, "render_artifact", setup.Setup.Tools[0].FunctionDeclarations[0].Name)

	assert.Equal(t, StateConnecting, h.ctrl.State())
	conn.push(t, map[string]any{"setupComplete": map[string]any{}})
	waitState(t, h.ctrl, StateConnected)
	require.Eventually(t, func() bool {
		return h.capture.startCount() == 1
	}, 2*time.Second, time.Millisecond)
}

func TestControllerConnectTwiceFails(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	assert.Error(t, h.ctrl.Connect())
}

func TestControllerForwardsCaptureChunks(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	require.Eventually(t, func() bool {
		return h.capture.currentSink() != nil
	}, 2*time.Second, time.Millisecond)
	sink := h.capture.currentSink()
	require.NoError(t, sink.Write(media.AudioChunk([]byte{1, 0, 2, 0}, "audio/pcm;rate=16000")))

	msg := conn.nextWrite(t)
	require.NotNil(t, msg.RealtimeInput)
	require.Len(t, msg.RealtimeInput.MediaChunks, 1)
	assert.Equal(t, "audio/pcm;rate=16000", msg.RealtimeInput.MediaChunks[0].MimeType)
	assert.NotEmpty(t, msg.RealtimeInput.MediaChunks[0].Data)
}

func TestControllerStreamsOutputTranscript(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.push(t, map[string]any{"serverContent": map[string]any{
		"outputTranscription": map[string]any{"text": "Hel"},
	}})
	conn.push(t, map[string]any{"serverContent": map[string]any{
		"outputTranscription": map[string]any{"text": "lo"},
	}})

	require.Eventually(t, func() bool {
		msgs := h.store.Snapshot()
		return len(msgs) == 1 && msgs[0].Text == "Hello"
	}, 2*time.Second, time.Millisecond)

	msgs := h.store.Snapshot()
	assert.Equal(t, RoleAssistant, msgs[0].Role)
}

func TestControllerMaterializesInputOnTurnComplete(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.push(t, map[string]any{"serverContent": map[string]any{
		"inputTranscription": map[string]any{"text": "what is "},
	}})
	conn.push(t, map[string]any{"serverContent": map[string]any{
		"inputTranscription": map[string]any{"text": "this"},
		"turnComplete":       true,
	}})

	require.Eventually(t, func() bool {
		msgs := h.store.Snapshot()
		return len(msgs) == 1 && msgs[0].Text == "what is this"
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, RoleUser, h.store.Snapshot()[0].Role)
}

func TestControllerEnqueuesModelAudio(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.push(t, map[string]any{"serverContent": map[string]any{
		"modelTurn": map[string]any{
			"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     "AAAA",
				}},
			},
		},
	}})

	require.Eventually(t, func() bool {
		return len(h.player.payloads()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "AAAA", h.player.payloads()[0])
	assert.True(t, h.ctrl.ModelSpeaking())
}

func TestControllerInterruptionStopsPlaybackAndClearsTranscript(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.push(t, map[string]any{"serverContent": map[string]any{
		"outputTranscription": map[string]any{"text": "I was say"},
	}})
	require.Eventually(t, func() bool {
		return h.store.Len() == 1
	}, 2*time.Second, time.Millisecond)

	conn.push(t, map[string]any{"serverContent": map[string]any{
		"interrupted": true,
	}})
	require.Eventually(t, func() bool {
		return h.player.stopAlls.Load() == 1
	}, 2*time.Second, time.Millisecond)

	// A fresh transcript delta after the interruption opens a new
	// message instead of extending the abandoned one.
	conn.push(t, map[string]any{"serverContent": map[string]any{
		"outputTranscription": map[string]any{"text": "New answer"},
	}})
	require.Eventually(t, func() bool {
		msgs := h.store.Snapshot()
		return len(msgs) == 2 && msgs[1].Text == "New answer"
	}, 2*time.Second, time.Millisecond)
}

func TestControllerToolBatchOneResponsePerCall(t *testing.T) {
	h := newHarness(t, nil)
	h.tools.Register(Tool{
		Declaration: ToolDeclaration{Name: "echo"},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return string(args), nil
		},
	})
	conn := h.connect(t)

	conn.push(t, map[string]any{"toolCall": map[string]any{
		"functionCalls": []any{
			map[string]any{"id": "call-1", "name": "echo", "args": map[string]any{"x": 1}},
			map[string]any{"id": "call-2", "name": "no_such_tool"},
		},
	}})

	msg := conn.nextWrite(t)
	require.NotNil(t, msg.ToolResponse)
	require.Len(t, msg.ToolResponse.FunctionResponses, 2)

	ok := msg.ToolResponse.FunctionResponses[0]
	assert.Equal(t, "call-1", ok.ID)
	assert.Equal(t, "echo", ok.Name)
	assert.Contains(t, ok.Response, "result")

	failed := msg.ToolResponse.FunctionResponses[1]
	assert.Equal(t, "call-2", failed.ID)
	assert.Contains(t, failed.Response, "error")
}

func TestControllerReconnectsAfterLinkFailure(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.Close()

	conn2 := h.dialConn(t)
	setup := conn2.nextWrite(t)
	require.NotNil(t, setup.Setup)
	assert.Equal(t, int32(2), h.dials.Load())

	// Producers were torn down before the retry.
	h.capture.mu.Lock()
	stops := h.capture.stops
	h.capture.mu.Unlock()
	assert.Equal(t, 1, stops)
	assert.GreaterOrEqual(t, h.player.stopAlls.Load(), int32(1))

	conn2.push(t, map[string]any{"setupComplete": map[string]any{}})
	waitState(t, h.ctrl, StateConnected)
}

func TestControllerSendFailureTriggersReconnect(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.failWrites.Store(true)
	assert.Error(t, h.ctrl.SendText("hello"))

	conn2 := h.dialConn(t)
	require.NotNil(t, conn2.nextWrite(t).Setup)
	assert.Equal(t, int32(2), h.dials.Load())
}

func TestControllerDisconnectSuppressesReconnect(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	h.ctrl.Disconnect()
	waitState(t, h.ctrl, StateDisconnected)

	conn.Close()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.dials.Load())
}

func TestControllerDisconnectDuringTranscriptStream(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	// Teardown resets the turn buffers while the read loop may still be
	// appending deltas; the race detector covers the overlap.
	frame, err := json.Marshal(map[string]any{"serverContent": map[string]any{
		"outputTranscription": map[string]any{"text": "delta "},
	}})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			select {
			case conn.inbound <- frame:
			case <-conn.closed:
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	h.ctrl.Disconnect()
	<-done

	waitState(t, h.ctrl, StateDisconnected)

	// A fresh session starts with empty buffers, not leftovers.
	conn2 := h.connect(t)
	conn2.push(t, map[string]any{"serverContent": map[string]any{
		"outputTranscription": map[string]any{"text": "clean"},
	}})
	require.Eventually(t, func() bool {
		msgs := h.store.Snapshot()
		return len(msgs) > 0 && msgs[len(msgs)-1].Text == "clean"
	}, 2*time.Second, time.Millisecond)
}

func TestControllerStableLinkResetsAttemptCounter(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxAttempts = 1
		cfg.StabilityWindow = 10 * time.Millisecond
	})
	conn := h.connect(t)

	// The first failure consumes the only retry.
	conn.Close()
	conn2 := h.dialConn(t)
	require.NotNil(t, conn2.nextWrite(t).Setup)
	conn2.push(t, map[string]any{"setupComplete": map[string]any{}})
	waitState(t, h.ctrl, StateConnected)

	// Outlive the stability window so the attempt counter rearms; the
	// next failure then gets a fresh retry instead of the error state.
	time.Sleep(50 * time.Millisecond)

	conn2.Close()
	conn3 := h.dialConn(t)
	require.NotNil(t, conn3.nextWrite(t).Setup)
	conn3.push(t, map[string]any{"setupComplete": map[string]any{}})
	waitState(t, h.ctrl, StateConnected)
	assert.Equal(t, int32(3), h.dials.Load())
}

func TestControllerGivesUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	h := newHarness(t, func(cfg *Config) {
		cfg.Dial = func(ctx context.Context, endpoint string) (Conn, error) {
			dials.Add(1)
			return nil, fmt.Errorf("endpoint unreachable")
		}
	})

	require.NoError(t, h.ctrl.Connect())
	waitState(t, h.ctrl, StateError)

	// The initial try plus MaxAttempts retries.
	assert.Equal(t, int32(4), dials.Load())

	msgs := h.store.Snapshot()
	require.NotEmpty(t, msgs)
	assert.Equal(t, RoleSystem, msgs[len(msgs)-1].Role)
}

func TestControllerSendTextRecordsUserMessage(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.ctrl.SendText("run the tests"))

	msg := conn.nextWrite(t)
	require.NotNil(t, msg.RealtimeInput)
	assert.Equal(t, "run the tests", msg.RealtimeInput.Text)

	msgs := h.store.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestControllerSendTextWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.ctrl.SendText("hello"))
}

func TestControllerScreenToggle(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	require.NoError(t, h.ctrl.SetScreenEnabled(true))
	h.screen.mu.Lock()
	starts := h.screen.starts
	h.screen.mu.Unlock()
	assert.Equal(t, 1, starts)

	require.NoError(t, h.ctrl.SetScreenEnabled(false))
	h.screen.mu.Lock()
	stops := h.screen.stops
	h.screen.mu.Unlock()
	assert.Equal(t, 1, stops)
}

func TestBackoffDelaySchedule(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Second, backoffDelay(base, 1.8, max, 0))
	assert.InDelta(t, float64(1800*time.Millisecond), float64(backoffDelay(base, 1.8, max, 1)), float64(time.Microsecond))
	assert.InDelta(t, float64(3240*time.Millisecond), float64(backoffDelay(base, 1.8, max, 2)), float64(time.Microsecond))

	// Deep attempts clamp to the ceiling, including float overflow.
	assert.Equal(t, max, backoffDelay(base, 1.8, max, 10))
	assert.Equal(t, max, backoffDelay(base, 1.8, max, 500))
}

func TestAppendKey(t *testing.T) {
	assert.Equal(t,
		"wss://host/path?key=abc",
		appendKey("wss://host/path", "abc"))
	assert.Equal(t,
		"wss://host/path?key=abc&v=1",
		appendKey("wss://host/path?v=1", "abc"))
}
