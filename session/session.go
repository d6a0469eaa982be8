// Package session owns the live connection to the model endpoint: the
// connect/reconnect state machine, the outbound send path for media
// chunks, the inbound event loop, and tool call dispatch. Producers
// (microphone, screen) hand it chunks through media.Sink; inbound audio
// is handed to the playback scheduler.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bosley/aide/media"
)

// State is the controller's connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Conn is the minimal socket surface the controller needs. The real
// implementation wraps a websocket; tests substitute a scripted one.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
}

// DialFunc establishes a Conn to the endpoint.
type DialFunc func(ctx context.Context, endpoint string) (Conn, error)

// Capture is the microphone pipeline surface the controller drives.
type Capture interface {
	Start(sink media.Sink, muted bool) error
	Stop()
	SetMuted(muted bool)
}

// Screen is the screen sampler surface the controller drives.
type Screen interface {
	Start(sink media.Sink) error
	Stop()
}

// Player receives decoded model audio for ordered playback.
type Player interface {
	Enqueue(payload string, onStart, onStop func())
	StopAll()
}

const (
	DefaultBackoffBase     = time.Second
	DefaultBackoffGrowth   = 1.8
	DefaultBackoffJitter   = 250 * time.Millisecond
	DefaultBackoffMax      = 30 * time.Second
	DefaultMaxAttempts     = 5
	DefaultStabilityWindow = 5 * time.Second

	dialTimeout         = 15 * time.Second
	toolCallTimeout     = 30 * time.Second
	maxReconnectMessage = "connection lost, giving up after repeated failures"
)

type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	SystemInstruction string

	// Reconnect policy. Attempt N waits min(base * growth^N, max) plus
	// up to Jitter of random slack.
	BackoffBase     time.Duration
	BackoffGrowth   float64
	BackoffJitter   time.Duration
	BackoffMax      time.Duration
	MaxAttempts     int
	StabilityWindow time.Duration

	// ScreenEnabled starts the screen sampler on connect.
	ScreenEnabled bool

	Dial DialFunc

	// OnUpdate fires after any externally visible state change, for the
	// console push channel.
	OnUpdate func()

	Logger *slog.Logger
}

// Controller runs one conversation session end to end.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	capture Capture
	screen  Screen
	player  Player
	tools   *ToolSet
	store   *MessageStore

	state         atomic.Int32
	level         atomic.Uint64 // float64 bits
	modelSpeaking atomic.Bool
	thinking      atomic.Bool
	userSpeaking  atomic.Bool
	muted         atomic.Bool
	screenOn      atomic.Bool

	sendMu sync.Mutex // serializes conn writes

	mu             sync.Mutex
	conn           Conn
	connGen        uint64
	terminated     bool
	attempt        int
	reconnectTimer *time.Timer
	stabilityTimer *time.Timer

	// Guarded by mu: the read loop appends, teardown paths reset.
	transcript transcript
}

func NewController(cfg Config, capture Capture, screen Screen, player Player, tools *ToolSet, store *MessageStore) (*Controller, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("session endpoint must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("session model must not be empty")
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffGrowth <= 1 {
		cfg.BackoffGrowth = DefaultBackoffGrowth
	}
	if cfg.BackoffJitter == 0 {
		cfg.BackoffJitter = DefaultBackoffJitter
	} else if cfg.BackoffJitter < 0 {
		// Negative disables jitter entirely.
		cfg.BackoffJitter = 0
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = DefaultStabilityWindow
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if tools == nil {
		tools = NewToolSet()
	}
	if store == nil {
		store = NewMessageStore()
	}

	c := &Controller{
		cfg:     cfg,
		logger:  cfg.Logger,
		capture: capture,
		screen:  screen,
		player:  player,
		tools:   tools,
		store:   store,
	}
	c.screenOn.Store(cfg.ScreenEnabled)
	return c, nil
}

// Connect starts a fresh session. Safe to call again after Disconnect
// or after the controller gave up in the error state.
func (c *Controller) Connect() error {
	c.mu.Lock()
	state := c.State()
	if state == StateConnecting || state == StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("session already %s", state)
	}
	c.terminated = false
	c.attempt = 0
	c.mu.Unlock()

	c.setState(StateConnecting)
	go c.establish()
	return nil
}

// Disconnect tears the session down and suppresses any pending
// reconnect. Idempotent.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.terminated = true
	c.connGen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.stabilityTimer != nil {
		c.stabilityTimer.Stop()
		c.stabilityTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.teardownProducers()
	if conn != nil {
		_ = conn.Close()
	}

	c.transcriptReset()
	c.setState(StateDisconnected)
	c.logger.Info("Session disconnected")
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Level returns the most recent microphone level in [0, 1].
func (c *Controller) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

// ReportLevel records the microphone level for status readers.
func (c *Controller) ReportLevel(level float64) {
	c.level.Store(math.Float64bits(level))
}

// ReportSpeaking records the voice activity gate for status readers.
func (c *Controller) ReportSpeaking(speaking bool) {
	if c.userSpeaking.Swap(speaking) != speaking {
		if speaking {
			c.thinking.Store(false)
		}
		c.update()
	}
}

func (c *Controller) UserSpeaking() bool  { return c.userSpeaking.Load() }
func (c *Controller) ModelSpeaking() bool { return c.modelSpeaking.Load() }
func (c *Controller) Thinking() bool      { return c.thinking.Load() }
func (c *Controller) Muted() bool         { return c.muted.Load() }
func (c *Controller) ScreenEnabled() bool { return c.screenOn.Load() }

// Messages returns a snapshot of the conversation log.
func (c *Controller) Messages() []Message {
	return c.store.Snapshot()
}

// Store exposes the conversation log for tool wiring.
func (c *Controller) Store() *MessageStore {
	return c.store
}

// SetMuted toggles the microphone gate. Capture keeps running so the
// level meter stays live; muted frames are simply not forwarded.
func (c *Controller) SetMuted(muted bool) {
	if c.muted.Swap(muted) == muted {
		return
	}
	if c.capture != nil {
		c.capture.SetMuted(muted)
	}
	c.update()
}

// SetScreenEnabled toggles screen sharing, starting or stopping the
// sampler immediately when connected.
func (c *Controller) SetScreenEnabled(enabled bool) error {
	if c.screenOn.Swap(enabled) == enabled {
		return nil
	}
	defer c.update()

	if c.screen == nil || c.State() != StateConnected {
		return nil
	}
	if !enabled {
		c.screen.Stop()
		return nil
	}
	if err := c.screen.Start(c.outboundSink()); err != nil {
		c.screenOn.Store(false)
		c.store.Append(RoleSystem, KindText, "Screen sharing unavailable: "+err.Error())
		return fmt.Errorf("failed to start screen sharing: %w", err)
	}
	return nil
}

// SendText delivers typed user input alongside the audio stream.
func (c *Controller) SendText(text string) error {
	if text == "" {
		return nil
	}
	c.store.Append(RoleUser, KindText, text)
	return c.send(&clientMessage{RealtimeInput: &realtimeInput{Text: text}})
}

// SendChunk delivers an out-of-band media chunk, e.g. a dropped file.
// Text chunks are logged as user messages, media chunks as system notes.
func (c *Controller) SendChunk(chunk media.Chunk) error {
	if err := c.send(&clientMessage{RealtimeInput: chunkToInput(chunk)}); err != nil {
		return err
	}
	if chunk.Kind == media.KindText {
		c.store.Append(RoleUser, KindText, chunk.Text)
	} else {
		c.store.Append(RoleSystem, KindFile,
			fmt.Sprintf("Submitted %s input (%d bytes)", chunk.Kind, len(chunk.Data)))
	}
	return nil
}

// establish dials and performs setup. Runs off the caller's goroutine;
// failures feed the reconnect policy.
func (c *Controller) establish() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	endpoint := c.cfg.Endpoint
	if c.cfg.APIKey != "" {
		endpoint = appendKey(endpoint, c.cfg.APIKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := c.cfg.Dial(ctx, endpoint)
	if err != nil {
		c.logger.Error("Failed to dial session endpoint", "error", err)
		c.scheduleReconnect(gen)
		return
	}

	if err := conn.WriteJSON(&clientMessage{Setup: c.buildSetup()}); err != nil {
		c.logger.Error("Failed to send session setup", "error", err)
		conn.Close()
		c.scheduleReconnect(gen)
		return
	}

	c.mu.Lock()
	if c.terminated || gen != c.connGen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn, gen)
}

func (c *Controller) buildSetup() *setupPayload {
	setup := &setupPayload{
		Model: c.cfg.Model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		OutputAudioTranscription: &struct{}{},
		InputAudioTranscription:  &struct{}{},
	}
	if c.cfg.SystemInstruction != "" {
		setup.SystemInstruction = &contentPayload{
			Parts: []partPayload{{Text: c.cfg.SystemInstruction}},
		}
	}
	if decls := c.tools.Declarations(); len(decls) > 0 {
		setup.Tools = []toolDeclarations{{FunctionDeclarations: decls}}
	}
	return setup
}

// readLoop is the control thread for inbound traffic. All state machine
// transitions driven by the server happen here, in arrival order.
func (c *Controller) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.onLinkFailure(gen, err)
			return
		}

		events, err := decodeServerMessage(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable server frame", "error", err)
			continue
		}
		for _, ev := range events {
			c.handleEvent(gen, ev)
		}
	}
}

// handleEvent applies one inbound event. A write failure or teardown
// may retire this connection while a frame is still in flight, so every
// case re-checks the generation under the lock; cases that touch the
// transcript mutate it inside the same critical section.
func (c *Controller) handleEvent(gen uint64, ev inboundEvent) {
	switch e := ev.(type) {
	case setupCompleteEvent:
		c.onOpen(gen)

	case interruptedEvent:
		// The user barged in: kill queued and playing audio at once and
		// drop partial transcription for the abandoned turn.
		c.mu.Lock()
		if gen != c.connGen {
			c.mu.Unlock()
			return
		}
		c.transcript.reset()
		c.mu.Unlock()
		if c.player != nil {
			c.player.StopAll()
		}
		c.modelSpeaking.Store(false)
		c.thinking.Store(false)
		c.update()

	case inputTranscriptEvent:
		c.mu.Lock()
		if gen != c.connGen {
			c.mu.Unlock()
			return
		}
		c.transcript.addInput(e.Text)
		c.mu.Unlock()
		c.thinking.Store(true)
		c.update()

	case outputTranscriptEvent:
		c.mu.Lock()
		if gen != c.connGen {
			c.mu.Unlock()
			return
		}
		full := c.transcript.addOutput(e.Text)
		openID := c.transcript.openOutputID
		c.mu.Unlock()
		c.thinking.Store(false)
		if openID == "" {
			id := c.store.Append(RoleAssistant, KindText, full)
			c.mu.Lock()
			if gen == c.connGen {
				c.transcript.openOutputID = id
			}
			c.mu.Unlock()
		} else {
			c.store.UpdateText(openID, full)
		}
		c.update()

	case audioEvent:
		if c.stale(gen) {
			return
		}
		c.thinking.Store(false)
		if c.player != nil {
			c.player.Enqueue(e.Data,
				func() {
					c.modelSpeaking.Store(true)
					c.update()
				},
				func() {
					c.modelSpeaking.Store(false)
					c.update()
				})
		}

	case turnCompleteEvent:
		c.mu.Lock()
		if gen != c.connGen {
			c.mu.Unlock()
			return
		}
		input := c.transcript.takeInput()
		c.transcript.closeTurn()
		c.mu.Unlock()
		if input != "" {
			c.store.Append(RoleUser, KindText, input)
		}
		c.thinking.Store(false)
		c.update()

	case toolCallEvent:
		if c.stale(gen) {
			return
		}
		// Handlers may block on I/O; keep the read loop responsive.
		go c.dispatchToolCalls(e.Calls)
	}
}

// stale reports whether gen has been retired by a teardown or retry.
func (c *Controller) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.connGen
}

// onOpen runs when the server acknowledges setup: the session is live,
// so start the producers and arm the stability window.
func (c *Controller) onOpen(gen uint64) {
	c.mu.Lock()
	if c.terminated || gen != c.connGen {
		c.mu.Unlock()
		return
	}
	if c.stabilityTimer != nil {
		c.stabilityTimer.Stop()
	}
	c.stabilityTimer = time.AfterFunc(c.cfg.StabilityWindow, func() {
		c.mu.Lock()
		c.attempt = 0
		c.mu.Unlock()
	})
	c.mu.Unlock()

	c.setState(StateConnected)
	c.logger.Info("Session established", "model", c.cfg.Model)

	if c.capture != nil {
		if err := c.capture.Start(c.outboundSink(), c.muted.Load()); err != nil {
			// Voice is degraded but the session still works for text and
			// screen; surface it instead of failing the connect.
			c.logger.Error("Failed to start microphone capture", "error", err)
			c.store.Append(RoleSystem, KindText, "Microphone unavailable: "+err.Error())
		}
	}
	if c.screen != nil && c.screenOn.Load() {
		if err := c.screen.Start(c.outboundSink()); err != nil {
			c.logger.Error("Failed to start screen sharing", "error", err)
			c.screenOn.Store(false)
			c.store.Append(RoleSystem, KindText, "Screen sharing unavailable: "+err.Error())
		}
	}
	c.update()
}

// outboundSink adapts the send path for media producers.
func (c *Controller) outboundSink() media.Sink {
	return media.SinkFunc(func(chunk media.Chunk) error {
		return c.send(&clientMessage{RealtimeInput: chunkToInput(chunk)})
	})
}

// send serializes one frame onto the socket. A write failure tears the
// link down and triggers reconnection rather than dropping silently.
func (c *Controller) send(msg *clientMessage) error {
	c.mu.Lock()
	conn := c.conn
	gen := c.connGen
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("session is not connected")
	}

	c.sendMu.Lock()
	err := conn.WriteJSON(msg)
	c.sendMu.Unlock()

	if err != nil {
		go c.onLinkFailure(gen, err)
		return fmt.Errorf("failed to send session frame: %w", err)
	}
	return nil
}

// onLinkFailure handles a dead socket from either the read or write
// side. First failure for a generation wins; producers are torn down
// before the retry is scheduled.
func (c *Controller) onLinkFailure(gen uint64, cause error) {
	c.mu.Lock()
	if c.terminated || gen != c.connGen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.connGen++
	newGen := c.connGen
	if c.stabilityTimer != nil {
		c.stabilityTimer.Stop()
		c.stabilityTimer = nil
	}
	c.mu.Unlock()

	c.logger.Warn("Session link failed", "error", cause)
	if conn != nil {
		conn.Close()
	}

	c.teardownProducers()
	c.transcriptReset()
	c.scheduleReconnect(newGen)
}

func (c *Controller) teardownProducers() {
	if c.capture != nil {
		c.capture.Stop()
	}
	if c.screen != nil {
		c.screen.Stop()
	}
	if c.player != nil {
		c.player.StopAll()
	}
	c.modelSpeaking.Store(false)
	c.thinking.Store(false)
	c.userSpeaking.Store(false)
}

// transcriptReset clears turn buffers. Taking the lock makes it safe
// against a read loop still mid-event for a retired generation.
func (c *Controller) transcriptReset() {
	c.mu.Lock()
	c.transcript.reset()
	c.mu.Unlock()
}

// scheduleReconnect arms the next retry, or moves to the error state
// once the attempt ceiling is hit.
func (c *Controller) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if c.terminated || gen != c.connGen {
		c.mu.Unlock()
		return
	}

	attempt := c.attempt
	c.attempt++
	if c.attempt > c.cfg.MaxAttempts {
		c.mu.Unlock()
		c.setState(StateError)
		c.store.Append(RoleSystem, KindText, maxReconnectMessage)
		c.logger.Error("Giving up on session", "attempts", c.cfg.MaxAttempts)
		return
	}

	delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffGrowth, c.cfg.BackoffMax, attempt)
	if c.cfg.BackoffJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.cfg.BackoffJitter)))
	}

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		dead := c.terminated
		c.mu.Unlock()
		if dead {
			return
		}
		c.establish()
	})
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.logger.Info("Reconnecting", "attempt", c.attempt, "delay", delay)
}

// backoffDelay is the deterministic part of the retry schedule:
// min(base * growth^attempt, max), attempt counting from zero.
func backoffDelay(base time.Duration, growth float64, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(growth, float64(attempt)))
	if d > max || d < 0 {
		return max
	}
	return d
}

// dispatchToolCalls runs a batch of tool calls and sends exactly one
// response per call id, success or failure, as a single batch.
func (c *Controller) dispatchToolCalls(calls []FunctionCall) {
	responses := make([]functionResponse, 0, len(calls))
	for _, call := range calls {
		responses = append(responses, c.runToolCall(call))
	}

	if err := c.send(&clientMessage{ToolResponse: &toolResponse{FunctionResponses: responses}}); err != nil {
		c.logger.Error("Failed to send tool responses", "error", err)
	}
}

func (c *Controller) runToolCall(call FunctionCall) functionResponse {
	resp := functionResponse{ID: call.ID, Name: call.Name}

	handler, ok := c.tools.Handler(call.Name)
	if !ok {
		c.logger.Warn("Unknown tool requested", "tool", call.Name)
		resp.Response = map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
		return resp
	}

	ctx, cancel := context.WithTimeout(context.Background(), toolCallTimeout)
	defer cancel()

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("tool handler panicked: %v", r)
			}
		}()
		return handler(ctx, call.Args)
	}()
	if err != nil {
		c.logger.Error("Tool call failed", "tool", call.Name, "error", err)
		resp.Response = map[string]any{"error": err.Error()}
		return resp
	}

	resp.Response = map[string]any{"result": result}
	return resp
}

func (c *Controller) setState(state State) {
	if State(c.state.Swap(int32(state))) != state {
		c.update()
	}
}

func (c *Controller) update() {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate()
	}
}
