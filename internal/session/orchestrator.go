// Package session owns the lifecycle of one live voice conversation.
//
// An [Orchestrator] drives the state machine
//
//	DISCONNECTED -connect-> CONNECTING -remote open-> CONNECTED -close/disconnect-> DISCONNECTED
//
// with ERROR entered on a failed connect attempt, after which teardown runs
// and the state returns to DISCONNECTED. Each connect builds a fresh capture
// pipeline, playback scheduler and live channel; all three belong to a
// per-attempt session value, and late callbacks or tool results from an older
// session are discarded by comparing session identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
	"github.com/MrWong99/jarvis/pkg/provider/live"
	"github.com/MrWong99/jarvis/pkg/types"
)

var (
	// ErrConfiguration is returned by Connect when no credential is
	// configured.
	ErrConfiguration = errors.New("session: missing API key")

	// ErrSessionActive is returned by Connect while another session is
	// connecting or connected.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrAborted is returned by Connect when Disconnect ran before the
	// attempt finished.
	ErrAborted = errors.New("session: connect aborted")
)

// ── Collaborators ──────────────────────────────────────────────────────────────

// Capture is a single-use microphone pipeline.
type Capture interface {
	Start(ctx context.Context, sensitivity float64, onFrame func(audio.Blob)) error
	Stop() error
}

// Playback is a single-use speaker scheduler.
type Playback interface {
	Enqueue(chunk string) (playback.Slot, error)
	Flush()
	Close() error
	Tap() *playback.Analyser
}

// Dispatcher executes tool calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, call tools.Call) tools.Result
	Definitions() []live.FunctionDeclaration
}

// Events receives UI-facing log entries and state changes.
type Events interface {
	Log(source types.LogSource, typ types.LogType, text string)
	State(s types.SessionState)
}

// Config holds the orchestrator's dependencies.
type Config struct {
	// APIKey is the live API credential. Connect refuses to start without it.
	APIKey string

	// Dialer opens the live channel.
	Dialer live.Dialer

	// NewCapture builds the microphone pipeline for one session.
	NewCapture func() Capture

	// NewPlayback builds the speaker scheduler for one session.
	NewPlayback func() (Playback, error)

	// Tools executes tool calls and supplies their declarations.
	Tools Dispatcher

	// Events receives log entries and state changes. May be nil.
	Events Events

	// Live is the template for each session's channel configuration. Voice
	// and tool declarations are filled in per connect.
	Live live.Config

	// Metrics records session metrics. Nil uses observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// ── Orchestrator ───────────────────────────────────────────────────────────────

// Orchestrator runs at most one session at a time. All methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg     Config
	metrics *observe.Metrics
	events  Events

	mu    sync.Mutex
	state types.SessionState
	sess  *session
	file  *types.ContextFile

	inflight sync.WaitGroup
}

type nopEvents struct{}

func (nopEvents) Log(types.LogSource, types.LogType, string) {}
func (nopEvents) State(types.SessionState)                  {}

// New creates an Orchestrator in the DISCONNECTED state.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{cfg: cfg, metrics: cfg.Metrics, events: cfg.Events, state: types.StateDisconnected}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.events == nil {
		o.events = nopEvents{}
	}
	return o
}

// State returns the current session state.
func (o *Orchestrator) State() types.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID returns the id of the live session, or "" when disconnected.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return ""
	}
	return o.sess.id
}

// SetLiveConfig replaces the channel configuration template. A running
// session keeps the template it was opened with.
func (o *Orchestrator) SetLiveConfig(lc live.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Live = lc
}

// Tap returns the analysis tap of the live session's playback, or nil when no
// session is running.
func (o *Orchestrator) Tap() *playback.Analyser {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil || o.sess.playback == nil {
		return nil
	}
	return o.sess.playback.Tap()
}

// setState changes the state and publishes it. Must be called with o.mu held.
func (o *Orchestrator) setState(s types.SessionState) {
	if o.state == s {
		return
	}
	o.state = s
	o.events.State(s)
}

// ── Connect ────────────────────────────────────────────────────────────────────

// Connect starts a session with the given user settings. It opens the
// microphone and dials the live channel concurrently and returns once both
// are up; the state stays CONNECTING until the remote side acknowledges the
// session setup.
//
// Connect returns [ErrConfiguration] without touching the microphone when no
// API key is configured, and [ErrSessionActive] while another session exists.
// Any other failure moves the state to ERROR, tears down whatever was opened
// and returns the state to DISCONNECTED.
func (o *Orchestrator) Connect(ctx context.Context, settings types.Settings) error {
	o.mu.Lock()
	if o.sess != nil {
		o.mu.Unlock()
		return ErrSessionActive
	}
	if o.cfg.APIKey == "" {
		o.mu.Unlock()
		o.events.Log(types.SourceSystem, types.LogError, "No API key configured. Set GEMINI_API_KEY and try again.")
		return ErrConfiguration
	}
	sess := newSession(settings)
	o.sess = sess
	o.setState(types.StateConnecting)
	o.mu.Unlock()

	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, sess.id), "session.connect",
		trace.WithAttributes(observe.AttrSessionID.String(sess.id)))
	defer span.End()
	log := observe.Logger(ctx)

	o.events.Log(types.SourceSystem, types.LogInfo, "Connecting to Gemini Live...")
	log.Info("session connecting", "voice", settings.VoiceName, "sensitivity", settings.WakeWordSensitivity)

	if err := o.open(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrAborted) {
			log.Info("session connect aborted")
			return err
		}
		log.Error("session connect failed", "err", err)
		o.events.Log(types.SourceSystem, types.LogError, "Connection failed: "+err.Error())

		o.mu.Lock()
		if o.sess == sess {
			o.setState(types.StateError)
		}
		o.mu.Unlock()
		o.teardown(sess)
		return err
	}
	return nil
}

// open builds and starts the session's resources.
func (o *Orchestrator) open(ctx context.Context, sess *session) error {
	pb, err := o.cfg.NewPlayback()
	if err != nil {
		return fmt.Errorf("session: open playback: %w", err)
	}
	capt := o.cfg.NewCapture()

	o.mu.Lock()
	sess.playback = pb
	sess.capture = capt
	aborted := sess.closing
	lc := o.cfg.Live
	o.mu.Unlock()
	if aborted {
		_ = pb.Close()
		return ErrAborted
	}

	lc.VoiceName = sess.settings.VoiceName
	lc.Tools = o.cfg.Tools.Definitions()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return capt.Start(gctx, sess.settings.WakeWordSensitivity, func(b audio.Blob) { o.forward(sess, b) })
	})
	g.Go(func() error {
		ch, err := o.cfg.Dialer.Connect(gctx, lc, o.callbacks(sess))
		if err != nil {
			return err
		}
		o.mu.Lock()
		sess.channel = ch
		closing := sess.closing
		o.mu.Unlock()
		if closing {
			_ = ch.Close()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		o.mu.Lock()
		aborted := sess.closing
		o.mu.Unlock()
		if aborted {
			return ErrAborted
		}
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != sess || sess.closing {
		return ErrAborted
	}
	sess.ready = true
	if sess.opened {
		o.markConnected(sess)
	}
	return nil
}

// callbacks binds the live channel's callbacks to sess.
func (o *Orchestrator) callbacks(sess *session) live.Callbacks {
	return live.Callbacks{
		OnOpen:    func(ch live.Channel) { o.onOpen(sess, ch) },
		OnMessage: func(msg *live.ServerMessage) { o.onMessage(sess, msg) },
		OnError:   func(err error) { o.onError(sess, err) },
		OnClose:   func(err error) { o.onClose(sess, err) },
	}
}

// onOpen arms frame forwarding. The state flips to CONNECTED once the local
// resources are ready as well. The channel may open before Dial has returned
// it, so the one passed in is recorded here.
func (o *Orchestrator) onOpen(sess *session, ch live.Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != sess || sess.closing || sess.opened {
		return
	}
	if sess.channel == nil {
		sess.channel = ch
	}
	sess.opened = true
	if sess.ready {
		o.markConnected(sess)
	}
}

// markConnected completes the connect. Must be called with o.mu held.
func (o *Orchestrator) markConnected(sess *session) {
	ctx := context.Background()
	sess.connected = true
	o.setState(types.StateConnected)
	o.metrics.SessionConnectDuration.Record(ctx, time.Since(sess.started).Seconds())
	o.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(sess.ctx).Info("session connected", "after", time.Since(sess.started))
	o.events.Log(types.SourceSystem, types.LogSuccess, "Connected. Jarvis is listening.")

	if o.file != nil {
		name := o.file.Name
		ch := sess.channel
		go o.announce(sess, ch, name)
	}
}

// ── Inbound ────────────────────────────────────────────────────────────────────

// current reports whether sess is the live, open session. Must be called with
// o.mu held.
func (o *Orchestrator) current(sess *session) bool {
	return o.sess == sess && !sess.closing
}

func (o *Orchestrator) onMessage(sess *session, msg *live.ServerMessage) {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return
	}
	pb := sess.playback
	for _, call := range msg.ToolCalls {
		if call.ID != "" {
			sess.pending[call.ID] = struct{}{}
		}
	}
	for _, id := range msg.CancelledToolCalls {
		delete(sess.pending, id)
	}
	o.mu.Unlock()

	for _, id := range msg.CancelledToolCalls {
		observe.Logger(sess.ctx).Debug("tool call cancelled", "call_id", id)
	}

	// Tool calls run concurrently; each answers on its own.
	for _, fc := range msg.ToolCalls {
		o.events.Log(types.SourceSystem, types.LogCommand, "Executing "+fc.Name)
		o.inflight.Add(1)
		go o.runTool(sess, tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args})
	}

	if len(msg.Audio) > 0 || len(msg.Text) > 0 || msg.OutputTranscription != "" {
		o.flushTranscript(sess, false)
	}
	for _, chunk := range msg.Audio {
		// Undecodable chunks are logged and counted by the scheduler.
		_, _ = pb.Enqueue(chunk)
	}
	for _, text := range msg.Text {
		if strings.TrimSpace(text) != "" {
			o.events.Log(types.SourceJarvis, types.LogInfo, text)
		}
	}

	sess.transcriptMu.Lock()
	sess.userText.WriteString(msg.InputTranscription)
	sess.jarvisText.WriteString(msg.OutputTranscription)
	sess.transcriptMu.Unlock()

	if msg.Interrupted {
		pb.Flush()
	}
	if msg.TurnComplete || msg.Interrupted {
		o.flushTranscript(sess, true)
	}
}

// flushTranscript logs the accumulated user transcript and, if all is set,
// the model's transcript too.
func (o *Orchestrator) flushTranscript(sess *session, all bool) {
	sess.transcriptMu.Lock()
	user := strings.TrimSpace(sess.userText.String())
	sess.userText.Reset()
	var jarvis string
	if all {
		jarvis = strings.TrimSpace(sess.jarvisText.String())
		sess.jarvisText.Reset()
	}
	sess.transcriptMu.Unlock()

	if user != "" {
		o.events.Log(types.SourceUser, types.LogInfo, user)
	}
	if jarvis != "" {
		o.events.Log(types.SourceJarvis, types.LogInfo, jarvis)
	}
}

// runTool executes one call and answers it, unless the session has moved on
// or the call was cancelled in the meantime. The channel is looked up after
// the call finishes; a result with no channel to answer on is dropped.
func (o *Orchestrator) runTool(sess *session, call tools.Call) {
	defer o.inflight.Done()
	res := o.cfg.Tools.Dispatch(sess.ctx, call)

	o.mu.Lock()
	current := o.current(sess)
	_, pending := sess.pending[call.ID]
	delete(sess.pending, call.ID)
	ch := sess.channel
	o.mu.Unlock()

	log := observe.Logger(sess.ctx).With("tool", call.Name, "call_id", call.ID)
	if !current || (call.ID != "" && !pending) {
		log.Debug("discarding tool result", "session_current", current)
		return
	}
	if ch == nil {
		log.Warn("discarding tool result: channel not established")
		return
	}
	if res.IsError() {
		o.events.Log(types.SourceSystem, types.LogError, fmt.Sprintf("%s failed: %v", call.Name, res.Response["error"]))
	}
	if err := ch.SendToolResponse(responseFor(res)); err != nil {
		log.Warn("send tool response", "err", err)
	}
}

func (o *Orchestrator) onError(sess *session, err error) {
	o.mu.Lock()
	ok := o.current(sess)
	o.mu.Unlock()
	if !ok {
		return
	}
	o.metrics.ChannelErrors.Add(context.Background(), 1)
	observe.Logger(sess.ctx).Warn("live channel error", "err", err)
	o.events.Log(types.SourceSystem, types.LogError, "Connection error: "+err.Error())
}

func (o *Orchestrator) onClose(sess *session, err error) {
	o.mu.Lock()
	ok := o.current(sess)
	o.mu.Unlock()
	if !ok {
		return
	}
	observe.Logger(sess.ctx).Info("live channel closed", "reason", err)
	o.teardown(sess)
}

// ── Outbound ───────────────────────────────────────────────────────────────────

// forward sends one microphone frame once the channel is open.
func (o *Orchestrator) forward(sess *session, b audio.Blob) {
	o.mu.Lock()
	ok := o.current(sess) && sess.opened
	ch := sess.channel
	o.mu.Unlock()
	if !ok || ch == nil {
		return
	}
	if err := ch.SendRealtimeInput(b); err != nil {
		observe.Logger(sess.ctx).Debug("send audio frame", "err", err)
	}
}

// announce tells the model a file is available, without sending its content.
func (o *Orchestrator) announce(sess *session, ch live.Channel, name string) {
	if ch == nil {
		return
	}
	o.mu.Lock()
	ok := o.current(sess)
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := ch.SendText(fileNotice(name)); err != nil {
		observe.Logger(sess.ctx).Warn("announce context file", "err", err)
	}
}

func fileNotice(name string) string {
	return fmt.Sprintf("System notification: the user has loaded the file %q. Use the read_active_file tool to read it when needed.", name)
}

func responseFor(res tools.Result) live.FunctionResponse {
	return live.FunctionResponse{ID: res.ID, Name: res.Name, Response: res.Response}
}

// ── Context file ───────────────────────────────────────────────────────────────

// SetActiveFile replaces the active context file. If a session is connected
// the model is told about it straight away.
func (o *Orchestrator) SetActiveFile(f types.ContextFile) {
	o.mu.Lock()
	o.file = &f
	sess := o.sess
	var ch live.Channel
	if sess != nil && sess.connected && !sess.closing {
		ch = sess.channel
	}
	o.mu.Unlock()

	o.events.Log(types.SourceSystem, types.LogSuccess, fmt.Sprintf("Loaded file %s (%d bytes)", f.Name, f.SizeBytes))
	if ch != nil {
		o.announce(sess, ch, f.Name)
	}
}

// ClearActiveFile removes the active context file.
func (o *Orchestrator) ClearActiveFile() {
	o.mu.Lock()
	had := o.file != nil
	o.file = nil
	o.mu.Unlock()
	if had {
		o.events.Log(types.SourceSystem, types.LogInfo, "Context file removed")
	}
}

// ActiveFile returns the active context file.
func (o *Orchestrator) ActiveFile() (types.ContextFile, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return types.ContextFile{}, false
	}
	return *o.file, true
}

// ── Teardown ───────────────────────────────────────────────────────────────────

// Disconnect ends the current session, if any. It is idempotent and safe to
// call from any goroutine, including from the channel's own callbacks.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return nil
	}
	return o.teardown(sess)
}

// teardown releases sess's resources and returns to DISCONNECTED. Only the
// first call for a session does any work.
func (o *Orchestrator) teardown(sess *session) error {
	o.mu.Lock()
	if o.sess != sess || sess.closing {
		o.mu.Unlock()
		return nil
	}
	sess.closing = true
	ch, capt, pb := sess.channel, sess.capture, sess.playback
	wasConnected := sess.connected
	o.mu.Unlock()

	sess.cancel()

	var errs []error
	if capt != nil {
		if err := capt.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if ch != nil {
		// The channel may already be gone; a failed close changes nothing.
		if err := ch.Close(); err != nil {
			observe.Logger(sess.ctx).Debug("close live channel", "err", err)
		}
	}
	if pb != nil {
		if err := pb.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	o.mu.Lock()
	o.sess = nil
	o.setState(types.StateDisconnected)
	o.mu.Unlock()

	if wasConnected {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	o.flushTranscript(sess, true)
	o.events.Log(types.SourceSystem, types.LogInfo, "Disconnected")
	observe.Logger(sess.ctx).Info("session disconnected", "duration", time.Since(sess.started))

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: teardown: %w", err)
	}
	return nil
}

// Wait blocks until every tool call dispatched by any session has returned,
// or ctx is done. Used at shutdown after Disconnect.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Session ────────────────────────────────────────────────────────────────────

// session holds everything owned by one connect attempt. Fields other than
// transcript buffers are guarded by Orchestrator.mu.
type session struct {
	id       string
	settings types.Settings
	started  time.Time
	ctx      context.Context
	cancel   context.CancelFunc

	capture  Capture
	playback Playback
	channel  live.Channel

	ready     bool // local resources up and Dialer.Connect returned
	opened    bool // remote side acknowledged setup
	connected bool
	closing   bool
	pending   map[string]struct{}

	transcriptMu sync.Mutex
	userText     strings.Builder
	jarvisText   strings.Builder
}

func newSession(settings types.Settings) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observe.WithSessionID(context.Background(), id))
	return &session{
		id:       id,
		settings: settings,
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]struct{}),
	}
}
