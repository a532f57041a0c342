// Package gemini implements the live.Dialer interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks; inbound messages are
// decoded into [live.ServerMessage] values and handed to the session callbacks.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/provider/live"
)

// Compile-time assertions that Dialer and channel satisfy the live interfaces.
var _ live.Dialer = (*Dialer)(nil)
var _ live.Channel = (*channel)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame. Model audio turns can be large.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the default Gemini model used when [live.Config.Model] is empty.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements live.Dialer for Google's Gemini Live API.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Connect dials the endpoint and sends the setup message. The returned channel
// reports OnOpen once the server acknowledges the setup; audio sent before
// that point is accepted by the socket but should not be relied on.
func (d *Dialer) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, url.QueryEscape(d.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", live.ErrChannel, err)
	}
	conn.SetReadLimit(readLimit)

	model := cfg.Model
	if model == "" {
		model = d.model
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:    conn,
		cb:      cb,
		ctx:     chCtx,
		cancel:  chCancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := ch.writeJSON(newSetup(model, cfg)); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: setup: %w", live.ErrChannel, err)
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	// Callbacks may reference the returned channel; hold them back until the
	// caller has it.
	close(ch.started)
	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool       `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []live.FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []live.FunctionResponse `json:"functionResponses"`
}

func newSetup(model string, cfg live.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.VoiceName != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: cfg.Tools}}
	}
	if cfg.Transcription {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage      `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg          `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *json.RawMessage      `json:"goAway,omitempty"`
	Error                *geminiError          `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

// decode converts the wire form into a live.ServerMessage. ok is false for
// messages that carry nothing the session cares about.
func (m *serverMessage) decode() (msg *live.ServerMessage, ok bool) {
	msg = &live.ServerMessage{}
	if sc := m.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" {
					msg.Audio = append(msg.Audio, p.InlineData.Data)
				}
				if p.Text != "" {
					msg.Text = append(msg.Text, p.Text)
				}
			}
		}
		if sc.InputTranscription != nil {
			msg.InputTranscription = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			msg.OutputTranscription = sc.OutputTranscription.Text
		}
		msg.Interrupted = sc.Interrupted
		msg.TurnComplete = sc.TurnComplete
		ok = true
	}
	if m.ToolCall != nil {
		for _, fc := range m.ToolCall.FunctionCalls {
			args := fc.Args
			if len(args) == 0 || string(args) == "null" {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, live.FunctionCall{ID: fc.ID, Name: fc.Name, Args: args})
		}
		ok = true
	}
	if m.ToolCallCancellation != nil {
		msg.CancelledToolCalls = m.ToolCallCancellation.IDs
		ok = true
	}
	return msg, ok
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn *websocket.Conn
	cb   live.Callbacks

	mu     sync.Mutex
	closed bool

	ctx          context.Context
	cancel       context.CancelFunc
	started      chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		if c.ctx.Err() != nil {
			return live.ErrChannelClosed
		}
		return fmt.Errorf("%w: write: %w", live.ErrChannel, err)
	}
	return nil
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// callbacks. It owns OnClose: it reports exactly once when it exits.
func (c *channel) receiveLoop() {
	<-c.started

	var closeErr error
	defer func() {
		c.markClosed()
		c.cancel()
		if c.cb.OnClose != nil {
			c.cb.OnClose(closeErr)
		}
	}()

	opened := false
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			closeErr = c.readError(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if msg.Error != nil {
			c.reportError(msg.Error)
		}
		if msg.SetupComplete != nil && !opened {
			opened = true
			if c.cb.OnOpen != nil {
				c.cb.OnOpen(c)
			}
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server announced disconnect")
		}
		if decoded, ok := msg.decode(); ok && c.cb.OnMessage != nil {
			c.cb.OnMessage(decoded)
		}
	}
}

// readError classifies the error that ended the receive loop.
func (c *channel) readError(err error) error {
	if c.ctx.Err() != nil {
		return live.ErrChannelClosed
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return fmt.Errorf("%w: remote closed (%d)", live.ErrChannelClosed, status)
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: remote closed (%d): %s", live.ErrChannelClosed, ce.Code, ce.Reason)
	}
	return fmt.Errorf("%w: read: %w", live.ErrChannelClosed, err)
}

func (c *channel) reportError(ge *geminiError) {
	if c.cb.OnError == nil {
		return
	}
	msg := "unknown error"
	if ge.Message != "" {
		msg = ge.Message
	}
	c.cb.OnError(fmt.Errorf("%w: %s (code %d)", live.ErrChannel, msg, ge.Code))
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.conn.Ping(pingCtx); err != nil && c.ctx.Err() == nil && c.cb.OnError != nil {
				c.cb.OnError(fmt.Errorf("%w: keepalive: %w", live.ErrChannel, err))
			}
			cancel()
		}
	}
}

// markClosed flips the closed flag and stops the keepalive loop.
func (c *channel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// ── live.Channel methods ───────────────────────────────────────────────────────

// SendRealtimeInput delivers one encoded microphone frame to the model.
func (c *channel) SendRealtimeInput(blob audio.Blob) error {
	if c.isClosed() {
		return live.ErrChannelClosed
	}
	return c.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: blob.MIMEType, Data: blob.Data}},
		},
	})
}

// SendText inserts a complete user turn.
func (c *channel) SendText(text string) error {
	if c.isClosed() {
		return live.ErrChannelClosed
	}
	return c.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
}

// SendToolResponse answers tool calls. Responses with a nil body are sent as
// an empty object so the model always gets a well-formed reply.
func (c *channel) SendToolResponse(responses ...live.FunctionResponse) error {
	if c.isClosed() {
		return live.ErrChannelClosed
	}
	if len(responses) == 0 {
		return nil
	}
	out := make([]live.FunctionResponse, len(responses))
	for i, r := range responses {
		if r.Response == nil {
			r.Response = map[string]any{}
		}
		out[i] = r
	}
	return c.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: out},
	})
}

// Close terminates the session and releases all resources. Idempotent.
// OnClose fires afterwards from the receive goroutine.
func (c *channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.shutdownOnce.Do(func() {
		c.cancel() // unblocks receiveLoop and keepaliveLoop
		c.closeOnce.Do(func() { close(c.done) })
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
