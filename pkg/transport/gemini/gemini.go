// Package gemini implements a transport.Dialer for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is streamed as base64-encoded PCM16 media chunks;
// synthesized audio arrives as inline data parts of the model turn, and a
// serverContent.interrupted flag signals barge-in.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

// Compile-time assertions that Dialer and wire satisfy the transport interfaces.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Wire = (*wire)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit accommodates large inline audio parts.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the default Gemini model used when the connect request does
// not name one.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithChannelOptions passes options through to [transport.Start].
func WithChannelOptions(opts ...transport.Option) Option {
	return func(d *Dialer) { d.chanOpts = append(d.chanOpts, opts...) }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements transport.Dialer for Google's Gemini Live API.
type Dialer struct {
	apiKey   string
	model    string
	baseURL  string
	chanOpts []transport.Option
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

// Dial starts connecting and returns the channel immediately.
func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) transport.Channel {
	if cfg.Model == "" {
		cfg.Model = d.model
	}
	return transport.Start(ctx, &wire{d: d, done: make(chan struct{})}, cfg, d.chanOpts...)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
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

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) err() error {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Errorf("gemini: server error %d %s: %s", e.Code, e.Status, msg)
	}
	return fmt.Errorf("gemini: server error %d: %s", e.Code, msg)
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ── wire ───────────────────────────────────────────────────────────────────────

type wire struct {
	d *Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func (w *wire) Open(ctx context.Context, cfg transport.Config) error {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		w.d.baseURL, w.d.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return errors.New("gemini: closed while connecting")
	}
	w.conn = conn
	w.mu.Unlock()

	if err := w.writeJSON(ctx, setup(cfg)); err != nil {
		return fmt.Errorf("gemini: setup: %w", err)
	}
	if err := w.awaitSetupComplete(ctx); err != nil {
		return fmt.Errorf("gemini: setup: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("gemini: closed during setup")
	}
	w.wg.Add(1)
	go w.keepaliveLoop()
	return nil
}

// setup builds the initial BidiGenerateContent setup message.
func setup(cfg transport.Config) setupMessage {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{transport.DefaultModality},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// awaitSetupComplete reads until the server acknowledges the setup message.
func (w *wire) awaitSetupComplete(ctx context.Context) error {
	for {
		msg, err := w.readMessage(ctx)
		if err != nil {
			return err
		}
		if msg.Error != nil {
			return msg.Error.err()
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (w *wire) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// readMessage returns the next well-formed server message, skipping frames
// that are not valid JSON.
func (w *wire) readMessage(ctx context.Context) (*serverMessage, error) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil, fmt.Errorf("gemini: %w", transport.ErrRemoteClosed)
			}
			return nil, fmt.Errorf("gemini: read: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed server frame", "err", err, "bytes", len(data))
			continue
		}
		return &msg, nil
	}
}

// Write sends one PCM frame as a realtimeInput media chunk.
func (w *wire) Write(ctx context.Context, frame audio.OutboundFrame) error {
	return w.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: frame.MIMEType, Data: audio.EncodeText(frame.Data)},
			},
		},
	})
}

// Read returns the chunks carried by the next server content message. An
// interruption is reported ahead of any audio in the same message.
func (w *wire) Read(ctx context.Context) ([]audio.InboundChunk, error) {
	for {
		msg, err := w.readMessage(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Error != nil {
			return nil, msg.Error.err()
		}
		if msg.GoAway != nil {
			slog.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
		}
		if chunks := contentChunks(msg.ServerContent); len(chunks) > 0 {
			return chunks, nil
		}
	}
}

func contentChunks(sc *serverContent) []audio.InboundChunk {
	if sc == nil {
		return nil
	}
	var chunks []audio.InboundChunk
	if sc.Interrupted {
		chunks = append(chunks, audio.InboundChunk{Interrupted: true})
	}
	if sc.ModelTurn == nil {
		return chunks
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
			continue
		}
		pcm, err := audio.DecodeText(p.InlineData.Data)
		if err != nil {
			chunks = append(chunks, audio.InboundChunk{
				MIMEType:  p.InlineData.MIMEType,
				DecodeErr: fmt.Errorf("gemini: audio part: %w", err),
			})
			continue
		}
		if len(pcm) == 0 {
			continue
		}
		chunks = append(chunks, audio.InboundChunk{MIMEType: p.InlineData.MIMEType, Data: pcm})
	}
	return chunks
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (w *wire) keepaliveLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), keepaliveTimeout)
			if err := w.conn.Ping(ctx); err != nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// Close terminates the connection. Idempotent.
func (w *wire) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.mu.Unlock()

	close(w.done)
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	w.wg.Wait()
	return nil
}
