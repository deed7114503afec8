// Package openai implements a transport.Dialer for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API expects 24 kHz PCM16 in both directions, so outbound 16 kHz
// frames are resampled before being appended to the input audio buffer. Server
// voice activity detection reports the user starting to speak with
// input_audio_buffer.speech_started, which is surfaced as an interruption.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

// Compile-time assertions that Dialer and wire satisfy the transport interfaces.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Wire = (*wire)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	readLimit = 16 << 20
)

// realtimeFormat is the audio format of the Realtime API's pcm16 encoding.
var realtimeFormat = audio.Format{SampleRate: 24000, Channels: 1}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the default model used when the connect request does not
// name one.
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

// Dialer implements transport.Dialer for OpenAI's Realtime API.
type Dialer struct {
	apiKey   string
	model    string
	baseURL  string
	chanOpts []transport.Option
}

// New creates a new OpenAI Realtime Dialer with the given API key and options.
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
	return transport.Start(ctx, &wire{d: d}, cfg, d.chanOpts...)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) err() error {
	if e == nil {
		return errors.New("openai: unknown server error")
	}
	if e.Code != "" {
		return fmt.Errorf("openai: server error %s (%s): %s", e.Code, e.Type, e.Message)
	}
	return fmt.Errorf("openai: server error (%s): %s", e.Type, e.Message)
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── wire ───────────────────────────────────────────────────────────────────────

type wire struct {
	d *Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// Written only from the transport's writer goroutine.
	resampler *audio.Resampler
}

func (w *wire) Open(ctx context.Context, cfg transport.Config) error {
	wsURL := fmt.Sprintf("%s?model=%s", w.d.baseURL, cfg.Model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + w.d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return errors.New("openai: closed while connecting")
	}
	w.conn = conn
	w.mu.Unlock()

	params := sessionParams{
		Modalities:        []string{transport.DefaultModality, "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if err := w.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		return fmt.Errorf("openai: session update: %w", err)
	}
	return w.awaitSessionUpdated(ctx)
}

// awaitSessionUpdated reads until the server acknowledges session.update.
func (w *wire) awaitSessionUpdated(ctx context.Context) error {
	for {
		evt, err := w.readEvent(ctx)
		if err != nil {
			return err
		}
		switch evt.Type {
		case "error":
			return fmt.Errorf("openai: session update: %w", evt.Error.err())
		case "session.updated":
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (w *wire) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wire) readEvent(ctx context.Context) (*serverEvent, error) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil, fmt.Errorf("openai: %w", transport.ErrRemoteClosed)
			}
			return nil, fmt.Errorf("openai: read: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed server event", "err", err, "bytes", len(data))
			continue
		}
		return &evt, nil
	}
}

// Write resamples the frame to 24 kHz and appends it to the input buffer.
func (w *wire) Write(ctx context.Context, frame audio.OutboundFrame) error {
	if w.resampler == nil {
		w.resampler = &audio.Resampler{From: audio.WireInput, To: realtimeFormat}
	}
	pcm := w.resampler.Convert(frame.Data)
	if len(pcm) == 0 {
		return nil
	}
	return w.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeText(pcm),
	})
}

// Read returns the next audio delta or interruption.
func (w *wire) Read(ctx context.Context) ([]audio.InboundChunk, error) {
	for {
		evt, err := w.readEvent(ctx)
		if err != nil {
			return nil, err
		}
		switch evt.Type {
		case "error":
			return nil, evt.Error.err()

		case "input_audio_buffer.speech_started":
			return []audio.InboundChunk{{Interrupted: true}}, nil

		case "response.audio.delta":
			if evt.Delta == "" {
				continue
			}
			pcm, err := audio.DecodeText(evt.Delta)
			if err != nil {
				return []audio.InboundChunk{{
					MIMEType:  realtimeFormat.MIMEType(),
					DecodeErr: fmt.Errorf("openai: audio delta: %w", err),
				}}, nil
			}
			return []audio.InboundChunk{{MIMEType: realtimeFormat.MIMEType(), Data: pcm}}, nil
		}
	}
}

// Close terminates the connection. Idempotent.
func (w *wire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.conn != nil {
		w.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}
