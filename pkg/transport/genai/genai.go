// Package genai implements a transport.Dialer for the Gemini Live API on top
// of Google's official Go SDK.
//
// The hand-written [github.com/MrWong99/parley/pkg/transport/gemini] wire
// speaks the same BidiGenerateContent protocol directly; this package lets the
// SDK own the protocol details (setup framing, model naming, authentication
// headers) and only adapts its session to the transport.Wire contract.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Wire = (*wire)(nil)

const (
	defaultModel      = "gemini-2.0-flash-live-001"
	defaultAPIVersion = "v1beta"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the default model used when the connect request does not
// name one.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the SDK's base URL. A ws:// or wss:// scheme is used
// as is; anything else is upgraded to wss.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithAPIVersion overrides the API version segment of the Live endpoint.
func WithAPIVersion(v string) Option {
	return func(d *Dialer) { d.apiVersion = v }
}

// WithChannelOptions passes options through to [transport.Start].
func WithChannelOptions(opts ...transport.Option) Option {
	return func(d *Dialer) { d.chanOpts = append(d.chanOpts, opts...) }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements transport.Dialer using the google.golang.org/genai SDK.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
	chanOpts   []transport.Option
}

// New creates a Dialer that authenticates with apiKey.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:     apiKey,
		model:      defaultModel,
		apiVersion: defaultAPIVersion,
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

// ── wire ───────────────────────────────────────────────────────────────────────

type wire struct {
	d *Dialer

	mu      sync.Mutex
	session *genai.Session
	closed  bool
}

func (w *wire) Open(ctx context.Context, cfg transport.Config) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  w.d.apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    w.d.baseURL,
			APIVersion: w.d.apiVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("genai: client: %w", err)
	}

	session, err := client.Live.Connect(ctx, cfg.Model, connectConfig(cfg))
	if err != nil {
		return fmt.Errorf("genai: connect: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		session.Close()
		return errors.New("genai: closed while connecting")
	}
	w.session = session
	w.mu.Unlock()

	// Receive is not context-aware; closing the session unblocks it.
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	if err := w.awaitSetupComplete(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("genai: setup: %w", ctx.Err())
		}
		return fmt.Errorf("genai: setup: %w", err)
	}
	return nil
}

func connectConfig(cfg transport.Config) *genai.LiveConnectConfig {
	conf := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		conf.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		conf.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return conf
}

func (w *wire) awaitSetupComplete() error {
	for {
		msg, err := w.receive()
		if err != nil {
			return err
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receive reads the next server message. Clean close frames map to
// transport.ErrRemoteClosed.
func (w *wire) receive() (*genai.LiveServerMessage, error) {
	msg, err := w.session.Receive()
	if err == nil {
		return msg, nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return nil, fmt.Errorf("genai: %w", transport.ErrRemoteClosed)
		}
	}
	return nil, fmt.Errorf("genai: receive: %w", err)
}

// Write sends one PCM frame as realtime audio input. The SDK performs the
// base64 encoding.
func (w *wire) Write(_ context.Context, frame audio.OutboundFrame) error {
	err := w.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: frame.MIMEType, Data: frame.Data},
	})
	if err != nil {
		return fmt.Errorf("genai: send: %w", err)
	}
	return nil
}

// Read returns the chunks carried by the next server content message. An
// interruption is reported ahead of any audio in the same message.
func (w *wire) Read(_ context.Context) ([]audio.InboundChunk, error) {
	for {
		msg, err := w.receive()
		if err != nil {
			return nil, err
		}
		if msg.GoAway != nil {
			slog.Warn("genai: server is going away", "time_left", msg.GoAway.TimeLeft)
		}
		if chunks := contentChunks(msg.ServerContent); len(chunks) > 0 {
			return chunks, nil
		}
	}
}

func contentChunks(sc *genai.LiveServerContent) []audio.InboundChunk {
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
		if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
			continue
		}
		if !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
			continue
		}
		chunks = append(chunks, audio.InboundChunk{
			MIMEType: p.InlineData.MIMEType,
			Data:     p.InlineData.Data,
		})
	}
	return chunks
}

// Close terminates the session. Idempotent.
func (w *wire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.session != nil {
		w.session.Close()
	}
	return nil
}
