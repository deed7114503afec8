package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/transport"
)

// DefaultConnectTimeout bounds device acquisition plus the transport handshake.
const DefaultConnectTimeout = 15 * time.Second

// Internal causes that end a session without an error.
var (
	errStopRequested = errors.New("session: stop requested")
	errRemoteClosed  = errors.New("session: closed by remote")
)

// Config describes the sessions a [Controller] starts.
type Config struct {
	// Transport is the connect request sent to the endpoint.
	Transport transport.Config

	// TransportName labels logs and metrics, e.g. "gemini-live".
	TransportName string

	// InputFormat is the capture and outbound wire format. Default:
	// [audio.WireInput].
	InputFormat audio.Format

	// OutputFormat is the sink format and the assumed rate of inbound chunks
	// without a rate tag. Default: [audio.WireOutput].
	OutputFormat audio.Format

	// BlockSize is the number of samples per outbound frame. Default:
	// [capture.DefaultBlockSize].
	BlockSize int

	// ConnectTimeout bounds the Connecting state. Default:
	// [DefaultConnectTimeout].
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InputFormat.SampleRate <= 0 {
		c.InputFormat = audio.WireInput
	}
	if c.OutputFormat.SampleRate <= 0 {
		c.OutputFormat = audio.WireOutput
	}
	if c.BlockSize <= 0 {
		c.BlockSize = capture.DefaultBlockSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// Deps are the collaborators a [Controller] drives.
type Deps struct {
	// Mic acquires the microphone. Required.
	Mic capture.Opener

	// Speaker acquires the output sink. Required.
	Speaker playback.Opener

	// Dialer opens transport channels. Required.
	Dialer transport.Dialer

	// Metrics records session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Default: the trace-aware default logger.
	Logger *slog.Logger
}

// Controller runs one voice session at a time.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	deps    Deps
	metrics *observe.Metrics
	state   atomic.Int32

	mu   sync.Mutex
	cfg  Config
	cur  *run // session that has not returned to Idle yet
	last *run // most recent session
}

// New creates an idle Controller.
func New(cfg Config, deps Deps) *Controller {
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Controller{deps: deps, metrics: m, cfg: cfg}
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// Config returns the template used for the next session.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Configure replaces the session template. A running session keeps the
// configuration it was started with.
func (c *Controller) Configure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Start begins a new session and blocks until it is active or has failed.
//
// Start returns [ErrAlreadyActive] while another session is connecting or
// active. If a previous session is still tearing down, Start waits for it
// first. Device errors wrap the [audio] microphone sentinels and connect
// errors wrap [transport.ErrConnectFailed]. If Stop ends the session before it
// is active, Start returns [ErrStopped]. If ctx ends first, the session is
// stopped and ctx's error returned.
func (c *Controller) Start(ctx context.Context) error {
	r, err := c.begin(ctx)
	if err != nil {
		return err
	}
	select {
	case <-r.ready:
		return nil
	case <-r.done:
		select {
		case <-r.ready:
			return nil
		default:
		}
		if r.err == nil {
			return ErrStopped
		}
		return r.err
	case <-ctx.Done():
		select {
		case <-r.ready:
			return nil
		default:
		}
		r.stop()
		return fmt.Errorf("session: start: %w", ctx.Err())
	}
}

// begin claims the devices for a new run, waiting out a previous teardown.
func (c *Controller) begin(ctx context.Context) (*run, error) {
	for {
		c.mu.Lock()
		prev := c.cur
		if prev == nil {
			r := c.newRun(ctx, c.cfg.withDefaults())
			c.cur, c.last = r, r
			c.setState(Connecting)
			c.mu.Unlock()
			go c.loop(r)
			return r, nil
		}
		st := c.State()
		c.mu.Unlock()

		if st == Connecting || st == Active {
			return nil, ErrAlreadyActive
		}
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("session: waiting for previous session: %w", ctx.Err())
		}
	}
}

// Stop ends the current session and waits until the controller is idle.
// Stop is safe in every state and idempotent.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	r.stop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: stop: %w", ctx.Err())
	}
}

// Wait blocks until the most recent session has ended and returns its
// terminal error. A session ended by Stop or closed cleanly by the remote
// returns nil, as does Wait on a controller that never started a session.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.last
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a snapshot of the current or most recent session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	r := c.last
	info := Info{State: c.State(), Transport: c.cfg.TransportName}
	c.mu.Unlock()
	if r == nil {
		return info
	}

	info.ID = r.id
	info.Transport = r.cfg.TransportName
	info.StartedAt = r.startedAt
	if at := r.activeAt.Load(); at != 0 {
		info.ActiveAt = time.Unix(0, at)
	}
	info.FramesSent = r.framesSent.Load()
	info.ChunksPlayed = r.chunksPlayed.Load()
	info.ChunksDropped = r.chunksDropped.Load()
	info.Interruptions = r.interruptions.Load()
	select {
	case <-r.done:
		info.Err = r.err
	default:
	}
	return info
}

// ── run ───────────────────────────────────────────────────────────────────────

// run is one session from Start until it is back to Idle. Resource fields are
// touched only by the control goroutine.
type run struct {
	id        string
	cfg       Config
	log       *slog.Logger
	startedAt time.Time

	// ctx carries the caller's values but not its cancellation; cancel aborts
	// device acquisition and the dial.
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	fatal    chan error
	ready    chan struct{} // closed on entering Active
	done     chan struct{} // closed on returning to Idle
	err      error         // terminal error, written before done is closed

	graph     *capture.Graph
	sink      playback.Sink
	sched     *playback.Scheduler
	ch        transport.Channel
	wasActive bool

	activeAt      atomic.Int64
	framesSent    atomic.Int64
	chunksPlayed  atomic.Int64
	chunksDropped atomic.Int64
	interruptions atomic.Int64
	malformedOnce sync.Once
}

func (c *Controller) newRun(ctx context.Context, cfg Config) *run {
	id := uuid.NewString()
	log := c.deps.Logger
	if log == nil {
		log = observe.Logger(ctx)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &run{
		id:        id,
		cfg:       cfg,
		log:       log.With("session_id", id, "transport", cfg.TransportName),
		startedAt: time.Now().UTC(),
		ctx:       runCtx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		fatal:     make(chan error, 1),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *run) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.cancel()
	})
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// deviceFailed returns a callback that reports an asynchronous device error
// to the control goroutine. Only the first error is kept.
func (r *run) deviceFailed(op string) func(error) {
	return func(err error) {
		select {
		case r.fatal <- fmt.Errorf("session: %s: %w", op, err):
		default:
		}
	}
}

// ── Control goroutine ─────────────────────────────────────────────────────────

func (c *Controller) loop(r *run) {
	r.log.Info("session starting")
	err := c.connect(r)
	if err == nil {
		err = c.serve(r)
	}
	c.teardown(r, err)
}

// connect is the Connecting state: acquire the microphone and sink, dial, and
// wait for the transport to open.
func (c *Controller) connect(r *run) error {
	ctx, span := observe.StartSpan(r.ctx, "session.connect",
		trace.WithAttributes(
			attribute.String("session.id", r.id),
			attribute.String("session.transport", r.cfg.TransportName),
		),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	start := time.Now()

	err := c.acquire(ctx, r)
	if err == nil {
		err = c.awaitOpen(r)
	}
	if err != nil {
		observe.FailSpan(span, err)
		return err
	}
	c.metrics.RecordConnect(ctx, r.cfg.TransportName, time.Since(start))
	return nil
}

func (c *Controller) acquire(ctx context.Context, r *run) error {
	r.graph = capture.New(c.deps.Mic, r.cfg.InputFormat, r.cfg.BlockSize)
	if err := r.graph.Open(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	sink, err := c.deps.Speaker.OpenOutput(ctx, r.cfg.OutputFormat, r.deviceFailed("output"))
	if err != nil {
		return fmt.Errorf("session: open output: %w", err)
	}
	r.sink = sink
	r.ch = c.deps.Dialer.Dial(ctx, r.cfg.Transport)
	return nil
}

func (c *Controller) awaitOpen(r *run) error {
	for {
		select {
		case ev, ok := <-r.ch.Events():
			if !ok {
				return fmt.Errorf("session: %w: event stream ended", transport.ErrConnectFailed)
			}
			switch ev.Kind {
			case transport.EventOpen:
				return nil
			case transport.EventError:
				return fmt.Errorf("session: %w", ev.Err)
			case transport.EventClose:
				return fmt.Errorf("session: %w: closed before open", transport.ErrConnectFailed)
			}
		case <-r.stopCh:
			return errStopRequested
		case err := <-r.fatal:
			return err
		}
	}
}

// serve is the Active state. It returns the cause that ends the session.
func (c *Controller) serve(r *run) error {
	r.sched = playback.NewScheduler(r.sink)
	r.wasActive = true
	r.activeAt.Store(time.Now().UnixNano())
	c.setState(Active)
	c.metrics.ActiveSessions.Add(r.ctx, 1)

	if err := r.graph.OnBlock(func(block []float32) { c.sendBlock(r, block) }, r.deviceFailed("capture")); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	close(r.ready)
	r.log.Info("session active")

	for {
		select {
		case ev, ok := <-r.ch.Events():
			if !ok {
				return errRemoteClosed
			}
			switch ev.Kind {
			case transport.EventMessage:
				if err := c.handleChunk(r, ev.Chunk); err != nil {
					return err
				}
			case transport.EventError:
				return fmt.Errorf("session: %w", ev.Err)
			case transport.EventClose:
				return errRemoteClosed
			}
		case <-r.stopCh:
			return errStopRequested
		case err := <-r.fatal:
			return err
		}
	}
}

// sendBlock runs on the capture device's thread. It must not block.
func (c *Controller) sendBlock(r *run, block []float32) {
	if c.State() != Active {
		return
	}
	r.ch.Send(audio.NewOutboundFrame(block, r.cfg.InputFormat))
	r.framesSent.Add(1)
	c.metrics.FramesSent.Add(r.ctx, 1)
}

// handleChunk interrupts and/or schedules one inbound chunk. Malformed audio
// is dropped; only sink failures end the session.
func (c *Controller) handleChunk(r *run, chunk audio.InboundChunk) error {
	if chunk.Interrupted {
		n := r.sched.Interrupt()
		r.interruptions.Add(1)
		c.metrics.Interruptions.Add(r.ctx, 1)
		r.log.Debug("session: interrupted by remote", "voices_stopped", n)
	}
	if chunk.DecodeErr != nil {
		c.dropChunk(r, chunk, chunk.DecodeErr)
		return nil
	}
	if len(chunk.Data) == 0 {
		return nil
	}

	samples, err := audio.DecodeSamples(chunk.Data)
	if err != nil {
		c.dropChunk(r, chunk, err)
		return nil
	}

	format := audio.ParseMIMEType(chunk.MIMEType, r.cfg.OutputFormat)
	now := r.sink.Now()
	at, err := r.sched.ScheduleNext(audio.PlaybackBuffer{Samples: samples, SampleRate: format.SampleRate})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	r.chunksPlayed.Add(1)
	c.metrics.ChunksReceived.Add(r.ctx, 1)
	c.metrics.PlaybackLead.Record(r.ctx, (at - now).Seconds())
	return nil
}

// dropChunk counts a malformed chunk. Only the first drop per session is
// logged.
func (c *Controller) dropChunk(r *run, chunk audio.InboundChunk, err error) {
	r.chunksDropped.Add(1)
	c.metrics.RecordChunkDropped(r.ctx, "malformed")
	r.malformedOnce.Do(func() {
		r.log.Warn("session: dropping malformed audio chunk; further drops are counted only",
			"err", err, "mime", chunk.MIMEType)
	})
}

// teardown is the Closing or Error state. It releases the microphone, the
// sink and the transport exactly once and returns the controller to Idle.
func (c *Controller) teardown(r *run, cause error) {
	var (
		err     error
		outcome string
	)
	switch {
	case r.stopRequested() || errors.Is(cause, errStopRequested):
		outcome = outcomeStopped
	case cause == nil || errors.Is(cause, errRemoteClosed):
		outcome = outcomeRemoteClosed
	default:
		err = cause
		outcome = outcomeError
		if !r.wasActive {
			outcome = outcomeStartFailed
		}
	}

	if err != nil {
		c.setState(Error)
		r.log.Error("session failed", "err", err)
	} else {
		c.setState(Closing)
	}

	if r.graph != nil {
		if cerr := r.graph.Close(); cerr != nil {
			r.log.Warn("session: release microphone", "err", cerr)
		}
	}
	switch {
	case r.sched != nil:
		if cerr := r.sched.Drain(); cerr != nil {
			r.log.Warn("session: release output", "err", cerr)
		}
	case r.sink != nil:
		if cerr := r.sink.Close(); cerr != nil {
			r.log.Warn("session: release output", "err", cerr)
		}
	}
	if r.ch != nil {
		if cerr := r.ch.Close(); cerr != nil {
			r.log.Warn("session: close transport", "err", cerr)
		}
		go audio.Drain(r.ch.Events())
	}
	r.cancel()

	if r.wasActive {
		c.metrics.ActiveSessions.Add(r.ctx, -1)
	}
	c.metrics.RecordSessionEnd(r.ctx, outcome)

	c.mu.Lock()
	r.err = err
	c.cur = nil
	c.setState(Idle)
	c.mu.Unlock()
	close(r.done)

	r.log.Info("session ended",
		"outcome", outcome,
		"duration", time.Since(r.startedAt),
		"frames_sent", r.framesSent.Load(),
		"chunks_played", r.chunksPlayed.Load(),
		"chunks_dropped", r.chunksDropped.Load(),
		"interruptions", r.interruptions.Load(),
	)
}
