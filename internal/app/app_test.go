package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	amock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/transport"
	tmock "github.com/MrWong99/parley/pkg/transport/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// fakeBackend combines the mock mic and sink openers into a device.Backend.
type fakeBackend struct {
	*amock.MicOpener
	*amock.SinkOpener
	closes  atomic.Int32
	devices []device.Info
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{MicOpener: &amock.MicOpener{}, SinkOpener: &amock.SinkOpener{}}
}

func (b *fakeBackend) Close() error {
	b.closes.Add(1)
	return nil
}

// listingBackend additionally implements device.Lister.
type listingBackend struct{ *fakeBackend }

func (b listingBackend) Devices() ([]device.Info, error) { return b.devices, nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	cfg.Session.Instructions = "be brief"
	cfg.Session.Voice = "Puck"
	cfg.Transport = config.TransportConfig{Name: "fake", APIKey: "k", Model: "m1"}
	cfg.Audio.Backend = "fake"
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	app     *app.App
	backend *fakeBackend
	dialer  *tmock.Dialer
	ch      *tmock.Channel
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{backend: newFakeBackend(), ch: tmock.NewChannel()}
	f.dialer = &tmock.Dialer{Channels: []*tmock.Channel{f.ch}}

	a, err := app.New(testConfig(), config.NewRegistry(),
		app.WithBackend(f.backend),
		app.WithDialer(f.dialer),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, app.SessionView) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var v app.SessionView
	_ = json.NewDecoder(resp.Body).Decode(&v)
	return resp, v
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_BuildsFromRegistry(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	var gotEntry config.TransportConfig

	reg := config.NewRegistry()
	reg.RegisterAudio("fake", func(config.AudioConfig) (device.Backend, error) { return backend, nil })
	reg.RegisterTransport("fake", func(e config.TransportConfig) (transport.Dialer, error) {
		gotEntry = e
		return &tmock.Dialer{}, nil
	})

	a, err := app.New(testConfig(), reg, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if gotEntry.Model != "m1" || gotEntry.APIKey != "k" {
		t.Errorf("transport entry = %+v", gotEntry)
	}
	if got := a.Controller().State(); got != session.Idle {
		t.Errorf("State() = %v; want idle", got)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_ = a.Shutdown(context.Background())
	if got := backend.closes.Load(); got != 1 {
		t.Errorf("backend closed %d times; want 1", got)
	}
}

func TestNew_TransportFailureClosesBackend(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	reg := config.NewRegistry()
	reg.RegisterAudio("fake", func(config.AudioConfig) (device.Backend, error) { return backend, nil })

	_, err := app.New(testConfig(), reg, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("err = %v; want ErrNotRegistered", err)
	}
	if got := backend.closes.Load(); got != 1 {
		t.Errorf("backend closed %d times; want 1", got)
	}
}

func TestNew_InjectedBackendNotClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := f.backend.closes.Load(); got != 0 {
		t.Errorf("injected backend closed %d times; want 0", got)
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Session.BlockSize = 2048
	cfg.Session.InputSampleRate = 8000
	cfg.Session.ConnectTimeout = 3 * time.Second

	sc := app.SessionConfig(cfg)
	if sc.Transport.Instructions != "be brief" || sc.Transport.Voice != "Puck" || sc.Transport.Model != "m1" {
		t.Errorf("transport = %+v", sc.Transport)
	}
	if sc.Transport.Modality != transport.DefaultModality {
		t.Errorf("modality = %q; want %q", sc.Transport.Modality, transport.DefaultModality)
	}
	if sc.TransportName != "fake" {
		t.Errorf("TransportName = %q; want fake", sc.TransportName)
	}
	if sc.InputFormat != (audio.Format{SampleRate: 8000, Channels: 1}) {
		t.Errorf("InputFormat = %+v", sc.InputFormat)
	}
	if sc.OutputFormat != audio.WireOutput {
		t.Errorf("OutputFormat = %+v; want %+v", sc.OutputFormat, audio.WireOutput)
	}
	if sc.BlockSize != 2048 || sc.ConnectTimeout != 3*time.Second {
		t.Errorf("BlockSize/ConnectTimeout = %d/%s", sc.BlockSize, sc.ConnectTimeout)
	}
}

// ── Control API ──────────────────────────────────────────────────────────────

func TestAPI_StartGetStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ch.Open()

	resp, v := f.do(t, http.MethodPost, "/v1/session")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST status = %d; want %d", resp.StatusCode, http.StatusCreated)
	}
	if v.State != "active" || v.ID == "" || v.ActiveAt == nil {
		t.Errorf("POST body = %+v; want an active session", v)
	}

	resp, got := f.do(t, http.MethodGet, "/v1/session")
	if resp.StatusCode != http.StatusOK || got.ID != v.ID || got.State != "active" {
		t.Errorf("GET = %d %+v", resp.StatusCode, got)
	}

	resp, v = f.do(t, http.MethodDelete, "/v1/session")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d; want %d", resp.StatusCode, http.StatusOK)
	}
	if v.State != "idle" || v.Error != "" {
		t.Errorf("DELETE body = %+v; want idle without error", v)
	}
	if got := f.ch.Closes(); got != 1 {
		t.Errorf("channel closed %d times; want 1", got)
	}
}

func TestAPI_StartTwiceConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ch.Open()

	if resp, _ := f.do(t, http.MethodPost, "/v1/session"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first POST status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/v1/session"); resp.StatusCode != http.StatusConflict {
		t.Errorf("second POST status = %d; want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestAPI_StartErrorsMapToStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  int
	}{
		{
			name:  "mic permission",
			setup: func(f *fixture) { f.backend.MicOpener.Error = fmt.Errorf("open: %w", audio.ErrMicPermissionDenied) },
			want:  http.StatusForbidden,
		},
		{
			name:  "mic busy",
			setup: func(f *fixture) { f.backend.MicOpener.Error = audio.ErrMicBusy },
			want:  http.StatusServiceUnavailable,
		},
		{
			name:  "output unavailable",
			setup: func(f *fixture) { f.backend.SinkOpener.Error = audio.ErrOutputUnavailable },
			want:  http.StatusServiceUnavailable,
		},
		{
			name:  "connect failed",
			setup: func(f *fixture) { f.ch.Fail(fmt.Errorf("%w: 401", transport.ErrConnectFailed)) },
			want:  http.StatusBadGateway,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tc.setup(f)

			resp, err := http.Post(f.srv.URL+"/v1/session", "application/json", nil)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d; want %d", resp.StatusCode, tc.want)
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("error body = %+v (%v); want a message", body, err)
			}
		})
	}
}

func TestAPI_StopWhenIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp, v := f.do(t, http.MethodDelete, "/v1/session")
	if resp.StatusCode != http.StatusOK || v.State != "idle" {
		t.Errorf("DELETE = %d %+v; want 200 idle", resp.StatusCode, v)
	}
}

func TestAPI_HealthAndReadiness(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d; want 200", path, resp.StatusCode)
		}
	}
}

// readyChecks fetches /readyz and returns its status code and per-check results.
func (f *fixture) readyChecks(t *testing.T) (int, map[string]string) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, body.Checks
}

func TestAPI_ReadinessReportsFailedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ch.Fail(fmt.Errorf("%w: 401", transport.ErrConnectFailed))

	if resp, _ := f.do(t, http.MethodPost, "/v1/session"); resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("POST status = %d; want %d", resp.StatusCode, http.StatusBadGateway)
	}
	status, checks := f.readyChecks(t)
	if status != http.StatusServiceUnavailable || !strings.Contains(checks["session"], "last session failed") {
		t.Errorf("readyz = %d %v; want 503 with failing session check", status, checks)
	}

	next := tmock.NewChannel()
	next.Open()
	f.dialer.Channels = append(f.dialer.Channels, next)
	if resp, _ := f.do(t, http.MethodPost, "/v1/session"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("second POST status = %d; want %d", resp.StatusCode, http.StatusCreated)
	}
	if status, checks := f.readyChecks(t); status != http.StatusOK {
		t.Errorf("readyz after recovery = %d %v; want 200", status, checks)
	}
}

func TestAPI_ReadinessFailsWithoutDevices(t *testing.T) {
	t.Parallel()
	backend := listingBackend{newFakeBackend()}
	backend.devices = []device.Info{{Name: "mic", MaxInputChannels: 1}}

	a, err := app.New(testConfig(), config.NewRegistry(),
		app.WithBackend(backend),
		app.WithDialer(&tmock.Dialer{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestAPI_ConnectBreakerRefusesAndFailsReadiness(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Transport.MaxConnectFailures = 1
	cfg.Transport.ConnectCooldown = time.Hour

	ch := tmock.NewChannel()
	dialer := &tmock.Dialer{Channels: []*tmock.Channel{ch}}
	a, err := app.New(cfg, config.NewRegistry(),
		app.WithBackend(newFakeBackend()),
		app.WithDialer(dialer),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})

	ch.Fail(fmt.Errorf("%w: 503", transport.ErrConnectFailed))
	post := func() int {
		resp, err := http.Post(srv.URL+"/v1/session", "application/json", nil)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := post(); got != http.StatusBadGateway {
		t.Fatalf("first POST status = %d; want %d", got, http.StatusBadGateway)
	}
	if got := post(); got != http.StatusServiceUnavailable {
		t.Errorf("second POST status = %d; want %d", got, http.StatusServiceUnavailable)
	}
	if got := len(dialer.Dialed()); got != 1 {
		t.Errorf("dialed %d times; want 1", got)
	}

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || body.Checks["transport"] == "ok" {
		t.Errorf("readyz = %d %v; want 503 with failing transport check", resp.StatusCode, body.Checks)
	}
}

// ── Config reload ────────────────────────────────────────────────────────────

func TestApplyConfig_LevelAndTemplate(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	old := testConfig()
	a, err := app.New(old, config.NewRegistry(),
		app.WithBackend(newFakeBackend()),
		app.WithDialer(&tmock.Dialer{}),
		app.WithMetrics(testMetrics(t)),
		app.WithLevelVar(&level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Session.Voice = "Kore"
	updated.Transport.Model = "ignored-until-restart"
	a.ApplyConfig(old, updated)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v; want debug", got)
	}
	cfg := a.Controller().Config()
	if cfg.Transport.Voice != "Kore" {
		t.Errorf("voice = %q; want Kore", cfg.Transport.Voice)
	}
	if cfg.Transport.Model != "m1" {
		t.Errorf("model = %q; want the original m1", cfg.Transport.Model)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v; want %v", in, got, want)
		}
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a, err := app.New(testConfig(), config.NewRegistry(),
		app.WithBackend(newFakeBackend()),
		app.WithDialer(&tmock.Dialer{}),
		app.WithMetrics(testMetrics(t)),
		app.WithListener(l),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + l.Addr().String() + "/healthz"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v; want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_AutoStartEndsWithSession(t *testing.T) {
	t.Parallel()
	ch := tmock.NewChannel()
	ch.Open()
	a, err := app.New(testConfig(), config.NewRegistry(),
		app.WithBackend(newFakeBackend()),
		app.WithDialer(&tmock.Dialer{Channels: []*tmock.Channel{ch}}),
		app.WithMetrics(testMetrics(t)),
		app.WithAutoStart(true),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for a.Controller().State() != session.Active {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(time.Millisecond)
	}
	ch.Fail(fmt.Errorf("%w: socket reset", transport.ErrTransport))

	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrTransport) {
			t.Errorf("Run = %v; want ErrTransport", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the session failed")
	}
}
