package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/smartgenie/internal/app"
	"github.com/MrWong99/smartgenie/internal/collection"
	"github.com/MrWong99/smartgenie/internal/config"
	"github.com/MrWong99/smartgenie/internal/conversation/sqlite"
	"github.com/MrWong99/smartgenie/internal/devpeer"
	"github.com/MrWong99/smartgenie/internal/observe"
	"github.com/MrWong99/smartgenie/internal/voice"
	"github.com/MrWong99/smartgenie/pkg/audio"
	"github.com/MrWong99/smartgenie/pkg/audio/mock"
)

var speech = audio.Format{SampleRate: 16000, Channels: 1}

type harness struct {
	app   *app.App
	peer  *devpeer.Server
	mic   *mock.Microphone
	spk   *mock.Speaker
	level *slog.LevelVar
	cfg   *config.Config
	errC  chan error
	stop  context.CancelFunc
}

// startApp runs an App against an in-process dev peer with mock audio
// devices and a SQLite history in a temp dir.
func startApp(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	peer := devpeer.New(devpeer.WithTone(440, 100*time.Millisecond))
	srv := httptest.NewServer(peer.Routes())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Session.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/assistant"
	cfg.Conversation.SQLitePath = filepath.Join(t.TempDir(), "history.db")
	cfg.Admin.ListenAddr = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		peer:  peer,
		mic:   &mock.Microphone{},
		spk:   &mock.Speaker{OutputFormat: speech},
		level: new(slog.LevelVar),
		cfg:   cfg,
		errC:  make(chan error, 1),
	}
	h.app, err = app.New(context.Background(), cfg,
		config.AudioDevices{Microphone: h.mic, Speaker: h.spk},
		app.WithMetrics(metrics),
		app.WithLevelVar(h.level),
		app.WithSessionID("test-session"),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() { h.errC <- h.app.Run(ctx) }()
	t.Cleanup(func() {
		h.shutdown(t)
	})

	waitFor(t, "assistant connection", func() bool { return h.app.Session().Status().Connected })
	return h
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	if h.stop == nil {
		return
	}
	h.stop()
	h.stop = nil
	select {
	case err := <-h.errC:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.app.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// turn records a short tone and waits for the spoken reply to finish.
func (h *harness) turn(t *testing.T) {
	t.Helper()
	s := h.app.Session()
	ctx := context.Background()
	if err := s.BeginCapture(ctx); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	h.mic.LastStream().Push(devpeer.Tone(speech, 300, 200*time.Millisecond))
	if err := s.EndCapture(ctx); err != nil {
		t.Fatalf("EndCapture: %v", err)
	}
	waitFor(t, "speaking", func() bool { return s.State() == voice.Speaking })
	h.spk.LastClip().Finish(nil)
	waitFor(t, "idle", func() bool { return s.State() == voice.Idle })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNew_RequiresDevices(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), config.Default(), config.AudioDevices{})
	if err == nil {
		t.Fatal("expected error without audio devices")
	}
}

func TestApp_EndToEnd(t *testing.T) {
	t.Parallel()
	h := startApp(t, nil)

	h.turn(t)

	entries := h.app.Log().Entries()
	if len(entries) != 3 {
		t.Fatalf("log has %d entries; want user, echo, assistant", len(entries))
	}
	if entries[2].Role.String() != "assistant" || !entries[2].HasAudio {
		t.Errorf("assistant entry = %+v", entries[2])
	}
	for _, e := range entries {
		if e.Collection != "nmc-regulations" || e.SessionID != "test-session" {
			t.Errorf("entry = %+v", e)
		}
	}

	// Collection names are resolved loosely before switching.
	c, err := h.app.SelectCollection(context.Background(), "mbbs guide")
	if err != nil {
		t.Fatalf("SelectCollection: %v", err)
	}
	if c.ID != "mbbs-guide" {
		t.Errorf("resolved %q; want mbbs-guide", c.ID)
	}
	waitFor(t, "second connection", func() bool {
		got := h.peer.Collections()
		return len(got) == 2 && got[1] == "mbbs-guide"
	})
	if _, err := h.app.SelectCollection(context.Background(), "qqqq"); !errors.Is(err, collection.ErrNoMatch) {
		t.Errorf("unknown collection: err = %v; want ErrNoMatch", err)
	}

	base := "http://" + h.app.AdminAddr()

	var ready struct {
		Status  string            `json:"status"`
		Checks  map[string]string `json:"checks"`
		Session struct {
			State      string `json:"state"`
			Collection string `json:"collection"`
			Connected  bool   `json:"connected"`
		} `json:"session"`
	}
	waitFor(t, "reconnected", func() bool { return h.app.Session().Status().Connected })
	if code := getJSON(t, base+"/readyz", &ready); code != http.StatusOK {
		t.Errorf("/readyz status = %d, body %+v", code, ready)
	}
	if ready.Checks["assistant"] != "ok" || ready.Checks["sqlite"] != "ok" {
		t.Errorf("checks = %v", ready.Checks)
	}
	if ready.Session.Collection != "mbbs-guide" || ready.Session.State != "idle" {
		t.Errorf("session = %+v", ready.Session)
	}

	var conv []map[string]any
	if code := getJSON(t, base+"/api/conversation?limit=2", &conv); code != http.StatusOK {
		t.Errorf("/api/conversation status = %d", code)
	}
	if len(conv) != 2 || conv[1]["role"] != "assistant" {
		t.Errorf("conversation = %v", conv)
	}
	if code := getJSON(t, base+"/api/conversation?limit=zero", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", code)
	}
	if code := getJSON(t, base+"/metrics", nil); code != http.StatusOK {
		t.Errorf("/metrics status = %d", code)
	}

	// Shutdown flushes the log into SQLite.
	h.shutdown(t)
	store, err := sqlite.Open(context.Background(), h.cfg.Conversation.SQLitePath)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer store.Close()
	persisted, err := store.Recent(context.Background(), "test-session", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted %d entries; want 3", len(persisted))
	}
}

func TestApp_History(t *testing.T) {
	t.Parallel()
	h := startApp(t, nil)
	h.turn(t)

	waitFor(t, "history flush", func() bool {
		got, err := h.app.History(context.Background(), 10)
		return err == nil && len(got) == 3
	})
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	h := startApp(t, nil)

	next := *h.cfg
	next.LogLevel = config.LogDebug
	next.Session.Collection = "ai-research"
	next.Session.Collections = []collection.Collection{
		{ID: "nmc-regulations", Name: "NMC Regulations"},
		{ID: "ai-research", Name: "AI Research"},
		{ID: "pharmacology", Name: "Pharmacology"},
	}
	h.app.ApplyConfig(context.Background(), h.cfg, &next)

	if h.level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v; want debug", h.level.Level())
	}
	if got := h.app.Session().Collection(); got != "ai-research" {
		t.Errorf("collection = %q; want ai-research", got)
	}
	if _, ok := h.app.Catalogue().Lookup("pharmacology"); !ok {
		t.Error("catalogue was not reloaded")
	}
	if _, ok := h.app.Catalogue().Lookup("mbbs-guide"); ok {
		t.Error("removed collection still in catalogue")
	}
	waitFor(t, "reconnect to ai-research", func() bool {
		got := h.peer.Collections()
		return len(got) == 2 && got[1] == "ai-research"
	})
}

func TestApp_AdminDisabled(t *testing.T) {
	t.Parallel()
	h := startApp(t, func(c *config.Config) { c.Admin.ListenAddr = "" })

	if h.app.AdminAddr() != "" {
		t.Errorf("AdminAddr = %q; want empty", h.app.AdminAddr())
	}

	rec := httptest.NewRecorder()
	h.app.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/api/status = %d", rec.Code)
	}
	var st map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st["session_id"] != "test-session" || st["connected"] != true {
		t.Errorf("status = %v", st)
	}
}
