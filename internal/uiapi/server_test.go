package uiapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/jarvis/internal/events"
	"github.com/MrWong99/jarvis/internal/gallery"
	"github.com/MrWong99/jarvis/internal/health"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/session"
	"github.com/MrWong99/jarvis/internal/uiapi"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
	"github.com/MrWong99/jarvis/pkg/types"
)

// fakeSession records every call and returns ConnectErr from Connect.
type fakeSession struct {
	mu          sync.Mutex
	ConnectErr  error // guarded by mu; set with failWith
	connects    []types.Settings
	disconnects int
	state       types.SessionState
	file        *types.ContextFile
}

func (f *fakeSession) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectErr = err
}

func (f *fakeSession) Connect(_ context.Context, s types.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, s)
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.state = types.StateConnecting
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = types.StateDisconnected
	return nil
}

func (f *fakeSession) State() types.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) SessionID() string { return "" }

func (f *fakeSession) SetActiveFile(file types.ContextFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.file = &file
}

func (f *fakeSession) ClearActiveFile() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.file = nil
}

func (f *fakeSession) ActiveFile() (types.ContextFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return types.ContextFile{}, false
	}
	return *f.file, true
}

func (f *fakeSession) Tap() *playback.Analyser { return nil }

type fixture struct {
	srv     *httptest.Server
	sess    *fakeSession
	bus     *events.Bus
	gallery *gallery.Gallery
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	dir := t.TempDir()
	bus := events.NewBus(0)
	g, err := gallery.New(dir, gallery.WithNotify(bus.Media))
	if err != nil {
		t.Fatalf("gallery.New: %v", err)
	}
	f := &fixture{sess: &fakeSession{}, bus: bus, gallery: g, dir: dir}
	api := uiapi.New(uiapi.Config{
		Session:        f.sess,
		Events:         bus,
		Gallery:        g,
		Health:         health.New(health.Credential("key")),
		Defaults:       func() types.Settings { return types.Settings{VoiceName: "Fenrir", WakeWordSensitivity: 0.5} },
		Metrics:        metrics,
		MetricsHandler: http.NotFoundHandler(),
		MaxFileBytes:   64,
	})
	f.srv = httptest.NewServer(api.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	var payload map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return res, payload
}

// ── Session ────────────────────────────────────────────────────────────────────

func TestConnect_UsesDefaultsAndOverrides(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, payload := f.do(t, http.MethodPost, "/api/session/connect", "", nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	if payload["state"] != "CONNECTING" {
		t.Errorf("state = %v", payload["state"])
	}

	f.sess.failWith(session.ErrSessionActive)
	res, _ = f.do(t, http.MethodPost, "/api/session/connect", "application/json",
		strings.NewReader(`{"voice_name":"Kore","wake_word_sensitivity":0.9}`))
	if res.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", res.StatusCode)
	}

	f.sess.mu.Lock()
	defer f.sess.mu.Unlock()
	if len(f.sess.connects) != 2 {
		t.Fatalf("connects = %d, want 2", len(f.sess.connects))
	}
	if got := f.sess.connects[0]; got.VoiceName != "Fenrir" || got.WakeWordSensitivity != 0.5 {
		t.Errorf("default settings = %+v", got)
	}
	if got := f.sess.connects[1]; got.VoiceName != "Kore" || got.WakeWordSensitivity != 0.9 {
		t.Errorf("override settings = %+v", got)
	}
}

func TestConnect_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		code int
		name string
	}{
		{session.ErrConfiguration, http.StatusPreconditionFailed, "missing_credential"},
		{session.ErrSessionActive, http.StatusConflict, "session_active"},
		{errors.New("dial refused"), http.StatusBadGateway, "connect_failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.sess.failWith(tc.err)
			res, payload := f.do(t, http.MethodPost, "/api/session/connect", "", nil)
			if res.StatusCode != tc.code || payload["code"] != tc.name {
				t.Errorf("got %d %v, want %d %s", res.StatusCode, payload["code"], tc.code, tc.name)
			}
		})
	}
}

func TestConnect_RejectsBadBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, body := range []string{`{"wake_word_sensitivity":2}`, `{"voice":"x"}`, `not json`} {
		res, _ := f.do(t, http.MethodPost, "/api/session/connect", "application/json", strings.NewReader(body))
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, res.StatusCode)
		}
	}
	f.sess.mu.Lock()
	defer f.sess.mu.Unlock()
	if len(f.sess.connects) != 0 {
		t.Errorf("Connect called %d times for invalid bodies", len(f.sess.connects))
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	res, payload := f.do(t, http.MethodPost, "/api/session/disconnect", "", nil)
	if res.StatusCode != http.StatusOK || payload["state"] != "DISCONNECTED" {
		t.Errorf("got %d %v", res.StatusCode, payload)
	}
	f.sess.mu.Lock()
	defer f.sess.mu.Unlock()
	if f.sess.disconnects != 1 {
		t.Errorf("disconnects = %d", f.sess.disconnects)
	}
}

// ── Context file ───────────────────────────────────────────────────────────────

func TestContextFile_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, _ := f.do(t, http.MethodGet, "/api/context-file", "", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("GET before upload = %d, want 404", res.StatusCode)
	}

	res, payload := f.do(t, http.MethodPut, "/api/context-file?name=../notes.md", "text/markdown; charset=utf-8", strings.NewReader("# Plan\n"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("PUT = %d %v", res.StatusCode, payload)
	}
	if payload["name"] != "notes.md" || payload["size_bytes"] != float64(7) {
		t.Errorf("PUT payload = %v", payload)
	}
	file, ok := f.sess.ActiveFile()
	if !ok || file.Content != "# Plan\n" || file.MIMEType != "text/markdown" {
		t.Errorf("active file = %+v, %v", file, ok)
	}

	_, state := f.do(t, http.MethodGet, "/api/state", "", nil)
	if af, _ := state["active_file"].(map[string]any); af["name"] != "notes.md" {
		t.Errorf("state active_file = %v", state["active_file"])
	}
	if _, leaked := state["content"]; leaked {
		t.Error("state exposes file content")
	}

	res, _ = f.do(t, http.MethodDelete, "/api/context-file", "", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE = %d", res.StatusCode)
	}
	if _, ok := f.sess.ActiveFile(); ok {
		t.Error("file still active after DELETE")
	}
}

func TestContextFile_Rejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, _ := f.do(t, http.MethodPut, "/api/context-file", "", strings.NewReader("x"))
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("missing name = %d, want 400", res.StatusCode)
	}
	res, _ = f.do(t, http.MethodPut, "/api/context-file?name=a.bin", "", bytes.NewReader([]byte{0xff, 0xfe, 0x00}))
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("binary = %d, want 415", res.StatusCode)
	}
	big := bytes.Repeat([]byte("a"), 65)
	res, _ = f.do(t, http.MethodPut, "/api/context-file?name=big.txt", "", bytes.NewReader(big))
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized = %d, want 413", res.StatusCode)
	}
	if _, ok := f.sess.ActiveFile(); ok {
		t.Error("rejected upload became active")
	}
}

// ── Media and tap ──────────────────────────────────────────────────────────────

func TestMedia_ListAndServe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, payload := f.do(t, http.MethodGet, "/api/media", "", nil)
	if items, _ := payload["items"].([]any); len(items) != 0 {
		t.Fatalf("items = %v, want empty list", payload["items"])
	}

	url, err := f.gallery.Save(context.Background(), []byte("mp4-bytes"), "video/mp4")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	f.gallery.Publish(types.MediaItem{ID: "v1", Type: types.MediaVideo, URL: url})

	_, payload = f.do(t, http.MethodGet, "/api/media", "", nil)
	items, _ := payload["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v, want one", payload["items"])
	}

	res, err := http.Get(f.srv.URL + url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "mp4-bytes" {
		t.Errorf("GET %s = %d %q", url, res.StatusCode, body)
	}

	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 1 || filepath.Ext(entries[0].Name()) != ".mp4" {
		t.Errorf("media dir = %v", entries)
	}
}

func TestTap_NoSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, payload := f.do(t, http.MethodGet, "/api/tap", "", nil)
	if payload["active"] != false {
		t.Errorf("active = %v, want false", payload["active"])
	}
	if bins, ok := payload["bins"].([]any); !ok || len(bins) != 0 {
		t.Errorf("bins = %v, want empty list", payload["bins"])
	}
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		res, payload := f.do(t, http.MethodGet, path, "", nil)
		if res.StatusCode != http.StatusOK || payload["status"] != "ok" {
			t.Errorf("%s = %d %v", path, res.StatusCode, payload)
		}
	}
}

// ── Event stream ───────────────────────────────────────────────────────────────

func TestEvents_ReplayThenLive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.bus.Log(types.SourceSystem, types.LogInfo, "booted")
	f.bus.State(types.StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() events.Event {
		t.Helper()
		var ev events.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		return ev
	}

	first, second := read(), read()
	if first.Kind != events.KindLog || first.Log.Text != "booted" {
		t.Errorf("first = %+v", first)
	}
	if second.Kind != events.KindState || *second.State != types.StateConnecting {
		t.Errorf("second = %+v", second)
	}

	f.gallery.Publish(types.MediaItem{ID: "img", Type: types.MediaImage, URL: "data:image/jpeg;base64,AA=="})
	third := read()
	if third.Kind != events.KindMedia || third.Media.ID != "img" {
		t.Errorf("third = %+v", third)
	}
	if third.Seq <= second.Seq {
		t.Errorf("sequence not increasing: %d then %d", second.Seq, third.Seq)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(5 * time.Second)
	for f.bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after client close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
