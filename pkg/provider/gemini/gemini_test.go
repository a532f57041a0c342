package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/provider/gemini"
)

// fakeAPI answers generateContent requests with a canned response and records
// the request bodies.
type fakeAPI struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any

	status int
	reply  string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.bodies = append(f.bodies, body)
	status, reply := f.status, f.reply
	f.mu.Unlock()

	if !strings.HasSuffix(r.URL.Path, ":generateContent") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_, _ = io.WriteString(w, reply)
}

func (f *fakeAPI) lastBody(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		t.Fatal("no request received")
	}
	return f.bodies[len(f.bodies)-1]
}

func (f *fakeAPI) lastPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.paths) == 0 {
		return ""
	}
	return f.paths[len(f.paths)-1]
}

func newClient(t *testing.T, api *fakeAPI, opts ...gemini.Option) *gemini.Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	opts = append([]gemini.Option{gemini.WithBaseURL(srv.URL + "/"), gemini.WithHTTPClient(srv.Client())}, opts...)
	c, err := gemini.New(context.Background(), "test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

const textReply = `{"candidates":[{"content":{"role":"model","parts":[{"text":"forty-two"}]}}]}`

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := gemini.New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestReason(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reply: textReply}
	c := newClient(t, api, gemini.WithReasoningModel("thinker"))

	got, err := c.Reason(context.Background(), "meaning of life?")
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if got != "forty-two" {
		t.Errorf("text = %q, want forty-two", got)
	}
	if p := api.lastPath(); !strings.Contains(p, "models/thinker:generateContent") {
		t.Errorf("path = %q, want the reasoning model", p)
	}
}

func TestReason_EmptyResponse(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reply: `{"candidates":[]}`}
	c := newClient(t, api)

	if _, err := c.Reason(context.Background(), "q"); !errors.Is(err, gemini.ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestReason_APIError(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		status: http.StatusBadRequest,
		reply:  `{"error":{"code":400,"message":"bad request","status":"INVALID_ARGUMENT"}}`,
	}
	c := newClient(t, api)

	if _, err := c.Reason(context.Background(), "q"); err == nil {
		t.Fatal("expected an error for a 400 response")
	}
}

func TestSearch_SourcesDeduplicated(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reply: `{"candidates":[{
		"content":{"role":"model","parts":[{"text":"It is sunny."}]},
		"groundingMetadata":{"groundingChunks":[
			{"web":{"uri":"https://a.example","title":"A"}},
			{"web":{"uri":"https://b.example","title":"B"}},
			{"web":{"uri":"https://a.example","title":"A again"}},
			{"web":{"title":"no uri"}}
		]}
	}]}`}
	c := newClient(t, api)

	g, err := c.Search(context.Background(), "weather")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if g.Text != "It is sunny." {
		t.Errorf("text = %q", g.Text)
	}
	want := []gemini.Source{{Title: "A", URI: "https://a.example"}, {Title: "B", URI: "https://b.example"}}
	if len(g.Sources) != len(want) {
		t.Fatalf("sources = %+v, want %+v", g.Sources, want)
	}
	for i := range want {
		if g.Sources[i] != want[i] {
			t.Errorf("sources[%d] = %+v, want %+v", i, g.Sources[i], want[i])
		}
	}

	tools, _ := api.lastBody(t)["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v, want one google search tool", tools)
	}
	if _, ok := tools[0].(map[string]any)["googleSearch"]; !ok {
		t.Errorf("tool = %v, want googleSearch", tools[0])
	}
}

func TestFindPlaces_WithLocation(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reply: `{"candidates":[{
		"content":{"role":"model","parts":[{"text":"Try Café Luz."}]},
		"groundingMetadata":{"groundingChunks":[{"maps":{"uri":"https://maps.example/luz","title":"Café Luz"}}]}
	}]}`}
	c := newClient(t, api)

	g, err := c.FindPlaces(context.Background(), "coffee", &gemini.LatLng{Latitude: 38.7, Longitude: -9.1})
	if err != nil {
		t.Fatalf("FindPlaces: %v", err)
	}
	if len(g.Sources) != 1 || g.Sources[0].URI != "https://maps.example/luz" {
		t.Fatalf("sources = %+v", g.Sources)
	}

	body := api.lastBody(t)
	tc, _ := body["toolConfig"].(map[string]any)
	rc, _ := tc["retrievalConfig"].(map[string]any)
	ll, _ := rc["latLng"].(map[string]any)
	if ll["latitude"] != 38.7 || ll["longitude"] != -9.1 {
		t.Errorf("latLng = %v, want 38.7/-9.1", ll)
	}
}

func TestFindPlaces_WithoutLocation(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reply: textReply}
	c := newClient(t, api)

	if _, err := c.FindPlaces(context.Background(), "coffee", nil); err != nil {
		t.Fatalf("FindPlaces: %v", err)
	}
	if _, ok := api.lastBody(t)["toolConfig"]; ok {
		t.Error("toolConfig sent without a location")
	}
}

func TestDownloadVideo_NoResponse(t *testing.T) {
	t.Parallel()
	c := newClient(t, &fakeAPI{})

	if _, err := c.DownloadVideo(context.Background(), &gemini.VideoOperation{Name: "op", Done: true}); !errors.Is(err, gemini.ErrEmptyResponse) {
		t.Fatalf("DownloadVideo without response: err = %v, want ErrEmptyResponse", err)
	}
}

func TestMetrics_RecordedPerCall(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	api := &fakeAPI{reply: textReply}
	c := newClient(t, api, gemini.WithMetrics(m))
	_, _ = c.Reason(context.Background(), "one")
	api.mu.Lock()
	api.reply = `{"candidates":[]}`
	api.mu.Unlock()
	_, _ = c.Reason(context.Background(), "two")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total, errs int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				switch met.Name {
				case "jarvis.provider.requests":
					total += dp.Value
				case "jarvis.provider.errors":
					errs += dp.Value
				}
			}
		}
	}
	if total != 2 || errs != 1 {
		t.Errorf("requests = %d errors = %d, want 2 and 1", total, errs)
	}
}
