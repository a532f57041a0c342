package grounded_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/internal/tools/grounded"
	"github.com/MrWong99/jarvis/pkg/provider/gemini"
	"github.com/MrWong99/jarvis/pkg/types"
)

// fakeModel implements Reasoner, Searcher and PlaceFinder.
type fakeModel struct {
	mu      sync.Mutex
	queries []string
	near    []*gemini.LatLng
	answer  *gemini.Grounded
	err     error
}

func (f *fakeModel) Reason(_ context.Context, q string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return "", f.err
	}
	return "reasoned: " + q, nil
}

func (f *fakeModel) Search(_ context.Context, q string) (*gemini.Grounded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.answer, f.err
}

func (f *fakeModel) FindPlaces(_ context.Context, q string, near *gemini.LatLng) (*gemini.Grounded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	f.near = append(f.near, near)
	return f.answer, f.err
}

type locatorFunc func(ctx context.Context) (*gemini.LatLng, error)

func (f locatorFunc) Locate(ctx context.Context) (*gemini.LatLng, error) { return f(ctx) }

type sink struct {
	mu    sync.Mutex
	items []types.MediaItem
}

func (s *sink) Publish(item types.MediaItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
}

func (s *sink) all() []types.MediaItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MediaItem(nil), s.items...)
}

func setup(t *testing.T, model *fakeModel, loc grounded.Locator, geoTimeout time.Duration) (*tools.Dispatcher, *sink) {
	t.Helper()
	s := &sink{}
	d := tools.NewDispatcher()
	err := d.Register(grounded.NewTools(grounded.Config{
		Reasoner:           model,
		Searcher:           model,
		Places:             model,
		Locator:            loc,
		Sink:               s,
		GeolocationTimeout: geoTimeout,
	})...)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return d, s
}

func args(q string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"query": q})
	return raw
}

var answer = &gemini.Grounded{
	Text:    "Found it.",
	Sources: []gemini.Source{{Title: "First", URI: "https://one.example"}, {Title: "Second", URI: "https://two.example"}},
}

func TestConsultReasoningModel(t *testing.T) {
	t.Parallel()
	d, s := setup(t, &fakeModel{}, nil, 0)

	res := d.Dispatch(context.Background(), tools.Call{ID: "r", Name: "consult_reasoning_model", Args: args("why?")})
	if res.Response["answer"] != "reasoned: why?" {
		t.Errorf("response = %v", res.Response)
	}
	if len(s.all()) != 0 {
		t.Errorf("reasoning published media: %v", s.all())
	}
}

func TestSearchWeb_PublishesSearchItem(t *testing.T) {
	t.Parallel()
	model := &fakeModel{answer: answer}
	d, s := setup(t, model, nil, 0)

	res := d.Dispatch(context.Background(), tools.Call{ID: "s", Name: "search_web", Args: args("news")})
	if res.IsError() {
		t.Fatalf("response = %v", res.Response)
	}
	if res.Response["text"] != "Found it." {
		t.Errorf("text = %v", res.Response["text"])
	}
	items := s.all()
	if len(items) != 1 {
		t.Fatalf("published %d items, want 1", len(items))
	}
	if items[0].Type != types.MediaSearch || items[0].Content != "Found it." || items[0].ID == "" {
		t.Errorf("item = %+v", items[0])
	}
	if items[0].Metadata["query"] != "news" {
		t.Errorf("metadata = %v", items[0].Metadata)
	}
}

func TestSearchWeb_ErrorPublishesNothing(t *testing.T) {
	t.Parallel()
	d, s := setup(t, &fakeModel{err: errors.New("quota")}, nil, 0)

	res := d.Dispatch(context.Background(), tools.Call{Name: "search_web", Args: args("news")})
	if !res.IsError() {
		t.Fatalf("response = %v, want error", res.Response)
	}
	if len(s.all()) != 0 {
		t.Errorf("published %v on failure", s.all())
	}
}

func TestEmptyQueryRejected(t *testing.T) {
	t.Parallel()
	model := &fakeModel{answer: answer}
	d, _ := setup(t, model, nil, 0)

	for _, name := range []string{"consult_reasoning_model", "search_web", "find_places"} {
		res := d.Dispatch(context.Background(), tools.Call{Name: name, Args: args("  ")})
		if !res.IsError() {
			t.Errorf("%s: response = %v, want error", name, res.Response)
		}
	}
	if len(model.queries) != 0 {
		t.Errorf("model called with %v", model.queries)
	}
}

func TestEmptyQuery_BreakerStaysClosed(t *testing.T) {
	t.Parallel()
	model := &fakeModel{answer: answer}
	d := tools.NewDispatcher(tools.WithBreakers(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}))
	if err := d.Register(grounded.NewTools(grounded.Config{Reasoner: model, Searcher: model, Places: model, Sink: &sink{}})...); err != nil {
		t.Fatalf("Register: %v", err)
	}

	d.Dispatch(context.Background(), tools.Call{Name: "search_web", Args: args("")})
	res := d.Dispatch(context.Background(), tools.Call{Name: "search_web", Args: args("news")})
	if res.IsError() {
		t.Fatalf("response = %v, want success after an empty query", res.Response)
	}
	if got := d.Breakers()["search_web"]; got != resilience.StateClosed {
		t.Errorf("breaker = %v, want closed", got)
	}
}

func TestFindPlaces_UsesLocation(t *testing.T) {
	t.Parallel()
	model := &fakeModel{answer: answer}
	here := &gemini.LatLng{Latitude: 52.5, Longitude: 13.4}
	d, s := setup(t, model, locatorFunc(func(context.Context) (*gemini.LatLng, error) { return here, nil }), 0)

	res := d.Dispatch(context.Background(), tools.Call{Name: "find_places", Args: args("pizza")})
	if res.IsError() {
		t.Fatalf("response = %v", res.Response)
	}
	if len(model.near) != 1 || model.near[0] != here {
		t.Errorf("near = %v, want %v", model.near, here)
	}
	items := s.all()
	if len(items) != 1 || items[0].Type != types.MediaMap {
		t.Fatalf("items = %+v, want one map item", items)
	}
	if items[0].URL != "https://one.example" {
		t.Errorf("URL = %q, want first source", items[0].URL)
	}
	if items[0].Metadata["location"] != here {
		t.Errorf("location = %v", items[0].Metadata["location"])
	}
}

func TestFindPlaces_GeolocationTimeoutDegrades(t *testing.T) {
	t.Parallel()
	model := &fakeModel{answer: answer}
	slow := locatorFunc(func(ctx context.Context) (*gemini.LatLng, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d, s := setup(t, model, slow, 20*time.Millisecond)

	start := time.Now()
	res := d.Dispatch(context.Background(), tools.Call{Name: "find_places", Args: args("pizza")})
	if res.IsError() {
		t.Fatalf("response = %v, want success without location", res.Response)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v, geolocation timeout not applied", elapsed)
	}
	if len(model.near) != 1 || model.near[0] != nil {
		t.Errorf("near = %v, want nil", model.near)
	}
	if _, ok := s.all()[0].Metadata["location"]; ok {
		t.Error("location recorded although lookup failed")
	}
}
