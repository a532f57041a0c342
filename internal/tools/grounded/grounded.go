// Package grounded provides the remote capabilities that answer questions with
// a model: delegated reasoning, web search grounded on Google Search and
// place lookup grounded on Google Maps.
//
// Three tools are exported via [NewTools]:
//   - "consult_reasoning_model": hand a hard question to a stronger model.
//   - "search_web": grounded web search, publishing a "search" media item.
//   - "find_places": grounded place lookup near the user, publishing a "map"
//     media item.
package grounded

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/pkg/provider/gemini"
	"github.com/MrWong99/jarvis/pkg/provider/live"
	"github.com/MrWong99/jarvis/pkg/types"
)

// DefaultGeolocationTimeout bounds the best-effort location lookup.
const DefaultGeolocationTimeout = 3 * time.Second

// Reasoner answers a question with a reasoning model.
type Reasoner interface {
	Reason(ctx context.Context, query string) (string, error)
}

// Searcher answers a query grounded on web search.
type Searcher interface {
	Search(ctx context.Context, query string) (*gemini.Grounded, error)
}

// PlaceFinder answers a query grounded on maps data near a location.
type PlaceFinder interface {
	FindPlaces(ctx context.Context, query string, near *gemini.LatLng) (*gemini.Grounded, error)
}

// Config wires the grounded tools. Reasoner, Searcher and Places are
// required; Locator and Sink may be nil.
type Config struct {
	Reasoner Reasoner
	Searcher Searcher
	Places   PlaceFinder
	Locator  Locator
	Sink     tools.MediaSink

	// GeolocationTimeout bounds Locator. Default: [DefaultGeolocationTimeout].
	GeolocationTimeout time.Duration

	// Now is the clock for media timestamps. Default: time.Now.
	Now func() time.Time
}

type queryArgs struct {
	Query string `json:"query"`
}

type reasonResult struct {
	Answer string `json:"answer"`
}

type groundedResult struct {
	Text    string          `json:"text"`
	Sources []gemini.Source `json:"sources,omitempty"`
}

func requireQuery(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", fmt.Errorf("%w: query must not be empty", tools.ErrInvalidArgs)
	}
	return q, nil
}

// NewTools returns the grounded tool set.
func NewTools(cfg Config) []tools.Tool {
	if cfg.GeolocationTimeout <= 0 {
		cfg.GeolocationTimeout = DefaultGeolocationTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = tools.MediaSinkFunc(func(types.MediaItem) {})
	}
	queryParams := func(desc string) map[string]any {
		return tools.Object(map[string]string{"query": desc}, "query")
	}

	return []tools.Tool{
		{
			Definition: live.FunctionDeclaration{
				Name:        "consult_reasoning_model",
				Description: "Ask a more capable reasoning model for help with complex analysis, maths, coding or planning questions.",
				Parameters:  queryParams("The full question, with all the context the reasoning model needs."),
			},
			Remote:  true,
			Timeout: 2 * time.Minute,
			Handler: tools.Typed(func(ctx context.Context, a queryArgs) (reasonResult, error) {
				q, err := requireQuery(a.Query)
				if err != nil {
					return reasonResult{}, err
				}
				answer, err := cfg.Reasoner.Reason(ctx, q)
				if err != nil {
					return reasonResult{}, err
				}
				return reasonResult{Answer: answer}, nil
			}),
		},
		{
			Definition: live.FunctionDeclaration{
				Name:        "search_web",
				Description: "Search the web for current information such as news, weather or facts.",
				Parameters:  queryParams("What to search for."),
			},
			Remote: true,
			Handler: tools.Typed(func(ctx context.Context, a queryArgs) (groundedResult, error) {
				q, err := requireQuery(a.Query)
				if err != nil {
					return groundedResult{}, err
				}
				g, err := cfg.Searcher.Search(ctx, q)
				if err != nil {
					return groundedResult{}, err
				}
				cfg.Sink.Publish(types.MediaItem{
					ID:        uuid.NewString(),
					Type:      types.MediaSearch,
					Content:   g.Text,
					Metadata:  map[string]any{"query": q, "sources": g.Sources},
					Timestamp: cfg.Now(),
				})
				return groundedResult{Text: g.Text, Sources: g.Sources}, nil
			}),
		},
		{
			Definition: live.FunctionDeclaration{
				Name:        "find_places",
				Description: "Find places such as restaurants, shops or landmarks, near the user unless another location is named.",
				Parameters:  queryParams("What to look for, e.g. 'coffee shops nearby'."),
			},
			Remote: true,
			Handler: tools.Typed(func(ctx context.Context, a queryArgs) (groundedResult, error) {
				q, err := requireQuery(a.Query)
				if err != nil {
					return groundedResult{}, err
				}
				near := locate(ctx, cfg.Locator, cfg.GeolocationTimeout)
				g, err := cfg.Places.FindPlaces(ctx, q, near)
				if err != nil {
					return groundedResult{}, err
				}
				item := types.MediaItem{
					ID:        uuid.NewString(),
					Type:      types.MediaMap,
					Content:   g.Text,
					Metadata:  map[string]any{"query": q, "sources": g.Sources},
					Timestamp: cfg.Now(),
				}
				if len(g.Sources) > 0 {
					item.URL = g.Sources[0].URI
				}
				if near != nil {
					item.Metadata["location"] = near
				}
				cfg.Sink.Publish(item)
				return groundedResult{Text: g.Text, Sources: g.Sources}, nil
			}),
		},
	}
}

// locate asks l for the user's position within timeout. Any failure yields
// nil: place lookups proceed without a location.
func locate(ctx context.Context, l Locator, timeout time.Duration) *gemini.LatLng {
	if l == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ll, err := l.Locate(ctx)
	if err != nil {
		observe.Logger(ctx).Debug("geolocation unavailable, searching without location", "err", err)
		return nil
	}
	return ll
}
