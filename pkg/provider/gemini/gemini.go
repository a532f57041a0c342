// Package gemini wraps the Gemini developer API (google.golang.org/genai) for
// the request/response calls made by assistant tools: reasoning, grounded web
// search, grounded place lookup, image generation and long-running video
// generation.
//
// The live conversational channel lives in a separate package
// (pkg/provider/live/gemini); this client only performs one-shot calls.
//
// Usage:
//
//	c, err := gemini.New(ctx, apiKey, gemini.WithMetrics(observe.DefaultMetrics()))
//	res, err := c.Search(ctx, "weather in Lisbon")
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/jarvis/internal/observe"
)

const providerName = "gemini"

// Default model names.
const (
	DefaultReasoningModel = "gemini-2.5-pro"
	DefaultSearchModel    = "gemini-2.5-flash"
	DefaultMapsModel      = "gemini-2.5-flash"
	DefaultImageModel     = "imagen-4.0-generate-001"
	DefaultVideoModel     = "veo-3.1-fast-generate-preview"
)

// ErrEmptyResponse is returned when the API answers without usable content.
var ErrEmptyResponse = errors.New("gemini: empty response")

// ── Result types ───────────────────────────────────────────────────────────────

// Source is one grounding citation.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Grounded is a model answer together with the sources it was grounded on.
type Grounded struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Image is one generated image.
type Image struct {
	Data     []byte
	MIMEType string
}

// Video is one generated video file.
type Video struct {
	Data     []byte
	MIMEType string
}

// VideoOperation is the handle of a long-running video generation.
type VideoOperation struct {
	// Name identifies the operation on the server.
	Name string

	// Done reports whether the operation has finished, successfully or not.
	Done bool

	// Err is set when a finished operation failed.
	Err error

	raw *genai.GenerateVideosOperation
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Client].
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	metrics    *observe.Metrics

	reasoningModel string
	searchModel    string
	mapsModel      string
	imageModel     string
	videoModel     string
}

// WithBaseURL overrides the API endpoint. Used in tests.
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithMetrics records one provider request per call.
func WithMetrics(m *observe.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithReasoningModel overrides [DefaultReasoningModel].
func WithReasoningModel(m string) Option { return func(o *options) { o.reasoningModel = m } }

// WithSearchModel overrides [DefaultSearchModel].
func WithSearchModel(m string) Option { return func(o *options) { o.searchModel = m } }

// WithMapsModel overrides [DefaultMapsModel].
func WithMapsModel(m string) Option { return func(o *options) { o.mapsModel = m } }

// WithImageModel overrides [DefaultImageModel].
func WithImageModel(m string) Option { return func(o *options) { o.imageModel = m } }

// WithVideoModel overrides [DefaultVideoModel].
func WithVideoModel(m string) Option { return func(o *options) { o.videoModel = m } }

// ── Client ─────────────────────────────────────────────────────────────────────

// Client performs one-shot Gemini calls. It is safe for concurrent use.
type Client struct {
	api  *genai.Client
	opts options
}

// New creates a Client authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	o := options{
		reasoningModel: DefaultReasoningModel,
		searchModel:    DefaultSearchModel,
		mapsModel:      DefaultMapsModel,
		imageModel:     DefaultImageModel,
		videoModel:     DefaultVideoModel,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
	}
	if o.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}
	api, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Client{api: api, opts: o}, nil
}

func (c *Client) record(ctx context.Context, kind string, err error) {
	if c.opts.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		c.opts.metrics.RecordProviderError(ctx, providerName, kind)
	}
	c.opts.metrics.RecordProviderRequest(ctx, providerName, kind, status)
}

// Reason sends query to the reasoning model and returns its text answer.
func (c *Client) Reason(ctx context.Context, query string) (text string, err error) {
	defer func() { c.record(ctx, "reason", err) }()

	resp, err := c.api.Models.GenerateContent(ctx, c.opts.reasoningModel, genai.Text(query), nil)
	if err != nil {
		return "", fmt.Errorf("gemini: reason: %w", err)
	}
	text = resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Search answers query with Google Search grounding.
func (c *Client) Search(ctx context.Context, query string) (g *Grounded, err error) {
	defer func() { c.record(ctx, "search", err) }()

	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	resp, err := c.api.Models.GenerateContent(ctx, c.opts.searchModel, genai.Text(query), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: search: %w", err)
	}
	return grounded(resp)
}

// FindPlaces answers query with Google Maps grounding. near biases results
// towards a location and may be nil.
func (c *Client) FindPlaces(ctx context.Context, query string, near *LatLng) (g *Grounded, err error) {
	defer func() { c.record(ctx, "places", err) }()

	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleMaps: &genai.GoogleMaps{}}},
	}
	if near != nil {
		cfg.ToolConfig = &genai.ToolConfig{
			RetrievalConfig: &genai.RetrievalConfig{
				LatLng: &genai.LatLng{
					Latitude:  genai.Ptr(near.Latitude),
					Longitude: genai.Ptr(near.Longitude),
				},
			},
		}
	}
	resp, err := c.api.Models.GenerateContent(ctx, c.opts.mapsModel, genai.Text(query), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: find places: %w", err)
	}
	return grounded(resp)
}

// grounded extracts the answer text and de-duplicated web or maps sources.
func grounded(resp *genai.GenerateContentResponse) (*Grounded, error) {
	g := &Grounded{Text: resp.Text()}
	seen := make(map[string]bool)
	for _, cand := range resp.Candidates {
		if cand == nil || cand.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk == nil {
				continue
			}
			var src Source
			switch {
			case chunk.Web != nil:
				src = Source{Title: chunk.Web.Title, URI: chunk.Web.URI}
			case chunk.Maps != nil:
				src = Source{Title: chunk.Maps.Title, URI: chunk.Maps.URI}
			default:
				continue
			}
			if src.URI == "" || seen[src.URI] {
				continue
			}
			seen[src.URI] = true
			g.Sources = append(g.Sources, src)
		}
	}
	if g.Text == "" && len(g.Sources) == 0 {
		return nil, ErrEmptyResponse
	}
	return g, nil
}

// GenerateImage renders one image for prompt at the given aspect ratio
// ("16:9", "1:1", ...).
func (c *Client) GenerateImage(ctx context.Context, prompt, aspectRatio string) (img *Image, err error) {
	defer func() { c.record(ctx, "image", err) }()

	resp, err := c.api.Models.GenerateImages(ctx, c.opts.imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    aspectRatio,
		OutputMIMEType: "image/jpeg",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: generate image: %w", err)
	}
	for _, gi := range resp.GeneratedImages {
		if gi == nil || gi.Image == nil || len(gi.Image.ImageBytes) == 0 {
			continue
		}
		mime := gi.Image.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		return &Image{Data: gi.Image.ImageBytes, MIMEType: mime}, nil
	}
	return nil, ErrEmptyResponse
}

// StartVideo begins generating a video for prompt. The returned operation is
// usually not done; poll it with [Client.PollVideo].
func (c *Client) StartVideo(ctx context.Context, prompt string) (op *VideoOperation, err error) {
	defer func() { c.record(ctx, "video", err) }()

	raw, err := c.api.Models.GenerateVideos(ctx, c.opts.videoModel, prompt, nil, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    "16:9",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: start video: %w", err)
	}
	return wrapOperation(raw), nil
}

// PollVideo fetches the latest status of op.
func (c *Client) PollVideo(ctx context.Context, op *VideoOperation) (*VideoOperation, error) {
	raw := op.raw
	if raw == nil {
		raw = &genai.GenerateVideosOperation{Name: op.Name}
	}
	next, err := c.api.Operations.GetVideosOperation(ctx, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: poll video %q: %w", op.Name, err)
	}
	return wrapOperation(next), nil
}

// DownloadVideo fetches the bytes of the first video produced by a finished
// operation.
func (c *Client) DownloadVideo(ctx context.Context, op *VideoOperation) (v *Video, err error) {
	defer func() { c.record(ctx, "video_download", err) }()

	if op.raw == nil || op.raw.Response == nil || len(op.raw.Response.GeneratedVideos) == 0 {
		return nil, ErrEmptyResponse
	}
	gv := op.raw.Response.GeneratedVideos[0]
	if gv == nil || gv.Video == nil {
		return nil, ErrEmptyResponse
	}
	mime := gv.Video.MIMEType
	if mime == "" {
		mime = "video/mp4"
	}
	if len(gv.Video.VideoBytes) > 0 {
		return &Video{Data: gv.Video.VideoBytes, MIMEType: mime}, nil
	}

	dlCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	data, err := c.api.Files.Download(dlCtx, genai.NewDownloadURIFromGeneratedVideo(gv), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: download video: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyResponse
	}
	return &Video{Data: data, MIMEType: mime}, nil
}

func wrapOperation(raw *genai.GenerateVideosOperation) *VideoOperation {
	op := &VideoOperation{Name: raw.Name, Done: raw.Done, raw: raw}
	if raw.Done && raw.Error != nil {
		msg, _ := raw.Error["message"].(string)
		if msg == "" {
			msg = fmt.Sprint(raw.Error)
		}
		op.Err = fmt.Errorf("gemini: video operation %q failed: %s", raw.Name, msg)
	}
	return op
}
