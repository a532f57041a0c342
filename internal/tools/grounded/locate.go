package grounded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/pkg/provider/gemini"
)

// DefaultGeolocationURLs are queried in order by [NewIPLocator] when no URL is
// configured.
var DefaultGeolocationURLs = []string{
	"https://ipapi.co/json/",
	"http://ip-api.com/json/",
}

// Locator returns the user's approximate position.
type Locator interface {
	Locate(ctx context.Context) (*gemini.LatLng, error)
}

// ipResponse accepts the field names used by the common IP geolocation
// services.
type ipResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
}

func (r ipResponse) latLng() (*gemini.LatLng, bool) {
	switch {
	case r.Latitude != nil && r.Longitude != nil:
		return &gemini.LatLng{Latitude: *r.Latitude, Longitude: *r.Longitude}, true
	case r.Lat != nil && r.Lon != nil:
		return &gemini.LatLng{Latitude: *r.Lat, Longitude: *r.Lon}, true
	default:
		return nil, false
	}
}

// IPLocator resolves the caller's position from their public IP address,
// trying each service in turn.
type IPLocator struct {
	client *http.Client
	chain  *resilience.Chain[string]
}

var _ Locator = (*IPLocator)(nil)

// NewIPLocator returns an IPLocator querying urls in order. With no urls it
// uses [DefaultGeolocationURLs]. client may be nil.
func NewIPLocator(client *http.Client, urls ...string) *IPLocator {
	if client == nil {
		client = http.DefaultClient
	}
	if len(urls) == 0 {
		urls = DefaultGeolocationURLs
	}
	chain := resilience.NewChain[string](resilience.CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: 5 * time.Minute,
	})
	for _, u := range urls {
		chain.Add(u, u)
	}
	return &IPLocator{client: client, chain: chain}
}

// Locate implements [Locator].
func (l *IPLocator) Locate(ctx context.Context) (*gemini.LatLng, error) {
	return resilience.Try(ctx, l.chain, l.fetch)
}

func (l *IPLocator) fetch(ctx context.Context, url string) (*gemini.LatLng, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation: %s: status %d", url, resp.StatusCode)
	}
	var body ipResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("geolocation: %s: %w", url, err)
	}
	ll, ok := body.latLng()
	if !ok {
		return nil, errors.New("geolocation: response has no coordinates")
	}
	return ll, nil
}
