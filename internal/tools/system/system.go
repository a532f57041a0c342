// Package system provides the local capabilities that touch the host: opening
// a web page in the default browser and reporting the current time.
//
// Two tools are exported via [NewTools]:
//   - "open_website": open a URL in the user's browser.
//   - "get_current_time": report the local date and time.
package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/browser"

	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/pkg/provider/live"
)

// Opener opens a URL for the user.
type Opener interface {
	Open(url string) error
}

// OpenerFunc adapts a function to [Opener].
type OpenerFunc func(url string) error

// Open implements [Opener].
func (f OpenerFunc) Open(url string) error { return f(url) }

// Browser opens URLs in the system browser.
var Browser Opener = OpenerFunc(browser.OpenURL)

type openArgs struct {
	URL string `json:"url"`
}

type openResult struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

type timeResult struct {
	Time     string `json:"time"`
	ISO      string `json:"iso"`
	Timezone string `json:"timezone"`
}

// NormalizeURL trims raw and prefixes https:// when it carries no scheme.
func NormalizeURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", errors.New("system: url must not be empty")
	}
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		u = "https://" + u
	}
	return u, nil
}

// NewTools returns the system tool set. now may be nil for time.Now.
func NewTools(opener Opener, now func() time.Time) []tools.Tool {
	if now == nil {
		now = time.Now
	}
	return []tools.Tool{
		{
			Definition: live.FunctionDeclaration{
				Name:        "open_website",
				Description: "Open a website in the user's default web browser.",
				Parameters:  tools.Object(map[string]string{"url": "The address to open, e.g. example.com or https://example.com."}, "url"),
			},
			Timeout: 10 * time.Second,
			Handler: tools.Typed(func(_ context.Context, a openArgs) (openResult, error) {
				u, err := NormalizeURL(a.URL)
				if err != nil {
					return openResult{}, err
				}
				if err := opener.Open(u); err != nil {
					return openResult{}, fmt.Errorf("system: open %s: %w", u, err)
				}
				return openResult{Status: "opened", URL: u}, nil
			}),
		},
		{
			Definition: live.FunctionDeclaration{
				Name:        "get_current_time",
				Description: "Get the current local date and time.",
				Parameters:  tools.Object(nil),
			},
			Handler: tools.Typed(func(context.Context, struct{}) (timeResult, error) {
				t := now()
				zone, _ := t.Zone()
				return timeResult{
					Time:     t.Format("Monday, January 2, 2006 15:04:05"),
					ISO:      t.Format(time.RFC3339),
					Timezone: zone,
				}, nil
			}),
		},
	}
}
