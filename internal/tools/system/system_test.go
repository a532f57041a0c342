package system_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/internal/tools/system"
)

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (o *recordingOpener) Open(url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return o.err
}

func dispatcher(t *testing.T, opener system.Opener, now func() time.Time) *tools.Dispatcher {
	t.Helper()
	d := tools.NewDispatcher()
	if err := d.Register(system.NewTools(opener, now)...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return d
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "example.com", want: "https://example.com"},
		{in: "  example.com/path ", want: "https://example.com/path"},
		{in: "http://example.com", want: "http://example.com"},
		{in: "HTTPS://Example.com", want: "HTTPS://Example.com"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := system.NormalizeURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeURL(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenWebsite_AddsScheme(t *testing.T) {
	t.Parallel()
	op := &recordingOpener{}
	d := dispatcher(t, op, nil)

	res := d.Dispatch(context.Background(), tools.Call{ID: "2", Name: "open_website", Args: json.RawMessage(`{"url":"example.com"}`)})
	if res.IsError() {
		t.Fatalf("response = %v", res.Response)
	}
	if res.Response["url"] != "https://example.com" || res.Response["status"] != "opened" {
		t.Errorf("response = %v", res.Response)
	}
	if len(op.urls) != 1 || op.urls[0] != "https://example.com" {
		t.Errorf("opened = %v, want [https://example.com]", op.urls)
	}
}

func TestOpenWebsite_OpenerError(t *testing.T) {
	t.Parallel()
	op := &recordingOpener{err: errors.New("no display")}
	d := dispatcher(t, op, nil)

	res := d.Dispatch(context.Background(), tools.Call{Name: "open_website", Args: json.RawMessage(`{"url":"example.com"}`)})
	if !res.IsError() {
		t.Fatalf("response = %v, want error", res.Response)
	}
}

func TestOpenWebsite_MissingURL(t *testing.T) {
	t.Parallel()
	op := &recordingOpener{}
	d := dispatcher(t, op, nil)

	res := d.Dispatch(context.Background(), tools.Call{Name: "open_website", Args: json.RawMessage(`{}`)})
	if !res.IsError() {
		t.Fatalf("response = %v, want error", res.Response)
	}
	if len(op.urls) != 0 {
		t.Errorf("opener called with %v", op.urls)
	}
}

func TestGetCurrentTime(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, time.March, 4, 13, 5, 9, 0, time.UTC)
	d := dispatcher(t, &recordingOpener{}, func() time.Time { return fixed })

	res := d.Dispatch(context.Background(), tools.Call{ID: "1", Name: "get_current_time"})
	if res.IsError() {
		t.Fatalf("response = %v", res.Response)
	}
	if got := res.Response["iso"]; got != "2026-03-04T13:05:09Z" {
		t.Errorf("iso = %v", got)
	}
	if got := res.Response["time"]; got != "Wednesday, March 4, 2026 13:05:09" {
		t.Errorf("time = %v", got)
	}
	if got := res.Response["timezone"]; got != "UTC" {
		t.Errorf("timezone = %v", got)
	}
}
