package grounded_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/internal/tools/grounded"
)

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIPLocator_Formats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"latitude/longitude", `{"ip":"1.2.3.4","latitude":48.1,"longitude":11.6}`},
		{"lat/lon", `{"status":"success","lat":48.1,"lon":11.6}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := jsonServer(t, http.StatusOK, tt.body)
			ll, err := grounded.NewIPLocator(srv.Client(), srv.URL).Locate(context.Background())
			if err != nil {
				t.Fatalf("Locate: %v", err)
			}
			if ll.Latitude != 48.1 || ll.Longitude != 11.6 {
				t.Errorf("got %+v", ll)
			}
		})
	}
}

func TestIPLocator_FallsBack(t *testing.T) {
	t.Parallel()
	broken := jsonServer(t, http.StatusTooManyRequests, `{"error":true}`)
	good := jsonServer(t, http.StatusOK, `{"lat":1,"lon":2}`)

	ll, err := grounded.NewIPLocator(nil, broken.URL, good.URL).Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if ll.Latitude != 1 || ll.Longitude != 2 {
		t.Errorf("got %+v", ll)
	}
}

func TestIPLocator_NoCoordinates(t *testing.T) {
	t.Parallel()
	srv := jsonServer(t, http.StatusOK, `{"ip":"1.2.3.4"}`)

	_, err := grounded.NewIPLocator(srv.Client(), srv.URL).Locate(context.Background())
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestIPLocator_RespectsDeadline(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := grounded.NewIPLocator(srv.Client(), srv.URL).Locate(ctx); err == nil {
		t.Fatal("expected an error after the deadline")
	}
}
