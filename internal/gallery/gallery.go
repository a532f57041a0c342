// Package gallery collects the media items produced during a run and stores
// the binary assets that are too large to inline.
//
// [Gallery] implements tools.MediaSink (it records items and forwards them to
// an optional notifier) and media.Store (it writes assets into a directory and
// returns the URL they are served under). Items are kept in memory only.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/jarvis/pkg/types"
)

// URLPrefix is the path under which stored assets are served.
const URLPrefix = "/media/"

// DefaultMaxItems bounds the in-memory item list.
const DefaultMaxItems = 200

var extensions = map[string]string{
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Option configures a [Gallery].
type Option func(*Gallery)

// WithNotify calls fn for every published item, after it is recorded.
func WithNotify(fn func(types.MediaItem)) Option {
	return func(g *Gallery) { g.notify = fn }
}

// WithMaxItems bounds the number of retained items.
func WithMaxItems(n int) Option {
	return func(g *Gallery) {
		if n > 0 {
			g.maxItems = n
		}
	}
}

// Gallery is safe for concurrent use.
type Gallery struct {
	dir      string
	maxItems int
	notify   func(types.MediaItem)

	mu    sync.RWMutex
	items []types.MediaItem
}

// New creates a Gallery storing assets under dir, which is created if needed.
func New(dir string, opts ...Option) (*Gallery, error) {
	if dir == "" {
		return nil, errors.New("gallery: media directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gallery: create %s: %w", dir, err)
	}
	g := &Gallery{dir: dir, maxItems: DefaultMaxItems}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Publish records item and notifies.
func (g *Gallery) Publish(item types.MediaItem) {
	g.mu.Lock()
	g.items = append(g.items, item)
	if over := len(g.items) - g.maxItems; over > 0 {
		g.items = append([]types.MediaItem(nil), g.items[over:]...)
	}
	g.mu.Unlock()

	if g.notify != nil {
		g.notify(item)
	}
}

// Items returns the recorded items, newest first.
func (g *Gallery) Items() []types.MediaItem {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.MediaItem, len(g.items))
	for i, it := range g.items {
		out[len(g.items)-1-i] = it
	}
	return out
}

// Save writes data to a new file and returns its URL.
func (g *Gallery) Save(ctx context.Context, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext, ok := extensions[mimeType]
	if !ok {
		ext = ".bin"
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(g.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("gallery: write %s: %w", name, err)
	}
	return URLPrefix + name, nil
}

// FS exposes the stored assets for serving.
func (g *Gallery) FS() fs.FS {
	return os.DirFS(g.dir)
}
