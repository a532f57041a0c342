package gallery_test

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/MrWong99/jarvis/internal/gallery"
	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/internal/tools/media"
	"github.com/MrWong99/jarvis/pkg/types"
)

var (
	_ tools.MediaSink = (*gallery.Gallery)(nil)
	_ media.Store     = (*gallery.Gallery)(nil)
)

func TestPublish_NewestFirstAndNotify(t *testing.T) {
	t.Parallel()
	var notified []string
	g, err := gallery.New(t.TempDir(), gallery.WithNotify(func(it types.MediaItem) {
		notified = append(notified, it.ID)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	g.Publish(types.MediaItem{ID: "1"})
	g.Publish(types.MediaItem{ID: "2"})

	items := g.Items()
	if len(items) != 2 || items[0].ID != "2" || items[1].ID != "1" {
		t.Errorf("items = %+v, want newest first", items)
	}
	if strings.Join(notified, ",") != "1,2" {
		t.Errorf("notified = %v", notified)
	}
}

func TestPublish_Bounded(t *testing.T) {
	t.Parallel()
	g, err := gallery.New(t.TempDir(), gallery.WithMaxItems(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		g.Publish(types.MediaItem{ID: id})
	}
	items := g.Items()
	if len(items) != 2 || items[0].ID != "c" || items[1].ID != "b" {
		t.Errorf("items = %+v, want c,b", items)
	}
}

func TestSave_ServedFromFS(t *testing.T) {
	t.Parallel()
	g, err := gallery.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	url, err := g.Save(context.Background(), []byte("clip"), "video/mp4")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(url, gallery.URLPrefix) || !strings.HasSuffix(url, ".mp4") {
		t.Fatalf("url = %q", url)
	}
	data, err := fs.ReadFile(g.FS(), strings.TrimPrefix(url, gallery.URLPrefix))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "clip" {
		t.Errorf("data = %q", data)
	}

	other, _ := g.Save(context.Background(), []byte("x"), "application/x-unknown")
	if !strings.HasSuffix(other, ".bin") || other == url {
		t.Errorf("other = %q", other)
	}
}

func TestNew_EmptyDir(t *testing.T) {
	t.Parallel()
	if _, err := gallery.New(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
