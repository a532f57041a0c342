// Package fileio exposes the user's active context file to the model.
//
// One tool is exported via [NewTools]:
//   - "read_active_file": return the text of the file the user has loaded,
//     truncated to a fixed number of characters.
package fileio

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/pkg/provider/live"
	"github.com/MrWong99/jarvis/pkg/types"
)

const (
	// DefaultMaxChars is the read limit used when none is configured.
	DefaultMaxChars = 30000

	// TruncationMarker is appended to content cut at the limit.
	TruncationMarker = "\n...[truncated]"
)

// ErrNoActiveFile is returned when no context file is loaded.
var ErrNoActiveFile = errors.New("fileio: no active file is loaded")

// Source supplies the active context file.
type Source interface {
	ActiveFile() (types.ContextFile, bool)
}

type readResult struct {
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Truncate cuts s to at most maxChars characters, appending
// [TruncationMarker] when anything was removed.
func Truncate(s string, maxChars int) (string, bool) {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s, false
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i] + TruncationMarker, true
		}
		n++
	}
	return s, false
}

// NewTools returns the file tool set reading from src. maxChars of zero uses
// [DefaultMaxChars].
func NewTools(src Source, maxChars int) []tools.Tool {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return []tools.Tool{
		{
			Definition: live.FunctionDeclaration{
				Name:        "read_active_file",
				Description: "Read the content of the file the user has currently loaded into the assistant.",
				Parameters:  tools.Object(nil),
			},
			Handler: tools.Typed(func(ctx context.Context, _ struct{}) (readResult, error) {
				if err := ctx.Err(); err != nil {
					return readResult{}, err
				}
				f, ok := src.ActiveFile()
				if !ok {
					return readResult{}, ErrNoActiveFile
				}
				content, truncated := Truncate(f.Content, maxChars)
				return readResult{
					Name:      f.Name,
					MIMEType:  f.MIMEType,
					Content:   content,
					Truncated: truncated,
				}, nil
			}),
		},
	}
}
