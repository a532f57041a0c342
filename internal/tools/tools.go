// Package tools executes the capabilities the voice model may call during a
// session.
//
// Capabilities are registered as [Tool] values on a [Dispatcher]. Each
// capability package (system, fileio, grounded, media) exports a NewTools
// constructor returning the tools it provides. The dispatcher looks the call up
// by name, decodes its arguments, runs it and normalises whatever comes back
// into a [Result] whose response is always a JSON object. Failures never cross
// the dispatcher boundary: they become {"error": "..."} responses.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/jarvis/pkg/provider/live"
	"github.com/MrWong99/jarvis/pkg/types"
)

var (
	// ErrToolExecution wraps every failure raised inside a capability.
	ErrToolExecution = errors.New("tools: execution failed")

	// ErrInvalidArgs is returned by [Typed] handlers when the call arguments
	// do not decode into the handler's argument type.
	ErrInvalidArgs = errors.New("tools: invalid arguments")
)

// Call is one tool invocation. ID must be echoed in the [Result].
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Result answers a [Call]. Response is never nil.
type Result struct {
	ID       string
	Name     string
	Response map[string]any
}

// IsError reports whether the result carries an error response.
func (r Result) IsError() bool {
	_, ok := r.Response["error"]
	return ok
}

// Handler runs a capability. The returned value is normalised into a JSON
// object: maps and structs are used as-is, any other value is wrapped as
// {"result": v}. Handlers must be safe for concurrent use and respect ctx.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a capability ready for registration.
type Tool struct {
	// Definition is the declaration advertised to the model.
	Definition live.FunctionDeclaration

	// Handler executes the capability.
	Handler Handler

	// Remote marks capabilities that call a remote service. Remote tools run
	// behind a per-tool circuit breaker.
	Remote bool

	// Timeout bounds one execution. Zero uses the dispatcher default; a
	// negative value disables the bound.
	Timeout time.Duration
}

// MediaSink receives media items produced by capabilities.
type MediaSink interface {
	Publish(item types.MediaItem)
}

// MediaSinkFunc adapts a function to [MediaSink].
type MediaSinkFunc func(item types.MediaItem)

// Publish implements [MediaSink].
func (f MediaSinkFunc) Publish(item types.MediaItem) { f(item) }

// Typed adapts a strongly typed function into a [Handler]. Empty or null
// arguments decode to the zero value of A.
func Typed[A, R any](fn func(ctx context.Context, args A) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
			}
		}
		return fn(ctx, args)
	}
}

// Object builds a JSON Schema object with the given string properties. Each
// entry maps a property name to its description; required lists the mandatory
// ones.
func Object(props map[string]string, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// normalise turns a handler's return value into a response object.
func normalise(v any) (map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return map[string]any{"result": "ok"}, nil
	case map[string]any:
		if x == nil {
			return map[string]any{"result": "ok"}, nil
		}
		return x, nil
	case string:
		return map[string]any{"result": x}, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj, nil
	}
	var scalar any
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return map[string]any{"result": scalar}, nil
}

func errorResponse(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
