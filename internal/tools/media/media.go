// Package media provides the generative capabilities: still images and
// video clips.
//
// Two tools are exported via [NewTools]:
//   - "generate_image": render an image, published inline as a data URL.
//   - "generate_video": start a long-running video generation, poll it until
//     done, store the clip and publish its URL.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/pkg/provider/gemini"
	"github.com/MrWong99/jarvis/pkg/provider/live"
	"github.com/MrWong99/jarvis/pkg/types"
)

const (
	// DefaultAspectRatio is used when generate_image gets none.
	DefaultAspectRatio = "16:9"

	// DefaultPollInterval is the wait between video status checks.
	DefaultPollInterval = 3 * time.Second
)

// AspectRatios lists the accepted image aspect ratios.
var AspectRatios = []string{"1:1", "3:4", "4:3", "9:16", "16:9"}

// errNotDone marks a poll that found the operation still running.
var errNotDone = errors.New("media: video not ready")

// ImageGenerator renders images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, aspectRatio string) (*gemini.Image, error)
}

// VideoGenerator runs long-running video generations.
type VideoGenerator interface {
	StartVideo(ctx context.Context, prompt string) (*gemini.VideoOperation, error)
	PollVideo(ctx context.Context, op *gemini.VideoOperation) (*gemini.VideoOperation, error)
	DownloadVideo(ctx context.Context, op *gemini.VideoOperation) (*gemini.Video, error)
}

// Store persists binary assets and returns the URL they are served under.
type Store interface {
	Save(ctx context.Context, data []byte, mimeType string) (url string, err error)
}

// Config wires the media tools. Images, Videos and Store are required; Sink
// may be nil.
type Config struct {
	Images ImageGenerator
	Videos VideoGenerator
	Store  Store
	Sink   tools.MediaSink

	// PollInterval is the wait between video status checks.
	// Default: [DefaultPollInterval].
	PollInterval time.Duration

	// MaxPolls bounds the number of status checks. Zero means unbounded.
	MaxPolls int

	// MaxWait bounds the total polling time. Zero means unbounded.
	MaxWait time.Duration

	// Now is the clock for media timestamps. Default: time.Now.
	Now func() time.Time
}

type imageArgs struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
}

type imageResult struct {
	Status      string `json:"status"`
	AspectRatio string `json:"aspect_ratio"`
}

type videoArgs struct {
	Prompt string `json:"prompt"`
}

type videoResult struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

// AspectRatio validates r, returning [DefaultAspectRatio] for an empty value.
func AspectRatio(r string) (string, error) {
	r = strings.TrimSpace(r)
	if r == "" {
		return DefaultAspectRatio, nil
	}
	if !slices.Contains(AspectRatios, r) {
		return "", fmt.Errorf("%w: unsupported aspect ratio %q (want one of %s)", tools.ErrInvalidArgs, r, strings.Join(AspectRatios, ", "))
	}
	return r, nil
}

// DataURL encodes data as an RFC 2397 data URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func requirePrompt(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: prompt must not be empty", tools.ErrInvalidArgs)
	}
	return p, nil
}

// NewTools returns the media tool set.
func NewTools(cfg Config) []tools.Tool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = tools.MediaSinkFunc(func(types.MediaItem) {})
	}
	enum := make([]any, len(AspectRatios))
	for i, r := range AspectRatios {
		enum[i] = r
	}
	imageParams := tools.Object(map[string]string{"prompt": "A detailed description of the image."}, "prompt")
	imageParams["properties"].(map[string]any)["aspect_ratio"] = map[string]any{
		"type":        "string",
		"description": "Aspect ratio of the image. Defaults to 16:9.",
		"enum":        enum,
	}

	videoTimeout := time.Duration(-1)
	if cfg.MaxWait > 0 {
		videoTimeout = cfg.MaxWait + 2*time.Minute
	}

	return []tools.Tool{
		{
			Definition: live.FunctionDeclaration{
				Name:        "generate_image",
				Description: "Generate an image from a text description and show it to the user.",
				Parameters:  imageParams,
			},
			Remote:  true,
			Timeout: 2 * time.Minute,
			Handler: tools.Typed(func(ctx context.Context, a imageArgs) (imageResult, error) {
				prompt, err := requirePrompt(a.Prompt)
				if err != nil {
					return imageResult{}, err
				}
				ratio, err := AspectRatio(a.AspectRatio)
				if err != nil {
					return imageResult{}, err
				}
				img, err := cfg.Images.GenerateImage(ctx, prompt, ratio)
				if err != nil {
					return imageResult{}, err
				}
				cfg.Sink.Publish(types.MediaItem{
					ID:        uuid.NewString(),
					Type:      types.MediaImage,
					URL:       DataURL(img.MIMEType, img.Data),
					Content:   prompt,
					Metadata:  map[string]any{"aspect_ratio": ratio},
					Timestamp: cfg.Now(),
				})
				return imageResult{Status: "generated", AspectRatio: ratio}, nil
			}),
		},
		{
			Definition: live.FunctionDeclaration{
				Name:        "generate_video",
				Description: "Generate a short video clip from a text description. This takes a minute or more.",
				Parameters:  tools.Object(map[string]string{"prompt": "A detailed description of the video."}, "prompt"),
			},
			Remote:  true,
			Timeout: videoTimeout,
			Handler: tools.Typed(func(ctx context.Context, a videoArgs) (videoResult, error) {
				prompt, err := requirePrompt(a.Prompt)
				if err != nil {
					return videoResult{}, err
				}
				op, err := cfg.Videos.StartVideo(ctx, prompt)
				if err != nil {
					return videoResult{}, err
				}
				op, err = awaitVideo(ctx, cfg, op)
				if err != nil {
					return videoResult{}, err
				}
				video, err := cfg.Videos.DownloadVideo(ctx, op)
				if err != nil {
					return videoResult{}, err
				}
				url, err := cfg.Store.Save(ctx, video.Data, video.MIMEType)
				if err != nil {
					return videoResult{}, fmt.Errorf("media: store video: %w", err)
				}
				cfg.Sink.Publish(types.MediaItem{
					ID:        uuid.NewString(),
					Type:      types.MediaVideo,
					URL:       url,
					Content:   prompt,
					Metadata:  map[string]any{"operation": op.Name},
					Timestamp: cfg.Now(),
				})
				return videoResult{Status: "generated", URL: url}, nil
			}),
		},
	}
}

// awaitVideo polls op every cfg.PollInterval until it is done. The first
// check happens one interval after the start.
func awaitVideo(ctx context.Context, cfg Config, op *gemini.VideoOperation) (*gemini.VideoOperation, error) {
	log := observe.Logger(ctx).With("operation", op.Name)

	if !op.Done {
		b := retry.NewConstant(cfg.PollInterval)
		if cfg.MaxPolls > 0 {
			b = retry.WithMaxRetries(uint64(cfg.MaxPolls-1), b)
		}
		if cfg.MaxWait > 0 {
			b = retry.WithMaxDuration(cfg.MaxWait, b)
		}

		timer := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		checks := 0
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			checks++
			next, err := cfg.Videos.PollVideo(ctx, op)
			if err != nil {
				return err
			}
			op = next
			if !op.Done {
				log.Debug("video still generating", "checks", checks)
				return retry.RetryableError(errNotDone)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, errNotDone) {
				return nil, fmt.Errorf("media: video not ready after %d checks: %w", checks, err)
			}
			return nil, err
		}
		log.Debug("video generation finished", "checks", checks)
	}

	if op.Err != nil {
		return nil, op.Err
	}
	return op, nil
}
