// Package provider abstracts the generative backends behind three
// capabilities: text completion, reference-conditioned image synthesis and
// job-queue video synthesis. Concrete clients are chosen once by the factory,
// never by per-call-site branching.
package provider

import (
	"context"
	"fmt"
	"os"

	"storyboard-pipeline/config"
)

// CompleteOptions tunes a single Language call.
type CompleteOptions struct {
	// JSONMode asks for a JSON reply. Backends without schema support fall
	// back to a plain JSON-object mode.
	JSONMode bool
	// Schema is an optional JSON schema for structured output.
	Schema any
	// Vision carries conditioning images for backends that support them.
	Vision [][]byte
}

// Language is a text/JSON completion capability.
type Language interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
	// SupportsVision reports whether Vision parts are honored.
	SupportsVision() bool
}

// Image is a reference-image-conditioned image synthesis capability.
type Image interface {
	Generate(ctx context.Context, refs [][]byte, prompt string) ([]byte, error)
}

// PollState is the outcome of one poll step against the video job queue.
type PollState int

const (
	PollPending PollState = iota
	PollDone
	PollFailed
)

// OutputLocation identifies a finished job's artifact on the backend.
type OutputLocation struct {
	Filename  string
	Subfolder string
	Type      string
}

// PollResult is one observation of a submitted job.
type PollResult struct {
	State  PollState
	Output OutputLocation
	Reason string
}

// Video is an asynchronous image-pair-conditioned video synthesis capability.
type Video interface {
	// UploadInput stores a conditioning image on the backend and returns the
	// name to reference it by in a job description.
	UploadInput(ctx context.Context, name string, data []byte) (string, error)
	// Submit enqueues a job. An empty endImage selects single-image terminal mode:
	// the end-frame binding is removed from the job entirely, not nulled.
	Submit(ctx context.Context, startImage, endImage string, prompt string) (*Job, error)
	// Poll performs one poll step.
	Poll(ctx context.Context, job *Job) (PollResult, error)
	// Fetch downloads a finished job's artifact.
	Fetch(ctx context.Context, loc OutputLocation) ([]byte, error)
}

// Set bundles one client per capability.
type Set struct {
	Language Language
	Image    Image
	Video    Video
}

// New builds the capability set from configuration. The language backend is
// keyed on cfg.Providers.Language; image synthesis always uses the multimodal
// client; video always uses the job-queue client.
func New(cfg *config.Config) (*Set, error) {
	gemini := newGeminiClient(cfg.Providers.Gemini, os.Getenv("GEMINI_API_KEY"))

	var lang Language
	switch cfg.Providers.Language {
	case "", "gemini":
		lang = gemini
	case "chat":
		lang = newChatClient(cfg.Providers.Chat, os.Getenv("OPENAI_API_KEY"))
	default:
		return nil, fmt.Errorf("unknown language provider %q", cfg.Providers.Language)
	}

	video, err := newComfyClient(cfg.Video)
	if err != nil {
		return nil, err
	}

	return &Set{Language: lang, Image: gemini, Video: video}, nil
}
