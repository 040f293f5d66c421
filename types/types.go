package types

import "time"

// GenerationMode selects the composition and style instructions used when
// drafting image prompts for a storyboard.
type GenerationMode string

const (
	ModeCharacterCloseup GenerationMode = "character_closeup"
	ModeCharacterInScene GenerationMode = "character_in_scene"
	ModeObjectCloseup    GenerationMode = "object_closeup"
	ModeStorytelling     GenerationMode = "storytelling_scene"
	ModeStylized         GenerationMode = "stylized"
	ModeFreestyle        GenerationMode = "freestyle"
)

// PromptState is the lifecycle state of a shot's video prompt. The state is
// set at the point of mutation; the human-readable text lives in
// Shot.VideoPrompt and never encodes the state.
type PromptState int

const (
	PromptPending PromptState = iota
	PromptSuccess
	PromptInvalidated
	PromptFailed
)

func (s PromptState) String() string {
	switch s {
	case PromptSuccess:
		return "success"
	case PromptInvalidated:
		return "invalidated"
	case PromptFailed:
		return "failed"
	default:
		return "pending"
	}
}

// IsError reports whether the prompt needs regeneration before it can be used
// for video synthesis.
func (s PromptState) IsError() bool {
	return s == PromptInvalidated || s == PromptFailed
}

// ReferenceImage is an uploaded conditioning image. Tag is a free-text label
// (usually a character name) used to ground generation prompts.
type ReferenceImage struct {
	ID   string `json:"id"`
	Data []byte `json:"-"`
	Tag  string `json:"tag"`
}

// Shot is one storyboard unit: a still image, the prompt that produced it and
// the prompt describing the transition to the next shot.
type Shot struct {
	Ordinal     int         `json:"ordinal"`
	ImagePrompt string      `json:"imagePrompt"`
	VideoPrompt string      `json:"videoPrompt"`
	PromptState PromptState `json:"promptState"`
	// StateDetail carries the reason for an invalidated/failed prompt
	// ("image changed", "adjacent shot deleted", ...).
	StateDetail string `json:"stateDetail,omitempty"`
	Image       []byte `json:"-"`
	Deleted     bool   `json:"isDeleted"`
}

// HasImage reports whether image synthesis has produced pixels for this shot.
func (s *Shot) HasImage() bool { return len(s.Image) > 0 }

// VideoAsset is one generated transition video. Assets are superseded, never
// mutated: a regeneration creates a new asset with a higher Version and the
// old local copy is released after a safety delay. Locator, Subfolder and
// Kind together address the artifact on the backend, so a re-download works
// even when the backend wrote into a subfolder.
type VideoAsset struct {
	ShotOrdinal int       `json:"ordinal"`
	Locator     string    `json:"providerLocator"`
	Subfolder   string    `json:"providerSubfolder,omitempty"`
	Kind        string    `json:"providerType,omitempty"`
	LocalPath   string    `json:"-"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PerImageOptions are the per-run toggles that shape prompt drafting.
type PerImageOptions struct {
	IndependentScenes bool `json:"independentScenesMode"`
	FacePriority      bool `json:"facePriority"`
}

// Project aggregates everything needed to rebuild a storyboard session.
type Project struct {
	AspectRatio string            `json:"aspectRatio"`
	Outline     string            `json:"outline"`
	ShotCount   int               `json:"shotCount"`
	Mode        GenerationMode    `json:"mode"`
	Options     PerImageOptions   `json:"perImageOptions"`
	References  []*ReferenceImage `json:"references"`
	Shots       []*Shot           `json:"shots"`
	Videos      []*VideoAsset     `json:"videos,omitempty"`
}

// PrevVisible returns the index of the nearest preceding non-deleted shot,
// or -1.
func (p *Project) PrevVisible(idx int) int {
	for i := idx - 1; i >= 0; i-- {
		if !p.Shots[i].Deleted {
			return i
		}
	}
	return -1
}

// NextVisible returns the index of the next non-deleted shot after idx,
// or -1.
func (p *Project) NextVisible(idx int) int {
	for i := idx + 1; i < len(p.Shots); i++ {
		if !p.Shots[i].Deleted {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether idx is the last non-deleted shot; trailing
// deleted shots do not count.
func (p *Project) IsTerminal(idx int) bool {
	return p.NextVisible(idx) == -1
}

// BatchReport summarizes an aggregate operation across many shots.
type BatchReport struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	// Failures maps shot ordinal to the recorded error.
	Failures map[int]string `json:"failures,omitempty"`
}

// Record notes the outcome of one shot's work inside a batch.
func (r *BatchReport) Record(ordinal int, err error) {
	if err == nil {
		r.Succeeded++
		return
	}
	if r.Failures == nil {
		r.Failures = make(map[int]string)
	}
	r.Failed++
	r.Failures[ordinal] = err.Error()
}
