package storyboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/sirupsen/logrus"

	"storyboard-pipeline/provider"
	"storyboard-pipeline/retry"
	"storyboard-pipeline/types"
)

// GenerateRequest parameterizes one full pipeline run.
type GenerateRequest struct {
	Outline     string                `json:"outline"`
	ShotCount   int                   `json:"shotCount"`
	AspectRatio string                `json:"aspectRatio"`
	Mode        types.GenerationMode  `json:"mode"`
	Options     types.PerImageOptions `json:"options"`
}

// promptDraft is the structured output of the Phase 1 drafting call.
type promptDraft struct {
	Prompts []string `json:"prompts" jsonschema_description:"Ordered image generation prompts, one per shot, in narrative order"`
}

// generateSchema builds a structured-output schema the way the chat backends
// expect it.
func generateSchema[T any]() any {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

var promptDraftSchema = generateSchema[promptDraft]()

// Generate runs the full three-phase pipeline: prompt drafting, image
// synthesis, video-prompt synthesis. Phase 1 failure aborts the run; phase
// 2/3 failures are recorded per shot and the run continues.
func (b *Board) Generate(ctx context.Context, req GenerateRequest) (*types.BatchReport, error) {
	if req.ShotCount <= 0 {
		return nil, fmt.Errorf("shot count must be positive, got %d", req.ShotCount)
	}

	b.Project.Outline = req.Outline
	b.Project.ShotCount = req.ShotCount
	if req.AspectRatio != "" {
		b.Project.AspectRatio = req.AspectRatio
	}
	if req.Mode != "" {
		b.Project.Mode = req.Mode
	}
	b.Project.Options = req.Options

	// Phase 1 — prompt drafting. Without prompts no partial storyboard is
	// usable, so failure aborts the whole run.
	logrus.Infof("[storyboard] phase 1: drafting %d image prompts", req.ShotCount)
	prompts, err := b.draftPrompts(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("prompt drafting failed: %w", err)
	}

	b.Project.Shots = make([]*types.Shot, req.ShotCount)
	for i := range b.Project.Shots {
		b.Project.Shots[i] = &types.Shot{Ordinal: i + 1, ImagePrompt: prompts[i]}
	}
	b.Project.Videos = nil

	report := &types.BatchReport{}
	pacer := retry.NewPacer()

	// Phase 2 — image synthesis, strictly in display order. A failed shot is
	// left without an image and the run continues.
	logrus.Infof("[storyboard] phase 2: generating %d shot images", req.ShotCount)
	for i, shot := range b.Project.Shots {
		err := b.generateShotImage(ctx, i)
		pacer.Tick()
		if err != nil {
			logrus.Warnf("[storyboard] shot %d image failed: %v", shot.Ordinal, err)
			report.Record(shot.Ordinal, err)
			continue
		}
		logrus.Infof("[storyboard] shot %d image ready", shot.Ordinal)
		report.Record(shot.Ordinal, nil)
	}

	// Phase 3 — video-prompt synthesis.
	logrus.Info("[storyboard] phase 3: generating transition prompts")
	b.generateAllVideoPrompts(ctx, report, pacer)

	logrus.Infof("[storyboard] pipeline done: %d ok, %d failed", report.Succeeded, report.Failed)
	return report, nil
}

func (b *Board) draftPrompts(ctx context.Context, req GenerateRequest) ([]string, error) {
	prompt := draftingPrompt(req.Outline, req.ShotCount, b.Project.Mode, req.Options, b.Project.References)

	opts := provider.CompleteOptions{JSONMode: true, Schema: promptDraftSchema}
	raw, err := b.policy.Complete(ctx, b.lang, prompt, opts)
	if err != nil {
		return nil, err
	}

	var draft promptDraft
	if err := json.Unmarshal([]byte(stripFences(raw)), &draft); err != nil {
		return nil, fmt.Errorf("malformed drafting response: %w", err)
	}
	if len(draft.Prompts) < req.ShotCount {
		return nil, fmt.Errorf("drafting returned %d prompts, want %d", len(draft.Prompts), req.ShotCount)
	}
	return draft.Prompts[:req.ShotCount], nil
}

// generateShotImage runs Phase 2 for a single shot: build the final prompt,
// generate through the retry policy, crop to the project ratio.
func (b *Board) generateShotImage(ctx context.Context, idx int) error {
	shot := b.Project.Shots[idx]
	refs := b.Project.References
	prompt := finalImagePrompt(shot.ImagePrompt, b.Project.AspectRatio, b.Project.Mode, refs)

	data, usedPrompt, err := b.policy.GenerateImage(ctx, b.lang, b.img, referenceData(refs), prompt)
	if usedPrompt != prompt {
		shot.ImagePrompt = usedPrompt
	}
	if err != nil {
		return err
	}
	shot.Image = b.cropOrKeep(data)
	return nil
}

// generateAllVideoPrompts runs Phase 3 across every non-deleted shot in
// order. Per-shot failures are recorded and the loop continues.
func (b *Board) generateAllVideoPrompts(ctx context.Context, report *types.BatchReport, pacer *retry.Pacer) {
	for i, shot := range b.Project.Shots {
		if shot.Deleted {
			continue
		}
		if !shot.HasImage() {
			shot.PromptState = types.PromptFailed
			shot.StateDetail = detailNoImage
			report.Record(shot.Ordinal, fmt.Errorf("%s", detailNoImage))
			continue
		}
		err := b.generateVideoPrompt(ctx, i)
		pacer.Tick()
		report.Record(shot.Ordinal, err)
	}
}

// generateVideoPrompt runs the Phase 3 per-shot logic for one shot: a
// vision-augmented language call over this shot's image and the next visible
// shot's image, or the terminal template when no visible shot follows.
func (b *Board) generateVideoPrompt(ctx context.Context, idx int) error {
	shot, err := b.shotAt(idx)
	if err != nil {
		return err
	}
	if !shot.HasImage() {
		shot.PromptState = types.PromptFailed
		shot.StateDetail = detailNoImage
		return fmt.Errorf("%s", detailNoImage)
	}

	var prompt string
	vision := [][]byte{shot.Image}
	if b.isTerminal(idx) {
		prompt = terminalPrompt(b.Project.Outline)
	} else {
		next := b.Project.Shots[b.nextVisible(idx)]
		if !next.HasImage() {
			shot.PromptState = types.PromptFailed
			shot.StateDetail = fmt.Sprintf("cannot generate: shot %d has no image", next.Ordinal)
			return fmt.Errorf("%s", shot.StateDetail)
		}
		prompt = transitionPrompt(b.Project.Outline)
		vision = append(vision, next.Image)
	}

	return b.completeVideoPrompt(ctx, shot, prompt, vision)
}

// completeVideoPrompt issues the language call and records the outcome on
// the shot.
func (b *Board) completeVideoPrompt(ctx context.Context, shot *types.Shot, prompt string, vision [][]byte) error {
	opts := provider.CompleteOptions{}
	if b.lang.SupportsVision() {
		opts.Vision = vision
	} else {
		// Text-only backend: fall back to describing the frames by their
		// image prompts.
		prompt += "\n\n(The frames cannot be attached; their generation prompts follow.)\n" + shot.ImagePrompt
	}

	text, err := b.policy.Complete(ctx, b.lang, prompt, opts)
	if err != nil {
		shot.PromptState = types.PromptFailed
		shot.StateDetail = err.Error()
		return err
	}
	shot.VideoPrompt = strings.TrimSpace(text)
	shot.PromptState = types.PromptSuccess
	shot.StateDetail = ""
	return nil
}

// RegenerateVideoPrompt re-runs Phase 3 for one shot.
func (b *Board) RegenerateVideoPrompt(ctx context.Context, idx int) error {
	return b.generateVideoPrompt(ctx, idx)
}

// OptimizeVideoPrompt regenerates one shot's video prompt conditioned on its
// current (possibly hand-edited) text as a creative seed.
func (b *Board) OptimizeVideoPrompt(ctx context.Context, idx int) error {
	shot, err := b.shotAt(idx)
	if err != nil {
		return err
	}
	if shot.VideoPrompt == "" {
		return fmt.Errorf("shot %d has no video prompt to optimize", shot.Ordinal)
	}
	return b.completeVideoPrompt(ctx, shot, optimizePrompt(shot.VideoPrompt, b.Project.Outline), nil)
}

// Review runs the script-supervisor pass for one shot: cross-check the video
// prompt against the declared subjects and the outline, preserving motion.
func (b *Board) Review(ctx context.Context, idx int) error {
	shot, err := b.shotAt(idx)
	if err != nil {
		return err
	}
	if shot.VideoPrompt == "" || shot.PromptState != types.PromptSuccess {
		return fmt.Errorf("shot %d has no reviewable video prompt", shot.Ordinal)
	}
	return b.completeVideoPrompt(ctx, shot,
		reviewPrompt(shot.VideoPrompt, b.Project.Outline, b.Project.References), nil)
}

// ReviewAll runs the supervisor pass over every shot with a usable prompt,
// under the batch pacing policy.
func (b *Board) ReviewAll(ctx context.Context) *types.BatchReport {
	report := &types.BatchReport{}
	pacer := retry.NewPacer()
	for i, shot := range b.Project.Shots {
		if shot.Deleted || shot.PromptState != types.PromptSuccess {
			continue
		}
		err := b.Review(ctx, i)
		pacer.Tick()
		report.Record(shot.Ordinal, err)
	}
	return report
}

// FixAllFailed re-runs Phase 3 only for shots currently in an error state.
func (b *Board) FixAllFailed(ctx context.Context) *types.BatchReport {
	report := &types.BatchReport{}
	pacer := retry.NewPacer()
	for i, shot := range b.Project.Shots {
		if shot.Deleted || !shot.PromptState.IsError() {
			continue
		}
		err := b.generateVideoPrompt(ctx, i)
		pacer.Tick()
		report.Record(shot.Ordinal, err)
	}
	return report
}

// stripFences removes a markdown code fence wrapper some language backends
// insist on adding around JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
