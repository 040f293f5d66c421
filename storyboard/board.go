// Package storyboard holds the ordered shot sequence and drives the
// three-phase generation pipeline plus every per-shot operation, including
// the adjacency invalidation rules that keep transition prompts honest when
// a shot's image changes.
package storyboard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"storyboard-pipeline/imaging"
	"storyboard-pipeline/provider"
	"storyboard-pipeline/retry"
	"storyboard-pipeline/types"
)

// Invalidation details recorded on shots when an adjacency-relevant change
// happens. The state itself lives in Shot.PromptState; these are for users.
const (
	detailImageChanged    = "a shot image this transition depends on was regenerated or replaced"
	detailAdjacentDeleted = "an adjacent shot was deleted"
	detailNoImage         = "cannot generate: the shot has no image"
)

// Board is the storyboard state machine. Batch operations must be serialized
// through TryBegin/End; per-shot operations assume no batch is running.
type Board struct {
	Project *types.Project

	lang   provider.Language
	img    provider.Image
	policy *retry.Policy

	mu   sync.Mutex
	busy bool
}

// New creates an empty board bound to the given capabilities.
func New(lang provider.Language, img provider.Image, policy *retry.Policy) *Board {
	return &Board{
		Project: &types.Project{AspectRatio: "16:9", Mode: types.ModeStorytelling},
		lang:    lang,
		img:     img,
		policy:  policy,
	}
}

// TryBegin claims the batch gate. It returns false when another batch
// operation is already running.
func (b *Board) TryBegin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy {
		return false
	}
	b.busy = true
	return true
}

// End releases the batch gate.
func (b *Board) End() {
	b.mu.Lock()
	b.busy = false
	b.mu.Unlock()
}

// Replace swaps in a freshly loaded project.
func (b *Board) Replace(p *types.Project) {
	b.Project = p
}

func (b *Board) shotAt(idx int) (*types.Shot, error) {
	if idx < 0 || idx >= len(b.Project.Shots) {
		return nil, fmt.Errorf("shot index %d out of range (have %d shots)", idx, len(b.Project.Shots))
	}
	return b.Project.Shots[idx], nil
}

func (b *Board) prevVisible(idx int) int { return b.Project.PrevVisible(idx) }

func (b *Board) nextVisible(idx int) int { return b.Project.NextVisible(idx) }

func (b *Board) isTerminal(idx int) bool { return b.Project.IsTerminal(idx) }

// invalidate marks one shot's video prompt invalidated. Prompts that never
// reached success have nothing to invalidate.
func invalidate(s *types.Shot, detail string) {
	if s.PromptState != types.PromptSuccess {
		return
	}
	s.PromptState = types.PromptInvalidated
	s.StateDetail = detail
}

// invalidateAdjacent invalidates the transition prompts that reference shot
// idx's image as an endpoint: the shot itself and the nearest preceding
// non-deleted shot.
func (b *Board) invalidateAdjacent(idx int, detail string) {
	invalidate(b.Project.Shots[idx], detail)
	if prev := b.prevVisible(idx); prev >= 0 {
		invalidate(b.Project.Shots[prev], detail)
	}
}

// setImage stores new pixels on a shot and applies adjacency invalidation.
// Every image change invalidates both transitions that use it as an
// endpoint, upscale included.
func (b *Board) setImage(idx int, data []byte) {
	b.Project.Shots[idx].Image = data
	b.invalidateAdjacent(idx, detailImageChanged)
}

// cropOrKeep normalizes data to the project ratio, falling back to the
// uncropped source when it cannot be decoded.
func (b *Board) cropOrKeep(data []byte) []byte {
	cropped, err := imaging.CropToRatio(data, b.Project.AspectRatio)
	if err != nil {
		var nerr *imaging.NormalizationError
		if errors.As(err, &nerr) {
			logrus.Warnf("[storyboard] %v — keeping uncropped source", err)
			return data
		}
		logrus.Warnf("[storyboard] crop failed: %v — keeping uncropped source", err)
		return data
	}
	return cropped
}

func referenceData(refs []*types.ReferenceImage) [][]byte {
	out := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.Data)
	}
	return out
}

// RegenerateImage rebuilds one shot's image from the reference set.
func (b *Board) RegenerateImage(ctx context.Context, idx int) error {
	shot, err := b.shotAt(idx)
	if err != nil {
		return err
	}
	refs := b.Project.References
	prompt := finalImagePrompt(shot.ImagePrompt, b.Project.AspectRatio, b.Project.Mode, refs)

	data, usedPrompt, genErr := b.policy.GenerateImage(ctx, b.lang, b.img, referenceData(refs), prompt)
	if usedPrompt != prompt {
		// The safety rewrite replaced the prompt; keep the rewritten text.
		shot.ImagePrompt = usedPrompt
	}
	if genErr != nil {
		return genErr
	}
	b.setImage(idx, b.cropOrKeep(data))
	return nil
}

// ReplaceImage stores a user-supplied image on the shot.
func (b *Board) ReplaceImage(idx int, data []byte) error {
	if _, err := b.shotAt(idx); err != nil {
		return err
	}
	b.setImage(idx, b.cropOrKeep(data))
	return nil
}

// ExtendFromPrevious regenerates a shot using the previous visible shot's
// generated image as the primary visual reference, for continuity-sensitive
// edits.
func (b *Board) ExtendFromPrevious(ctx context.Context, idx int) error {
	shot, err := b.shotAt(idx)
	if err != nil {
		return err
	}
	prev := b.prevVisible(idx)
	if prev < 0 {
		return fmt.Errorf("shot %d has no preceding shot to extend from", shot.Ordinal)
	}
	prevShot := b.Project.Shots[prev]
	if !prevShot.HasImage() {
		return fmt.Errorf("shot %d cannot extend: shot %d has no image", shot.Ordinal, prevShot.Ordinal)
	}

	prompt := extendPrompt(shot.ImagePrompt)
	data, usedPrompt, genErr := b.policy.GenerateImage(ctx, b.lang, b.img,
		[][]byte{prevShot.Image}, prompt)
	if usedPrompt != prompt {
		shot.ImagePrompt = usedPrompt
	}
	if genErr != nil {
		return genErr
	}
	b.setImage(idx, b.cropOrKeep(data))
	return nil
}

// Upscale regenerates the shot at higher fidelity using its current image as
// the sole reference. The result is stored without re-cropping; adjacency
// invalidation still applies.
func (b *Board) Upscale(ctx context.Context, idx int) error {
	shot, err := b.shotAt(idx)
	if err != nil {
		return err
	}
	if !shot.HasImage() {
		return fmt.Errorf("shot %d has no image to upscale", shot.Ordinal)
	}
	data, _, genErr := b.policy.GenerateImage(ctx, b.lang, b.img, [][]byte{shot.Image}, upscalePrompt)
	if genErr != nil {
		return genErr
	}
	b.setImage(idx, data)
	return nil
}

// Delete soft-deletes a shot and invalidates the two transition prompts that
// referenced it, with the deletion-specific detail.
func (b *Board) Delete(idx int) error {
	shot, err := b.shotAt(idx)
	if err != nil {
		return err
	}
	if shot.Deleted {
		return nil
	}
	shot.Deleted = true
	invalidate(shot, detailAdjacentDeleted)
	if prev := b.prevVisible(idx); prev >= 0 {
		invalidate(b.Project.Shots[prev], detailAdjacentDeleted)
	}
	return nil
}

// Undelete restores a soft-deleted shot.
func (b *Board) Undelete(idx int) error {
	shot, err := b.shotAt(idx)
	if err != nil {
		return err
	}
	shot.Deleted = false
	return nil
}
