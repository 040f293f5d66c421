package storyboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"storyboard-pipeline/provider"
	"storyboard-pipeline/retry"
	"storyboard-pipeline/types"
)

type fakeLang struct {
	complete func(prompt string, opts provider.CompleteOptions) (string, error)
	vision   bool
	calls    []string
}

func (f *fakeLang) Complete(_ context.Context, prompt string, opts provider.CompleteOptions) (string, error) {
	f.calls = append(f.calls, prompt)
	if f.complete != nil {
		return f.complete(prompt, opts)
	}
	return "a generated prompt", nil
}

func (f *fakeLang) SupportsVision() bool { return f.vision }

type fakeImg struct {
	generate func(refs [][]byte, prompt string) ([]byte, error)
	calls    int
}

func (f *fakeImg) Generate(_ context.Context, refs [][]byte, prompt string) ([]byte, error) {
	f.calls++
	if f.generate != nil {
		return f.generate(refs, prompt)
	}
	return []byte("pixels"), nil
}

func testBoard(lang *fakeLang, img *fakeImg) *Board {
	if lang == nil {
		lang = &fakeLang{vision: true}
	}
	if img == nil {
		img = &fakeImg{}
	}
	return New(lang, img, retry.New())
}

// successBoard builds a board of n non-deleted shots, each with an image and
// a successful video prompt.
func successBoard(n int) *Board {
	b := testBoard(nil, nil)
	for i := 0; i < n; i++ {
		b.Project.Shots = append(b.Project.Shots, &types.Shot{
			Ordinal:     i + 1,
			ImagePrompt: fmt.Sprintf("image prompt %d", i+1),
			VideoPrompt: fmt.Sprintf("video prompt %d", i+1),
			PromptState: types.PromptSuccess,
			Image:       []byte(fmt.Sprintf("image %d", i+1)),
		})
	}
	return b
}

func TestReplaceImageInvalidatesExactlyAdjacentPair(t *testing.T) {
	b := successBoard(5)
	k := 2 // middle shot (ordinal 3)

	if err := b.ReplaceImage(k, []byte("new pixels")); err != nil {
		t.Fatalf("ReplaceImage: %v", err)
	}

	for i, shot := range b.Project.Shots {
		want := types.PromptSuccess
		if i == k || i == k-1 {
			want = types.PromptInvalidated
		}
		if shot.PromptState != want {
			t.Errorf("shot %d state = %v, want %v", shot.Ordinal, shot.PromptState, want)
		}
	}
	if detail := b.Project.Shots[k].StateDetail; detail != detailImageChanged {
		t.Errorf("detail = %q, want image-changed detail", detail)
	}
}

func TestReplaceImageSkipsDeletedPredecessor(t *testing.T) {
	b := successBoard(4)
	b.Project.Shots[1].Deleted = true
	b.Project.Shots[1].PromptState = types.PromptSuccess

	if err := b.ReplaceImage(2, []byte("new")); err != nil {
		t.Fatalf("ReplaceImage: %v", err)
	}

	// Nearest preceding non-deleted shot is index 0, not the deleted index 1.
	if got := b.Project.Shots[0].PromptState; got != types.PromptInvalidated {
		t.Errorf("shot 1 state = %v, want invalidated", got)
	}
	if got := b.Project.Shots[1].PromptState; got != types.PromptSuccess {
		t.Errorf("deleted shot 2 state = %v, want untouched", got)
	}
}

func TestDeleteInvalidatesWithDeletionDetail(t *testing.T) {
	b := successBoard(4)
	k := 2

	if err := b.Delete(k); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for i, shot := range b.Project.Shots {
		wantState := types.PromptSuccess
		if i == k || i == k-1 {
			wantState = types.PromptInvalidated
		}
		if shot.PromptState != wantState {
			t.Errorf("shot %d state = %v, want %v", shot.Ordinal, shot.PromptState, wantState)
		}
	}
	if detail := b.Project.Shots[k-1].StateDetail; detail != detailAdjacentDeleted {
		t.Errorf("detail = %q, want deletion-specific detail", detail)
	}
	if !b.Project.Shots[k].Deleted {
		t.Error("shot not marked deleted")
	}
}

func TestUpscaleStillInvalidatesAdjacency(t *testing.T) {
	b := successBoard(3)
	if err := b.Upscale(context.Background(), 1); err != nil {
		t.Fatalf("Upscale: %v", err)
	}
	if b.Project.Shots[0].PromptState != types.PromptInvalidated ||
		b.Project.Shots[1].PromptState != types.PromptInvalidated {
		t.Error("upscale must invalidate both adjacent transition prompts")
	}
	if b.Project.Shots[2].PromptState != types.PromptSuccess {
		t.Error("upscale invalidated a non-adjacent shot")
	}
}

func TestTerminalShotUsesTerminalTemplate(t *testing.T) {
	lang := &fakeLang{vision: true}
	b := testBoard(lang, nil)
	b.Project.Outline = "a short tale"
	for i := 0; i < 4; i++ {
		b.Project.Shots = append(b.Project.Shots, &types.Shot{
			Ordinal: i + 1,
			Image:   []byte("img"),
		})
	}
	// Shots 3 and 4 deleted: shot 2 is the terminal shot.
	b.Project.Shots[2].Deleted = true
	b.Project.Shots[3].Deleted = true

	if err := b.RegenerateVideoPrompt(context.Background(), 0); err != nil {
		t.Fatalf("shot 1: %v", err)
	}
	if err := b.RegenerateVideoPrompt(context.Background(), 1); err != nil {
		t.Fatalf("shot 2: %v", err)
	}

	if len(lang.calls) != 2 {
		t.Fatalf("got %d language calls, want 2", len(lang.calls))
	}
	if !strings.Contains(lang.calls[0], "consecutive storyboard frames") {
		t.Errorf("shot 1 used %q, want the transition template", lang.calls[0][:40])
	}
	if !strings.Contains(lang.calls[1], "final storyboard frame") {
		t.Errorf("shot 2 used %q, want the terminal template", lang.calls[1][:40])
	}
}

func TestVideoPromptForShotWithoutImageFails(t *testing.T) {
	b := testBoard(nil, nil)
	b.Project.Shots = []*types.Shot{{Ordinal: 1}}

	err := b.RegenerateVideoPrompt(context.Background(), 0)
	if err == nil {
		t.Fatal("expected failure for a shot without an image")
	}
	shot := b.Project.Shots[0]
	if shot.PromptState != types.PromptFailed {
		t.Errorf("state = %v, want failed", shot.PromptState)
	}
	if shot.StateDetail != detailNoImage {
		t.Errorf("detail = %q, want no-image detail", shot.StateDetail)
	}
}

func TestFixAllFailedTargetsOnlyErrorShots(t *testing.T) {
	lang := &fakeLang{vision: true, complete: func(string, provider.CompleteOptions) (string, error) {
		return "repaired prompt", nil
	}}
	b := testBoard(lang, nil)
	for i := 0; i < 4; i++ {
		b.Project.Shots = append(b.Project.Shots, &types.Shot{
			Ordinal:     i + 1,
			Image:       []byte("img"),
			VideoPrompt: "ok",
			PromptState: types.PromptSuccess,
		})
	}
	b.Project.Shots[1].PromptState = types.PromptFailed
	b.Project.Shots[3].PromptState = types.PromptInvalidated

	report := b.FixAllFailed(context.Background())
	if report.Succeeded != 2 || report.Failed != 0 {
		t.Fatalf("report = %+v, want 2 succeeded", report)
	}
	if len(lang.calls) != 2 {
		t.Errorf("got %d language calls, want 2 (only the error-state shots)", len(lang.calls))
	}
	if b.Project.Shots[0].VideoPrompt != "ok" {
		t.Error("healthy shot was regenerated")
	}
	if b.Project.Shots[1].VideoPrompt != "repaired prompt" {
		t.Error("failed shot was not regenerated")
	}
}

func TestGenerateFullPipeline(t *testing.T) {
	lang := &fakeLang{vision: true, complete: func(prompt string, opts provider.CompleteOptions) (string, error) {
		if opts.JSONMode {
			draft, _ := json.Marshal(map[string][]string{
				"prompts": {"p1", "p2", "p3"},
			})
			return string(draft), nil
		}
		return "motion description", nil
	}}
	img := &fakeImg{}
	b := testBoard(lang, img)

	report, err := b.Generate(context.Background(), GenerateRequest{
		Outline:   "three beats",
		ShotCount: 3,
		Mode:      types.ModeStorytelling,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(b.Project.Shots) != 3 {
		t.Fatalf("got %d shots, want 3", len(b.Project.Shots))
	}
	if img.calls != 3 {
		t.Errorf("got %d image calls, want 3", img.calls)
	}
	for i, shot := range b.Project.Shots {
		if shot.ImagePrompt != fmt.Sprintf("p%d", i+1) {
			t.Errorf("shot %d image prompt = %q", i+1, shot.ImagePrompt)
		}
		if shot.PromptState != types.PromptSuccess {
			t.Errorf("shot %d prompt state = %v, want success", i+1, shot.PromptState)
		}
		if shot.VideoPrompt != "motion description" {
			t.Errorf("shot %d video prompt = %q", i+1, shot.VideoPrompt)
		}
	}
	if report.Failed != 0 {
		t.Errorf("report = %+v, want no failures", report)
	}
}

func TestGenerateAbortsWhenDraftingFails(t *testing.T) {
	lang := &fakeLang{vision: true, complete: func(string, provider.CompleteOptions) (string, error) {
		return "", errors.New("backend down")
	}}
	b := testBoard(lang, nil)

	_, err := b.Generate(context.Background(), GenerateRequest{Outline: "x", ShotCount: 2})
	if err == nil {
		t.Fatal("expected pipeline abort when drafting fails")
	}
	if len(b.Project.Shots) != 0 {
		t.Error("shots created despite drafting failure")
	}
}

func TestGenerateContinuesPastImageFailure(t *testing.T) {
	lang := &fakeLang{vision: true, complete: func(prompt string, opts provider.CompleteOptions) (string, error) {
		if opts.JSONMode {
			return `{"prompts": ["p1", "p2"]}`, nil
		}
		return "motion", nil
	}}
	img := &fakeImg{generate: func(_ [][]byte, prompt string) ([]byte, error) {
		if strings.Contains(prompt, "p1") {
			return nil, &provider.EmptyResponseError{Reason: "nothing"}
		}
		return []byte("pixels"), nil
	}}
	b := testBoard(lang, img)

	report, err := b.Generate(context.Background(), GenerateRequest{Outline: "x", ShotCount: 2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if report.Failed == 0 {
		t.Error("expected recorded failures")
	}
	if b.Project.Shots[0].HasImage() {
		t.Error("shot 1 should have no image")
	}
	if !b.Project.Shots[1].HasImage() {
		t.Error("shot 2 should have an image")
	}
	if b.Project.Shots[0].PromptState != types.PromptFailed {
		t.Error("shot 1 video prompt should be failed (no image)")
	}
	if b.Project.Shots[1].PromptState != types.PromptSuccess {
		t.Error("shot 2 video prompt should be success (terminal template)")
	}
}

func TestBusyGateIsExclusive(t *testing.T) {
	b := testBoard(nil, nil)
	if !b.TryBegin() {
		t.Fatal("first TryBegin should succeed")
	}
	if b.TryBegin() {
		t.Fatal("second TryBegin should fail while busy")
	}
	b.End()
	if !b.TryBegin() {
		t.Fatal("TryBegin after End should succeed")
	}
}
