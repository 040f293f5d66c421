// Package assembly turns a finished storyboard into video: it submits one
// transition job per shot to the video backend, polls the job queue to
// completion, downloads the artifacts and concatenates them losslessly into
// the final cut.
package assembly

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"storyboard-pipeline/provider"
	"storyboard-pipeline/retry"
	"storyboard-pipeline/types"
)

const (
	pollInterval = 2 * time.Second
	pollCeiling  = 60 * time.Minute

	// releaseDelay is how long a superseded video file is kept on disk so
	// in-flight consumers of the old handle are not cut off.
	releaseDelay = 30 * time.Second
)

// Assembler drives per-shot video generation and final concatenation.
type Assembler struct {
	video   provider.Video
	workDir string

	// interval and ceiling are overridable in tests.
	interval time.Duration
	ceiling  time.Duration
}

// New creates an assembler writing local copies under workDir.
func New(video provider.Video, workDir string) *Assembler {
	return &Assembler{
		video:    video,
		workDir:  workDir,
		interval: pollInterval,
		ceiling:  pollCeiling,
	}
}

// GenerateShot produces the transition video for one shot and supersedes any
// existing asset for it. The shot needs a successful video prompt and an
// image; a terminal shot is submitted in single-image mode.
func (a *Assembler) GenerateShot(ctx context.Context, p *types.Project, idx int) (*types.VideoAsset, error) {
	if idx < 0 || idx >= len(p.Shots) {
		return nil, fmt.Errorf("shot index %d out of range", idx)
	}
	shot := p.Shots[idx]
	if shot.Deleted {
		return nil, fmt.Errorf("shot %d is deleted", shot.Ordinal)
	}
	if shot.PromptState != types.PromptSuccess {
		return nil, fmt.Errorf("shot %d video prompt is %s", shot.Ordinal, shot.PromptState)
	}
	if !shot.HasImage() {
		return nil, fmt.Errorf("shot %d has no image", shot.Ordinal)
	}

	startName, err := a.video.UploadInput(ctx, fmt.Sprintf("shot_%d_start.png", shot.Ordinal), shot.Image)
	if err != nil {
		return nil, fmt.Errorf("upload start image: %w", err)
	}

	// Terminal shots omit the end frame entirely.
	endName := ""
	if next := p.NextVisible(idx); next >= 0 {
		nextShot := p.Shots[next]
		if !nextShot.HasImage() {
			return nil, fmt.Errorf("shot %d has no image to end the transition on", nextShot.Ordinal)
		}
		endName, err = a.video.UploadInput(ctx, fmt.Sprintf("shot_%d_end.png", shot.Ordinal), nextShot.Image)
		if err != nil {
			return nil, fmt.Errorf("upload end image: %w", err)
		}
	}

	job, err := a.video.Submit(ctx, startName, endName, shot.VideoPrompt)
	if err != nil {
		return nil, fmt.Errorf("submit shot %d: %w", shot.Ordinal, err)
	}
	logrus.Infof("[assembly] shot %d submitted as job %s", shot.Ordinal, job.ID)

	loc, err := a.wait(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("shot %d: %w", shot.Ordinal, err)
	}

	data, err := a.video.Fetch(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("download shot %d video: %w", shot.Ordinal, err)
	}

	asset := &types.VideoAsset{
		ShotOrdinal: shot.Ordinal,
		Locator:     loc.Filename,
		Subfolder:   loc.Subfolder,
		Kind:        loc.Type,
		Version:     1,
		CreatedAt:   time.Now(),
	}
	if old := findAsset(p, shot.Ordinal); old != nil {
		asset.Version = old.Version + 1
	}
	asset.LocalPath = filepath.Join(a.workDir, fmt.Sprintf("video_%d_v%d.mp4", shot.Ordinal, asset.Version))
	if err := os.MkdirAll(a.workDir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(asset.LocalPath, data, 0644); err != nil {
		return nil, fmt.Errorf("store shot %d video: %w", shot.Ordinal, err)
	}

	a.supersede(p, asset)
	logrus.Infof("[assembly] ✅ shot %d video ready (v%d): %s", shot.Ordinal, asset.Version, asset.LocalPath)
	return asset, nil
}

// wait polls the job until it resolves or the ceiling passes.
func (a *Assembler) wait(ctx context.Context, job *provider.Job) (provider.OutputLocation, error) {
	deadline := time.Now().Add(a.ceiling)
	for {
		res, err := a.video.Poll(ctx, job)
		if err != nil {
			return provider.OutputLocation{}, err
		}
		switch res.State {
		case provider.PollDone:
			return res.Output, nil
		case provider.PollFailed:
			return provider.OutputLocation{}, &provider.JobFailedError{Reason: res.Reason}
		}
		if time.Now().After(deadline) {
			return provider.OutputLocation{}, &provider.JobTimeoutError{JobID: job.ID}
		}
		select {
		case <-ctx.Done():
			return provider.OutputLocation{}, ctx.Err()
		case <-time.After(a.interval):
		}
	}
}

// supersede installs the new asset, releasing the replaced local file only
// after the safety delay.
func (a *Assembler) supersede(p *types.Project, asset *types.VideoAsset) {
	for i, existing := range p.Videos {
		if existing.ShotOrdinal == asset.ShotOrdinal {
			if existing.LocalPath != "" && existing.LocalPath != asset.LocalPath {
				stale := existing.LocalPath
				time.AfterFunc(releaseDelay, func() {
					if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
						logrus.Warnf("[assembly] release superseded video %s: %v", stale, err)
					}
				})
			}
			p.Videos[i] = asset
			return
		}
	}
	p.Videos = append(p.Videos, asset)
}

func findAsset(p *types.Project, ordinal int) *types.VideoAsset {
	for _, v := range p.Videos {
		if v.ShotOrdinal == ordinal {
			return v
		}
	}
	return nil
}

// eligible reports whether a shot can be sent to the video backend.
func eligible(shot *types.Shot) bool {
	return !shot.Deleted && shot.PromptState == types.PromptSuccess && shot.HasImage()
}

// GenerateAll generates a transition video for every eligible shot. Videos
// already generated for shots that fail this round are kept.
func (a *Assembler) GenerateAll(ctx context.Context, p *types.Project) *types.BatchReport {
	return a.generateBatch(ctx, p, func(*types.Shot) bool { return true })
}

// GenerateMissing generates videos only for eligible shots that have none
// yet. Existing assets are untouched.
func (a *Assembler) GenerateMissing(ctx context.Context, p *types.Project) *types.BatchReport {
	return a.generateBatch(ctx, p, func(shot *types.Shot) bool {
		return findAsset(p, shot.Ordinal) == nil
	})
}

// GenerateSelected generates videos for the given ordinals only. Assets of
// shots outside the selection are never dropped.
func (a *Assembler) GenerateSelected(ctx context.Context, p *types.Project, ordinals []int) *types.BatchReport {
	selected := make(map[int]bool, len(ordinals))
	for _, ord := range ordinals {
		selected[ord] = true
	}
	return a.generateBatch(ctx, p, func(shot *types.Shot) bool {
		return selected[shot.Ordinal]
	})
}

func (a *Assembler) generateBatch(ctx context.Context, p *types.Project, want func(*types.Shot) bool) *types.BatchReport {
	report := &types.BatchReport{}
	pacer := retry.NewPacer()
	for i, shot := range p.Shots {
		if shot.Deleted || !want(shot) {
			continue
		}
		if !eligible(shot) {
			report.Record(shot.Ordinal, fmt.Errorf("shot %d is not ready for video generation", shot.Ordinal))
			continue
		}
		_, err := a.GenerateShot(ctx, p, i)
		pacer.Tick()
		if err != nil {
			logrus.Warnf("[assembly] shot %d failed: %v", shot.Ordinal, err)
		}
		report.Record(shot.Ordinal, err)
	}
	logrus.Infof("[assembly] batch done: %d ok, %d failed", report.Succeeded, report.Failed)
	return report
}

// Concat downloads every constituent video and joins them, re-encode-free,
// into one artifact at outPath. The whole merge is redone from scratch every
// time, downloads included; playback order is shot order regardless of
// generation order.
func (a *Assembler) Concat(ctx context.Context, p *types.Project, outPath string) error {
	assets := a.orderedAssets(p)
	if len(assets) == 0 {
		return fmt.Errorf("no shot videos to concatenate")
	}

	if err := a.fetchLocal(ctx, assets); err != nil {
		return err
	}

	listFile, err := WriteManifest(assets, a.workDir)
	if err != nil {
		return err
	}

	logrus.Infof("[assembly] concatenating %d shot videos -> %s", len(assets), outPath)
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		outPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w", err)
	}
	return nil
}

// fetchLocal downloads every asset from the backend at its full stored
// location, refreshing any stale local copy.
func (a *Assembler) fetchLocal(ctx context.Context, assets []*types.VideoAsset) error {
	if err := os.MkdirAll(a.workDir, 0755); err != nil {
		return err
	}
	for _, asset := range assets {
		kind := asset.Kind
		if kind == "" {
			kind = "output"
		}
		data, err := a.video.Fetch(ctx, provider.OutputLocation{
			Filename:  asset.Locator,
			Subfolder: asset.Subfolder,
			Type:      kind,
		})
		if err != nil {
			return fmt.Errorf("re-download shot %d video: %w", asset.ShotOrdinal, err)
		}
		asset.LocalPath = filepath.Join(a.workDir, fmt.Sprintf("video_%d_v%d.mp4", asset.ShotOrdinal, asset.Version))
		if err := os.WriteFile(asset.LocalPath, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// orderedAssets returns the assets of non-deleted shots in ordinal order.
func (a *Assembler) orderedAssets(p *types.Project) []*types.VideoAsset {
	deleted := make(map[int]bool)
	for _, shot := range p.Shots {
		if shot.Deleted {
			deleted[shot.Ordinal] = true
		}
	}
	var assets []*types.VideoAsset
	for _, v := range p.Videos {
		if !deleted[v.ShotOrdinal] {
			assets = append(assets, v)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ShotOrdinal < assets[j].ShotOrdinal })
	return assets
}

// WriteManifest writes the ffmpeg concat list for the given assets, in the
// order given.
func WriteManifest(assets []*types.VideoAsset, dir string) (string, error) {
	var lines []string
	for _, asset := range assets {
		lines = append(lines, fmt.Sprintf("file '%s'", asset.LocalPath))
	}
	listFile := filepath.Join(dir, "concat.txt")
	if err := os.WriteFile(listFile, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return "", err
	}
	return listFile, nil
}
