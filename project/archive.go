// Package project maps a storyboard to and from a portable archive: a zip
// holding manifest.json plus the binary reference images, shot images and
// bundled videos.
package project

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"storyboard-pipeline/types"
)

// MalformedProjectFileError signals an archive missing required entries or
// failing schema checks.
type MalformedProjectFileError struct {
	Reason string
}

func (e *MalformedProjectFileError) Error() string {
	return "malformed project file: " + e.Reason
}

type manifest struct {
	AspectRatio string                 `json:"aspectRatio"`
	Outline     string                 `json:"outline"`
	ShotCount   int                    `json:"shotCount"`
	Mode        types.GenerationMode   `json:"mode,omitempty"`
	Options     *types.PerImageOptions `json:"perImageOptions,omitempty"`
	References  []manifestReference    `json:"references,omitempty"`
	Shots       []manifestShot         `json:"shots"`
	Videos      []manifestVideo        `json:"videos,omitempty"`
}

type manifestReference struct {
	Index int    `json:"index"`
	Tag   string `json:"tag"`
	File  string `json:"file"`
}

type manifestShot struct {
	Ordinal     int    `json:"ordinal"`
	ImagePrompt string `json:"imagePrompt"`
	VideoPrompt string `json:"videoPrompt"`
	PromptState string `json:"promptState,omitempty"`
	StateDetail string `json:"stateDetail,omitempty"`
	// IsDeleted is absent in older archives; absent means false.
	IsDeleted bool `json:"isDeleted"`
}

type manifestVideo struct {
	Ordinal      int    `json:"ordinal"`
	Locator      string `json:"providerLocator"`
	Subfolder    string `json:"providerSubfolder,omitempty"`
	Kind         string `json:"providerType,omitempty"`
	Version      int    `json:"version"`
	FileIncluded bool   `json:"fileIncluded"`
}

func referenceEntry(n int) string { return fmt.Sprintf("reference_image_%d.png", n) }
func shotEntry(ordinal int) string { return fmt.Sprintf("shot_%d.png", ordinal) }
func videoEntry(ordinal int) string { return fmt.Sprintf("video_%d.mp4", ordinal) }

// Save writes the project as an archive at path.
func Save(p *types.Project, path string) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	m := manifest{
		AspectRatio: p.AspectRatio,
		Outline:     p.Outline,
		ShotCount:   p.ShotCount,
		Mode:        p.Mode,
		Options:     &p.Options,
	}

	for i, ref := range p.References {
		entry := referenceEntry(i + 1)
		m.References = append(m.References, manifestReference{Index: i + 1, Tag: ref.Tag, File: entry})
		if err := writeEntry(zw, entry, ref.Data); err != nil {
			return err
		}
	}

	for _, shot := range p.Shots {
		m.Shots = append(m.Shots, manifestShot{
			Ordinal:     shot.Ordinal,
			ImagePrompt: shot.ImagePrompt,
			VideoPrompt: shot.VideoPrompt,
			PromptState: shot.PromptState.String(),
			StateDetail: shot.StateDetail,
			IsDeleted:   shot.Deleted,
		})
		if shot.HasImage() {
			if err := writeEntry(zw, shotEntry(shot.Ordinal), shot.Image); err != nil {
				return err
			}
		}
	}

	for _, video := range p.Videos {
		mv := manifestVideo{
			Ordinal:   video.ShotOrdinal,
			Locator:   video.Locator,
			Subfolder: video.Subfolder,
			Kind:      video.Kind,
			Version:   video.Version,
		}
		if video.LocalPath != "" {
			data, err := os.ReadFile(video.LocalPath)
			if err == nil {
				mv.FileIncluded = true
				if err := writeEntry(zw, videoEntry(video.ShotOrdinal), data); err != nil {
					return err
				}
			} else {
				logrus.Warnf("[project] skipping video %d local copy: %v", video.ShotOrdinal, err)
			}
		}
		m.Videos = append(m.Videos, mv)
	}

	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeEntry(zw, "manifest.json", manifestData); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Load reads an archive into a fresh project. Older archives without
// isDeleted flags or a videos section load with those defaults. videoDir is
// where bundled videos are unpacked; empty keeps them archive-only.
func Load(path, videoDir string) (*types.Project, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &MalformedProjectFileError{Reason: fmt.Sprintf("cannot open archive: %v", err)}
	}
	defer zr.Close()

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	manifestFile, ok := entries["manifest.json"]
	if !ok {
		return nil, &MalformedProjectFileError{Reason: "manifest.json missing"}
	}
	manifestData, err := readEntry(manifestFile)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		return nil, &MalformedProjectFileError{Reason: fmt.Sprintf("manifest unreadable: %v", err)}
	}
	if m.AspectRatio == "" {
		return nil, &MalformedProjectFileError{Reason: "manifest has no aspect ratio"}
	}

	p := &types.Project{
		AspectRatio: m.AspectRatio,
		Outline:     m.Outline,
		ShotCount:   m.ShotCount,
		Mode:        m.Mode,
	}
	if m.Options != nil {
		p.Options = *m.Options
	}

	for _, ref := range m.References {
		data, err := readNamed(entries, ref.File)
		if err != nil {
			return nil, &MalformedProjectFileError{Reason: fmt.Sprintf("reference image %d missing", ref.Index)}
		}
		p.References = append(p.References, &types.ReferenceImage{
			ID:   fmt.Sprintf("ref-%d", ref.Index),
			Tag:  ref.Tag,
			Data: data,
		})
	}

	for _, ms := range m.Shots {
		shot := &types.Shot{
			Ordinal:     ms.Ordinal,
			ImagePrompt: ms.ImagePrompt,
			VideoPrompt: ms.VideoPrompt,
			PromptState: parseState(ms),
			StateDetail: ms.StateDetail,
			Deleted:     ms.IsDeleted,
		}
		if data, err := readNamed(entries, shotEntry(ms.Ordinal)); err == nil {
			shot.Image = data
		}
		p.Shots = append(p.Shots, shot)
	}

	for _, mv := range m.Videos {
		asset := &types.VideoAsset{
			ShotOrdinal: mv.Ordinal,
			Locator:     mv.Locator,
			Subfolder:   mv.Subfolder,
			Kind:        mv.Kind,
			Version:     mv.Version,
		}
		if mv.FileIncluded {
			data, err := readNamed(entries, videoEntry(mv.Ordinal))
			if err != nil {
				// Manifest promised a file the archive does not carry; keep
				// the locator, drop the claim.
				logrus.Warnf("[project] video %d listed but not bundled", mv.Ordinal)
			} else if videoDir != "" {
				if err := os.MkdirAll(videoDir, 0755); err != nil {
					return nil, err
				}
				local := filepath.Join(videoDir, videoEntry(mv.Ordinal))
				if err := os.WriteFile(local, data, 0644); err != nil {
					return nil, err
				}
				asset.LocalPath = local
			}
		}
		p.Videos = append(p.Videos, asset)
	}

	return p, nil
}

// parseState maps the stored state back, deriving it for older archives that
// predate explicit states.
func parseState(ms manifestShot) types.PromptState {
	switch ms.PromptState {
	case "success":
		return types.PromptSuccess
	case "invalidated":
		return types.PromptInvalidated
	case "failed":
		return types.PromptFailed
	case "pending":
		return types.PromptPending
	}
	if ms.VideoPrompt != "" {
		return types.PromptSuccess
	}
	return types.PromptPending
}

// Append loads the archive at path and appends its shots to p, renumbering
// them to continue after the existing sequence. Manifest entries are only
// trusted when the files they reference exist in the archive.
func Append(p *types.Project, path, videoDir string) error {
	incoming, err := Load(path, videoDir)
	if err != nil {
		return err
	}

	offset := len(p.Shots)
	ordinalMap := make(map[int]int, len(incoming.Shots))
	for i, shot := range incoming.Shots {
		old := shot.Ordinal
		shot.Ordinal = offset + i + 1
		ordinalMap[old] = shot.Ordinal
		p.Shots = append(p.Shots, shot)
	}

	for _, video := range incoming.Videos {
		newOrdinal, ok := ordinalMap[video.ShotOrdinal]
		if !ok {
			// Video for a shot the manifest never declared: do not trust it.
			logrus.Warnf("[project] dropping video for undeclared shot %d", video.ShotOrdinal)
			continue
		}
		if video.LocalPath == "" && video.Locator == "" {
			continue
		}
		video.ShotOrdinal = newOrdinal
		p.Videos = append(p.Videos, video)
	}

	p.References = append(p.References, incoming.References...)
	p.ShotCount = len(p.Shots)
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func readNamed(entries map[string]*zip.File, name string) ([]byte, error) {
	f, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("entry %s not in archive", name)
	}
	return readEntry(f)
}
