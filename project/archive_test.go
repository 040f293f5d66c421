package project

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"storyboard-pipeline/types"
)

func sampleProject() *types.Project {
	return &types.Project{
		AspectRatio: "16:9",
		Outline:     "a lighthouse keeper discovers a message in a bottle",
		ShotCount:   3,
		Mode:        types.ModeStorytelling,
		References: []*types.ReferenceImage{
			{ID: "ref-1", Tag: "keeper", Data: []byte("ref one")},
			{ID: "ref-2", Tag: "lighthouse", Data: []byte("ref two")},
		},
		Shots: []*types.Shot{
			{Ordinal: 1, ImagePrompt: "keeper at the door", VideoPrompt: "door swings open", PromptState: types.PromptSuccess, Image: []byte("img 1")},
			{Ordinal: 2, ImagePrompt: "bottle on the rocks", PromptState: types.PromptFailed, StateDetail: "backend refused", Deleted: true},
			{Ordinal: 3, ImagePrompt: "reading the note", PromptState: types.PromptPending, Image: []byte("img 3")},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := sampleProject()

	videoPath := filepath.Join(dir, "v1.mp4")
	if err := os.WriteFile(videoPath, []byte("video bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	p.Videos = []*types.VideoAsset{
		{ShotOrdinal: 1, Locator: "out_0001.mp4", Subfolder: "video", Kind: "output", LocalPath: videoPath, Version: 2},
	}

	path := filepath.Join(dir, "board.sbp")
	if err := Save(p, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path, filepath.Join(dir, "unpacked"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.AspectRatio != "16:9" || got.Outline != p.Outline || got.ShotCount != 3 {
		t.Errorf("project header mismatch: %+v", got)
	}
	if got.Mode != types.ModeStorytelling {
		t.Errorf("mode = %q", got.Mode)
	}
	if len(got.References) != 2 || got.References[1].Tag != "lighthouse" || string(got.References[1].Data) != "ref two" {
		t.Errorf("references did not survive the round trip: %+v", got.References)
	}
	if len(got.Shots) != 3 {
		t.Fatalf("got %d shots, want 3", len(got.Shots))
	}
	if got.Shots[0].PromptState != types.PromptSuccess || string(got.Shots[0].Image) != "img 1" {
		t.Errorf("shot 1 = %+v", got.Shots[0])
	}
	if !got.Shots[1].Deleted || got.Shots[1].PromptState != types.PromptFailed || got.Shots[1].StateDetail != "backend refused" {
		t.Errorf("shot 2 = %+v", got.Shots[1])
	}
	if got.Shots[1].HasImage() {
		t.Error("shot without an image gained one on load")
	}
	if len(got.Videos) != 1 {
		t.Fatalf("got %d videos, want 1", len(got.Videos))
	}
	v := got.Videos[0]
	if v.ShotOrdinal != 1 || v.Locator != "out_0001.mp4" || v.Version != 2 {
		t.Errorf("video = %+v", v)
	}
	if v.Subfolder != "video" || v.Kind != "output" {
		t.Errorf("video location = %q/%q, want the full provider location preserved", v.Subfolder, v.Kind)
	}
	data, err := os.ReadFile(v.LocalPath)
	if err != nil || string(data) != "video bytes" {
		t.Errorf("bundled video not unpacked: %v", err)
	}
}

// writeArchive builds an archive by hand, for schema-tolerance tests.
func writeArchive(t *testing.T, dir string, manifest map[string]any, files map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if manifest != nil {
		data, err := json.Marshal(manifest)
		if err != nil {
			t.Fatal(err)
		}
		files["manifest.json"] = data
	}
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "board.sbp")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadToleratesOlderSchema(t *testing.T) {
	// No isDeleted flags, no videos section, no prompt states.
	path := writeArchive(t, t.TempDir(), map[string]any{
		"aspectRatio": "9:16",
		"outline":     "old project",
		"shotCount":   2,
		"shots": []map[string]any{
			{"ordinal": 1, "imagePrompt": "a", "videoPrompt": "motion a"},
			{"ordinal": 2, "imagePrompt": "b"},
		},
	}, map[string][]byte{
		"shot_1.png": []byte("img"),
	})

	p, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Shots[0].Deleted || p.Shots[1].Deleted {
		t.Error("missing isDeleted must default to false")
	}
	if p.Shots[0].PromptState != types.PromptSuccess {
		t.Errorf("shot with a video prompt loaded as %s, want success", p.Shots[0].PromptState)
	}
	if p.Shots[1].PromptState != types.PromptPending {
		t.Errorf("shot without a video prompt loaded as %s, want pending", p.Shots[1].PromptState)
	}
	if len(p.Videos) != 0 {
		t.Errorf("got %d videos from an archive with no videos section", len(p.Videos))
	}
}

func TestLoadRejectsMissingManifest(t *testing.T) {
	path := writeArchive(t, t.TempDir(), nil, map[string][]byte{
		"shot_1.png": []byte("img"),
	})

	_, err := Load(path, "")
	var malformed *MalformedProjectFileError
	if !errors.As(err, &malformed) {
		t.Fatalf("got %v, want MalformedProjectFileError", err)
	}
}

func TestLoadRejectsMissingReferenceFile(t *testing.T) {
	path := writeArchive(t, t.TempDir(), map[string]any{
		"aspectRatio": "16:9",
		"shotCount":   0,
		"shots":       []map[string]any{},
		"references": []map[string]any{
			{"index": 1, "tag": "hero", "file": "reference_image_1.png"},
		},
	}, map[string][]byte{})

	_, err := Load(path, "")
	var malformed *MalformedProjectFileError
	if !errors.As(err, &malformed) {
		t.Fatalf("got %v, want MalformedProjectFileError", err)
	}
}

func TestAppendRenumbersIncomingShots(t *testing.T) {
	dir := t.TempDir()
	incoming := sampleProject()
	path := filepath.Join(dir, "incoming.sbp")
	if err := Save(incoming, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	base := &types.Project{
		AspectRatio: "16:9",
		ShotCount:   2,
		Shots: []*types.Shot{
			{Ordinal: 1, ImagePrompt: "existing 1"},
			{Ordinal: 2, ImagePrompt: "existing 2"},
		},
	}
	if err := Append(base, path, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(base.Shots) != 5 {
		t.Fatalf("got %d shots, want 5", len(base.Shots))
	}
	for i, shot := range base.Shots {
		if shot.Ordinal != i+1 {
			t.Errorf("shot %d has ordinal %d", i, shot.Ordinal)
		}
	}
	if base.Shots[2].ImagePrompt != "keeper at the door" {
		t.Errorf("first appended shot = %+v", base.Shots[2])
	}
	if base.ShotCount != 5 {
		t.Errorf("shot count = %d, want 5", base.ShotCount)
	}
	if len(base.References) != 2 {
		t.Errorf("got %d references, want the incoming pair", len(base.References))
	}
}

func TestAppendRemapsVideoOrdinals(t *testing.T) {
	dir := t.TempDir()
	incoming := sampleProject()
	videoPath := filepath.Join(dir, "v.mp4")
	if err := os.WriteFile(videoPath, []byte("v"), 0644); err != nil {
		t.Fatal(err)
	}
	incoming.Videos = []*types.VideoAsset{
		{ShotOrdinal: 1, Locator: "a.mp4", LocalPath: videoPath, Version: 1},
	}
	path := filepath.Join(dir, "incoming.sbp")
	if err := Save(incoming, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	base := &types.Project{
		AspectRatio: "16:9",
		ShotCount:   1,
		Shots:       []*types.Shot{{Ordinal: 1}},
	}
	if err := Append(base, path, filepath.Join(dir, "unpack")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(base.Videos) != 1 {
		t.Fatalf("got %d videos, want 1", len(base.Videos))
	}
	if base.Videos[0].ShotOrdinal != 2 {
		t.Errorf("video remapped to ordinal %d, want 2 (shot 1 became shot 2)", base.Videos[0].ShotOrdinal)
	}
}

func TestLoadDistrustsUnbundledVideoClaim(t *testing.T) {
	// Manifest claims a bundled file the archive does not carry.
	path := writeArchive(t, t.TempDir(), map[string]any{
		"aspectRatio": "16:9",
		"shotCount":   1,
		"shots": []map[string]any{
			{"ordinal": 1, "imagePrompt": "a"},
		},
		"videos": []map[string]any{
			{"ordinal": 1, "providerLocator": "remote.mp4", "version": 1, "fileIncluded": true},
		},
	}, map[string][]byte{})

	p, err := Load(path, t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.Videos) != 1 {
		t.Fatalf("got %d videos, want the locator-only entry", len(p.Videos))
	}
	if p.Videos[0].LocalPath != "" {
		t.Error("video with a missing bundled file must not claim a local path")
	}
	if p.Videos[0].Locator != "remote.mp4" {
		t.Errorf("locator = %q", p.Videos[0].Locator)
	}
}
