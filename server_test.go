package main

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"storyboard-pipeline/assembly"
	"storyboard-pipeline/config"
	"storyboard-pipeline/provider"
	"storyboard-pipeline/retry"
	"storyboard-pipeline/storyboard"
	"storyboard-pipeline/types"
)

type stubLang struct{}

func (stubLang) Complete(context.Context, string, provider.CompleteOptions) (string, error) {
	return "text", nil
}
func (stubLang) SupportsVision() bool { return false }

type stubImg struct{}

func (stubImg) Generate(context.Context, [][]byte, string) ([]byte, error) {
	return []byte("pixels"), nil
}

func testServer(t *testing.T) (*server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	board := storyboard.New(stubLang{}, stubImg{}, retry.New())
	board.Project.Shots = []*types.Shot{
		{Ordinal: 1, ImagePrompt: "a", VideoPrompt: "motion", PromptState: types.PromptSuccess},
	}
	cfg := &config.Config{Paths: config.PathsConfig{Work: t.TempDir()}}
	s := newServer(board, assembly.New(nil, cfg.Paths.Work), cfg)
	return s, s.routes()
}

func do(r *gin.Engine, method, path, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func referenceUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "ref.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("pixels"))
	mw.WriteField("tag", "hero")
	mw.Close()
	return &body, mw.FormDataContentType()
}

func TestMutatingEndpointsRejectedWhileBusy(t *testing.T) {
	s, r := testServer(t)
	if !s.board.TryBegin() {
		t.Fatal("could not claim the gate")
	}
	defer s.board.End()

	if w := do(r, http.MethodDelete, "/api/shots/1", "", nil); w.Code != http.StatusConflict {
		t.Errorf("delete shot while busy = %d, want 409", w.Code)
	}

	prompts := bytes.NewBufferString(`{"videoPrompt": "edited"}`)
	if w := do(r, http.MethodPut, "/api/shots/1/prompts", "application/json", prompts); w.Code != http.StatusConflict {
		t.Errorf("edit prompts while busy = %d, want 409", w.Code)
	}
	if s.board.Project.Shots[0].VideoPrompt != "motion" {
		t.Error("prompt was mutated despite the gate")
	}

	upload, contentType := referenceUpload(t)
	if w := do(r, http.MethodPost, "/api/references", contentType, upload); w.Code != http.StatusConflict {
		t.Errorf("add reference while busy = %d, want 409", w.Code)
	}
	if len(s.board.Project.References) != 0 {
		t.Error("reference was added despite the gate")
	}
}

func TestMutatingEndpointsWorkWhenIdle(t *testing.T) {
	s, r := testServer(t)

	upload, contentType := referenceUpload(t)
	if w := do(r, http.MethodPost, "/api/references", contentType, upload); w.Code != http.StatusCreated {
		t.Fatalf("add reference = %d, want 201", w.Code)
	}
	if len(s.board.Project.References) != 1 || s.board.Project.References[0].Tag != "hero" {
		t.Fatalf("references = %+v", s.board.Project.References)
	}

	if w := do(r, http.MethodDelete, "/api/shots/1", "", nil); w.Code != http.StatusOK {
		t.Fatalf("delete shot = %d, want 200", w.Code)
	}
	if !s.board.Project.Shots[0].Deleted {
		t.Error("shot not soft-deleted")
	}

	if w := do(r, http.MethodPost, "/api/shots/1/restore", "", nil); w.Code != http.StatusOK {
		t.Fatalf("restore shot = %d, want 200", w.Code)
	}
	if s.board.Project.Shots[0].Deleted {
		t.Error("shot not restored")
	}

	prompts := bytes.NewBufferString(`{"videoPrompt": "edited motion"}`)
	w := do(r, http.MethodPut, "/api/shots/1/prompts", "application/json", prompts)
	if w.Code != http.StatusOK {
		t.Fatalf("edit prompts = %d, want 200", w.Code)
	}
	if got := s.board.Project.Shots[0].VideoPrompt; got != "edited motion" {
		t.Errorf("video prompt = %q", got)
	}
	if !strings.Contains(w.Body.String(), "edited motion") {
		t.Error("response does not carry the updated shot")
	}
}
