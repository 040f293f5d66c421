package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"storyboard-pipeline/assembly"
	"storyboard-pipeline/config"
	"storyboard-pipeline/project"
	"storyboard-pipeline/storyboard"
	"storyboard-pipeline/types"
)

// server exposes the storyboard over HTTP. Generation endpoints share one
// batch gate: while any generation runs, every other generation request gets
// a 409.
type server struct {
	board     *storyboard.Board
	assembler *assembly.Assembler
	cfg       *config.Config
}

func newServer(board *storyboard.Board, assembler *assembly.Assembler, cfg *config.Config) *server {
	return &server{board: board, assembler: assembler, cfg: cfg}
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/project", s.getProject)
		api.POST("/project/save", s.saveProject)
		api.POST("/project/load", s.loadProject)
		api.POST("/project/append", s.appendProject)

		api.POST("/references", s.addReference)
		api.PUT("/references/:id/tag", s.tagReference)
		api.DELETE("/references/:id", s.removeReference)

		api.POST("/generate", s.generate)

		api.GET("/shots/:ordinal/image", s.getShotImage)
		api.PUT("/shots/:ordinal/image", s.replaceShotImage)
		api.POST("/shots/:ordinal/image/regenerate", s.regenerateShotImage)
		api.POST("/shots/:ordinal/image/extend", s.extendShotImage)
		api.POST("/shots/:ordinal/image/upscale", s.upscaleShotImage)
		api.PUT("/shots/:ordinal/prompts", s.editShotPrompts)
		api.DELETE("/shots/:ordinal", s.deleteShot)
		api.POST("/shots/:ordinal/restore", s.restoreShot)

		api.POST("/shots/:ordinal/video-prompt/regenerate", s.regenerateVideoPrompt)
		api.POST("/shots/:ordinal/video-prompt/optimize", s.optimizeVideoPrompt)
		api.POST("/shots/:ordinal/video-prompt/review", s.reviewVideoPrompt)
		api.POST("/video-prompts/review-all", s.reviewAllVideoPrompts)
		api.POST("/video-prompts/fix-failed", s.fixFailedVideoPrompts)

		api.POST("/shots/:ordinal/video", s.generateShotVideo)
		api.GET("/shots/:ordinal/video", s.getShotVideo)
		api.POST("/videos/all", s.generateAllVideos)
		api.POST("/videos/missing", s.generateMissingVideos)
		api.POST("/videos/selected", s.generateSelectedVideos)
		api.POST("/export", s.export)
	}
	return r
}

// withGate runs fn under the batch gate, answering 409 if a generation is
// already in flight.
func (s *server) withGate(c *gin.Context, fn func()) {
	if !s.board.TryBegin() {
		c.JSON(http.StatusConflict, gin.H{"error": "another generation is already running"})
		return
	}
	defer s.board.End()
	fn()
}

// shotIndex resolves the :ordinal path param against the current shot list.
func (s *server) shotIndex(c *gin.Context) (int, bool) {
	var ordinal int
	if _, err := fmt.Sscanf(c.Param("ordinal"), "%d", &ordinal); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad shot ordinal"})
		return 0, false
	}
	for i, shot := range s.board.Project.Shots {
		if shot.Ordinal == ordinal {
			return i, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no shot with ordinal %d", ordinal)})
	return 0, false
}

func (s *server) getProject(c *gin.Context) {
	c.JSON(http.StatusOK, s.board.Project)
}

func (s *server) saveProject(c *gin.Context) {
	path := filepath.Join(s.cfg.Paths.Work, fmt.Sprintf("export-%s.sbp", uuid.NewString()))
	if err := project.Save(s.board.Project, path); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer os.Remove(path)
	c.FileAttachment(path, "storyboard.sbp")
}

// stashUpload writes the request's archive upload to a temp file and returns
// its path.
func (s *server) stashUpload(c *gin.Context) (string, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("missing file upload: %w", err)
	}
	path := filepath.Join(s.cfg.Paths.Work, fmt.Sprintf("upload-%s.sbp", uuid.NewString()))
	if err := os.MkdirAll(s.cfg.Paths.Work, 0755); err != nil {
		return "", err
	}
	if err := c.SaveUploadedFile(file, path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *server) loadProject(c *gin.Context) {
	s.withGate(c, func() {
		path, err := s.stashUpload(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer os.Remove(path)

		p, err := project.Load(path, s.cfg.Paths.Work)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		s.board.Replace(p)
		logrus.Infof("[server] project loaded: %d shots", len(p.Shots))
		c.JSON(http.StatusOK, p)
	})
}

func (s *server) appendProject(c *gin.Context) {
	s.withGate(c, func() {
		path, err := s.stashUpload(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer os.Remove(path)

		if err := project.Append(s.board.Project, path, s.cfg.Paths.Work); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		logrus.Infof("[server] project appended: now %d shots", len(s.board.Project.Shots))
		c.JSON(http.StatusOK, s.board.Project)
	})
}

func (s *server) addReference(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image upload"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.withGate(c, func() {
		ref := &types.ReferenceImage{
			ID:   uuid.NewString(),
			Data: data,
			Tag:  c.PostForm("tag"),
		}
		s.board.Project.References = append(s.board.Project.References, ref)
		c.JSON(http.StatusCreated, ref)
	})
}

func (s *server) findReference(c *gin.Context) (int, bool) {
	id := c.Param("id")
	for i, ref := range s.board.Project.References {
		if ref.ID == id {
			return i, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such reference image"})
	return 0, false
}

func (s *server) tagReference(c *gin.Context) {
	i, ok := s.findReference(c)
	if !ok {
		return
	}
	var body struct {
		Tag string `json:"tag"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.withGate(c, func() {
		s.board.Project.References[i].Tag = body.Tag
		c.JSON(http.StatusOK, s.board.Project.References[i])
	})
}

func (s *server) removeReference(c *gin.Context) {
	i, ok := s.findReference(c)
	if !ok {
		return
	}
	s.withGate(c, func() {
		refs := s.board.Project.References
		s.board.Project.References = append(refs[:i], refs[i+1:]...)
		c.Status(http.StatusNoContent)
	})
}

func (s *server) generate(c *gin.Context) {
	var req storyboard.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.withGate(c, func() {
		report, err := s.board.Generate(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report, "project": s.board.Project})
	})
}

func (s *server) getShotImage(c *gin.Context) {
	i, ok := s.shotIndex(c)
	if !ok {
		return
	}
	shot := s.board.Project.Shots[i]
	if !shot.HasImage() {
		c.JSON(http.StatusNotFound, gin.H{"error": "shot has no image"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(shot.Image), shot.Image)
}

func (s *server) replaceShotImage(c *gin.Context) {
	i, ok := s.shotIndex(c)
	if !ok {
		return
	}
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image upload"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.withGate(c, func() {
		if err := s.board.ReplaceImage(i, data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.board.Project.Shots[i])
	})
}

// shotOp runs a single-shot board operation under the gate and returns the
// updated shot.
func (s *server) shotOp(c *gin.Context, op func(idx int) error) {
	i, ok := s.shotIndex(c)
	if !ok {
		return
	}
	s.withGate(c, func() {
		if err := op(i); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.board.Project.Shots[i])
	})
}

func (s *server) regenerateShotImage(c *gin.Context) {
	s.shotOp(c, func(i int) error { return s.board.RegenerateImage(c.Request.Context(), i) })
}

func (s *server) extendShotImage(c *gin.Context) {
	s.shotOp(c, func(i int) error { return s.board.ExtendFromPrevious(c.Request.Context(), i) })
}

func (s *server) upscaleShotImage(c *gin.Context) {
	s.shotOp(c, func(i int) error { return s.board.Upscale(c.Request.Context(), i) })
}

func (s *server) editShotPrompts(c *gin.Context) {
	i, ok := s.shotIndex(c)
	if !ok {
		return
	}
	var body struct {
		ImagePrompt *string `json:"imagePrompt"`
		VideoPrompt *string `json:"videoPrompt"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.withGate(c, func() {
		shot := s.board.Project.Shots[i]
		if body.ImagePrompt != nil {
			shot.ImagePrompt = *body.ImagePrompt
		}
		if body.VideoPrompt != nil {
			// A hand-edited prompt counts as usable.
			shot.VideoPrompt = *body.VideoPrompt
			shot.PromptState = types.PromptSuccess
			shot.StateDetail = ""
		}
		c.JSON(http.StatusOK, shot)
	})
}

func (s *server) deleteShot(c *gin.Context) {
	i, ok := s.shotIndex(c)
	if !ok {
		return
	}
	s.withGate(c, func() {
		if err := s.board.Delete(i); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.board.Project.Shots[i])
	})
}

func (s *server) restoreShot(c *gin.Context) {
	i, ok := s.shotIndex(c)
	if !ok {
		return
	}
	s.withGate(c, func() {
		if err := s.board.Undelete(i); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.board.Project.Shots[i])
	})
}

func (s *server) regenerateVideoPrompt(c *gin.Context) {
	s.shotOp(c, func(i int) error { return s.board.RegenerateVideoPrompt(c.Request.Context(), i) })
}

func (s *server) optimizeVideoPrompt(c *gin.Context) {
	s.shotOp(c, func(i int) error { return s.board.OptimizeVideoPrompt(c.Request.Context(), i) })
}

func (s *server) reviewVideoPrompt(c *gin.Context) {
	s.shotOp(c, func(i int) error { return s.board.Review(c.Request.Context(), i) })
}

func (s *server) reviewAllVideoPrompts(c *gin.Context) {
	s.withGate(c, func() {
		c.JSON(http.StatusOK, s.board.ReviewAll(c.Request.Context()))
	})
}

func (s *server) fixFailedVideoPrompts(c *gin.Context) {
	s.withGate(c, func() {
		c.JSON(http.StatusOK, s.board.FixAllFailed(c.Request.Context()))
	})
}

func (s *server) generateShotVideo(c *gin.Context) {
	i, ok := s.shotIndex(c)
	if !ok {
		return
	}
	s.withGate(c, func() {
		asset, err := s.assembler.GenerateShot(c.Request.Context(), s.board.Project, i)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, asset)
	})
}

func (s *server) getShotVideo(c *gin.Context) {
	i, ok := s.shotIndex(c)
	if !ok {
		return
	}
	ordinal := s.board.Project.Shots[i].Ordinal
	for _, v := range s.board.Project.Videos {
		if v.ShotOrdinal == ordinal && v.LocalPath != "" {
			c.File(v.LocalPath)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no video for this shot"})
}

func (s *server) generateAllVideos(c *gin.Context) {
	s.withGate(c, func() {
		c.JSON(http.StatusOK, s.assembler.GenerateAll(c.Request.Context(), s.board.Project))
	})
}

func (s *server) generateMissingVideos(c *gin.Context) {
	s.withGate(c, func() {
		c.JSON(http.StatusOK, s.assembler.GenerateMissing(c.Request.Context(), s.board.Project))
	})
}

func (s *server) generateSelectedVideos(c *gin.Context) {
	var body struct {
		Ordinals []int `json:"ordinals"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.withGate(c, func() {
		c.JSON(http.StatusOK, s.assembler.GenerateSelected(c.Request.Context(), s.board.Project, body.Ordinals))
	})
}

func (s *server) export(c *gin.Context) {
	s.withGate(c, func() {
		if err := os.MkdirAll(s.cfg.Paths.Output, 0755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		outPath := filepath.Join(s.cfg.Paths.Output,
			fmt.Sprintf("storyboard-%s.mp4", time.Now().Format("20060102-150405")))
		if err := s.assembler.Concat(c.Request.Context(), s.board.Project, outPath); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.FileAttachment(outPath, filepath.Base(outPath))
	})
}
