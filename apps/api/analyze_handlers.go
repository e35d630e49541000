package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"urbanlens/libs/analysis"
	"urbanlens/libs/intake"
)

// uploadFields are the multipart fields files are read from.
var uploadFields = []string{"images", "image", "files", "zip_file"}

type pastePayload struct {
	DataURL string `json:"data_url"`
}

func parseSource(raw string) intake.Source {
	switch source := intake.Source(strings.ToLower(strings.TrimSpace(raw))); source {
	case intake.SourceFolder, intake.SourceDrop, intake.SourcePaste:
		return source
	default:
		return intake.SourcePicker
	}
}

// readUpload turns either a multipart selection or a pasted data URL into
// a normalized upload.
func (a *App) readUpload(c *gin.Context) (intake.Upload, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var payload pastePayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			return intake.Upload{}, badRequest("Invalid paste payload")
		}
		file, err := intake.FromDataURL(payload.DataURL, a.now())
		if err != nil {
			return intake.Upload{}, err
		}
		return intake.Normalize(intake.SourcePaste, []intake.File{file})
	}

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return intake.Upload{}, intake.ErrFileTooLarge
		}
		return intake.Upload{}, intake.ErrNoFiles
	}
	files, err := intake.FromMultipart(form, uploadFields...)
	if err != nil {
		return intake.Upload{}, err
	}
	return intake.Normalize(parseSource(c.PostForm("source")), files)
}

func (a *App) analyzeHandler(c *gin.Context) {
	upload, err := a.readUpload(c)
	if err != nil {
		respondError(c, err)
		return
	}

	outcome, err := analysis.New(a.analyzer, a.log).Run(c.Request.Context(), upload)
	if err != nil {
		a.log.Error("analysis failed", "mode", upload.Mode, "files", len(upload.Files), "err", err)
		respondError(c, err)
		return
	}
	images := outcome.Images()
	a.metrics.recordAnalysis(string(outcome.Mode), len(images), outcome.Failures())

	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	ws.store.AddAnalyzedImages(images)

	a.log.Info("upload analyzed", "mode", outcome.Mode, "succeeded", len(images), "failed", outcome.Failures())
	c.JSON(http.StatusOK, gin.H{
		"mode":     outcome.Mode,
		"items":    outcome.Items,
		"failures": outcome.Failures(),
		"images":   ws.store.Images(),
	})
}

func (a *App) analyzedImagesHandler(c *gin.Context) {
	ws := getWorkspace(c)
	c.JSON(http.StatusOK, gin.H{"images": ws.store.Images()})
}

func (a *App) clearAnalyzedHandler(c *gin.Context) {
	ws := getWorkspace(c)
	ws.store.ClearAnalyzedImages()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// runAnalyzeCommand analyzes local files and prints the outcome as JSON.
func (a *App) runAnalyzeCommand(ctx context.Context, out io.Writer, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("usage: api analyze <file>...")
	}
	files := make([]intake.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		file, err := intake.NewFile(p, data)
		if err != nil {
			return err
		}
		files = append(files, file)
	}
	upload, err := intake.Normalize(intake.SourcePicker, files)
	if err != nil {
		return err
	}
	outcome, err := analysis.New(a.analyzer, a.log).Run(ctx, upload)
	if err != nil {
		return err
	}
	a.metrics.recordAnalysis(string(outcome.Mode), len(outcome.Images()), outcome.Failures())

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(outcome)
}
