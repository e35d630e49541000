// Package analysis sends normalized uploads to the remote classifier and
// turns its answers into analyzed images.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"urbanlens/libs/intake"
	"urbanlens/libs/issues"
	"urbanlens/libs/remote"
)

const missingResultError = "No result found"

// Analyzer is the part of the remote client the orchestrator needs.
type Analyzer interface {
	Analyze(ctx context.Context, filename, contentType string, data []byte) (*remote.AnalyzeResponse, error)
	AnalyzeBatch(ctx context.Context, filename string, archive []byte) (*remote.BatchResponse, error)
}

// ItemResult is the outcome for one image of an upload.
type ItemResult struct {
	Name    string                `json:"name"`
	Success bool                  `json:"success"`
	Error   string                `json:"error,omitempty"`
	Image   *issues.AnalyzedImage `json:"image,omitempty"`
}

// Outcome is the result of one analysis run.
type Outcome struct {
	Mode  intake.Mode  `json:"mode"`
	Items []ItemResult `json:"items"`
}

// Images returns the successfully analyzed images in item order.
func (o *Outcome) Images() []issues.AnalyzedImage {
	var out []issues.AnalyzedImage
	for _, item := range o.Items {
		if item.Success && item.Image != nil {
			out = append(out, *item.Image)
		}
	}
	return out
}

// WithDetections returns the analyzed images that found at least one issue.
func (o *Outcome) WithDetections() []issues.AnalyzedImage {
	var out []issues.AnalyzedImage
	for _, img := range o.Images() {
		if img.HasDetections() {
			out = append(out, img)
		}
	}
	return out
}

// Failures counts items that did not produce an analysis.
func (o *Outcome) Failures() int {
	n := 0
	for _, item := range o.Items {
		if !item.Success {
			n++
		}
	}
	return n
}

// Orchestrator runs single and batch analyses.
type Orchestrator struct {
	analyzer Analyzer
	log      *slog.Logger
}

func New(analyzer Analyzer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{analyzer: analyzer, log: logger}
}

// Run analyzes the upload according to its mode. Transport and server errors
// abort the whole run; per-image batch failures are reported in the outcome.
func (o *Orchestrator) Run(ctx context.Context, upload intake.Upload) (*Outcome, error) {
	if len(upload.Files) == 0 {
		return nil, intake.ErrNoFiles
	}
	switch upload.Mode {
	case intake.ModeSingle:
		return o.runSingle(ctx, upload.Files[0])
	case intake.ModeMultiple:
		return o.runMultiple(ctx, upload.Files)
	case intake.ModeZip:
		return o.runZip(ctx, upload.Files[0])
	default:
		return nil, fmt.Errorf("unknown upload mode %q", upload.Mode)
	}
}

func (o *Orchestrator) runSingle(ctx context.Context, file intake.File) (*Outcome, error) {
	resp, err := o.analyzer.Analyze(ctx, file.Name, file.ContentType, file.Data)
	if err != nil {
		return nil, err
	}
	img := o.buildImage(file.Name, *resp, &file)
	o.log.Info("image analyzed", "name", file.Name, "server_id", resp.ID, "detections", len(img.Results.Categories()))
	return &Outcome{
		Mode:  intake.ModeSingle,
		Items: []ItemResult{{Name: file.Name, Success: true, Image: &img}},
	}, nil
}

func (o *Orchestrator) runMultiple(ctx context.Context, files []intake.File) (*Outcome, error) {
	archive, err := intake.BuildBatchArchive(files)
	if err != nil {
		return nil, fmt.Errorf("build batch archive: %w", err)
	}
	resp, err := o.analyzer.AnalyzeBatch(ctx, intake.BatchArchiveName, archive)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]remote.AnalyzeResponse, len(resp.Results))
	for _, result := range resp.Results {
		byName[result.Filename] = result
	}

	outcome := &Outcome{Mode: intake.ModeMultiple, Items: make([]ItemResult, 0, len(files))}
	for i := range files {
		expected := intake.BatchEntryName(i, files[i].Name)
		result, ok := byName[expected]
		if !ok {
			outcome.Items = append(outcome.Items, ItemResult{Name: expected, Error: missingResultError})
			continue
		}
		outcome.Items = append(outcome.Items, o.batchItem(expected, result, &files[i]))
	}
	o.log.Info("batch analyzed", "files", len(files), "failures", outcome.Failures())
	return outcome, nil
}

func (o *Orchestrator) runZip(ctx context.Context, archive intake.File) (*Outcome, error) {
	members, err := intake.ArchiveImages(archive.Data)
	if err != nil {
		return nil, err
	}
	resp, err := o.analyzer.AnalyzeBatch(ctx, archive.Name, archive.Data)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Mode: intake.ModeZip, Items: make([]ItemResult, 0, len(resp.Results))}
	for _, result := range resp.Results {
		var source *intake.File
		if member, ok := members[path.Base(result.Filename)]; ok {
			source = &member
		}
		outcome.Items = append(outcome.Items, o.batchItem(result.Filename, result, source))
	}
	o.log.Info("archive analyzed", "archive", archive.Name, "results", len(resp.Results), "failures", outcome.Failures())
	return outcome, nil
}

func (o *Orchestrator) batchItem(name string, result remote.AnalyzeResponse, source *intake.File) ItemResult {
	if !result.Succeeded() {
		msg := result.Error
		if msg == "" {
			msg = "Analysis failed"
		}
		return ItemResult{Name: name, Error: msg}
	}
	if result.Filename != "" {
		name = result.Filename
	}
	img := o.buildImage(name, result, source)
	return ItemResult{Name: name, Success: true, Image: &img}
}

// buildImage records the primary issue and resolves the location: the
// service's explicit location first, then what it extracted, then the
// image's own EXIF GPS tags.
func (o *Orchestrator) buildImage(name string, resp remote.AnalyzeResponse, source *intake.File) issues.AnalyzedImage {
	results := resp.Analysis
	if results == nil {
		results = &issues.Analysis{}
	}
	results.PrimaryIssue = results.FirstDetected()

	img := issues.AnalyzedImage{
		ServerID: resp.ID,
		Name:     name,
		Results:  results,
		Location: resp.ResolvedLocation(),
	}
	if source == nil {
		return img
	}
	if img.Location == nil {
		if loc, ok := intake.GPSLocation(*source); ok {
			img.Location = loc
		}
	}
	if preview, err := intake.Preview(*source); err != nil {
		o.log.Warn("preview failed", "name", source.Name, "err", err)
	} else {
		img.Preview = preview
	}
	return img
}
