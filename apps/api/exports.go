package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/go-pdf/fpdf"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"urbanlens/libs/issues"
)

type exportFormat struct {
	contentType string
	extension   string
}

var exportFormats = map[string]exportFormat{
	"csv":     {contentType: "text/csv; charset=utf-8", extension: "csv"},
	"geojson": {contentType: "application/geo+json", extension: "geojson"},
	"pdf":     {contentType: "application/pdf", extension: "pdf"},
}

func (a *App) exportIssuesHandler(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.Query("format")))
	if _, ok := exportFormats[format]; !ok {
		format = "csv"
	}

	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	list := sortedForExport(ws.store.Issues())
	generatedAt := a.now().UTC()

	var body []byte
	var err error
	switch format {
	case "geojson":
		body, err = buildGeoJSON(list)
	case "pdf":
		body, err = buildPDF(list, generatedAt)
	default:
		body, err = buildCSV(list)
	}
	if err != nil {
		a.log.Error("export failed", "format", format, "err", err)
		writeAPIError(c, err)
		return
	}

	fileName := fmt.Sprintf("urbanlens-issues-%s.%s", generatedAt.Format("20060102-150405"), exportFormats[format].extension)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", fileName))
	c.Data(http.StatusOK, exportFormats[format].contentType, body)
}

// sortedForExport orders issues oldest first; undated issues go last.
func sortedForExport(list []issues.Issue) []issues.Issue {
	sorted := append([]issues.Issue{}, list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].CreatedAt, sorted[j].CreatedAt
		switch {
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	return sorted
}

func formatCreatedAt(issue issues.Issue) string {
	if issue.CreatedAt == nil {
		return ""
	}
	return issue.CreatedAt.UTC().Format(time.RFC3339)
}

func buildCSV(list []issues.Issue) ([]byte, error) {
	buffer := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buffer)
	headers := []string{"issue_id", "created_at", "title", "category", "categories", "solved", "lat", "lng", "address"}
	if err := writer.Write(headers); err != nil {
		return nil, err
	}
	for _, issue := range list {
		lat, lng := "", ""
		if issue.HasLocation() {
			lat = strconv.FormatFloat(issue.Location.Lat, 'f', 6, 64)
			lng = strconv.FormatFloat(issue.Location.Lng, 'f', 6, 64)
		}
		row := []string{
			issue.ID.String(),
			formatCreatedAt(issue),
			issue.Title,
			issue.Category,
			strings.Join(issue.Categories, "|"),
			strconv.FormatBool(issue.Solved),
			lat,
			lng,
			issue.Address(),
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// buildGeoJSON exports the issues that can be plotted.
func buildGeoJSON(list []issues.Issue) ([]byte, error) {
	features := make([]map[string]any, 0, len(list))
	for _, issue := range list {
		if !issue.HasLocation() {
			continue
		}
		features = append(features, map[string]any{
			"type": "Feature",
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []float64{issue.Location.Lng, issue.Location.Lat},
			},
			"properties": map[string]any{
				"issue_id":   issue.ID.String(),
				"created_at": formatCreatedAt(issue),
				"title":      issue.Title,
				"category":   issue.Category,
				"categories": issue.Categories,
				"solved":     issue.Solved,
				"address":    issue.Address(),
			},
		})
	}
	payload := map[string]any{"type": "FeatureCollection", "features": features}
	return json.MarshalIndent(payload, "", "  ")
}

// pdfText folds diacritics away; the core PDF fonts only cover Latin-1.
func pdfText(value string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), value)
	if err != nil {
		return value
	}
	return folded
}

func categoryLabel(category string) string {
	if category == "" {
		return "uncategorized"
	}
	return strings.ReplaceAll(category, "_", " ")
}

func buildPDF(list []issues.Issue, generatedAt time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 16)
	pdf.Cell(0, 10, "Urban issues report")

	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, fmt.Sprintf("Generated: %s", generatedAt.Format("2006-01-02 15:04 MST")))
	pdf.Ln(7)
	pdf.Cell(0, 8, fmt.Sprintf("Total issues: %d", len(list)))
	pdf.Ln(10)

	solved := 0
	categoryCounts := map[string]int{}
	for _, issue := range list {
		if issue.Solved {
			solved++
		}
		for _, category := range issue.Categories {
			categoryCounts[category]++
		}
	}

	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Status")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("- open: %d", len(list)-solved))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("- solved: %d", solved))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Categories")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	type categoryCount struct {
		Category string
		Count    int
	}
	counts := make([]categoryCount, 0, len(categoryCounts))
	for category, count := range categoryCounts {
		counts = append(counts, categoryCount{Category: category, Count: count})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Category < counts[j].Category
	})
	for _, entry := range counts {
		pdf.Cell(0, 6, fmt.Sprintf("- %s: %d", categoryLabel(entry.Category), entry.Count))
		pdf.Ln(6)
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Issues")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 9)
	for _, issue := range list {
		status := "open"
		if issue.Solved {
			status = "solved"
		}
		line := fmt.Sprintf("%s  [%s]  %s  %s", formatCreatedAt(issue), status, categoryLabel(issue.Category), issue.Address())
		pdf.MultiCell(0, 5, pdfText(strings.TrimSpace(line)), "", "L", false)
	}

	buffer := bytes.NewBuffer(nil)
	if err := pdf.Output(buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
