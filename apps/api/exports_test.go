package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"urbanlens/libs/issues"
)

func exportFixture(t *testing.T) []issues.Issue {
	t.Helper()
	older := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return []issues.Issue{
		{ID: issues.Persisted("undated"), Title: "bins.jpg", Category: "overflowing_trash_bins", Categories: []string{"overflowing_trash_bins"}},
		{
			ID:         issues.Persisted("new"),
			Title:      "wall.jpg",
			Category:   "graffiti",
			Categories: []string{"graffiti"},
			CreatedAt:  &newer,
			Solved:     true,
			Location:   &issues.Location{Lat: 45.7489, Lng: 21.2087, Address: "Piața Victoriei, Timișoara"},
		},
		{
			ID:         issues.Persisted("old"),
			Title:      "pothole.jpg",
			Category:   "potholes",
			Categories: []string{"potholes", "damaged_sidewalks"},
			CreatedAt:  &older,
			Location:   &issues.Location{Lat: 46.7697, Lng: 23.5899},
			Details:    analysisFixture(t, `{"urban_issues":{"potholes":{"detected":true,"description":"Groapă <adâncă>"}}}`),
		},
	}
}

func TestSortedForExport(t *testing.T) {
	sorted := sortedForExport(exportFixture(t))
	got := []string{sorted[0].ID.String(), sorted[1].ID.String(), sorted[2].ID.String()}
	want := []string{"old", "new", "undated"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestBuildCSV(t *testing.T) {
	body, err := buildCSV(sortedForExport(exportFixture(t)))
	if err != nil {
		t.Fatalf("build csv: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header and 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "issue_id" || rows[0][8] != "address" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	old := rows[1]
	if old[0] != "old" || old[1] != "2024-04-01T09:00:00Z" || old[4] != "potholes|damaged_sidewalks" {
		t.Fatalf("unexpected row %v", old)
	}
	if old[6] != "46.769700" || old[7] != "23.589900" {
		t.Fatalf("unexpected coordinates %v", old[6:8])
	}
	undated := rows[3]
	if undated[1] != "" || undated[6] != "" || undated[7] != "" {
		t.Fatalf("expected empty date and coordinates, got %v", undated)
	}
	if rows[2][5] != "true" {
		t.Fatalf("expected solved flag, got %q", rows[2][5])
	}
}

func TestBuildGeoJSONSkipsUnlocatedIssues(t *testing.T) {
	body, err := buildGeoJSON(exportFixture(t))
	if err != nil {
		t.Fatalf("build geojson: %v", err)
	}
	var collection struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(body, &collection); err != nil {
		t.Fatalf("decode geojson: %v", err)
	}
	if collection.Type != "FeatureCollection" || len(collection.Features) != 2 {
		t.Fatalf("expected 2 features, got %+v", collection)
	}
	first := collection.Features[0]
	if first.Geometry.Coordinates[0] != 21.2087 || first.Geometry.Coordinates[1] != 45.7489 {
		t.Fatalf("expected [lng, lat] coordinates, got %v", first.Geometry.Coordinates)
	}
	if first.Properties["address"] != "Piața Victoriei, Timișoara" {
		t.Fatalf("unexpected address %v", first.Properties["address"])
	}
}

func TestBuildPDF(t *testing.T) {
	body, err := buildPDF(exportFixture(t), time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("build pdf: %v", err)
	}
	if !bytes.HasPrefix(body, []byte("%PDF")) {
		t.Fatalf("expected PDF header, got %q", body[:8])
	}
}

func TestPDFTextFoldsDiacritics(t *testing.T) {
	if got := pdfText("Piața Victoriei, Timișoara, Brașov"); got != "Piata Victoriei, Timisoara, Brasov" {
		t.Fatalf("unexpected folded text %q", got)
	}
}

func TestBuildIssueForwardEmail(t *testing.T) {
	app := &App{cfg: &Config{PublicBaseURL: "https://urbanlens.test"}}
	issue := exportFixture(t)[2]

	msg := app.buildIssueForwardEmail(issue, "primarie@example.ro", "admin@example.com", "Lângă școală")
	if len(msg.To) != 1 || msg.To[0] != "primarie@example.ro" {
		t.Fatalf("unexpected recipients %v", msg.To)
	}
	if msg.ReplyTo != "admin@example.com" {
		t.Fatalf("unexpected reply-to %q", msg.ReplyTo)
	}
	if !strings.Contains(msg.Subject, "potholes") || !strings.Contains(msg.Subject, "locație necunoscută") {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "Groapă &lt;adâncă&gt;") {
		t.Fatalf("expected escaped finding in html body:\n%s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "openstreetmap.org/?mlat=46.769700") {
		t.Fatalf("expected map link in html body:\n%s", msg.HTML)
	}
	if !strings.Contains(msg.Text, "Lângă școală") {
		t.Fatalf("expected note in text body:\n%s", msg.Text)
	}
}
