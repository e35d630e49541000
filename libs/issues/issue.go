package issues

import "time"

// Issue is the unified view of a reported problem, whether it came from the
// remote service or from an image analyzed in this session.
type Issue struct {
	ID         ID         `json:"id"`
	Location   *Location  `json:"location"`
	Title      string     `json:"title"`
	Category   string     `json:"category,omitempty"`
	Categories []string   `json:"categories"`
	Preview    string     `json:"preview,omitempty"`
	Details    *Analysis  `json:"details,omitempty"`
	Solved     bool       `json:"solved"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	S3Key      string     `json:"s3_key,omitempty"`
}

// HasLocation reports whether the issue can be plotted.
func (i Issue) HasLocation() bool {
	return i.Location != nil && i.Location.Valid()
}

// NeedsDetails reports whether a details fetch is required before the issue
// can be shown expanded. Local issues already carry everything there is.
func (i Issue) NeedsDetails() bool {
	return !i.ID.IsLocal() && i.Details.IsEmpty()
}

// Address returns the location address or "".
func (i Issue) Address() string {
	if i.Location == nil {
		return ""
	}
	return i.Location.Address
}

// Clone returns a copy that shares no mutable slices or pointers with i.
func (i Issue) Clone() Issue {
	out := i
	if i.Location != nil {
		loc := *i.Location
		out.Location = &loc
	}
	if i.Categories != nil {
		out.Categories = append([]string(nil), i.Categories...)
	}
	if i.CreatedAt != nil {
		ts := *i.CreatedAt
		out.CreatedAt = &ts
	}
	out.Details = i.Details.Clone()
	return out
}

// AnalyzedImage is an image analyzed during the current session.
type AnalyzedImage struct {
	ServerID string    `json:"server_id,omitempty"`
	Name     string    `json:"name"`
	Preview  string    `json:"preview,omitempty"`
	Results  *Analysis `json:"results,omitempty"`
	Location *Location `json:"location"`
	Solved   bool      `json:"solved"`
}

// IssueID is the local id the image is promoted under.
func (img AnalyzedImage) IssueID() ID {
	return Local(img.Name)
}

// HasDetections reports whether the analysis found at least one problem.
func (img AnalyzedImage) HasDetections() bool {
	return len(img.Results.Categories()) > 0
}

// Promotable reports whether the image should appear as an issue on the map
// and in the list.
func (img AnalyzedImage) Promotable() bool {
	return img.Location != nil && img.Location.Valid() && img.HasDetections()
}

// ToIssue builds the issue view of an analyzed image.
func (img AnalyzedImage) ToIssue() Issue {
	categories := img.Results.Categories()
	category := ""
	if img.Results != nil {
		category = img.Results.PrimaryIssue
	}
	if category == "" && len(categories) > 0 {
		category = categories[0]
	}
	var loc *Location
	if img.Location != nil {
		copied := *img.Location
		loc = &copied
	}
	return Issue{
		ID:         img.IssueID(),
		Location:   loc,
		Title:      img.Name,
		Category:   category,
		Categories: categories,
		Preview:    img.Preview,
		Details:    img.Results,
		Solved:     img.Solved,
	}
}
