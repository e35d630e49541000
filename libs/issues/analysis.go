package issues

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	keyUrbanIssues    = "urban_issues"
	keyWellMaintained = "well_maintained_elements"
	keyPrimaryIssue   = "primary_issue"
)

// Finding is one classification entry of an analysis, keyed by category.
type Finding struct {
	Category    string `json:"-"`
	Detected    bool   `json:"detected"`
	Description string `json:"description,omitempty"`
	Solution    string `json:"solution,omitempty"`
}

// Element is a well-maintained element reported by the analysis. Its value is
// either a free-text verdict or an object, so it is kept raw.
type Element struct {
	Name  string
	Value json.RawMessage
}

// Analysis is the structured payload produced by the remote classifier.
// Findings keep the order the service reported them in, which decides the
// primary category. Keys this type does not model are preserved in Extra.
type Analysis struct {
	Findings       []Finding
	WellMaintained []Element
	PrimaryIssue   string
	Extra          []Element
}

// Clone returns a deep copy of a.
func (a *Analysis) Clone() *Analysis {
	if a == nil {
		return nil
	}
	out := &Analysis{PrimaryIssue: a.PrimaryIssue}
	if a.Findings != nil {
		out.Findings = append([]Finding(nil), a.Findings...)
	}
	out.WellMaintained = cloneElements(a.WellMaintained)
	out.Extra = cloneElements(a.Extra)
	return out
}

func cloneElements(in []Element) []Element {
	if in == nil {
		return nil
	}
	out := make([]Element, len(in))
	for i, e := range in {
		out[i] = Element{Name: e.Name, Value: append(json.RawMessage(nil), e.Value...)}
	}
	return out
}

// Categories returns the detected categories in reported order.
func (a *Analysis) Categories() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Findings))
	for _, f := range a.Findings {
		if f.Detected {
			out = append(out, f.Category)
		}
	}
	return out
}

// FirstDetected returns the first detected category or "".
func (a *Analysis) FirstDetected() string {
	if cats := a.Categories(); len(cats) > 0 {
		return cats[0]
	}
	return ""
}

// Finding looks up a finding by category.
func (a *Analysis) Finding(category string) (Finding, bool) {
	if a == nil {
		return Finding{}, false
	}
	for _, f := range a.Findings {
		if f.Category == category {
			return f, true
		}
	}
	return Finding{}, false
}

// MaintainedElements lists element names whose verdict is positive: object
// values, or strings starting with "yes".
func (a *Analysis) MaintainedElements() []string {
	if a == nil {
		return nil
	}
	var out []string
	for _, el := range a.WellMaintained {
		var verdict string
		if err := json.Unmarshal(el.Value, &verdict); err == nil {
			if strings.HasPrefix(strings.ToLower(verdict), "yes") {
				out = append(out, el.Name)
			}
			continue
		}
		trimmed := bytes.TrimSpace(el.Value)
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte("false")) {
			out = append(out, el.Name)
		}
	}
	return out
}

// IsEmpty reports whether the analysis carries no content at all.
func (a *Analysis) IsEmpty() bool {
	return a == nil || (len(a.Findings) == 0 && len(a.WellMaintained) == 0 && len(a.Extra) == 0 && a.PrimaryIssue == "")
}

func (a *Analysis) UnmarshalJSON(data []byte) error {
	*a = Analysis{}
	members, err := orderedObject(data)
	if err != nil {
		return err
	}
	for _, m := range members {
		switch m.Name {
		case keyUrbanIssues:
			entries, err := orderedObject(m.Value)
			if err != nil {
				return fmt.Errorf("%s: %w", keyUrbanIssues, err)
			}
			for _, entry := range entries {
				var f Finding
				if err := json.Unmarshal(entry.Value, &f); err != nil {
					return fmt.Errorf("%s.%s: %w", keyUrbanIssues, entry.Name, err)
				}
				f.Category = entry.Name
				a.Findings = append(a.Findings, f)
			}
		case keyWellMaintained:
			entries, err := orderedObject(m.Value)
			if err != nil {
				return fmt.Errorf("%s: %w", keyWellMaintained, err)
			}
			a.WellMaintained = entries
		case keyPrimaryIssue:
			// null is allowed and means no primary issue
			_ = json.Unmarshal(m.Value, &a.PrimaryIssue)
		default:
			a.Extra = append(a.Extra, m)
		}
	}
	return nil
}

func (a Analysis) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeKey := func(name string) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		encoded, err := json.Marshal(name)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		buf.WriteByte(':')
		return nil
	}

	if err := writeKey(keyUrbanIssues); err != nil {
		return nil, err
	}
	findings := make([]Element, 0, len(a.Findings))
	for _, f := range a.Findings {
		encoded, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		findings = append(findings, Element{Name: f.Category, Value: encoded})
	}
	if err := writeObject(&buf, findings); err != nil {
		return nil, err
	}

	if len(a.WellMaintained) > 0 {
		if err := writeKey(keyWellMaintained); err != nil {
			return nil, err
		}
		if err := writeObject(&buf, a.WellMaintained); err != nil {
			return nil, err
		}
	}
	if a.PrimaryIssue != "" {
		if err := writeKey(keyPrimaryIssue); err != nil {
			return nil, err
		}
		encoded, _ := json.Marshal(a.PrimaryIssue)
		buf.Write(encoded)
	}
	for _, el := range a.Extra {
		if err := writeKey(el.Name); err != nil {
			return nil, err
		}
		buf.Write(el.Value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// orderedObject splits a JSON object into its members in document order.
func orderedObject(data []byte) ([]Element, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var out []Element
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, Element{Name: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeObject(buf *bytes.Buffer, members []Element) error {
	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.Name)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(m.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(m.Value)
	}
	buf.WriteByte('}')
	return nil
}
