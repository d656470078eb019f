package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"filesense/internal/organizer"
)

type responseEnvelope struct {
	Classifications *[]responseEntry `json:"classifications"`
}

type responseEntry struct {
	FileID          *int64   `json:"file_id"`
	Category        string   `json:"category"`
	Subcategory     string   `json:"subcategory"`
	Tags            []string `json:"tags"`
	Summary         string   `json:"summary"`
	Confidence      *float64 `json:"confidence"`
	SuggestedFolder string   `json:"suggested_folder"`
	Entity          string   `json:"entity"`
	DocumentType    string   `json:"document_type"`
}

// ParseResponse validates a raw model answer against the request. The answer
// may be wrapped in a markdown code fence. Entries for files that were not
// requested, or with a missing category or confidence, make the whole answer
// malformed. Files missing from the answer are simply absent from the result.
func ParseResponse(raw string, files []organizer.ClassifyFile) ([]organizer.ClassifyResult, error) {
	body := stripFence(raw)
	if body == "" {
		return nil, malformed("empty response")
	}

	var env responseEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, malformed(err.Error())
	}
	if env.Classifications == nil {
		return nil, malformed(`missing "classifications"`)
	}

	requested := make(map[int64]bool, len(files))
	for _, f := range files {
		requested[f.FileID] = true
	}

	seen := make(map[int64]bool)
	results := make([]organizer.ClassifyResult, 0, len(*env.Classifications))
	for i, e := range *env.Classifications {
		if e.FileID == nil {
			return nil, malformed(fmt.Sprintf("entry %d: missing file_id", i))
		}
		if !requested[*e.FileID] {
			return nil, malformed(fmt.Sprintf("entry %d: unknown file_id %d", i, *e.FileID))
		}
		if strings.TrimSpace(e.Category) == "" {
			return nil, malformed(fmt.Sprintf("entry %d: empty category", i))
		}
		if e.Confidence == nil {
			return nil, malformed(fmt.Sprintf("entry %d: missing confidence", i))
		}
		if seen[*e.FileID] {
			continue
		}
		seen[*e.FileID] = true
		results = append(results, normalizeResult(organizer.ClassifyResult{
			FileID:          *e.FileID,
			Category:        e.Category,
			Subcategory:     e.Subcategory,
			Tags:            e.Tags,
			Summary:         e.Summary,
			Confidence:      *e.Confidence,
			SuggestedFolder: e.SuggestedFolder,
			Entity:          e.Entity,
			DocumentType:    e.DocumentType,
		}))
	}
	return results, nil
}

// normalizeResult maps a result onto canonical categories, document types
// and the confidence band.
func normalizeResult(r organizer.ClassifyResult) organizer.ClassifyResult {
	r.Category = organizer.NormalizeCategory(r.Category)
	r.Subcategory = strings.TrimSpace(r.Subcategory)
	r.Summary = strings.TrimSpace(r.Summary)
	r.SuggestedFolder = strings.TrimSpace(r.SuggestedFolder)
	r.Entity = strings.TrimSpace(r.Entity)
	r.DocumentType = organizer.NormalizeDocumentType(r.DocumentType)
	r.Confidence = organizer.ClampConfidence(r.Confidence)
	r.Tags = normalizeTags(r.Tags)
	return r
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func malformed(detail string) error {
	return fmt.Errorf("%w: %s", organizer.ErrMalformedResponse, detail)
}
