// Package classifier provides the classification backends used by the
// organizer: an OpenAI-compatible chat model, a local Ollama model and an
// offline keyword heuristic.
package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"filesense/internal/config"
	"filesense/internal/organizer"
)

// PromptVersion identifies the prompt text below. Changing the prompt must
// bump it so that cached classifications are not reused.
const PromptVersion = "p3"

// NewClassifierFromConfig builds the backend selected by cfg.Type.
func NewClassifierFromConfig(cfg config.ClassifierConfig) (organizer.Classifier, error) {
	switch cfg.Type {
	case "", "heuristic":
		return NewHeuristicClassifier(cfg.Version), nil
	case "openai":
		key := ""
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		c, err := NewOpenAIClassifier(key, cfg.BaseURL, cfg.Model, cfg.Version)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ollama":
		c, err := NewOllamaClassifier(cfg.BaseURL, cfg.Model, cfg.Version)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown classifier type: %s", cfg.Type)
	}
}

func versionString(backend, model, promptVersion string) string {
	if promptVersion == "" {
		promptVersion = PromptVersion
	}
	return backend + ":" + model + ":" + promptVersion
}

const systemPrompt = `You organize personal documents into folders.
For every file you receive, choose exactly one category from this list:
Work, Money, Home, Health, Legal, School, Family, Clients, Projects, Archive, Review.
Use Review when you cannot tell.
Optionally add a short subcategory, lowercase tags, a one sentence summary,
the main person or organization the file relates to (entity) and a document
type from: Invoice, Contract, Resume, Tax, Receipt, Letter, Report, Notes,
Statement, Application, Policy, Manual, Presentation, Spreadsheet, Unknown.
Give a confidence between 0 and 1.
Answer with a single JSON object and nothing else:
{"classifications":[{"file_id":1,"category":"Money","subcategory":"Taxes","tags":["2023"],"summary":"...","confidence":0.9,"suggested_folder":"","entity":"","document_type":"Tax"}]}`

type promptFile struct {
	FileID    int64  `json:"file_id"`
	Filename  string `json:"filename"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
	Modified  string `json:"modified"`
	Snippet   string `json:"snippet,omitempty"`
}

// buildUserPrompt renders the batch as one JSON line per file.
func buildUserPrompt(files []organizer.ClassifyFile) string {
	var b strings.Builder
	b.WriteString("Classify these files:\n")
	for _, f := range files {
		line, _ := json.Marshal(promptFile{
			FileID:    f.FileID,
			Filename:  f.Filename,
			Extension: f.Extension,
			Size:      f.Size,
			Modified:  f.ModifiedAt.UTC().Format("2006-01-02"),
			Snippet:   f.Snippet,
		})
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}
