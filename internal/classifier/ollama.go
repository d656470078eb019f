package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"filesense/internal/organizer"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "llama3.1"
)

// HTTPError is a non-2xx answer from the Ollama server.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama status: %s", e.Status)
	}
	return fmt.Sprintf("ollama status: %s: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *HTTPError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

// OllamaClassifier classifies batches with a local model through /api/generate.
type OllamaClassifier struct {
	baseURL    string
	model      string
	version    string
	httpClient *http.Client
}

func NewOllamaClassifier(baseURL, model, promptVersion string) (*OllamaClassifier, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("ollama classifier: invalid base url %q", baseURL)
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaClassifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		version: versionString("ollama", model, promptVersion),
		// the organizer bounds every call with its batch timeout
		httpClient: &http.Client{},
	}, nil
}

func (c *OllamaClassifier) Version() string {
	return c.version
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *OllamaClassifier) Classify(ctx context.Context, files []organizer.ClassifyFile) ([]organizer.ClassifyResult, error) {
	if len(files) == 0 {
		return nil, nil
	}

	var out generateResponse
	err := c.postJSON(ctx, "/api/generate", generateRequest{
		Model:  c.model,
		System: systemPrompt,
		Prompt: buildUserPrompt(files),
		Stream: false,
		Format: "json",
	}, &out)
	if err != nil {
		return nil, err
	}
	return ParseResponse(out.Response, files)
}

func (c *OllamaClassifier) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return organizer.WrapError(organizer.ErrClassifierUnavailable, "ollama generate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(msg)),
		}
		if httpErr.Retryable() {
			return organizer.WrapError(organizer.ErrClassifierUnavailable, "ollama generate", httpErr)
		}
		return httpErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return malformed("decode ollama response: " + err.Error())
	}
	return nil
}
