package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesense/internal/config"
	"filesense/internal/organizer"
)

func batch(ids ...int64) []organizer.ClassifyFile {
	files := make([]organizer.ClassifyFile, 0, len(ids))
	for _, id := range ids {
		files = append(files, organizer.ClassifyFile{
			FileID:     id,
			Filename:   "file.pdf",
			Extension:  "pdf",
			Size:       100,
			ModifiedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return files
}

func TestParseResponse(t *testing.T) {
	t.Run("valid answer is normalized", func(t *testing.T) {
		raw := `{"classifications":[
			{"file_id":1,"category":"02 Finances","subcategory":" Taxes ","tags":["IRS","irs"," 2023 ",""],
			 "confidence":1.4,"document_type":"tax","entity":" ACME "},
			{"file_id":2,"category":"something odd","confidence":0.1}
		]}`
		results, err := ParseResponse(raw, batch(1, 2))
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.Equal(t, organizer.CategoryMoney, results[0].Category)
		assert.Equal(t, "Taxes", results[0].Subcategory)
		assert.Equal(t, []string{"irs", "2023"}, results[0].Tags)
		assert.Equal(t, organizer.MaxConfidence, results[0].Confidence)
		assert.Equal(t, "Tax", results[0].DocumentType)
		assert.Equal(t, "ACME", results[0].Entity)

		assert.Equal(t, organizer.CategoryReview, results[1].Category)
		assert.Equal(t, organizer.MinConfidence, results[1].Confidence)
		assert.Equal(t, "Unknown", results[1].DocumentType)
	})

	t.Run("fenced answer", func(t *testing.T) {
		raw := "```json\n{\"classifications\":[{\"file_id\":7,\"category\":\"Work\",\"confidence\":0.8}]}\n```"
		results, err := ParseResponse(raw, batch(7))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, organizer.CategoryWork, results[0].Category)
		assert.InDelta(t, 0.8, results[0].Confidence, 1e-9)
	})

	t.Run("partial answer", func(t *testing.T) {
		raw := `{"classifications":[{"file_id":2,"category":"Health","confidence":0.9}]}`
		results, err := ParseResponse(raw, batch(1, 2, 3))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, int64(2), results[0].FileID)
	})

	t.Run("duplicate entries keep the first", func(t *testing.T) {
		raw := `{"classifications":[
			{"file_id":1,"category":"Health","confidence":0.9},
			{"file_id":1,"category":"Legal","confidence":0.9}]}`
		results, err := ParseResponse(raw, batch(1))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, organizer.CategoryHealth, results[0].Category)
	})

	malformedCases := map[string]string{
		"empty":              "",
		"not json":           "sure, here you go",
		"missing envelope":   `{"results":[]}`,
		"unknown file":       `{"classifications":[{"file_id":99,"category":"Work","confidence":0.9}]}`,
		"missing file id":    `{"classifications":[{"category":"Work","confidence":0.9}]}`,
		"empty category":     `{"classifications":[{"file_id":1,"category":" ","confidence":0.9}]}`,
		"missing confidence": `{"classifications":[{"file_id":1,"category":"Work"}]}`,
		"string confidence":  `{"classifications":[{"file_id":1,"category":"Work","confidence":"high"}]}`,
	}
	for name, raw := range malformedCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse(raw, batch(1))
			require.Error(t, err)
			assert.True(t, errors.Is(err, organizer.ErrMalformedResponse), "err = %v", err)
		})
	}
}

func TestHeuristicClassifier(t *testing.T) {
	c := NewHeuristicClassifier("")
	assert.Equal(t, "heuristic:keywords:"+PromptVersion, c.Version())

	files := []organizer.ClassifyFile{
		{FileID: 1, Filename: "Tax_Return-2023.pdf", Extension: "pdf", Snippet: "IRS refund summary"},
		{FileID: 2, Filename: "holiday.jpg", Extension: "jpg"},
		{FileID: 3, Filename: "budget.xlsx", Extension: "xlsx", Snippet: "bank statement balance"},
		{FileID: 4, Filename: "employment contract.docx", Extension: "docx"},
	}
	results, err := c.Classify(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, organizer.CategoryMoney, results[0].Category)
	assert.Equal(t, "Taxes", results[0].Subcategory)
	assert.Equal(t, "Tax", results[0].DocumentType)
	assert.InDelta(t, 0.65, results[0].Confidence, 1e-9)
	assert.Equal(t, []string{"tax", "irs", "refund"}, results[0].Tags)

	assert.Equal(t, organizer.CategoryReview, results[1].Category)
	assert.InDelta(t, 0.55, results[1].Confidence, 1e-9)

	assert.Equal(t, organizer.CategoryMoney, results[2].Category)
	assert.Equal(t, "Statement", results[2].DocumentType)

	assert.Equal(t, organizer.CategoryLegal, results[3].Category)

	for _, r := range results {
		assert.GreaterOrEqual(t, r.Confidence, 0.55)
		assert.LessOrEqual(t, r.Confidence, 0.75)
	}
}

func TestHeuristicClassifier_ConfidenceCap(t *testing.T) {
	c := NewHeuristicClassifier("v9")
	assert.Equal(t, "heuristic:keywords:v9", c.Version())

	results, err := c.Classify(context.Background(), []organizer.ClassifyFile{
		{FileID: 1, Filename: "tax.pdf", Snippet: "taxes w2 1099 irs hmrc deduction refund"},
	})
	require.NoError(t, err)
	assert.InDelta(t, heuristicMax, results[0].Confidence, 1e-9)
}

func TestHeuristicClassifier_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHeuristicClassifier("").Classify(ctx, batch(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, "tax return 2023 pdf", tokenize("Tax_Return-2023.pdf"))
	assert.Equal(t, "", tokenize("  --  "))
}

func ollamaServer(t *testing.T, handler http.HandlerFunc) *OllamaClassifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewOllamaClassifier(srv.URL+"/", "tiny", "")
	require.NoError(t, err)
	return c
}

func TestOllamaClassifier(t *testing.T) {
	t.Run("generate request", func(t *testing.T) {
		var got generateRequest
		c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/generate", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(generateResponse{
				Response: `{"classifications":[{"file_id":5,"category":"Legal","confidence":0.91}]}`,
			})
		})
		assert.Equal(t, "ollama:tiny:"+PromptVersion, c.Version())

		results, err := c.Classify(context.Background(), batch(5))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, organizer.CategoryLegal, results[0].Category)

		assert.Equal(t, "tiny", got.Model)
		assert.Equal(t, "json", got.Format)
		assert.False(t, got.Stream)
		assert.Contains(t, got.Prompt, `"file_id":5`)
	})

	statusCases := []struct {
		code        int
		unavailable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadGateway, true},
		{http.StatusNotFound, false},
		{http.StatusBadRequest, false},
	}
	for _, tc := range statusCases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model says no", tc.code)
			})
			_, err := c.Classify(context.Background(), batch(1))
			require.Error(t, err)

			var httpErr *HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tc.code, httpErr.StatusCode)
			assert.Equal(t, "model says no", httpErr.Body)
			assert.Equal(t, tc.unavailable, errors.Is(err, organizer.ErrClassifierUnavailable))
		})
	}

	t.Run("unreachable server", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c, err := NewOllamaClassifier(url, "", "")
		require.NoError(t, err)
		_, err = c.Classify(context.Background(), batch(1))
		assert.ErrorIs(t, err, organizer.ErrClassifierUnavailable)
	})

	t.Run("garbage body", func(t *testing.T) {
		c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		})
		_, err := c.Classify(context.Background(), batch(1))
		assert.ErrorIs(t, err, organizer.ErrMalformedResponse)
	})

	t.Run("invalid base url", func(t *testing.T) {
		_, err := NewOllamaClassifier("localhost:11434", "", "")
		assert.Error(t, err)
	})
}

func openAIServer(t *testing.T, handler http.HandlerFunc) *OpenAIClassifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewOpenAIClassifier("sk-test", srv.URL+"/v1", "mini", "")
	require.NoError(t, err)
	return c
}

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func TestOpenAIClassifier(t *testing.T) {
	t.Run("json mode request", func(t *testing.T) {
		var got map[string]any
		c := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(chatCompletion(
				`{"classifications":[{"file_id":1,"category":"clientes","confidence":0.77,"entity":"Globex"}]}`))
		})
		assert.Equal(t, "openai:mini:"+PromptVersion, c.Version())

		results, err := c.Classify(context.Background(), batch(1, 2))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, organizer.CategoryClients, results[0].Category)
		assert.Equal(t, "Globex", results[0].Entity)

		assert.Equal(t, "mini", got["model"])
		format, ok := got["response_format"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "json_object", format["type"])
	})

	t.Run("rate limited", func(t *testing.T) {
		c := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
		})
		_, err := c.Classify(context.Background(), batch(1))
		assert.ErrorIs(t, err, organizer.ErrClassifierUnavailable)
	})

	t.Run("bad request is permanent", func(t *testing.T) {
		c := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
		})
		_, err := c.Classify(context.Background(), batch(1))
		require.Error(t, err)
		assert.False(t, errors.Is(err, organizer.ErrClassifierUnavailable))
	})

	t.Run("prose answer", func(t *testing.T) {
		c := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(chatCompletion("I think these are taxes."))
		})
		_, err := c.Classify(context.Background(), batch(1))
		assert.ErrorIs(t, err, organizer.ErrMalformedResponse)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := NewOpenAIClassifier("", "", "", "")
		assert.Error(t, err)
	})
}

func TestNewClassifierFromConfig(t *testing.T) {
	t.Setenv("FILESENSE_TEST_OPENAI_KEY", "sk-abc")

	c, err := NewClassifierFromConfig(config.ClassifierConfig{})
	require.NoError(t, err)
	assert.IsType(t, &HeuristicClassifier{}, c)

	c, err = NewClassifierFromConfig(config.ClassifierConfig{Type: "openai", APIKeyEnv: "FILESENSE_TEST_OPENAI_KEY", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClassifier{}, c)
	assert.Equal(t, "openai:m:"+PromptVersion, c.Version())

	_, err = NewClassifierFromConfig(config.ClassifierConfig{Type: "openai", APIKeyEnv: "FILESENSE_TEST_UNSET_KEY"})
	assert.Error(t, err)

	c, err = NewClassifierFromConfig(config.ClassifierConfig{Type: "ollama", Version: "p9"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:"+DefaultOllamaModel+":p9", c.Version())

	_, err = NewClassifierFromConfig(config.ClassifierConfig{Type: "oracle"})
	assert.Error(t, err)
}
