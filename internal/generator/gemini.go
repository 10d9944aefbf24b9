package generator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genjobs/internal/infra"
)

// Options controls how the Gemini generator is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Gemini generates long-form text through the Gemini API. When no API
// key is configured it produces deterministic synthetic output so the
// whole pipeline stays exercisable in local and CI environments.
type Gemini struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewGemini constructs a Gemini generator with sane defaults. Callers may
// provide a nil HTTP client; a reusable one is created.
func NewGemini(opts Options) (*Gemini, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Gemini{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
	}, nil
}

// Model returns the configured Gemini model identifier.
func (g *Gemini) Model() string {
	return g.model
}

// Generate runs one generation. Failures are classified: 4xx responses
// other than timeout and rate-limit are non-recoverable, everything
// else (timeouts, 429, 5xx, network errors) is recoverable.
func (g *Gemini) Generate(ctx context.Context, input json.RawMessage) (*Output, *Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, Retryable(err)
	}

	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return nil, nil, Fatal(fmt.Errorf("decode input: %w", err))
	}
	if payload.Prompt == "" {
		return nil, nil, Fatal(fmt.Errorf("prompt is required"))
	}

	if g.apiKey == "" {
		return g.synthetic(payload.Prompt)
	}

	start := time.Now()
	out, usage, err := g.remoteGenerate(ctx, payload.Prompt)
	if err != nil {
		return nil, nil, err
	}
	usage.DurationMS = time.Since(start).Milliseconds()
	return out, usage, nil
}

// synthetic produces a deterministic placeholder document keyed by the
// prompt, keeping the pipeline verifiable end-to-end without an API key.
func (g *Gemini) synthetic(prompt string) (*Output, *Usage, error) {
	sum := sha256.Sum256([]byte(g.model + "\x00" + prompt))
	seed := hex.EncodeToString(sum[:8])

	text := fmt.Sprintf("Synthetic generation %s\n\nPrompt: %s\n", seed, prompt)
	g.logger.Debug().
		Str("model", g.model).
		Str("seed", seed).
		Msg("generator: produced synthetic output")

	return &Output{Text: text, Format: "text/plain"},
		&Usage{Model: g.model, InputTokens: len(prompt) / 4, OutputTokens: len(text) / 4},
		nil
}

func (g *Gemini) remoteGenerate(ctx context.Context, prompt string) (*Output, *Usage, error) {
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt}},
		}},
	}

	var response geminiGenerateContentResponse
	if err := g.invoke(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(g.model)), payload, &response); err != nil {
		return nil, nil, err
	}

	var sb strings.Builder
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, nil, Retryable(fmt.Errorf("no content returned"))
	}

	g.logger.Debug().
		Str("model", g.model).
		Int("output_tokens", response.UsageMetadata.CandidatesTokenCount).
		Msg("generator: remote generation succeeded")

	return &Output{Text: sb.String(), Format: "text/markdown"},
		&Usage{
			Model:        g.model,
			InputTokens:  response.UsageMetadata.PromptTokenCount,
			OutputTokens: response.UsageMetadata.CandidatesTokenCount,
		},
		nil
}

func (g *Gemini) invoke(ctx context.Context, path string, payload any, out any) error {
	endpoint := strings.TrimRight(g.baseURL, "/") + path
	body, err := json.Marshal(payload)
	if err != nil {
		return Fatal(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Fatal(fmt.Errorf("create request: %w", err))
	}
	q := req.URL.Query()
	q.Set("key", g.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Retryable(fmt.Errorf("invoke gemini: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := fmt.Errorf("gemini status %d", resp.StatusCode)
		var parsed geminiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil && parsed.Error.Message != "" {
			apiErr = fmt.Errorf("gemini status %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode >= http.StatusInternalServerError {
			return Retryable(apiErr)
		}
		return Fatal(apiErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Retryable(fmt.Errorf("decode gemini response: %w", err))
	}
	return nil
}

var _ Generator = (*Gemini)(nil)
