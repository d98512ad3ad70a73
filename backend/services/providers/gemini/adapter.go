package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/primoscope/echotune-router/backend/services/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 30 * time.Second
)

type modelPricing struct {
	prompt     float64
	completion float64
}

var pricing = map[string]modelPricing{
	"gemini-1.5-flash":   {prompt: 0.000000075, completion: 0.0000003},
	"gemini-1.5-pro":     {prompt: 0.00000125, completion: 0.000005},
	"text-embedding-004": {prompt: 0.0000000125},
}

// Config holds the adapter's static configuration
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Adapter implements the Provider interface against the Gemini REST API
type Adapter struct {
	cfg        Config
	keys       providers.KeySource
	httpClient *http.Client
}

// New creates a new Gemini adapter
func New(cfg Config, keys providers.KeySource) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-1.5-flash"
	}
	return &Adapter{
		cfg:        cfg,
		keys:       keys,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "gemini"
}

// IsAvailable reports whether the adapter has at least one credential
func (a *Adapter) IsAvailable() bool {
	if a.keys == nil {
		return false
	}
	_, err := a.keys.Current()
	return err == nil
}

// Capabilities describes the provider's declared capabilities
func (a *Adapter) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		Streaming:       true,
		FunctionCalling: true,
		Vision:          true,
		MaxTokens:       8192,
		SupportedModels: []string{
			"gemini-1.5-flash", "gemini-1.5-pro", "text-embedding-004",
		},
	}
}

// Generate performs one normalized request against the Gemini API
func (a *Adapter) Generate(ctx context.Context, req *providers.AIRequest) (*providers.AIResponse, error) {
	start := time.Now()
	switch req.Type {
	case providers.TaskTextGeneration:
		return a.generateText(ctx, req, req.Payload, start)
	case providers.TaskEmbeddings:
		return a.embed(ctx, req, start)
	case providers.TaskRerank:
		return a.rerank(ctx, req, start)
	default:
		return nil, providers.NewProviderError(a.Name(), "unsupported_task",
			fmt.Sprintf("task type %q is not supported", req.Type), http.StatusBadRequest, false, nil)
	}
}

// EstimateCost estimates the cost in USD for a given request
func (a *Adapter) EstimateCost(req *providers.AIRequest) float64 {
	model := a.resolveModel(req)
	p, ok := pricing[model]
	if !ok {
		p = pricing[a.cfg.DefaultModel]
	}

	promptTokens := float64(len(req.Payload)) / 4
	completionTokens := float64(req.Options.MaxTokens)
	if completionTokens == 0 {
		completionTokens = 500
	}
	if req.Type != providers.TaskTextGeneration {
		completionTokens = 0
	}
	return promptTokens*p.prompt + completionTokens*p.completion
}

func (a *Adapter) generateText(ctx context.Context, req *providers.AIRequest, prompt string, start time.Time) (*providers.AIResponse, error) {
	model := a.resolveModel(req)

	body := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     req.Options.Temperature,
			MaxOutputTokens: req.Options.MaxTokens,
			TopP:            req.Options.TopP,
			TopK:            req.Options.TopK,
		},
	}

	var resp generateResponse
	if err := a.post(ctx, fmt.Sprintf("/models/%s:generateContent", model), body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, providers.NewProviderError(a.Name(), "empty_response",
			"response contained no candidates", 0, true, nil)
	}

	cand := resp.Candidates[0]
	return &providers.AIResponse{
		Text: cand.Content.Parts[0].Text,
		Usage: providers.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
		Latency:  time.Since(start),
		Provider: a.Name(),
		Model:    model,
		Metadata: map[string]string{"finish_reason": cand.FinishReason},
	}, nil
}

func (a *Adapter) embed(ctx context.Context, req *providers.AIRequest, start time.Time) (*providers.AIResponse, error) {
	model := a.resolveModel(req)

	body := embedRequest{Content: content{Parts: []part{{Text: req.Payload}}}}

	var resp embedResponse
	if err := a.post(ctx, fmt.Sprintf("/models/%s:embedContent", model), body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, providers.NewProviderError(a.Name(), "empty_response",
			"response contained no embedding", 0, true, nil)
	}

	return &providers.AIResponse{
		Embedding: resp.Embedding.Values,
		Latency:   time.Since(start),
		Provider:  a.Name(),
		Model:     model,
	}, nil
}

func (a *Adapter) rerank(ctx context.Context, req *providers.AIRequest, start time.Time) (*providers.AIResponse, error) {
	payload, err := providers.ParseRerankPayload(req.Payload)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "invalid_payload", err.Error(), http.StatusBadRequest, false, err)
	}

	prompt := providers.RerankSystemPrompt + "\n\n" + payload.Prompt()
	resp, err := a.generateText(ctx, req, prompt, start)
	if err != nil {
		return nil, err
	}

	scores, err := providers.ParseRerankScores(resp.Text, len(payload.Documents))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "malformed_scores", err.Error(), 0, true, err)
	}

	resp.Text = ""
	resp.Scores = scores
	return resp, nil
}

// post issues one API call and decodes the result, mapping failures onto
// ProviderError with any server-supplied retry hint attached
func (a *Adapter) post(ctx context.Context, path string, body, out interface{}) error {
	if a.keys == nil {
		return providers.NewProviderError(a.Name(), "no_credentials",
			"no credential source configured", http.StatusUnauthorized, false, nil)
	}
	key, err := a.keys.Current()
	if err != nil {
		return providers.NewProviderError(a.Name(), "no_credentials", err.Error(), http.StatusUnauthorized, false, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return providers.NewProviderError(a.Name(), "marshal_error", "failed to marshal request", 0, false, err)
	}

	url := a.cfg.BaseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return providers.NewProviderError(a.Name(), "request_error", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return providers.NewProviderError(a.Name(), "http_error", "request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return providers.NewProviderError(a.Name(), "read_error", "failed to read response", httpResp.StatusCode, true, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return a.apiError(httpResp, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return providers.NewProviderError(a.Name(), "unmarshal_error", "failed to decode response", httpResp.StatusCode, false, err)
	}
	return nil
}

// apiError converts a non-200 response into a ProviderError. For rate limits
// the server's retry hint is parsed from the Retry-After header or the
// RetryInfo detail in the error body.
func (a *Adapter) apiError(resp *http.Response, body []byte) error {
	var apiErr apiErrorResponse
	message := string(body)
	code := "api_error"
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
		code = apiErr.Error.Status
	}

	perr := providers.NewProviderError(
		a.Name(), code, message, resp.StatusCode,
		resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		nil,
	)
	if resp.StatusCode == http.StatusTooManyRequests {
		perr.RetryAfter = retryHint(resp.Header.Get("Retry-After"), apiErr)
	}
	return perr
}

func (a *Adapter) resolveModel(req *providers.AIRequest) string {
	if req.Model == "" || req.Model == providers.ModelAuto {
		if req.Type == providers.TaskEmbeddings {
			return "text-embedding-004"
		}
		return a.cfg.DefaultModel
	}
	return req.Model
}

// retryHint extracts a backoff hint from the Retry-After header or the
// google.rpc.RetryInfo detail ("7s" style durations)
func retryHint(header string, apiErr apiErrorResponse) time.Duration {
	if header != "" {
		if secs, err := time.ParseDuration(header + "s"); err == nil {
			return secs
		}
		if t, err := http.ParseTime(header); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	for _, detail := range apiErr.Error.Details {
		if detail.RetryDelay == "" {
			continue
		}
		if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
			return d
		}
	}
	return 0
}

// Gemini wire types

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type embedRequest struct {
	Content content `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}
