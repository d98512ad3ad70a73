package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/primoscope/echotune-router/backend/services/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	defaultTimeout = 30 * time.Second
	apiVersion     = "2023-06-01"

	// The messages API requires max_tokens; used when the caller sets none
	defaultMaxTokens = 1024
)

type modelPricing struct {
	prompt     float64
	completion float64
}

var pricing = map[string]modelPricing{
	"claude-3-5-haiku-latest":  {prompt: 0.0000008, completion: 0.000004},
	"claude-sonnet-4-20250514": {prompt: 0.000003, completion: 0.000015},
}

// Config holds the adapter's static configuration
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Adapter implements the Provider interface against the Anthropic messages
// API. Only text generation is supported; Anthropic exposes no embeddings or
// rerank endpoint, so those tasks route elsewhere.
type Adapter struct {
	cfg        Config
	keys       providers.KeySource
	httpClient *http.Client
}

// New creates a new Anthropic adapter
func New(cfg Config, keys providers.KeySource) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-3-5-haiku-latest"
	}
	return &Adapter{
		cfg:        cfg,
		keys:       keys,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "anthropic"
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
			"claude-3-5-haiku-latest", "claude-sonnet-4-20250514",
		},
	}
}

// Generate performs one normalized request against the messages API
func (a *Adapter) Generate(ctx context.Context, req *providers.AIRequest) (*providers.AIResponse, error) {
	if req.Type != providers.TaskTextGeneration {
		return nil, providers.NewProviderError(a.Name(), "unsupported_task",
			fmt.Sprintf("task type %q is not supported", req.Type), http.StatusBadRequest, false, nil)
	}

	key, err := a.credential()
	if err != nil {
		return nil, err
	}

	model := a.resolveModel(req)
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	body := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: req.Payload}},
	}
	if req.Options.Temperature > 0 {
		body.Temperature = &req.Options.Temperature
	}
	if req.Options.TopP > 0 {
		body.TopP = &req.Options.TopP
	}
	if req.Options.TopK > 0 {
		body.TopK = &req.Options.TopK
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "marshal_error", "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "request_error", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "http_error", "request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "read_error", "failed to read response", httpResp.StatusCode, true, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.apiError(httpResp, respBody)
	}

	var resp messagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, providers.NewProviderError(a.Name(), "unmarshal_error", "failed to decode response", httpResp.StatusCode, false, err)
	}
	if len(resp.Content) == 0 {
		return nil, providers.NewProviderError(a.Name(), "empty_response",
			"response contained no content blocks", 0, true, nil)
	}

	return &providers.AIResponse{
		Text: resp.Content[0].Text,
		Usage: providers.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Latency:  time.Since(start),
		Provider: a.Name(),
		Model:    resp.Model,
		Metadata: map[string]string{"stop_reason": resp.StopReason},
	}, nil
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
		completionTokens = defaultMaxTokens
	}
	return promptTokens*p.prompt + completionTokens*p.completion
}

func (a *Adapter) credential() (string, error) {
	if a.keys == nil {
		return "", providers.NewProviderError(a.Name(), "no_credentials",
			"no credential source configured", http.StatusUnauthorized, false, nil)
	}
	key, err := a.keys.Current()
	if err != nil {
		return "", providers.NewProviderError(a.Name(), "no_credentials", err.Error(), http.StatusUnauthorized, false, err)
	}
	return key, nil
}

func (a *Adapter) apiError(resp *http.Response, body []byte) error {
	var apiErr apiErrorResponse
	message := string(body)
	code := "api_error"
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
		code = apiErr.Error.Type
	}

	perr := providers.NewProviderError(
		a.Name(), code, message, resp.StatusCode,
		resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		nil,
	)
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			perr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return perr
}

func (a *Adapter) resolveModel(req *providers.AIRequest) string {
	if req.Model == "" || req.Model == providers.ModelAuto {
		return a.cfg.DefaultModel
	}
	return req.Model
}

// Anthropic wire types

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	TopK        *int      `json:"top_k,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
