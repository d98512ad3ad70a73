package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/primoscope/echotune-router/backend/services/providers"
)

const defaultTimeout = 30 * time.Second

// modelPricing is USD per token
type modelPricing struct {
	prompt     float64
	completion float64
}

var pricing = map[string]modelPricing{
	"gpt-4o":                 {prompt: 0.0000025, completion: 0.00001},
	"gpt-4o-mini":            {prompt: 0.00000015, completion: 0.0000006},
	"gpt-4-turbo":            {prompt: 0.00001, completion: 0.00003},
	"text-embedding-3-small": {prompt: 0.00000002},
	"text-embedding-3-large": {prompt: 0.00000013},
}

// Config holds the adapter's static configuration
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Adapter implements the Provider interface against the OpenAI API.
// Credentials are read per call from the key source so rotation decided
// upstream takes effect without rebuilding the adapter.
type Adapter struct {
	cfg        Config
	keys       providers.KeySource
	httpClient *http.Client
}

// New creates a new OpenAI adapter
func New(cfg Config, keys providers.KeySource) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	return &Adapter{
		cfg:        cfg,
		keys:       keys,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "openai"
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
		MaxTokens:       16384,
		SupportedModels: []string{
			"gpt-4o", "gpt-4o-mini", "gpt-4-turbo",
			"text-embedding-3-small", "text-embedding-3-large",
		},
	}
}

// Generate performs one normalized request against the OpenAI API
func (a *Adapter) Generate(ctx context.Context, req *providers.AIRequest) (*providers.AIResponse, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	switch req.Type {
	case providers.TaskTextGeneration:
		return a.generateText(ctx, client, req, start)
	case providers.TaskEmbeddings:
		return a.embed(ctx, client, req, start)
	case providers.TaskRerank:
		return a.rerank(ctx, client, req, start)
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

	// Rough token estimate, four characters per token
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

func (a *Adapter) generateText(ctx context.Context, client *goopenai.Client, req *providers.AIRequest, start time.Time) (*providers.AIResponse, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model: a.resolveModel(req),
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: req.Payload},
		},
		MaxTokens:   req.Options.MaxTokens,
		Temperature: float32(req.Options.Temperature),
		TopP:        float32(req.Options.TopP),
		User:        req.UserHash,
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, a.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, providers.NewProviderError(a.Name(), "empty_response",
			"response contained no choices", 0, true, nil)
	}

	return &providers.AIResponse{
		Text:     resp.Choices[0].Message.Content,
		Usage:    convertUsage(resp.Usage),
		Latency:  time.Since(start),
		Provider: a.Name(),
		Model:    resp.Model,
		Metadata: map[string]string{
			"finish_reason": string(resp.Choices[0].FinishReason),
		},
	}, nil
}

func (a *Adapter) embed(ctx context.Context, client *goopenai.Client, req *providers.AIRequest, start time.Time) (*providers.AIResponse, error) {
	resp, err := client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{req.Payload},
		Model: goopenai.EmbeddingModel(a.resolveModel(req)),
		User:  req.UserHash,
	})
	if err != nil {
		return nil, a.wrapError(err)
	}
	if len(resp.Data) == 0 {
		return nil, providers.NewProviderError(a.Name(), "empty_response",
			"response contained no embeddings", 0, true, nil)
	}

	embedding := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		embedding[i] = float64(v)
	}

	return &providers.AIResponse{
		Embedding: embedding,
		Usage: providers.Usage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Latency:  time.Since(start),
		Provider: a.Name(),
		Model:    string(resp.Model),
	}, nil
}

// rerank scores documents against a query by asking a chat model for a JSON
// array of relevance scores. Payload must be a rerankPayload JSON document.
func (a *Adapter) rerank(ctx context.Context, client *goopenai.Client, req *providers.AIRequest, start time.Time) (*providers.AIResponse, error) {
	payload, err := providers.ParseRerankPayload(req.Payload)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "invalid_payload", err.Error(), http.StatusBadRequest, false, err)
	}

	resp, err := client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: a.resolveModel(req),
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: providers.RerankSystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: payload.Prompt()},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, a.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, providers.NewProviderError(a.Name(), "empty_response",
			"response contained no choices", 0, true, nil)
	}

	scores, err := providers.ParseRerankScores(resp.Choices[0].Message.Content, len(payload.Documents))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "malformed_scores", err.Error(), 0, true, err)
	}

	return &providers.AIResponse{
		Scores:   scores,
		Usage:    convertUsage(resp.Usage),
		Latency:  time.Since(start),
		Provider: a.Name(),
		Model:    resp.Model,
	}, nil
}

// client builds an SDK client around the current credential
func (a *Adapter) client() (*goopenai.Client, error) {
	if a.keys == nil {
		return nil, providers.NewProviderError(a.Name(), "no_credentials",
			"no credential source configured", http.StatusUnauthorized, false, nil)
	}
	key, err := a.keys.Current()
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "no_credentials", err.Error(), http.StatusUnauthorized, false, err)
	}

	cfg := goopenai.DefaultConfig(key)
	if a.cfg.BaseURL != "" {
		cfg.BaseURL = a.cfg.BaseURL
	}
	cfg.HTTPClient = a.httpClient
	return goopenai.NewClientWithConfig(cfg), nil
}

func (a *Adapter) resolveModel(req *providers.AIRequest) string {
	if req.Model == "" || req.Model == providers.ModelAuto {
		if req.Type == providers.TaskEmbeddings {
			return "text-embedding-3-small"
		}
		return a.cfg.DefaultModel
	}
	return req.Model
}

// wrapError maps SDK errors onto ProviderError so the classifier sees the
// HTTP status code
func (a *Adapter) wrapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		code := fmt.Sprintf("%v", apiErr.Code)
		retryable := apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == http.StatusTooManyRequests
		return providers.NewProviderError(a.Name(), code, apiErr.Message, apiErr.HTTPStatusCode, retryable, err)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return providers.NewProviderError(a.Name(), "request_error", reqErr.Error(), reqErr.HTTPStatusCode, reqErr.HTTPStatusCode >= 500, err)
	}

	return providers.NewProviderError(a.Name(), "http_error", err.Error(), 0, true, err)
}

func convertUsage(u goopenai.Usage) providers.Usage {
	return providers.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
