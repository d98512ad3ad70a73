package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/primoscope/echotune-router/backend/app"
	"github.com/primoscope/echotune-router/backend/services/providers"
	"github.com/primoscope/echotune-router/backend/services/routing"
	"github.com/primoscope/echotune-router/backend/utils"
	"go.uber.org/zap"
)

// GenerateRequest is the request body for POST /api/v1/generate
type GenerateRequest struct {
	Type    string `json:"type" validate:"required,oneof=text-generation embeddings rerank"`
	Payload string `json:"payload" validate:"required"`
	Model   string `json:"model,omitempty"`

	Temperature float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	TopP        float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	TopK        int     `json:"top_k,omitempty" validate:"omitempty,gt=0"`

	// Routing options
	Strategy     string  `json:"strategy,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	MaxLatencyMs int     `json:"max_latency_ms,omitempty" validate:"omitempty,gt=0"`
	MaxCostUSD   float64 `json:"max_cost_usd,omitempty" validate:"omitempty,gt=0"`

	UserHash string `json:"user_hash,omitempty"`
}

// GenerateResponse is the response body for POST /api/v1/generate
type GenerateResponse struct {
	TraceID   string            `json:"trace_id"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Text      string            `json:"text,omitempty"`
	Embedding []float64         `json:"embedding,omitempty"`
	Scores    []float64         `json:"scores,omitempty"`
	Usage     providers.Usage   `json:"usage"`
	CostUSD   float64           `json:"cost_usd"`
	LatencyMs int64             `json:"latency_ms"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// GenerateHandler handles POST /api/v1/generate: it normalizes the request,
// hands it to the router, and maps the outcome to HTTP.
func GenerateHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := middleware.GetReqID(r.Context())
		if traceID == "" {
			traceID = uuid.New().String()
		}

		var genReq GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&genReq); err != nil {
			deps.Logger.Warn("failed to parse request body",
				zap.String("trace_id", traceID),
				zap.Error(err))
			_ = utils.WriteBadRequest(w, "Invalid request body", nil)
			return
		}

		if err := utils.ValidateStruct(&genReq); err != nil {
			deps.Logger.Warn("request validation failed",
				zap.String("trace_id", traceID),
				zap.Error(err))
			HandleValidationError(w, err, deps.Logger)
			return
		}

		req := &providers.AIRequest{
			Type:    providers.TaskType(genReq.Type),
			Model:   genReq.Model,
			Payload: genReq.Payload,
			Options: providers.GenerationOptions{
				Temperature: genReq.Temperature,
				MaxTokens:   genReq.MaxTokens,
				TopP:        genReq.TopP,
				TopK:        genReq.TopK,
			},
			TraceID:  traceID,
			UserHash: genReq.UserHash,
		}
		opts := routing.Options{
			Strategy:     genReq.Strategy,
			Model:        genReq.Model,
			Provider:     genReq.Provider,
			MaxLatencyMs: genReq.MaxLatencyMs,
			MaxCostUSD:   genReq.MaxCostUSD,
		}

		resp, err := deps.Router.Send(r.Context(), req, opts)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		deps.Logger.Info("generate request served",
			zap.String("trace_id", traceID),
			zap.String("provider", resp.Provider),
			zap.String("model", resp.Model),
			zap.Int64("latency_ms", resp.Latency.Milliseconds()))

		out := GenerateResponse{
			TraceID:   traceID,
			Provider:  resp.Provider,
			Model:     resp.Model,
			Text:      resp.Text,
			Embedding: resp.Embedding,
			Scores:    resp.Scores,
			Usage:     resp.Usage,
			CostUSD:   resp.CostUSD,
			LatencyMs: resp.Latency.Milliseconds(),
			Metadata:  resp.Metadata,
		}
		if err := utils.WriteOK(w, out); err != nil {
			deps.Logger.Error("failed to write response",
				zap.String("trace_id", traceID),
				zap.Error(err))
		}
	}
}
