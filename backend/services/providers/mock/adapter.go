package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/primoscope/echotune-router/backend/services/providers"
)

const embeddingDim = 32

// Adapter is a deterministic in-process provider. It backs local development
// and tests: responses are pure functions of the payload, and failures can be
// injected per instance.
type Adapter struct {
	mu sync.Mutex

	name         string
	defaultModel string
	latency      time.Duration
	err          error
	errRemaining int
	calls        int
}

// New creates a mock adapter named "mock"
func New() *Adapter {
	return &Adapter{name: "mock", defaultModel: "mock-small"}
}

// NewNamed creates a mock adapter that reports the given name. Tests use it
// to stand in for real providers inside a registry.
func NewNamed(name string) *Adapter {
	return &Adapter{name: name, defaultModel: "mock-small"}
}

// SetLatency makes every call sleep for d before responding
func (a *Adapter) SetLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
}

// SetError makes every subsequent call fail with err until cleared
func (a *Adapter) SetError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	a.errRemaining = -1
}

// FailNTimes makes the next n calls fail with err, then recover
func (a *Adapter) FailNTimes(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	a.errRemaining = n
}

// ClearError removes any injected failure
func (a *Adapter) ClearError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = nil
	a.errRemaining = 0
}

// Calls returns how many Generate calls the adapter has received
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return a.name
}

// IsAvailable always reports true; the mock needs no credentials
func (a *Adapter) IsAvailable() bool {
	return true
}

// Capabilities describes the provider's declared capabilities
func (a *Adapter) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		MaxTokens:       4096,
		SupportedModels: []string{"mock-small", "mock-large"},
	}
}

// EstimateCost returns a nominal per-character cost
func (a *Adapter) EstimateCost(req *providers.AIRequest) float64 {
	return float64(len(req.Payload)) * 0.000001
}

// Generate produces a deterministic response for the request
func (a *Adapter) Generate(ctx context.Context, req *providers.AIRequest) (*providers.AIResponse, error) {
	a.mu.Lock()
	a.calls++
	latency := a.latency
	err := a.err
	if err != nil && a.errRemaining > 0 {
		a.errRemaining--
		if a.errRemaining == 0 {
			a.err = nil
		}
	}
	a.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	model := req.Model
	if model == "" || model == providers.ModelAuto {
		model = a.defaultModel
	}

	resp := &providers.AIResponse{
		Provider: a.name,
		Model:    model,
		Usage: providers.Usage{
			PromptTokens:     len(req.Payload) / 4,
			CompletionTokens: 16,
			TotalTokens:      len(req.Payload)/4 + 16,
		},
	}

	switch req.Type {
	case providers.TaskTextGeneration:
		resp.Text = fmt.Sprintf("mock response to %q", truncate(req.Payload, 48))
	case providers.TaskEmbeddings:
		resp.Embedding = embed(req.Payload)
	case providers.TaskRerank:
		payload, perr := providers.ParseRerankPayload(req.Payload)
		if perr != nil {
			return nil, providers.NewProviderError(a.name, "invalid_payload", perr.Error(), 400, false, perr)
		}
		resp.Scores = score(payload.Query, payload.Documents)
	default:
		return nil, providers.NewProviderError(a.name, "unsupported_task",
			fmt.Sprintf("task type %q is not supported", req.Type), 400, false, nil)
	}

	return resp, nil
}

// embed hashes the payload into a fixed-dimension unit-range vector
func embed(payload string) []float64 {
	out := make([]float64, embeddingDim)
	for i := range out {
		h := fnv.New64a()
		fmt.Fprintf(h, "%d:%s", i, payload)
		out[i] = float64(h.Sum64()%1000) / 1000
	}
	return out
}

// score ranks documents by naive term overlap with the query
func score(query string, docs []string) []float64 {
	terms := strings.Fields(strings.ToLower(query))
	out := make([]float64, len(docs))
	for i, doc := range docs {
		lower := strings.ToLower(doc)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if len(terms) > 0 {
			out[i] = float64(matched) / float64(len(terms))
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
