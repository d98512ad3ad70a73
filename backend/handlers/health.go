package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/primoscope/echotune-router/backend/app"
	"go.uber.org/zap"
)

// HealthCheck returns a simple liveness handler
func HealthCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ReadinessCheck reports whether the router can serve traffic: at least one
// provider must be usable, and the decision log database (when configured)
// must answer a ping.
func ReadinessCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		ready := true

		if available := deps.Registry.Available(); len(available) == 0 {
			ready = false
			checks["providers"] = "none_available"
		} else {
			checks["providers"] = "available"
		}

		if deps.DB == nil {
			checks["decision_log"] = "not_configured"
		} else if err := deps.DB.HealthCheck(ctx); err != nil {
			// The decision log is an observability sink; routing still works
			// without it, so an unhealthy database degrades but stays ready
			checks["decision_log"] = "unhealthy"
			deps.Logger.Error("decision log health check failed", zap.Error(err))
		} else {
			checks["decision_log"] = "healthy"
		}

		response := map[string]interface{}{
			"status": "ready",
			"checks": checks,
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			response["status"] = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(response)
	}
}

// StatusHandler returns the full provider health report
func StatusHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := deps.Router.Status()

		response := map[string]interface{}{
			"environment": deps.Config.Environment,
			"report":      report,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
