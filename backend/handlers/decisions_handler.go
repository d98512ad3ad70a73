package handlers

import (
	"net/http"
	"strconv"

	"github.com/primoscope/echotune-router/backend/app"
	"github.com/primoscope/echotune-router/backend/utils"
	"go.uber.org/zap"
)

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
)

// ListDecisionsHandler handles GET /api/v1/decisions. With a decision log
// database it serves persisted rows (filterable by trace_id or provider);
// without one it falls back to the in-memory telemetry ring.
func ListDecisionsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)

		if deps.Decisions == nil {
			snapshot := deps.Telemetry.Snapshot()
			recent := snapshot.Recent
			// Newest first, matching the database path
			out := make([]interface{}, 0, limit)
			for i := len(recent) - 1 - offset; i >= 0 && len(out) < limit; i-- {
				out = append(out, recent[i])
			}
			_ = utils.WriteOK(w, out)
			return
		}

		var (
			result interface{}
			err    error
		)
		switch {
		case r.URL.Query().Get("trace_id") != "":
			result, err = deps.Decisions.GetByTraceID(r.Context(), r.URL.Query().Get("trace_id"))
		case r.URL.Query().Get("provider") != "":
			result, err = deps.Decisions.GetByProvider(r.Context(), r.URL.Query().Get("provider"), limit, offset)
		default:
			result, err = deps.Decisions.GetRecent(r.Context(), limit, offset)
		}

		if err != nil {
			deps.Logger.Error("failed to list routing decisions", zap.Error(err))
			_ = utils.WriteInternalServerError(w, "Failed to query decision log")
			return
		}
		_ = utils.WriteOK(w, result)
	}
}

// StatsHandler handles GET /api/v1/stats: aggregate per-provider telemetry
func StatsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := deps.Telemetry.Snapshot()
		_ = utils.WriteOK(w, snapshot.Stats)
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultDecisionLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxDecisionLimit {
		limit = maxDecisionLimit
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
