package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/connexus/finchat/internal/cacheclient"
)

// DBPinger is the interface for checking database connectivity.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// LLMStatus reports the LLM Client's last-known-good state without
// triggering a model load of its own (spec §6.1's explicit constraint on
// the detailed health check).
type LLMStatus interface {
	Status() (healthy bool, since time.Time)
}

// Health returns a handler that reports server and database health.
// GET /api/health — returns {"status":"healthy","version":"..."} without auth.
func Health(db DBPinger, version ...string) http.HandlerFunc {
	ver := "0.0.0"
	if len(version) > 0 && version[0] != "" {
		ver = version[0]
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := "healthy"
		dbStatus := "connected"
		httpStatus := http.StatusOK

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				status = "degraded"
				dbStatus = "disconnected"
				httpStatus = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(map[string]string{
			"status":   status,
			"version":  ver,
			"database": dbStatus,
		})
	}
}

const detailedProbeTimeout = 500 * time.Millisecond

// DetailedHealth returns a handler that additionally probes the Cache
// Client with a bounded timeout and reports the LLM Client's last-known-good
// status, derived from actual completion traffic rather than a synthetic
// call that would itself load the model. GET /api/health/detailed.
func DetailedHealth(db DBPinger, cache cacheclient.Cache, llm LLMStatus, version ...string) http.HandlerFunc {
	ver := "0.0.0"
	if len(version) > 0 && version[0] != "" {
		ver = version[0]
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := "healthy"
		httpStatus := http.StatusOK

		dbStatus := "connected"
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				status = "degraded"
				dbStatus = "disconnected"
				httpStatus = http.StatusServiceUnavailable
			}
		}

		cacheStatus := "unavailable"
		if cache != nil {
			probeCtx, probeCancel := context.WithTimeout(ctx, detailedProbeTimeout)
			probeKey := "health:probe"
			cache.Set(probeCtx, probeKey, []byte("1"), 5*time.Second)
			if _, ok := cache.Get(probeCtx, probeKey); ok {
				cacheStatus = "connected"
			} else {
				cacheStatus = "degraded"
			}
			probeCancel()
		}

		llmStatus := "unknown"
		if llm != nil {
			healthy, since := llm.Status()
			switch {
			case since.IsZero():
				llmStatus = "unknown"
			case healthy:
				llmStatus = "connected"
			default:
				llmStatus = "degraded"
				status = "degraded"
				if httpStatus == http.StatusOK {
					httpStatus = http.StatusServiceUnavailable
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(map[string]string{
			"status":   status,
			"version":  ver,
			"database": dbStatus,
			"cache":    cacheStatus,
			"llm":      llmStatus,
		})
	}
}
