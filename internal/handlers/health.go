package handlers

import (
	"net/http"
	"sort"
	"time"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/repositories"
)

// BuildInfo is reported by /healthz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	build   BuildInfo
	probes  repositories.HealthRepository
	started time.Time
	now     func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

// WithHealthProbes sets the dependency probes used by /readyz.
func WithHealthProbes(probes repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) { h.probes = probes }
}

// WithHealthClock overrides time.Now.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.started = h.now()
	return h
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":      domain.HealthStatusOK,
		"version":     h.build.Version,
		"commitSha":   h.build.CommitSHA,
		"environment": h.build.Environment,
		"uptime":      h.now().Sub(h.started).Round(time.Second).String(),
	})
}

// Readyz probes dependencies; anything other than ok is a 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.probes == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": domain.HealthStatusOK, "checks": map[string]any{}})
		return
	}
	report := h.probes.Collect(r.Context())

	checks := make(map[string]any, len(report.Checks))
	var details []string
	for name, check := range report.Checks {
		entry := map[string]any{"status": check.Status, "latencyMs": check.Latency.Milliseconds()}
		if check.Error != "" {
			entry["error"] = check.Error
			details = append(details, name+": "+check.Error)
		}
		checks[name] = entry
	}
	sort.Strings(details)

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, map[string]any{
		"status":      report.Status,
		"checks":      checks,
		"details":     details,
		"generatedAt": formatTime(report.GeneratedAt),
	})
}
