package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/adperf-engine/internal/collector"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/jobs"
	"github.com/ignite/adperf-engine/internal/lifecycle"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/pkg/httputil"
	"github.com/ignite/adperf-engine/internal/smartcache"
	"github.com/ignite/adperf-engine/internal/source"
	"github.com/ignite/adperf-engine/internal/transition"
)

// Handlers serves the consumer read endpoint and the trigger surface.
type Handlers struct {
	cache      *smartcache.Cache
	collector  *collector.Collector
	transition *transition.Handler
	lifecycle  *lifecycle.Manager
}

// NewHandlers wires the handlers to the engine's services.
func NewHandlers(cache *smartcache.Cache, coll *collector.Collector, th *transition.Handler, lm *lifecycle.Manager) *Handlers {
	return &Handlers{cache: cache, collector: coll, transition: th, lifecycle: lm}
}

// metricsResponse adds the upstream error text, which Result keeps out of
// its own JSON.
type metricsResponse struct {
	smartcache.Result
	Error string `json:"error,omitempty"`
}

// GetMetrics returns the current-period snapshot for one account.
//
//	GET /api/metrics/{platform}/{accountID}?refresh=true
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	platform, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	force := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			httputil.BadRequest(w, "refresh must be a boolean")
			return
		}
	}

	res, err := h.cache.Get(r.Context(), chi.URLParam(r, "accountID"), platform, force)
	if err != nil {
		httputil.FromError(w, err, httputil.Rule{Target: domain.ErrAccountNotFound, Status: http.StatusNotFound, Code: "account_not_found"})
		return
	}

	resp := metricsResponse{Result: res}
	if res.Err != nil {
		resp.Error = publicUpstreamError(res.Err)
	}
	httputil.OK(w, resp)
}

// publicUpstreamError names the failure class without upstream details.
func publicUpstreamError(err error) string {
	switch {
	case errors.Is(err, source.ErrAuthInvalid):
		return "upstream credentials rejected"
	case errors.Is(err, source.ErrRateLimited):
		return "upstream rate limited"
	case errors.Is(err, source.ErrNotFound):
		return "upstream account not found"
	default:
		return "upstream unavailable"
	}
}

// TriggerRefresh runs the proactive refresh sweep.
//
//	POST /api/triggers/refresh
func (h *Handlers) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.cache.ProactiveRefresh(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, report)
}

var backfillRules = []httputil.Rule{
	{Target: domain.ErrUnknownGranularity, Status: http.StatusBadRequest, Code: "unknown_granularity"},
	{Target: period.ErrInvalidID, Status: http.StatusBadRequest, Code: "invalid_period"},
	{Target: collector.ErrInvalidRange, Status: http.StatusBadRequest, Code: "invalid_range"},
	{Target: source.ErrNoSource, Status: http.StatusBadRequest, Code: "platform_not_configured"},
}

type backfillRequest struct {
	Platforms   []string `json:"platforms"`
	AccountIDs  []string `json:"account_ids"`
	Granularity string   `json:"granularity"`
	Periods     int      `json:"periods"`
	From        string   `json:"from"`
	To          string   `json:"to"`
}

// TriggerBackfill starts a detached backfill and acknowledges immediately.
//
//	POST /api/triggers/backfill
func (h *Handlers) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	var body backfillRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Periods < 0 {
		httputil.BadRequest(w, "periods must be positive")
		return
	}

	req := collector.Request{AccountIDs: body.AccountIDs, Periods: body.Periods, From: body.From, To: body.To}
	for _, p := range body.Platforms {
		platform, err := domain.ParsePlatform(p)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		req.Platforms = append(req.Platforms, platform)
	}
	if body.Granularity != "" {
		g, err := domain.ParseGranularity(body.Granularity)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		req.Granularity = g
	}

	id, err := h.collector.Start(r.Context(), req)
	if err != nil {
		httputil.FromError(w, err, backfillRules...)
		return
	}
	httputil.Accepted(w, map[string]string{"job_id": id, "status": "started"})
}

// TriggerTransition runs the period transition handler.
//
//	POST /api/triggers/transition
func (h *Handlers) TriggerTransition(w http.ResponseWriter, r *http.Request) {
	reports, err := h.transition.Run(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"reports": reports})
}

// TriggerArchive folds completed daily rows into summaries.
//
//	POST /api/triggers/lifecycle/archive
func (h *Handlers) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	report, err := h.lifecycle.ArchiveCompleted(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, report)
}

// TriggerCleanup applies retention.
//
//	POST /api/triggers/lifecycle/cleanup
func (h *Handlers) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.lifecycle.Cleanup(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, report)
}

// GetLifecycleStatus reports table sizes and the last lifecycle runs.
//
//	GET /api/lifecycle/status
func (h *Handlers) GetLifecycleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.lifecycle.Status(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, status)
}

// GetJob returns one tracked job.
//
//	GET /api/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.collector.Tracker().Get(chi.URLParam(r, "id"))
	if err != nil {
		httputil.FromError(w, err, httputil.Rule{Target: jobs.ErrNotFound, Status: http.StatusNotFound, Code: "job_not_found"})
		return
	}
	httputil.OK(w, job)
}

// ListJobs returns tracked jobs, newest first.
//
//	GET /api/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	list := h.collector.Tracker().List()
	httputil.OK(w, map[string]interface{}{"jobs": list, "count": len(list)})
}
