package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bons-ai/router/internal/billing"
	"github.com/bons-ai/router/internal/routing"
	"github.com/bons-ai/router/internal/variant"
	"github.com/bons-ai/router/pkg/ratelimit"
)

// CallerHeader identifies the calling studio/surface for rate limiting
// and usage attribution. Absent callers share the anonymous bucket.
const CallerHeader = "X-Caller-ID"

type Handler struct {
	router  *routing.Enhanced
	billing billing.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

func NewHandler(router *routing.Enhanced, billingStore billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		router:  router,
		billing: billingStore,
		limiter: limiter,
		tracer:  tracer,
	}
}

func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	callerID, requestID, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.route")
	defer span.End()
	span.SetAttributes(routeAttrs(callerID, requestID, req)...)

	start := time.Now()
	resp, err := h.router.Route(ctx, req)
	if err != nil {
		// Only an unknown explicit variant reaches here.
		status := http.StatusBadGateway
		if errors.Is(err, variant.ErrUnknownVariant) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	h.logRoute(callerID, requestID, req, resp, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleRouteStream(w http.ResponseWriter, r *http.Request) {
	callerID, requestID, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.route.stream")
	defer span.End()
	span.SetAttributes(routeAttrs(callerID, requestID, req)...)

	start := time.Now()
	ch, err := h.router.StreamRoute(ctx, req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, variant.ErrUnknownVariant) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		if chunk.Done {
			if chunk.Response != nil {
				meta, _ := json.Marshal(chunk.Response)
				fmt.Fprintf(w, "event: metadata\ndata: %s\n\n", meta)
				h.logRoute(callerID, requestID, req, chunk.Response, time.Since(start))
			}
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		payload, _ := json.Marshal(deltaEvent{Delta: chunk.Delta})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func (h *Handler) HandleCollaborate(w http.ResponseWriter, r *http.Request) {
	callerID, requestID, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.collaborate")
	defer span.End()
	span.SetAttributes(routeAttrs(callerID, requestID, req)...)

	start := time.Now()
	resp, err := h.router.RouteCollaboration(ctx, req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, variant.ErrUnknownVariant) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	h.logRoute(callerID, requestID, req, resp, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.SystemStatus())
}

func (h *Handler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.RoutingAnalytics())
}

func (h *Handler) HandleBrake(w http.ResponseWriter, r *http.Request) {
	h.router.EmergencyBrake()
	writeJSON(w, http.StatusOK, map[string]string{"status": "brake engaged"})
}

func (h *Handler) HandleReleaseBrake(w http.ResponseWriter, r *http.Request) {
	h.router.ReleaseBrake()
	writeJSON(w, http.StatusOK, map[string]string{"status": "brake released"})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	callerID := callerFrom(r)

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	logs, err := h.billing.GetRoutesByCaller(r.Context(), callerID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totalCost, err := h.billing.GetTotalCostByCaller(r.Context(), callerID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"caller_id":      callerID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

// prepare decodes and validates the request body and applies the
// per-caller rate limit. On failure it has already written a response.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, *routing.Request, bool) {
	callerID := callerFrom(r)
	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	var req routing.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", "", nil, false
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return "", "", nil, false
	}

	complexity, err := routing.ParseComplexity(string(req.Complexity))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", nil, false
	}
	req.Complexity = complexity

	estimated := routing.EstimateTokens(req.Prompt)
	allowed, err := h.limiter.Allow(r.Context(), callerID, int(estimated))
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return "", "", nil, false
	}

	return callerID, requestID, &req, true
}

func routeAttrs(callerID, requestID string, req *routing.Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("caller_id", callerID),
		attribute.String("request_id", requestID),
		attribute.String("complexity", string(req.Complexity)),
	}
}

// logRoute persists usage asynchronously; a store failure never affects
// the caller's response.
func (h *Handler) logRoute(callerID, requestID string, req *routing.Request, resp *routing.Response, latency time.Duration) {
	go func() {
		_ = h.billing.LogRoute(context.Background(), &billing.RouteLog{
			RequestID:     requestID,
			CallerID:      callerID,
			Variant:       resp.Variant,
			Provider:      resp.Provider,
			Model:         resp.Model,
			TokensUsed:    resp.TokensUsed,
			CostUSD:       resp.CostUSD,
			FallbackCount: len(resp.FallbacksUsed),
			Success:       resp.Provider != routing.EmergencyProvider,
			Reasoning:     resp.Reasoning,
			LatencyMs:     latency.Milliseconds(),
		})
	}()
}

func callerFrom(r *http.Request) string {
	if id := r.Header.Get(CallerHeader); id != "" {
		return id
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type deltaEvent struct {
	Delta string `json:"delta"`
}
