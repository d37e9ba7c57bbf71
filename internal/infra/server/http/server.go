// Package httpserver exposes read-only health and status probes for operators.
package httpserver

import (
	"context"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/voltlink/internal/app/connector"
	"github.com/coachpo/voltlink/internal/domain/schema"
)

const (
	healthPath       = "/healthz"
	statusPath       = "/status"
	marketsPrefix    = "/markets/"
	latestPathSuffix = "/latest"
)

// StatusSource is the part of the connector the probes read.
type StatusSource interface {
	GetServiceStatus() connector.ServiceStatus
	GetLatest(ctx context.Context, marketID, symbol string, kind schema.DataKind) (schema.MarketDataPoint, bool)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	source StatusSource
}

// NewHandler serves:
//
//	GET /healthz                                  200 when every market is connected or in maintenance, else 503
//	GET /status                                   per-market snapshots and the aggregate
//	GET /markets/{id}/latest?kind=price&symbol=X  latest normalized point
func NewHandler(source StatusSource) http.Handler {
	server := &httpServer{source: source}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(marketsPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getLatest,
	}))
	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.source.GetServiceStatus()
	code := http.StatusOK
	state := "ok"
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": state, "aggregate": status.Aggregate})
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.GetServiceStatus())
}

func (s *httpServer) getLatest(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, marketsPrefix)
	marketID, ok := strings.CutSuffix(rest, latestPathSuffix)
	if !ok || marketID == "" || strings.Contains(marketID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	kind := schema.DataKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind == "" {
		kind = schema.DataKindPrice
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown data kind "+string(kind))
		return
	}
	point, found := s.source.GetLatest(r.Context(), marketID, strings.TrimSpace(r.URL.Query().Get("symbol")), kind)
	if !found {
		writeError(w, http.StatusNotFound, "no data for market "+marketID)
		return
	}
	writeJSON(w, http.StatusOK, point)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
