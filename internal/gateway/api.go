package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/hearth/internal/memory"
)

const maxBodyBytes = 1 << 20

type coreMemoryRequest struct {
	Description string   `json:"description"`
	Importance  *float64 `json:"importance,omitempty"`
}

// Handler returns the HTTP API, including the WebSocket endpoint when that
// channel is enabled.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("POST /v1/messages", g.handleIngest)
	mux.HandleFunc("GET /v1/users/{user}/context", g.handleContext)
	mux.HandleFunc("GET /v1/users/{user}/status", g.handleStatus)
	mux.HandleFunc("POST /v1/users/{user}/condense/{tier}", g.handleCondense)
	mux.HandleFunc("POST /v1/users/{user}/knowledge/extract", g.handleExtractKnowledge)
	mux.HandleFunc("GET /v1/users/{user}/knowledge", g.handleFacts)
	mux.HandleFunc("GET /v1/users/{user}/core-memories", g.handleListCore)
	mux.HandleFunc("POST /v1/users/{user}/core-memories", g.handleAddCore)
	mux.HandleFunc("DELETE /v1/users/{user}/core-memories/{id}", g.handleDeleteCore)

	if ws := g.channels.WebSocket(); ws != nil {
		mux.Handle("GET "+ws.Path(), ws)
	}
	return g.withRequestID(mux)
}

func (g *Gateway) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r)
		g.log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": g.service.Pending(),
	})
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req memory.IngestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ack, err := g.service.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (g *Gateway) handleContext(w http.ResponseWriter, r *http.Request) {
	minImportance, err := optionalFloatParam(r, "min_importance")
	if err != nil {
		writeError(w, err)
		return
	}
	pkg, err := g.service.Context(r.Context(), r.PathValue("user"), memory.ContextOptions{MinImportance: minImportance})
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(pkg.Text))
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := g.service.Counts(r.Context(), r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (g *Gateway) handleCondense(w http.ResponseWriter, r *http.Request) {
	out, err := g.service.Condense(r.Context(), r.PathValue("user"), memory.Tier(r.PathValue("tier")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleExtractKnowledge(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", memory.ErrInvalidInput))
			return
		}
		limit = n
	}
	facts, err := g.service.ExtractKnowledge(r.Context(), r.PathValue("user"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge": nonNil(facts), "count": len(facts)})
}

func (g *Gateway) handleFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := g.service.Facts(r.Context(), r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge": nonNil(facts), "count": len(facts)})
}

func (g *Gateway) handleListCore(w http.ResponseWriter, r *http.Request) {
	minImportance, err := optionalFloatParam(r, "min_importance")
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := g.service.ListCoreMemories(r.Context(), r.PathValue("user"), minImportance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"core_memories": nonNil(list), "count": len(list)})
}

func (g *Gateway) handleAddCore(w http.ResponseWriter, r *http.Request) {
	var req coreMemoryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	importance := memory.DefaultCoreImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	m, err := g.service.AddCoreMemory(r.Context(), r.PathValue("user"), req.Description, importance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (g *Gateway) handleDeleteCore(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid core memory id", memory.ErrInvalidInput))
		return
	}
	if err := g.service.DeleteCoreMemory(r.Context(), r.PathValue("user"), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", memory.ErrInvalidInput, err)
	}
	return nil
}

// optionalFloatParam returns nil when the query parameter is absent.
func optionalFloatParam(r *http.Request, name string) (*float64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		return nil, fmt.Errorf("%w: %s must be a number", memory.ErrInvalidInput, name)
	}
	return &f, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrInvalidInput), errors.Is(err, memory.ErrInvalidTier):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, memory.ErrMalformedOutput):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
