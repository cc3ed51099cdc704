package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"sql-agent/internal/adapter"
	"sql-agent/internal/generator"
	"sql-agent/internal/joins"
	"sql-agent/internal/orchestrator"
	"sql-agent/internal/recovery"
)

// pipeline is the orchestrator surface the API exposes.
type pipeline interface {
	Ask(ctx context.Context, req orchestrator.AskRequest) *orchestrator.Response
	DirectSQL(ctx context.Context, req orchestrator.DirectRequest) *orchestrator.Response
	Normalized(ctx context.Context, req orchestrator.NormalizedRequest) *orchestrator.Response
	Schema(ctx context.Context, req orchestrator.SchemaRequest) (*orchestrator.SchemaInfo, error)
	SuggestJoin(ctx context.Context, req orchestrator.TableRequest) (joins.Suggestion, error)
	Adapt(ctx context.Context, req orchestrator.AdaptRequest) (*adapter.ValidatedQuery, error)
	Enrich(ctx context.Context, req orchestrator.EnrichRequest) (*orchestrator.EnrichResult, error)
	Recover(ctx context.Context, req orchestrator.RecoverRequest) (*recovery.Result, error)
	Models(ctx context.Context) ([]generator.Model, error)
}

var apiRoutes = map[string]struct{}{
	"/api/ask":          {},
	"/api/direct-sql":   {},
	"/api/schema":       {},
	"/api/suggest-join": {},
	"/api/adapt":        {},
	"/api/enrich":       {},
	"/api/recover":      {},
	"/api/normalized":   {},
	"/api/models":       {},
}

type apiHandler struct {
	pipeline pipeline
	timeout  time.Duration
}

func newAPIHandler(p pipeline, timeout time.Duration) http.Handler {
	h := &apiHandler{pipeline: p, timeout: timeout}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ask", respond(h, p.Ask))
	mux.HandleFunc("POST /api/direct-sql", respond(h, p.DirectSQL))
	mux.HandleFunc("POST /api/normalized", respond(h, p.Normalized))
	mux.HandleFunc("POST /api/schema", call(h, p.Schema))
	mux.HandleFunc("POST /api/suggest-join", call(h, p.SuggestJoin))
	mux.HandleFunc("POST /api/adapt", call(h, p.Adapt))
	mux.HandleFunc("POST /api/enrich", call(h, p.Enrich))
	mux.HandleFunc("POST /api/recover", call(h, p.Recover))
	mux.HandleFunc("GET /api/models", h.models)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	return mux
}

func (h *apiHandler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(r.Context(), h.timeout)
	}
	return context.WithCancel(r.Context())
}

// respond serves operations that always produce a pipeline response.
func respond[Req any](h *apiHandler, op func(context.Context, Req) *orchestrator.Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !decode(w, r, &req) {
			return
		}
		ctx, cancel := h.context(r)
		defer cancel()

		resp := op(ctx, req)
		writeJSON(w, statusFor(resp.Failure), resp)
	}
}

// call serves operations returning a value or a classified error.
func call[Req, Res any](h *apiHandler, op func(context.Context, Req) (Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !decode(w, r, &req) {
			return
		}
		ctx, cancel := h.context(r)
		defer cancel()

		result, err := op(ctx, req)
		if err != nil {
			writeJSON(w, statusFor(orchestrator.FailureOf(err)), errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (h *apiHandler) models(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	models, err := h.pipeline.Models(ctx)
	if err != nil {
		writeJSON(w, statusFor(orchestrator.FailureOf(err)), errorBody{Error: err.Error()})
		return
	}
	if models == nil {
		models = []generator.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// decode reads a JSON body into dst, answering 400 or 413 itself on failure.
// An empty body decodes to the zero request. Numbers in untyped fields such
// as enrich rows stay json.Number so large keys keep every digit.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	err := dec.Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
	return false
}

// statusFor maps a failure class to its HTTP status. Upstream failures
// (database, generator, schema extraction) are gateway errors; SQL the
// engine rejected is unprocessable.
func statusFor(kind orchestrator.Failure) int {
	switch kind {
	case orchestrator.FailureNone:
		return http.StatusOK
	case orchestrator.FailureInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.FailureConnection, orchestrator.FailureGenerator, orchestrator.FailureSchema:
		return http.StatusBadGateway
	case orchestrator.FailureExecution, orchestrator.FailureRecoveryExhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
