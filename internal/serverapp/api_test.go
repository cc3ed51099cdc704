package serverapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sql-agent/internal/adapter"
	"sql-agent/internal/dbexec"
	"sql-agent/internal/generator"
	"sql-agent/internal/joins"
	"sql-agent/internal/orchestrator"
	"sql-agent/internal/recovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	ask      orchestrator.AskRequest
	enrich   orchestrator.EnrichRequest
	askResp  *orchestrator.Response
	schemaFn func() (*orchestrator.SchemaInfo, error)
	models   []generator.Model
	err      error
	deadline bool
}

func (f *fakePipeline) Ask(ctx context.Context, req orchestrator.AskRequest) *orchestrator.Response {
	_, f.deadline = ctx.Deadline()
	f.ask = req
	return f.askResp
}

func (f *fakePipeline) DirectSQL(_ context.Context, req orchestrator.DirectRequest) *orchestrator.Response {
	return &orchestrator.Response{SQLQuery: req.SQLQuery, Data: []dbexec.Row{}, Warnings: []string{}}
}

func (f *fakePipeline) Normalized(context.Context, orchestrator.NormalizedRequest) *orchestrator.Response {
	return &orchestrator.Response{Failure: orchestrator.FailureInvalidRequest, Error: "Table 'x' not found"}
}

func (f *fakePipeline) Schema(context.Context, orchestrator.SchemaRequest) (*orchestrator.SchemaInfo, error) {
	return f.schemaFn()
}

func (f *fakePipeline) SuggestJoin(_ context.Context, req orchestrator.TableRequest) (joins.Suggestion, error) {
	return joins.Suggestion{Table: req.TableName, SQL: "SELECT 1;"}, f.err
}

func (f *fakePipeline) Adapt(context.Context, orchestrator.AdaptRequest) (*adapter.ValidatedQuery, error) {
	return nil, f.err
}

func (f *fakePipeline) Enrich(_ context.Context, req orchestrator.EnrichRequest) (*orchestrator.EnrichResult, error) {
	f.enrich = req
	return &orchestrator.EnrichResult{Table: req.TableName, Warnings: []string{}}, f.err
}

func (f *fakePipeline) Recover(context.Context, orchestrator.RecoverRequest) (*recovery.Result, error) {
	return nil, f.err
}

func (f *fakePipeline) Models(context.Context) ([]generator.Model, error) {
	return f.models, f.err
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIAsk(t *testing.T) {
	p := &fakePipeline{askResp: &orchestrator.Response{
		UserQuery: "who ordered?",
		SQLQuery:  "SELECT * FROM orders;",
		Data:      []dbexec.Row{{"id": int64(1)}},
		Warnings:  []string{},
	}}
	h := newAPIHandler(p, time.Minute)

	rec := serve(h, http.MethodPost, "/api/ask", `{"query":"who ordered?","model_name":"llama3","auto_join":false}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"sql_query":"SELECT * FROM orders;"`)
	assert.Equal(t, "who ordered?", p.ask.Query)
	assert.Equal(t, "llama3", p.ask.Model)
	require.NotNil(t, p.ask.AutoJoin)
	assert.False(t, *p.ask.AutoJoin)
	assert.True(t, p.deadline, "request timeout applied")
}

func TestAPIAskFailureStatus(t *testing.T) {
	p := &fakePipeline{askResp: &orchestrator.Response{
		SQLQuery: "SELECT nope FROM orders",
		Error:    "Error executing query: no such column: nope",
		Failure:  orchestrator.FailureExecution,
	}}
	rec := serve(newAPIHandler(p, 0), http.MethodPost, "/api/ask", `{"query":"x"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sql_query":"SELECT nope FROM orders"`)
	assert.Contains(t, rec.Body.String(), `"error":"Error executing query: no such column: nope"`)
	assert.False(t, p.deadline)
}

func TestAPIOperations(t *testing.T) {
	p := &fakePipeline{
		schemaFn: func() (*orchestrator.SchemaInfo, error) {
			return &orchestrator.SchemaInfo{Database: "shop", Description: "Table: orders"}, nil
		},
		models: []generator.Model{{Name: "llama3"}},
	}
	h := newAPIHandler(p, time.Minute)

	rec := serve(h, http.MethodPost, "/api/schema", ``)
	assert.Equal(t, http.StatusOK, rec.Code, "empty body is the zero request")
	assert.Contains(t, rec.Body.String(), `"database":"shop"`)

	rec = serve(h, http.MethodPost, "/api/suggest-join", `{"table_name":"orders"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"table":"orders","sql":"SELECT 1;"}`, rec.Body.String())

	rec = serve(h, http.MethodPost, "/api/direct-sql", `{"sql_query":"SELECT 1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodPost, "/api/normalized", `{"table_name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodGet, "/api/models", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"models":[{"name":"llama3"`)

	rec = serve(h, http.MethodPost, "/api/unknown", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIOperationErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", &orchestrator.Error{Kind: orchestrator.FailureInvalidRequest, Err: errors.New("sql_query is required")}, http.StatusBadRequest},
		{"schema", &orchestrator.Error{Kind: orchestrator.FailureSchema, Err: errors.New("introspection failed")}, http.StatusBadGateway},
		{"exhausted", &orchestrator.Error{Kind: orchestrator.FailureRecoveryExhausted, Err: errors.New("fallback failed")}, http.StatusUnprocessableEntity},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHandler(&fakePipeline{err: tt.err}, 0)
			rec := serve(h, http.MethodPost, "/api/adapt", `{"sql_query":"SELECT 1"}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.JSONEq(t, `{"error":"`+tt.err.Error()+`"}`, rec.Body.String())
		})
	}
}

func TestAPIRejectsBadBodies(t *testing.T) {
	h := newAPIHandler(&fakePipeline{}, 0)

	rec := serve(h, http.MethodPost, "/api/recover", `{"sql_query":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid request body")

	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 4)
		h.ServeHTTP(w, r)
	})
	rec = serve(limited, http.MethodPost, "/api/enrich", `{"table_name":"orders"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAPIEnrichKeepsLargeKeys(t *testing.T) {
	fake := &fakePipeline{}
	h := newAPIHandler(fake, time.Second)

	rec := serve(h, http.MethodPost, "/api/enrich", `{"table_name":"orders","rows":[{"id":1,"customer_id":9007199254740993}]}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, fake.enrich.Rows, 1)
	got := fake.enrich.Rows[0]["customer_id"]
	assert.Equal(t, "9007199254740993", dbexec.KeyString(got))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(orchestrator.FailureNone))
	assert.Equal(t, http.StatusBadRequest, statusFor(orchestrator.FailureInvalidRequest))
	assert.Equal(t, http.StatusBadGateway, statusFor(orchestrator.FailureConnection))
	assert.Equal(t, http.StatusBadGateway, statusFor(orchestrator.FailureGenerator))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(orchestrator.FailureExecution))
	assert.Equal(t, http.StatusInternalServerError, statusFor(orchestrator.FailureInternal))
}
