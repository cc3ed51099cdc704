package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"sql-agent/internal/adapter"
	"sql-agent/internal/connreg"
	"sql-agent/internal/dbexec"
	"sql-agent/internal/enrich"
	"sql-agent/internal/generator"
	"sql-agent/internal/joins"
	"sql-agent/internal/recovery"
	"sql-agent/internal/sqlscan"
	"sql-agent/internal/sqlutil"
)

// Pipeline states, in order.
const (
	StatePromptBuilt    = "prompt_built"
	StateQueryAdapted   = "query_adapted"
	StateJoinConsidered = "join_considered"
	StateExecuted       = "executed"
	StateEnriched       = "enriched"
	StateRecovered      = "recovered"
	StateResponded      = "responded"
)

const joinNote = "The original query was enhanced with JOINs based on foreign key relationships."

// Response is the result of a pipeline run. Every failure sets Error and
// Failure; SQLQuery is the statement actually attempted.
type Response struct {
	UserQuery      string               `json:"user_query,omitempty"`
	SQLQuery       string               `json:"sql_query"`
	OriginalQuery  string               `json:"original_query,omitempty"`
	Columns        []string             `json:"columns,omitempty"`
	Data           []dbexec.Row         `json:"data"`
	NormalizedData []enrich.EnrichedRow `json:"normalized_data,omitempty"`
	RowsAffected   int64                `json:"rows_affected,omitempty"`
	Note           string               `json:"note,omitempty"`
	Warnings       []string             `json:"warnings"`
	Suggestions    []string             `json:"suggestions,omitempty"`
	Error          string               `json:"error,omitempty"`
	OriginalError  string               `json:"original_error,omitempty"`
	FallbackError  string               `json:"fallback_error,omitempty"`
	Failure        Failure              `json:"-"`
	State          string               `json:"-"`
}

func newResponse() *Response {
	return &Response{Data: []dbexec.Row{}, Warnings: []string{}}
}

func (r *Response) fail(kind Failure, err error) *Response {
	r.Failure = kind
	r.Error = err.Error()
	return r
}

// AskRequest is a natural-language question.
type AskRequest struct {
	DB       *connreg.Config `json:"db_config,omitempty"`
	Query    string          `json:"query"`
	Model    string          `json:"model_name,omitempty"`
	AutoJoin *bool           `json:"auto_join,omitempty"`
	Refresh  bool            `json:"refresh,omitempty"`
}

// DirectRequest is caller-written SQL.
type DirectRequest struct {
	DB       *connreg.Config `json:"db_config,omitempty"`
	SQLQuery string          `json:"sql_query"`
	Refresh  bool            `json:"refresh,omitempty"`
}

// Ask runs the full pipeline: prompt, generate, adapt, join, execute, then
// enrich or recover. It always returns a response.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) *Response {
	started := time.Now()
	o.metrics.IncrementActiveRequests(ctx)
	defer o.metrics.DecrementActiveRequests(ctx)

	ctx, span := startSpan(ctx, "pipeline.ask", attribute.String("generator.model", req.Model))
	defer span.End()

	resp := o.protect(ctx, "ask", func(resp *Response) *Response {
		return o.ask(ctx, req, resp)
	})
	resp.UserQuery = req.Query
	recordSpanError(span, responseError(resp))
	o.finish(ctx, "ask", resp, started)
	return resp
}

func (o *Orchestrator) ask(ctx context.Context, req AskRequest, resp *Response) *Response {
	if strings.TrimSpace(req.Query) == "" {
		return resp.fail(FailureInvalidRequest, errors.New("query is required"))
	}
	if o.generator == nil {
		return resp.fail(FailureGenerator, errors.New("no text generator is configured"))
	}

	stageStart := time.Now()
	s, err := o.open(ctx, req.DB, req.Refresh)
	if err != nil {
		return resp.fail(FailureOf(err), err)
	}
	prompt := generator.BuildPrompt(s.graph, req.Query)
	resp.State = StatePromptBuilt
	o.recordStage(ctx, StatePromptBuilt, stageStart)

	generated, err := o.generator.Generate(ctx, prompt, req.Model)
	if err != nil {
		return resp.fail(FailureGenerator, fmt.Errorf("error calling generator: %w", err))
	}
	generatedSQL := generator.ExtractSQL(generated)
	if generatedSQL == "" {
		return resp.fail(FailureGenerator, errors.New("generator returned no SQL"))
	}

	autoJoin := req.AutoJoin == nil || *req.AutoJoin
	return o.run(ctx, s, generatedSQL, autoJoin, resp)
}

// DirectSQL adapts and executes caller SQL, then enriches or recovers.
// No joins are synthesized.
func (o *Orchestrator) DirectSQL(ctx context.Context, req DirectRequest) *Response {
	started := time.Now()
	o.metrics.IncrementActiveRequests(ctx)
	defer o.metrics.DecrementActiveRequests(ctx)

	ctx, span := startSpan(ctx, "pipeline.direct_sql")
	defer span.End()

	resp := o.protect(ctx, "direct_sql", func(resp *Response) *Response {
		if strings.TrimSpace(req.SQLQuery) == "" {
			return resp.fail(FailureInvalidRequest, errors.New("sql_query is required"))
		}
		s, err := o.open(ctx, req.DB, req.Refresh)
		if err != nil {
			resp.SQLQuery = req.SQLQuery
			return resp.fail(FailureOf(err), err)
		}
		return o.run(ctx, s, req.SQLQuery, false, resp)
	})
	recordSpanError(span, responseError(resp))
	o.finish(ctx, "direct_sql", resp, started)
	return resp
}

// run drives the states from QueryAdapted to Responded.
func (o *Orchestrator) run(ctx context.Context, s *session, sqlText string, autoJoin bool, resp *Response) *Response {
	logger := o.loggerFor(ctx)

	stageStart := time.Now()
	vq := adapter.Adapt(sqlText, s.graph)
	resp.Warnings = append(resp.Warnings, vq.Warnings...)
	resp.State = StateQueryAdapted
	o.metrics.RecordAdapterWarnings(ctx, vq.Kind.String(), len(vq.Warnings))
	o.recordStage(ctx, StateQueryAdapted, stageStart)

	final := vq.SQL
	mainTable := vq.MainTable()
	stageStart = time.Now()
	if autoJoin && vq.Kind == adapter.KindSelect && !vq.HasJoin() && mainTable != "" && s.graph.HasRelations(mainTable) {
		if merged, ok := joins.Merge(joins.Suggest(s.graph, mainTable), vq.SQL, s.graph); ok {
			final = merged
			resp.Note = joinNote
		}
	}
	resp.State = StateJoinConsidered
	o.recordStage(ctx, StateJoinConsidered, stageStart)

	resp.SQLQuery = final
	if final != sqlText {
		resp.OriginalQuery = sqlText
	}

	stageStart = time.Now()
	rs, execErr := execute(ctx, s.conn.Executor(), final, vq)
	o.recordStage(ctx, StateExecuted, stageStart)
	if execErr != nil {
		logger.Warn("query failed, attempting recovery",
			slog.String("sql", final),
			slog.String("error", execErr.Error()),
		)
		return o.recover(ctx, s, final, execErr, resp)
	}
	resp.State = StateExecuted
	resp.Columns = rs.Columns
	resp.Data = rs.Rows
	resp.RowsAffected = rs.RowsAffected

	if len(rs.Rows) > 0 && mainTable != "" {
		stageStart = time.Now()
		enriched, err := o.enricher(s).Enrich(ctx, rs.Columns, rs.Rows, mainTable)
		if err != nil {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("Some references could not be resolved: %v", err))
		}
		resp.NormalizedData = enriched
		resp.State = StateEnriched
		o.recordStage(ctx, StateEnriched, stageStart)
	}
	return resp
}

func (o *Orchestrator) recover(ctx context.Context, s *session, attempted string, execErr error, resp *Response) *Response {
	stageStart := time.Now()
	defer o.recordStage(ctx, StateRecovered, stageStart)

	result, err := o.planner(s).Recover(ctx, attempted, execErr)
	if err != nil {
		resp.SQLQuery = attempted
		resp.OriginalError = execErr.Error()
		var exhausted *recovery.ExhaustedError
		if errors.As(err, &exhausted) {
			resp.FallbackError = exhausted.FallbackErr.Error()
			resp.Failure = FailureRecoveryExhausted
			resp.Error = fmt.Sprintf("Error executing query: %s. The fallback query %s also failed: %s", execErr.Error(), exhausted.FallbackSQL, exhausted.FallbackErr.Error())
		} else {
			resp.Failure = FailureExecution
			resp.Error = fmt.Sprintf("Error executing query: %s", execErr.Error())
		}
		resp.Suggestions = suggestionsFor(s, execErr)
		return resp
	}

	resp.State = StateRecovered
	resp.OriginalQuery = attempted
	resp.SQLQuery = result.SQL
	resp.Columns = result.Columns
	resp.Data = result.Rows
	resp.NormalizedData = result.Enriched
	resp.Note = result.Explanation
	resp.Warnings = append(resp.Warnings, "Automatically executed a fallback query to retrieve similar data")
	resp.Warnings = append(resp.Warnings, result.Warnings...)
	return resp
}

func suggestionsFor(s *session, execErr error) []string {
	msg := execErr.Error()
	var ee *dbexec.ExecutionError
	if errors.As(execErr, &ee) {
		msg = ee.Message
	}
	d := recovery.Diagnose(msg)
	if d.Table == "" {
		return nil
	}
	return []string{"Available tables: " + strings.Join(s.graph.TableNames(), ", ")}
}

// protect turns a panic into an internal failure response. fn fills in the
// response it is given, so the SQL attempted before the panic is kept.
func (o *Orchestrator) protect(ctx context.Context, op string, fn func(resp *Response) *Response) *Response {
	partial := newResponse()
	resp, err := guard(ctx, o, op, func() (*Response, error) {
		return fn(partial), nil
	})
	if err != nil {
		partial.Columns = nil
		partial.Data = []dbexec.Row{}
		partial.NormalizedData = nil
		return partial.fail(FailureInternal, err)
	}
	return resp
}

func (o *Orchestrator) finish(ctx context.Context, op string, resp *Response, started time.Time) {
	outcome := "success"
	switch {
	case resp.Failure != FailureNone:
		outcome = string(resp.Failure)
	case resp.State == StateRecovered:
		outcome = "recovered"
	}
	o.metrics.RecordRequest(ctx, op, outcome, time.Since(started), len(resp.Data))
	resp.State = StateResponded

	logger := o.loggerFor(ctx)
	if resp.Failure != FailureNone {
		logger.Warn("pipeline failed",
			slog.String("operation", op),
			slog.String("failure", string(resp.Failure)),
			slog.String("sql", resp.SQLQuery),
			slog.String("error", resp.Error),
		)
		return
	}
	logger.Info("pipeline completed",
		slog.String("operation", op),
		slog.String("outcome", outcome),
		slog.Int("rows", len(resp.Data)),
		slog.Duration("duration", time.Since(started)),
	)
}

func responseError(resp *Response) error {
	if resp.Error == "" {
		return nil
	}
	return errors.New(resp.Error)
}

// execute runs rows-returning statements through Query and plain writes
// through Exec.
func execute(ctx context.Context, exec dbexec.QueryExecutor, sqlText string, vq adapter.ValidatedQuery) (*dbexec.ResultSet, error) {
	switch vq.Kind {
	case adapter.KindInsert, adapter.KindUpdate, adapter.KindDelete:
		if !hasReturning(sqlText, vq.Dialect) {
			return dbexec.Exec(ctx, exec, sqlText)
		}
	}
	return dbexec.Query(ctx, exec, sqlText)
}

func hasReturning(sqlText string, dialect sqlutil.Dialect) bool {
	for _, tok := range sqlscan.TokenizeDialect(sqlText, dialect) {
		if tok.IsKeyword("RETURNING") {
			return true
		}
	}
	return false
}
