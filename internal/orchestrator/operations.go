package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"sql-agent/internal/adapter"
	"sql-agent/internal/connreg"
	"sql-agent/internal/dbexec"
	"sql-agent/internal/enrich"
	"sql-agent/internal/generator"
	"sql-agent/internal/joins"
	"sql-agent/internal/matcher"
	"sql-agent/internal/recovery"
	"sql-agent/internal/schemagraph"
)

// SchemaRequest asks for the schema of a database.
type SchemaRequest struct {
	DB      *connreg.Config `json:"db_config,omitempty"`
	Refresh bool            `json:"refresh,omitempty"`
}

// SchemaInfo is the graph as exposed to callers.
type SchemaInfo struct {
	Database    string                     `json:"database"`
	Dialect     string                     `json:"dialect"`
	Tables      []*schemagraph.TableSchema `json:"tables"`
	ForeignKeys []schemagraph.Edge         `json:"foreign_keys"`
	Description string                     `json:"description"`
	JoinHints   []string                   `json:"join_hints"`
}

// Schema returns the cached graph for a database.
func (o *Orchestrator) Schema(ctx context.Context, req SchemaRequest) (*SchemaInfo, error) {
	ctx, span := startSpan(ctx, "operation.schema")
	defer span.End()

	info, err := guard(ctx, o, "schema", func() (*SchemaInfo, error) {
		s, err := o.open(ctx, req.DB, req.Refresh)
		if err != nil {
			return nil, err
		}
		names := s.graph.TableNames()
		tables := make([]*schemagraph.TableSchema, 0, len(names))
		for _, name := range names {
			if t, ok := s.graph.Table(name); ok {
				tables = append(tables, t)
			}
		}
		return &SchemaInfo{
			Database:    s.graph.Database,
			Dialect:     string(s.graph.Dialect),
			Tables:      tables,
			ForeignKeys: s.graph.Edges(),
			Description: s.graph.Describe(),
			JoinHints:   s.graph.JoinHints(),
		}, nil
	})
	recordSpanError(span, err)
	return info, err
}

// AdaptRequest is SQL to validate against a schema without running it.
type AdaptRequest struct {
	DB       *connreg.Config `json:"db_config,omitempty"`
	SQLQuery string          `json:"sql_query"`
}

// Adapt validates and repairs SQL without executing it.
func (o *Orchestrator) Adapt(ctx context.Context, req AdaptRequest) (*adapter.ValidatedQuery, error) {
	ctx, span := startSpan(ctx, "operation.adapt")
	defer span.End()

	vq, err := guard(ctx, o, "adapt", func() (*adapter.ValidatedQuery, error) {
		if strings.TrimSpace(req.SQLQuery) == "" {
			return nil, invalid("sql_query is required")
		}
		s, err := o.open(ctx, req.DB, false)
		if err != nil {
			return nil, err
		}
		vq := adapter.Adapt(req.SQLQuery, s.graph)
		o.metrics.RecordAdapterWarnings(ctx, vq.Kind.String(), len(vq.Warnings))
		return &vq, nil
	})
	recordSpanError(span, err)
	return vq, err
}

// TableRequest names one table of a database.
type TableRequest struct {
	DB        *connreg.Config `json:"db_config,omitempty"`
	TableName string          `json:"table_name"`
}

// SuggestJoin synthesizes a join query for a table. The table name is
// matched against the schema first, so near-misses still resolve.
func (o *Orchestrator) SuggestJoin(ctx context.Context, req TableRequest) (joins.Suggestion, error) {
	ctx, span := startSpan(ctx, "operation.suggest_join")
	defer span.End()

	suggestion, err := guard(ctx, o, "suggest_join", func() (joins.Suggestion, error) {
		if strings.TrimSpace(req.TableName) == "" {
			return joins.Suggestion{}, invalid("table_name is required")
		}
		s, err := o.open(ctx, req.DB, false)
		if err != nil {
			return joins.Suggestion{}, err
		}
		return joins.Suggest(s.graph, resolveTable(s.graph, req.TableName)), nil
	})
	recordSpanError(span, err)
	return suggestion, err
}

// EnrichRequest carries rows of a table to decorate.
type EnrichRequest struct {
	DB        *connreg.Config `json:"db_config,omitempty"`
	TableName string          `json:"table_name"`
	Columns   []string        `json:"columns,omitempty"`
	Rows      []dbexec.Row    `json:"rows"`
}

// EnrichResult is the decorated rows plus any lookups that failed.
type EnrichResult struct {
	Table    string               `json:"table"`
	Rows     []enrich.EnrichedRow `json:"normalized_data"`
	Warnings []string             `json:"warnings"`
}

// Enrich resolves the foreign keys of caller-supplied rows.
func (o *Orchestrator) Enrich(ctx context.Context, req EnrichRequest) (*EnrichResult, error) {
	ctx, span := startSpan(ctx, "operation.enrich")
	defer span.End()

	result, err := guard(ctx, o, "enrich", func() (*EnrichResult, error) {
		if strings.TrimSpace(req.TableName) == "" {
			return nil, invalid("table_name is required")
		}
		s, err := o.open(ctx, req.DB, false)
		if err != nil {
			return nil, err
		}
		dbexec.NormalizeJSONRows(req.Rows)
		table := resolveTable(s.graph, req.TableName)
		columns := req.Columns
		if len(columns) == 0 {
			columns = rowColumns(s.graph, table, req.Rows)
		}
		result := &EnrichResult{Table: table, Warnings: []string{}}
		rows, err := o.enricher(s).Enrich(ctx, columns, req.Rows, table)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Some references could not be resolved: %v", err))
		}
		result.Rows = rows
		return result, nil
	})
	recordSpanError(span, err)
	return result, err
}

// RecoverRequest is a failed statement and the engine's error text.
type RecoverRequest struct {
	DB       *connreg.Config `json:"db_config,omitempty"`
	SQLQuery string          `json:"sql_query"`
	Error    string          `json:"error"`
}

// Recover runs a fallback query for a failure reported by the caller.
func (o *Orchestrator) Recover(ctx context.Context, req RecoverRequest) (*recovery.Result, error) {
	ctx, span := startSpan(ctx, "operation.recover")
	defer span.End()

	result, err := guard(ctx, o, "recover", func() (*recovery.Result, error) {
		if strings.TrimSpace(req.SQLQuery) == "" || strings.TrimSpace(req.Error) == "" {
			return nil, invalid("sql_query and error are required")
		}
		s, err := o.open(ctx, req.DB, false)
		if err != nil {
			return nil, err
		}
		result, err := o.planner(s).Recover(ctx, req.SQLQuery, errors.New(req.Error))
		if err != nil {
			var exhausted *recovery.ExhaustedError
			if errors.As(err, &exhausted) {
				return nil, &Error{Kind: FailureRecoveryExhausted, Err: err}
			}
			return nil, &Error{Kind: FailureExecution, Err: err}
		}
		return result, nil
	})
	recordSpanError(span, err)
	return result, err
}

// NormalizedRequest asks for a page of a table with its relations resolved.
type NormalizedRequest struct {
	DB        *connreg.Config `json:"db_config,omitempty"`
	TableName string          `json:"table_name"`
	Limit     int             `json:"limit,omitempty"`
}

// Normalized reads up to Limit rows of a table through its synthesized join
// and enriches them. A failed join query falls back to a plain select.
func (o *Orchestrator) Normalized(ctx context.Context, req NormalizedRequest) *Response {
	ctx, span := startSpan(ctx, "operation.normalized")
	defer span.End()

	resp := o.protect(ctx, "normalized", func(resp *Response) *Response {
		if strings.TrimSpace(req.TableName) == "" {
			return resp.fail(FailureInvalidRequest, errors.New("table_name is required"))
		}
		s, err := o.open(ctx, req.DB, false)
		if err != nil {
			return resp.fail(FailureOf(err), err)
		}
		table, ok := s.graph.Table(resolveTable(s.graph, req.TableName))
		if !ok {
			resp.Suggestions = []string{"Available tables: " + strings.Join(s.graph.TableNames(), ", ")}
			return resp.fail(FailureInvalidRequest, fmt.Errorf("table '%s' not found in the schema", req.TableName))
		}
		limit := req.Limit
		if limit <= 0 {
			limit = o.normalizedLimit
		}

		plain, _, err := sq.Select("*").From(s.graph.Dialect.QuoteIfNeeded(table.Name)).Limit(uint64(limit)).ToSql()
		if err != nil {
			return resp.fail(FailureInternal, err)
		}
		plain += ";"

		exec := s.conn.Executor()
		query := plain
		if suggestion := joins.Suggest(s.graph, table.Name); suggestion.OK() {
			query = fmt.Sprintf("%s LIMIT %d;", strings.TrimSuffix(suggestion.SQL, ";"), limit)
			resp.Note = joinNote
		}
		rs, err := dbexec.Query(ctx, exec, query)
		if err != nil && query != plain {
			o.loggerFor(ctx).Warn("join query failed, using plain select",
				slog.String("table", table.Name),
				slog.String("error", err.Error()),
			)
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("Join query failed (%s); showing plain rows", err.Error()))
			resp.OriginalQuery = query
			resp.Note = ""
			query = plain
			rs, err = dbexec.Query(ctx, exec, query)
		}
		resp.SQLQuery = query
		if err != nil {
			return resp.fail(FailureExecution, err)
		}
		resp.Columns = rs.Columns
		resp.Data = rs.Rows

		enriched, err := o.enricher(s).Enrich(ctx, rs.Columns, rs.Rows, table.Name)
		if err != nil {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("Some references could not be resolved: %v", err))
		}
		resp.NormalizedData = enriched
		resp.State = StateEnriched
		return resp
	})
	recordSpanError(span, responseError(resp))
	return resp
}

// Models lists the generator's models.
func (o *Orchestrator) Models(ctx context.Context) ([]generator.Model, error) {
	lister, ok := o.generator.(ModelLister)
	if !ok {
		return nil, &Error{Kind: FailureGenerator, Err: errors.New("generator does not support listing models")}
	}
	models, err := lister.Models(ctx)
	if err != nil {
		return nil, &Error{Kind: FailureGenerator, Err: fmt.Errorf("error listing models: %w", err)}
	}
	return models, nil
}

// ReloadSchemas rebuilds every cached graph.
func (o *Orchestrator) ReloadSchemas(ctx context.Context) error {
	if err := o.schemas.RefreshAll(ctx); err != nil {
		return &Error{Kind: FailureSchema, Err: err}
	}
	return nil
}

func invalid(msg string) error {
	return &Error{Kind: FailureInvalidRequest, Err: errors.New(msg)}
}

// resolveTable maps a caller-supplied name onto the schema, or returns it
// unchanged when nothing is close.
func resolveTable(graph *schemagraph.Graph, name string) string {
	if resolved, _, ok := matcher.Resolve(strings.TrimSpace(name), graph.TableNames()); ok {
		return resolved
	}
	return strings.TrimSpace(name)
}

// rowColumns orders the keys of rows by the table's column order, with
// unknown keys sorted after.
func rowColumns(graph *schemagraph.Graph, table string, rows []dbexec.Row) []string {
	present := make(map[string]bool)
	for _, row := range rows {
		for key := range row {
			present[key] = true
		}
	}
	var columns []string
	if t, ok := graph.Table(table); ok {
		for _, name := range t.ColumnNames() {
			if present[name] {
				columns = append(columns, name)
				delete(present, name)
			}
		}
	}
	extra := make([]string, 0, len(present))
	for key := range present {
		extra = append(extra, key)
	}
	sort.Strings(extra)
	return append(columns, extra...)
}
