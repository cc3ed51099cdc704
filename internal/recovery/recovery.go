// Package recovery turns a failed statement into a small query that is
// likely to succeed, guided by the engine's own error text.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"sql-agent/internal/dbexec"
	"sql-agent/internal/enrich"
	"sql-agent/internal/matcher"
	"sql-agent/internal/observability"
	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlscan"
	"sql-agent/internal/sqlutil"
)

const defaultLimit = 5

// Plan is a fallback decided from a failure, before anything runs.
type Plan struct {
	Table       string    `json:"table"`
	SQL         string    `json:"fallback_sql"`
	Diagnosis   Diagnosis `json:"-"`
	Explanation string    `json:"explanation"`
}

// Result is a fallback that ran.
type Result struct {
	Plan
	Columns  []string             `json:"columns"`
	Rows     []dbexec.Row         `json:"rows"`
	Enriched []enrich.EnrichedRow `json:"enriched"`
	Warnings []string             `json:"warnings,omitempty"`
}

// Options configures a Planner.
type Options struct {
	Limit    int
	Enricher *enrich.Enricher
	Metrics  *observability.PipelineMetrics
}

// Planner plans and runs fallback queries for one schema graph.
type Planner struct {
	exec  dbexec.QueryExecutor
	graph *schemagraph.Graph
	opts  Options
}

// New returns a Planner executing fallbacks through exec.
func New(exec dbexec.QueryExecutor, graph *schemagraph.Graph, opts Options) *Planner {
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	return &Planner{exec: exec, graph: graph, opts: opts}
}

// Plan picks the fallback table: tables lexically present in FROM or JOIN
// come first, then a table named by the error, each resolved through the
// matcher. It returns ErrNoRecoverableTable when none resolves.
func (p *Planner) Plan(originalSQL, errText string) (Plan, error) {
	diagnosis := Diagnose(errText)
	candidates := TablesInQuery(originalSQL, p.graph.Dialect)
	if diagnosis.Table != "" && !containsFold(candidates, diagnosis.Table) {
		candidates = append(candidates, diagnosis.Table)
	}

	table := ""
	for _, candidate := range candidates {
		if resolved, _, ok := matcher.Resolve(candidate, p.graph.TableNames()); ok {
			table = resolved
			break
		}
	}
	if table == "" {
		return Plan{Diagnosis: diagnosis}, ErrNoRecoverableTable
	}

	dialect := p.graph.Dialect
	if dialect == "" {
		dialect = sqlutil.DialectMySQL
	}
	sqlText, _, err := sq.Select("*").From(dialect.QuoteIfNeeded(table)).Limit(uint64(p.opts.Limit)).ToSql()
	if err != nil {
		return Plan{Diagnosis: diagnosis}, fmt.Errorf("failed to build fallback query: %w", err)
	}
	plan := Plan{Table: table, SQL: sqlText + ";", Diagnosis: diagnosis}
	plan.Explanation = p.explain(plan, errText)
	return plan, nil
}

func (p *Planner) explain(plan Plan, errText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The original query failed: %s. Using fallback query: %s", strings.TrimSuffix(errText, "."), plan.SQL)
	if !plan.Diagnosis.UnknownColumn() {
		return b.String()
	}
	if qualifier, column := plan.Diagnosis.Qualifier(); qualifier != "" {
		fmt.Fprintf(&b, "\n\nThe column '%s' doesn't exist in table '%s' (aliased as '%s').", column, plan.Table, qualifier)
	}
	table, ok := p.graph.Table(plan.Table)
	if !ok {
		return b.String()
	}
	fmt.Fprintf(&b, "\n\nAvailable columns in %s:", plan.Table)
	for _, col := range table.ColumnNames() {
		fmt.Fprintf(&b, "\n- %s", col)
	}
	return b.String()
}

// Recover plans a fallback for the failed statement and runs it. When the
// fallback fails too the result is an *ExhaustedError.
func (p *Planner) Recover(ctx context.Context, originalSQL string, cause error) (*Result, error) {
	errText := errorText(cause)
	plan, err := p.Plan(originalSQL, errText)
	if err != nil {
		p.opts.Metrics.RecordRecovery(ctx, false)
		return nil, err
	}

	rs, err := dbexec.Query(ctx, p.exec, plan.SQL)
	if err != nil {
		p.opts.Metrics.RecordRecovery(ctx, false)
		return nil, &ExhaustedError{OriginalErr: cause, FallbackSQL: plan.SQL, FallbackErr: err}
	}
	p.opts.Metrics.RecordRecovery(ctx, true)

	result := &Result{Plan: plan, Columns: rs.Columns, Rows: rs.Rows}
	if p.opts.Enricher != nil {
		enriched, err := p.opts.Enricher.Enrich(ctx, rs.Columns, rs.Rows, plan.Table)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("enrichment incomplete: %v", err))
		}
		result.Enriched = enriched
	}
	return result, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	var execErr *dbexec.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Message
	}
	return err.Error()
}

// TablesInQuery lists identifiers that follow FROM, JOIN, INTO or UPDATE,
// in order of appearance, without schema qualifiers or duplicates.
func TablesInQuery(sqlText string, dialect sqlutil.Dialect) []string {
	tokens := sqlscan.TokenizeDialect(sqlText, dialect)
	var tables []string
	for i, tok := range tokens {
		if !(tok.IsKeyword("FROM") || tok.IsKeyword("JOIN") || tok.IsKeyword("INTO") || tok.IsKeyword("UPDATE")) {
			continue
		}
		j := sqlscan.NextSignificant(tokens, i+1)
		if j >= len(tokens) || !tokens[j].IsIdent() {
			continue
		}
		for j+2 < len(tokens) && tokens[j+1].Text == "." && tokens[j+2].IsIdent() {
			j += 2
		}
		name := tokens[j].Value()
		if !containsFold(tables, name) {
			tables = append(tables, name)
		}
	}
	return tables
}

func containsFold(values []string, v string) bool {
	for _, s := range values {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
