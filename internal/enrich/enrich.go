// Package enrich expands result rows with the rows their foreign keys point
// at (outbound) and the rows pointing back at them (inbound).
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sql-agent/internal/dbexec"
	"sql-agent/internal/observability"
	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlutil"
)

const (
	defaultMaxInClause   = 500
	defaultMaxCollection = 10
)

// Reference is the resolved target of one outbound foreign key value.
type Reference struct {
	Table   string         `json:"table"`
	Raw     any            `json:"-"`
	Display string         `json:"-"`
	Data    map[string]any `json:"data"`
}

// Related summarizes one row that references the enriched row.
type Related struct {
	ID      any            `json:"id"`
	Display string         `json:"display"`
	Data    map[string]any `json:"data"`
}

// EnrichedRow is a base row plus its resolved references. Base values are
// kept untouched; the "<raw> (<display>)" rewrite happens on serialization.
type EnrichedRow struct {
	Columns     []string
	Values      dbexec.Row
	References  map[string]*Reference
	Collections map[string][]Related
}

// Fields flattens the row into the response shape: FK fields rewritten to
// "<raw> (<display>)", plus <col>_display, <col>_related and
// related_collections.
func (r EnrichedRow) Fields() map[string]any {
	out := make(map[string]any, len(r.Values)+2*len(r.References)+1)
	for k, v := range r.Values {
		out[k] = v
	}
	for col, ref := range r.References {
		out[col] = fmt.Sprintf("%s (%s)", dbexec.KeyString(ref.Raw), ref.Display)
		out[col+"_display"] = ref.Display
		out[col+"_related"] = ref.Data
	}
	if len(r.Collections) > 0 {
		out["related_collections"] = r.Collections
	}
	return out
}

// MarshalJSON encodes Fields.
func (r EnrichedRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// Options tunes batching and collection sizes. Zero values use defaults.
type Options struct {
	MaxInClause   int
	MaxCollection int
	Metrics       *observability.PipelineMetrics
}

// Enricher resolves references for rows of one schema graph.
type Enricher struct {
	exec    dbexec.QueryExecutor
	graph   *schemagraph.Graph
	dialect sqlutil.Dialect
	opts    Options
}

// New returns an Enricher issuing lookups through exec.
func New(exec dbexec.QueryExecutor, graph *schemagraph.Graph, opts Options) *Enricher {
	if opts.MaxInClause <= 0 {
		opts.MaxInClause = defaultMaxInClause
	}
	if opts.MaxCollection <= 0 {
		opts.MaxCollection = defaultMaxCollection
	}
	dialect := graph.Dialect
	if dialect == "" {
		dialect = sqlutil.DialectMySQL
	}
	return &Enricher{exec: exec, graph: graph, dialect: dialect, opts: opts}
}

// Enrich attaches references to rows read from mainTable. Lookups run one
// batched IN query per edge. A failed lookup leaves its edge unresolved and
// is reported in the joined error; the rows are always returned.
func (e *Enricher) Enrich(ctx context.Context, columns []string, rows []dbexec.Row, mainTable string) ([]EnrichedRow, error) {
	ctx, span := startSpan(ctx, "enrich.rows",
		attribute.String("db.table", mainTable),
		attribute.Int("rows", len(rows)),
	)
	defer span.End()

	enriched := make([]EnrichedRow, len(rows))
	for i, row := range rows {
		enriched[i] = EnrichedRow{Columns: columns, Values: row}
	}
	if _, ok := e.graph.Table(mainTable); !ok || len(rows) == 0 {
		return enriched, nil
	}

	var errs []error
	for _, edge := range e.graph.Outbound(mainTable) {
		if err := e.resolveOutbound(ctx, edge, enriched); err != nil {
			errs = append(errs, err)
		}
	}
	for _, edge := range e.graph.Inbound(mainTable) {
		if err := e.resolveInbound(ctx, edge, enriched); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	recordSpanError(span, err)
	return enriched, err
}

func (e *Enricher) resolveOutbound(ctx context.Context, edge schemagraph.Edge, rows []EnrichedRow) error {
	if !hasColumns(rows[0].Values, edge.FromColumns) {
		return nil
	}
	target, ok := e.graph.Table(edge.ToTable)
	if !ok {
		return nil
	}
	tuples := uniqueTuples(rows, edge.FromColumns)
	if len(tuples) == 0 {
		return nil
	}

	found, err := e.fetch(ctx, target.Name, edge.ToColumns, tuples, "outbound")
	if err != nil {
		return fmt.Errorf("lookup %s for %s: %w", edge.ToTable, strings.Join(edge.FromColumns, ","), err)
	}
	byKey := make(map[string]dbexec.Row, len(found))
	for _, row := range found {
		byKey[tupleKey(row.Values(edge.ToColumns))] = row
	}

	displayField := DisplayField(target)
	attachTo := edge.FromColumns[0]
	for i := range rows {
		values := rows[i].Values.Values(edge.FromColumns)
		if containsNil(values) {
			continue
		}
		referenced, ok := byKey[tupleKey(values)]
		if !ok {
			continue
		}
		if rows[i].References == nil {
			rows[i].References = make(map[string]*Reference)
		}
		if _, taken := rows[i].References[attachTo]; taken {
			continue
		}
		rows[i].References[attachTo] = &Reference{
			Table:   target.Name,
			Raw:     rows[i].Values[attachTo],
			Display: displayValue(referenced, displayField, values[0]),
			Data:    without(referenced, edge.ToColumns),
		}
	}
	return nil
}

func (e *Enricher) resolveInbound(ctx context.Context, edge schemagraph.Edge, rows []EnrichedRow) error {
	if !hasColumns(rows[0].Values, edge.ToColumns) {
		return nil
	}
	source, ok := e.graph.Table(edge.FromTable)
	if !ok {
		return nil
	}
	tuples := uniqueTuples(rows, edge.ToColumns)
	if len(tuples) == 0 {
		return nil
	}

	found, err := e.fetch(ctx, source.Name, edge.FromColumns, tuples, "inbound")
	if err != nil {
		return fmt.Errorf("lookup %s referencing %s: %w", edge.FromTable, edge.ToTable, err)
	}
	grouped := make(map[string][]dbexec.Row)
	for _, row := range found {
		key := tupleKey(row.Values(edge.FromColumns))
		grouped[key] = append(grouped[key], row)
	}

	collection := edge.FromTable
	if sameSourceCount(e.graph.Inbound(edge.ToTable), edge.FromTable) > 1 {
		collection = edge.FromTable + "." + strings.Join(edge.FromColumns, "_")
	}
	displayField := DisplayField(source)
	idField := ""
	if len(source.PrimaryKey) > 0 {
		idField = source.PrimaryKey[0]
	}

	for i := range rows {
		values := rows[i].Values.Values(edge.ToColumns)
		if containsNil(values) {
			continue
		}
		referencing := grouped[tupleKey(values)]
		if len(referencing) == 0 {
			continue
		}
		if len(referencing) > e.opts.MaxCollection {
			referencing = referencing[:e.opts.MaxCollection]
		}
		summaries := make([]Related, 0, len(referencing))
		for _, row := range referencing {
			var id any
			if idField != "" {
				id = row[idField]
			}
			summaries = append(summaries, Related{
				ID:      id,
				Display: displayValue(row, displayField, id),
				Data:    without(row, edge.FromColumns),
			})
		}
		if rows[i].Collections == nil {
			rows[i].Collections = make(map[string][]Related)
		}
		rows[i].Collections[collection] = summaries
	}
	return nil
}

// fetch loads every row of table whose columns match any of tuples, chunked
// so no single IN list grows past MaxInClause. Collections are capped per
// key by the caller, never across keys here.
func (e *Enricher) fetch(ctx context.Context, table string, columns []string, tuples [][]any, direction string) ([]dbexec.Row, error) {
	q := e.dialect.QuoteIfNeeded
	var out []dbexec.Row
	for _, chunk := range chunkTuples(tuples, e.opts.MaxInClause) {
		builder := sq.Select("*").From(q(table)).PlaceholderFormat(e.dialect.PlaceholderFormat())
		if len(columns) == 1 {
			values := make([]any, len(chunk))
			for i, t := range chunk {
				values[i] = t[0]
			}
			builder = builder.Where(sq.Eq{q(columns[0]): values})
		} else {
			or := make(sq.Or, 0, len(chunk))
			for _, t := range chunk {
				eq := sq.Eq{}
				for i, col := range columns {
					eq[q(col)] = t[i]
				}
				or = append(or, eq)
			}
			builder = builder.Where(or)
		}

		sqlText, args, err := builder.ToSql()
		if err != nil {
			return nil, fmt.Errorf("failed to build lookup query: %w", err)
		}
		e.opts.Metrics.RecordEnrichmentLookup(ctx, direction)
		result, err := dbexec.Query(ctx, e.exec, sqlText, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, result.Rows...)
	}
	return out, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("sql-agent/enrich").Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
