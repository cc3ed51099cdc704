// Package adapter validates SQL text against a schema graph and repairs
// misspelled table and column identifiers. It works on lexical tokens, not
// a parse tree: rewrites touch only identifier tokens, and anything it
// cannot resolve is left as written with a warning.
package adapter

import (
	"fmt"
	"strings"

	"sql-agent/internal/matcher"
	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlscan"
	"sql-agent/internal/sqlutil"
)

// Correction records one identifier substitution.
type Correction struct {
	Kind string `json:"kind"` // table or column
	From string `json:"from"`
	To   string `json:"to"`
}

// ValidatedQuery is adapted SQL plus everything noticed along the way.
// Warnings are informational and never block execution.
type ValidatedQuery struct {
	SQL         string          `json:"sql"`
	OriginalSQL string          `json:"original_sql"`
	Kind        Kind            `json:"-"`
	Dialect     sqlutil.Dialect `json:"-"`
	Tables      []string        `json:"tables"`
	Corrections []Correction    `json:"corrections,omitempty"`
	Warnings    []string        `json:"warnings"`
}

// MainTable returns the first table the statement reads or writes.
func (v ValidatedQuery) MainTable() string {
	if len(v.Tables) == 0 {
		return ""
	}
	return v.Tables[0]
}

// HasJoin reports whether the adapted SQL already contains a JOIN.
func (v ValidatedQuery) HasJoin() bool {
	for _, tok := range sqlscan.TokenizeDialect(v.SQL, v.Dialect) {
		if tok.IsKeyword("JOIN") {
			return true
		}
	}
	return false
}

// UnresolvableIdentifierError reports a name with no acceptable match. The
// adapter downgrades it to a warning.
type UnresolvableIdentifierError struct {
	Kind  string
	Name  string
	Table string
}

func (e *UnresolvableIdentifierError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("unrecognized %s '%s' in %s", e.Kind, e.Name, e.Table)
	}
	return fmt.Sprintf("unrecognized %s '%s'", e.Kind, e.Name)
}

type handler func(s *statement)

var handlers = map[Kind]handler{
	KindSelect: adaptSelect,
	KindInsert: adaptInsert,
	KindUpdate: adaptUpdate,
	KindDelete: adaptDelete,
}

// Adapt strips code fences, classifies sqlText and resolves its table and
// column identifiers against graph. Other statements pass through
// untouched with no warnings.
func Adapt(sqlText string, graph *schemagraph.Graph) ValidatedQuery {
	text := StripCodeFences(sqlText)
	var dialect sqlutil.Dialect
	if graph != nil {
		dialect = graph.Dialect
	}
	tokens := sqlscan.TokenizeDialect(text, dialect)
	depth := parenDepths(tokens)
	kind := classifyTokens(tokens, depth)

	result := ValidatedQuery{
		SQL:         text,
		OriginalSQL: sqlText,
		Kind:        kind,
		Dialect:     dialect,
		Tables:      []string{},
		Warnings:    []string{},
	}
	handle, ok := handlers[kind]
	if !ok || graph == nil {
		return result
	}

	s := newStatement(tokens, depth, graph)
	handle(s)

	result.SQL = sqlscan.Join(s.tokens)
	result.Tables = s.scope
	result.Corrections = s.corrections
	result.Warnings = s.warnings
	return result
}

func adaptSelect(s *statement) {
	s.collectCTEs()
	s.collectSourceTables(0)
	s.resolveColumns(0, len(s.tokens))
}

func adaptInsert(s *statement) {
	s.collectCTEs()
	into := s.findKeyword(0, "INTO")
	if into < 0 {
		return
	}
	target := sqlscan.NextSignificant(s.tokens, into+1)
	if target >= len(s.tokens) || !s.tokens[target].IsIdent() {
		return
	}
	next := s.tableRef(target, false)

	// Explicit column list belongs to the target table only.
	open := sqlscan.NextSignificant(s.tokens, next)
	if open < len(s.tokens) && s.tokens[open].Text == "(" {
		table := s.aliases[strings.ToLower(s.tokens[target].Value())]
		for i := open + 1; i < len(s.tokens) && s.depth[i] > s.depth[open]; i++ {
			if s.tokens[i].IsIdent() {
				s.checkColumn(i, table)
			}
		}
	}

	if sel := s.findKeyword(next, "SELECT"); sel >= 0 {
		s.collectSourceTables(sel)
		s.resolveColumns(sel, len(s.tokens))
	}
}

func adaptUpdate(s *statement) {
	s.collectCTEs()
	update := s.findKeyword(0, "UPDATE")
	target := sqlscan.NextSignificant(s.tokens, update+1)
	if target < len(s.tokens) && s.tokens[target].IsIdent() {
		s.tableRef(target, true)
	}
	s.collectSourceTables(0)
	s.resolveColumns(0, len(s.tokens))
}

func adaptDelete(s *statement) {
	s.collectCTEs()
	s.collectSourceTables(0)
	s.resolveColumns(0, len(s.tokens))
}

// statement carries per-call state; nothing here outlives Adapt.
type statement struct {
	tokens  []sqlscan.Token
	depth   []int
	graph   *schemagraph.Graph
	dialect sqlutil.Dialect

	aliases     map[string]string // lower alias or table name -> resolved table ("" if unknown)
	renamed     map[string]string // lower original table token -> resolved name
	ctes        map[string]bool
	tablePos    map[int]bool
	scope       []string
	opaque      bool // a source could not be resolved, so unqualified columns are not checked
	corrections []Correction
	warnings    []string
	warned      map[string]bool
}

func newStatement(tokens []sqlscan.Token, depth []int, graph *schemagraph.Graph) *statement {
	return &statement{
		tokens:   tokens,
		depth:    depth,
		graph:    graph,
		dialect:  graph.Dialect,
		aliases:  make(map[string]string),
		renamed:  make(map[string]string),
		ctes:     make(map[string]bool),
		tablePos: make(map[int]bool),
		scope:    []string{},
		warnings: []string{},
		warned:   make(map[string]bool),
	}
}

func (s *statement) warn(msg string) {
	if s.warned[msg] {
		return
	}
	s.warned[msg] = true
	s.warnings = append(s.warnings, msg)
}

func (s *statement) findKeyword(from int, kw string) int {
	for i := from; i < len(s.tokens); i++ {
		if s.tokens[i].IsKeyword(kw) {
			return i
		}
	}
	return -1
}

// collectCTEs records names defined as "<name> AS (".
func (s *statement) collectCTEs() {
	first := sqlscan.NextSignificant(s.tokens, 0)
	if first >= len(s.tokens) || !s.tokens[first].IsKeyword("WITH") {
		return
	}
	for i := first + 1; i < len(s.tokens); i++ {
		if s.depth[i] != s.depth[first] || !s.tokens[i].IsIdent() {
			continue
		}
		as := sqlscan.NextSignificant(s.tokens, i+1)
		if as >= len(s.tokens) || !s.tokens[as].IsKeyword("AS") {
			continue
		}
		open := sqlscan.NextSignificant(s.tokens, as+1)
		if open < len(s.tokens) && s.tokens[open].Text == "(" {
			name := strings.ToLower(s.tokens[i].Value())
			s.ctes[name] = true
			s.aliases[name] = ""
			s.tablePos[i] = true
		}
	}
}

// collectSourceTables resolves every table introduced by FROM or JOIN from
// index start on. FROM counts only at the depth of a SELECT or DELETE, so
// EXTRACT(x FROM col) and friends are ignored.
func (s *statement) collectSourceTables(start int) {
	clauseDepths := make(map[int]bool)
	for i := start; i < len(s.tokens); i++ {
		tok := s.tokens[i]
		switch {
		case tok.IsKeyword("SELECT"), tok.IsKeyword("DELETE"), tok.IsKeyword("UPDATE"):
			clauseDepths[s.depth[i]] = true
		case tok.IsKeyword("FROM") && clauseDepths[s.depth[i]]:
			i = s.sourceList(i+1) - 1
		case tok.IsKeyword("JOIN"):
			next := sqlscan.NextSignificant(s.tokens, i+1)
			if next < len(s.tokens) && s.tokens[next].IsIdent() {
				i = s.tableRef(next, true) - 1
			} else {
				s.opaque = true
			}
		}
	}
}

// sourceList parses "t1 [AS] a, t2 b, (subquery) c" and returns the index
// after the last source.
func (s *statement) sourceList(i int) int {
	for {
		i = sqlscan.NextSignificant(s.tokens, i)
		if i >= len(s.tokens) {
			return i
		}
		switch {
		case s.tokens[i].IsIdent():
			i = s.tableRef(i, true)
		case s.tokens[i].Text == "(":
			// Derived table; its inner FROM is handled by the outer scan.
			s.opaque = true
			return i + 1
		default:
			return i
		}
		comma := sqlscan.NextSignificant(s.tokens, i)
		if comma >= len(s.tokens) || s.tokens[comma].Text != "," {
			return i
		}
		i = comma + 1
	}
}

// tableRef resolves the table name at index i, plus an optional alias, and
// returns the index after the reference.
func (s *statement) tableRef(i int, allowAlias bool) int {
	nameIdx := i
	// schema.table keeps the schema qualifier as written.
	if i+2 < len(s.tokens) && s.tokens[i+1].Text == "." && s.tokens[i+2].IsIdent() {
		s.tablePos[i] = true
		nameIdx = i + 2
	}
	s.tablePos[nameIdx] = true
	name := s.tokens[nameIdx].Value()
	lower := strings.ToLower(name)

	resolved := ""
	switch {
	case s.ctes[lower]:
		s.opaque = true
	default:
		resolved = s.resolveTable(nameIdx, name)
		if resolved == "" {
			s.opaque = true
		}
	}
	if _, exists := s.aliases[lower]; !exists || resolved != "" {
		s.aliases[lower] = resolved
	}
	if resolved != "" {
		s.aliases[strings.ToLower(resolved)] = resolved
	}

	next := nameIdx + 1
	if !allowAlias {
		return next
	}
	j := sqlscan.NextSignificant(s.tokens, next)
	if j < len(s.tokens) && s.tokens[j].IsKeyword("AS") {
		j = sqlscan.NextSignificant(s.tokens, j+1)
	}
	if j < len(s.tokens) && s.tokens[j].IsIdent() && !s.isQuotedString(j) {
		s.tablePos[j] = true
		s.aliases[strings.ToLower(s.tokens[j].Value())] = resolved
		return j + 1
	}
	return next
}

func (s *statement) resolveTable(idx int, name string) string {
	if _, ok := s.graph.Table(name); ok {
		s.addScope(name)
		return name
	}
	if to, ok := s.renamed[strings.ToLower(name)]; ok {
		s.rewrite(idx, to)
		s.addScope(to)
		return to
	}

	resolved, _, ok := matcher.Resolve(name, s.graph.TableNames())
	if !ok {
		s.warn((&UnresolvableIdentifierError{Kind: "table", Name: name}).Error())
		return ""
	}
	s.renamed[strings.ToLower(name)] = resolved
	s.rewrite(idx, resolved)
	s.addScope(resolved)
	s.corrections = append(s.corrections, Correction{Kind: "table", From: name, To: resolved})
	s.warn(fmt.Sprintf("table '%s' not found, using '%s'", name, resolved))
	return resolved
}

func (s *statement) addScope(table string) {
	for _, t := range s.scope {
		if t == table {
			return
		}
	}
	s.scope = append(s.scope, table)
}

// resolveColumns checks identifier tokens in [from, to) that are not table
// references, aliases or function names.
func (s *statement) resolveColumns(from, to int) {
	for i := from; i < to; i++ {
		tok := s.tokens[i]
		if !tok.IsIdent() || s.tablePos[i] || s.isQuotedString(i) || isVariable(tok) {
			continue
		}
		if i > 0 && s.tokens[i-1].Text == "." {
			continue
		}
		if s.isDefinitionOrCall(i) {
			continue
		}

		// qualifier.column, possibly schema.qualifier.column
		if i+2 < len(s.tokens) && s.tokens[i+1].Text == "." {
			qualIdx, colIdx := i, i+2
			if colIdx+2 < len(s.tokens) && s.tokens[colIdx].IsIdent() && s.tokens[colIdx+1].Text == "." {
				qualIdx, colIdx = colIdx, colIdx+2
			}
			i = colIdx
			s.resolveQualified(qualIdx, colIdx)
			continue
		}

		s.resolveUnqualified(i)
	}
}

func (s *statement) resolveQualified(qualIdx, colIdx int) {
	qualifier := strings.ToLower(s.tokens[qualIdx].Value())
	if to, ok := s.renamed[qualifier]; ok && s.aliases[qualifier] == to {
		s.rewrite(qualIdx, to)
	}
	table, ok := s.aliases[qualifier]
	if !ok || table == "" {
		return
	}
	if colIdx >= len(s.tokens) || !s.tokens[colIdx].IsIdent() {
		return
	}
	s.checkColumn(colIdx, table)
}

func (s *statement) resolveUnqualified(i int) {
	name := s.tokens[i].Value()
	lower := strings.ToLower(name)
	if _, isAlias := s.aliases[lower]; isAlias || s.opaque || len(s.scope) == 0 || softWords[strings.ToUpper(name)] {
		return
	}
	if s.isOutputAlias(lower) {
		return
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, tableName := range s.scope {
		table, _ := s.graph.Table(tableName)
		for _, col := range table.ColumnNames() {
			if col == name {
				return
			}
			if !seen[col] {
				seen[col] = true
				candidates = append(candidates, col)
			}
		}
	}

	resolved, _, ok := matcher.Resolve(name, candidates)
	if !ok {
		s.warn((&UnresolvableIdentifierError{Kind: "column", Name: name, Table: strings.Join(s.scope, ", ")}).Error())
		return
	}
	s.rewrite(i, resolved)
	s.corrections = append(s.corrections, Correction{Kind: "column", From: name, To: resolved})
	s.warn(fmt.Sprintf("column '%s' not found, using '%s'", name, resolved))
}

// checkColumn resolves the column token at idx against one table.
func (s *statement) checkColumn(idx int, table string) {
	if table == "" {
		return
	}
	ts, ok := s.graph.Table(table)
	if !ok {
		return
	}
	name := s.tokens[idx].Value()
	if ts.HasColumn(name) {
		return
	}
	resolved, _, ok := matcher.Resolve(name, ts.ColumnNames())
	if !ok {
		s.warn((&UnresolvableIdentifierError{Kind: "column", Name: name, Table: table}).Error())
		return
	}
	s.rewrite(idx, resolved)
	s.corrections = append(s.corrections, Correction{Kind: "column", From: table + "." + name, To: table + "." + resolved})
	s.warn(fmt.Sprintf("column '%s' not found in %s, using '%s'", name, table, resolved))
}

// isDefinitionOrCall reports identifiers that name something other than a
// column: aliases after AS, implicit aliases, casts and function calls.
func (s *statement) isDefinitionOrCall(i int) bool {
	if next := sqlscan.NextSignificant(s.tokens, i+1); next < len(s.tokens) && s.tokens[next].Text == "(" {
		return true
	}
	prev := sqlscan.PrevSignificant(s.tokens, i)
	if prev < 0 {
		return false
	}
	p := s.tokens[prev]
	switch {
	case p.IsKeyword("AS"), p.Text == "::":
		return true
	case p.Text == ")" || p.Kind == sqlscan.String || p.Kind == sqlscan.Number:
		return true
	case p.IsIdent():
		// Two adjacent identifiers: the second is an implicit alias.
		return true
	}
	return false
}

// isOutputAlias reports whether name is defined as a select-list or
// derived-table alias anywhere in the statement.
func (s *statement) isOutputAlias(lower string) bool {
	for i, tok := range s.tokens {
		if !tok.IsIdent() || s.tablePos[i] || strings.ToLower(tok.Value()) != lower {
			continue
		}
		if next := sqlscan.NextSignificant(s.tokens, i+1); next < len(s.tokens) && s.tokens[next].Text == "(" {
			continue
		}
		if s.isDefinitionOrCall(i) {
			return true
		}
	}
	return false
}

// isQuotedString reports MySQL double-quoted tokens, which are string
// literals there rather than identifiers.
func (s *statement) isQuotedString(i int) bool {
	tok := s.tokens[i]
	return s.dialect == sqlutil.DialectMySQL && tok.Kind == sqlscan.QuotedIdent && strings.HasPrefix(tok.Text, `"`)
}

// isVariable matches @session variables and $n placeholders.
func isVariable(tok sqlscan.Token) bool {
	return tok.Kind == sqlscan.Word && (strings.HasPrefix(tok.Text, "@") || strings.HasPrefix(tok.Text, "$"))
}

// rewrite replaces the identifier at idx, keeping its quoting style.
func (s *statement) rewrite(idx int, name string) {
	tok := s.tokens[idx]
	text := name
	if tok.Kind == sqlscan.QuotedIdent {
		switch tok.Text[0] {
		case '`':
			text = "`" + strings.ReplaceAll(name, "`", "``") + "`"
		case '"':
			text = `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
		case '[':
			text = "[" + name + "]"
		}
	} else if s.dialect != "" {
		text = s.dialect.QuoteIfNeeded(name)
	}
	s.tokens[idx] = sqlscan.Token{Kind: tok.Kind, Text: text}
}

// softWords are non-reserved words that appear bare in expressions.
var softWords = map[string]bool{
	"DAY": true, "MONTH": true, "YEAR": true, "HOUR": true, "MINUTE": true,
	"SECOND": true, "WEEK": true, "QUARTER": true, "MICROSECOND": true,
	"DATE": true, "TIME": true, "TIMESTAMP": true, "BOTH": true, "LEADING": true,
	"TRAILING": true, "UNKNOWN": true, "EPOCH": true, "ROW": true, "ONLY": true,
	"NEXT": true, "PRECEDING": true, "FOLLOWING": true, "UNBOUNDED": true, "CURRENT": true,
}
