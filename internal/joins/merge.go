package joins

import (
	"strings"

	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlscan"
)

var clauseKeywords = map[string]bool{
	"WHERE": true, "GROUP": true, "HAVING": true, "ORDER": true,
	"LIMIT": true, "OFFSET": true, "FETCH": true, "WINDOW": true,
}

var setOperators = map[string]bool{"UNION": true, "INTERSECT": true, "EXCEPT": true}

var aggregates = map[string]bool{"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true, "GROUP_CONCAT": true, "STRING_AGG": true}

// Merge grafts the projection and trailing clauses of original, a single
// table SELECT on main, onto the synthesized join skeleton. Bare main
// table columns are qualified so they stay unambiguous after joining, and
// an alias for the main table is replaced by its name.
//
// It returns false when the query cannot take joins without changing its
// meaning: set operations, aggregation, several FROM sources, or anything
// it fails to locate.
func Merge(s Suggestion, original string, graph *schemagraph.Graph) (string, bool) {
	if !s.OK() {
		return "", false
	}
	main, ok := graph.Table(s.Table)
	if !ok {
		return "", false
	}

	tokens := sqlscan.TokenizeDialect(strings.TrimSpace(original), graph.Dialect)
	depth := 0
	selectIdx, fromIdx := -1, -1
	for i, tok := range tokens {
		switch {
		case tok.Text == "(":
			depth++
		case tok.Text == ")":
			depth--
		case depth != 0:
		case tok.IsKeyword("SELECT") && selectIdx < 0:
			selectIdx = i
		case tok.IsKeyword("FROM") && selectIdx >= 0 && fromIdx < 0:
			fromIdx = i
		case tok.Kind == sqlscan.Word && setOperators[strings.ToUpper(tok.Text)]:
			return "", false
		case tok.IsKeyword("GROUP"):
			return "", false
		}
	}
	if selectIdx < 0 || fromIdx < 0 {
		return "", false
	}

	tableIdx := sqlscan.NextSignificant(tokens, fromIdx+1)
	if tableIdx >= len(tokens) || !tokens[tableIdx].IsIdent() {
		return "", false
	}
	if tableIdx+2 < len(tokens) && tokens[tableIdx+1].Text == "." && tokens[tableIdx+2].IsIdent() {
		tableIdx += 2
	}
	if !strings.EqualFold(tokens[tableIdx].Value(), main.Name) {
		return "", false
	}
	rest := tableIdx + 1
	alias := ""
	if j := sqlscan.NextSignificant(tokens, rest); j < len(tokens) {
		if tokens[j].IsKeyword("AS") {
			j = sqlscan.NextSignificant(tokens, j+1)
		}
		if j < len(tokens) && tokens[j].IsIdent() {
			alias = strings.ToLower(tokens[j].Value())
			rest = j + 1
		}
	}
	if next := sqlscan.NextSignificant(tokens, rest); next < len(tokens) && tokens[next].Text == "," {
		return "", false
	}

	mainRef := dialectOf(graph).QuoteIfNeeded(main.Name)
	projection := tokens[sqlscan.NextSignificant(tokens, selectIdx+1):fromIdx]
	for _, tok := range projection {
		if tok.Kind == sqlscan.Word && aggregates[strings.ToUpper(tok.Text)] {
			return "", false
		}
	}

	skeleton := strings.TrimSuffix(s.SQL, ";")
	if custom := strings.TrimSpace(sqlscan.Join(qualify(projection, main, mainRef, alias))); custom != "*" && custom != "" {
		skeleton = "SELECT " + custom + skeleton[strings.Index(skeleton, " FROM "):]
	}

	trailing := strings.TrimSpace(sqlscan.Join(qualify(tokens[rest:], main, mainRef, alias)))
	trailing = strings.TrimSpace(strings.TrimSuffix(trailing, ";"))
	if trailing == "" {
		return skeleton + ";", true
	}
	first := sqlscan.TokenizeDialect(trailing, graph.Dialect)[0]
	if first.Kind == sqlscan.Word && clauseKeywords[strings.ToUpper(first.Text)] {
		return skeleton + " " + trailing + ";", true
	}
	return skeleton + " WHERE " + trailing + ";", true
}

// qualify prefixes bare main table columns with mainRef and rewrites
// alias qualifiers to mainRef.
func qualify(tokens []sqlscan.Token, main *schemagraph.TableSchema, mainRef, alias string) []sqlscan.Token {
	out := make([]sqlscan.Token, len(tokens))
	copy(out, tokens)
	for i, tok := range out {
		if !tok.IsIdent() {
			continue
		}
		next := sqlscan.NextSignificant(out, i+1)
		prev := sqlscan.PrevSignificant(out, i)
		if prev >= 0 && (out[prev].Text == "." || out[prev].IsKeyword("AS") || out[prev].Text == "::") {
			continue
		}
		if next < len(out) && out[next].Text == "(" {
			continue
		}
		if i+1 < len(out) && out[i+1].Text == "." {
			if alias != "" && strings.ToLower(tok.Value()) == alias {
				out[i] = sqlscan.Token{Kind: sqlscan.Word, Text: mainRef}
			}
			continue
		}
		if prev >= 0 && (out[prev].IsIdent() || out[prev].Text == ")") {
			continue
		}
		if main.HasColumn(tok.Value()) {
			out[i] = sqlscan.Token{Kind: tok.Kind, Text: mainRef + "." + tok.Text}
		}
	}
	return out
}
