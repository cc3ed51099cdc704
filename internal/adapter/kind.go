package adapter

import (
	"strings"

	"sql-agent/internal/sqlscan"
)

// Kind is the statement class chosen by leading keyword.
type Kind int

const (
	KindOther Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "other"
	}
}

// Classify returns the statement kind. A WITH prefix is skipped to the
// first top-level SELECT, INSERT, UPDATE or DELETE.
func Classify(sql string) Kind {
	tokens := sqlscan.Tokenize(sql)
	return classifyTokens(tokens, parenDepths(tokens))
}

func classifyTokens(tokens []sqlscan.Token, depth []int) Kind {
	i := sqlscan.NextSignificant(tokens, 0)
	for i < len(tokens) && tokens[i].Text == "(" {
		i = sqlscan.NextSignificant(tokens, i+1)
	}
	if i >= len(tokens) {
		return KindOther
	}
	if kind := kindOf(tokens[i]); kind != KindOther || !tokens[i].IsKeyword("WITH") {
		return kind
	}
	for j := i + 1; j < len(tokens); j++ {
		if depth[j] != depth[i] {
			continue
		}
		if kind := kindOf(tokens[j]); kind != KindOther {
			return kind
		}
	}
	return KindOther
}

func kindOf(tok sqlscan.Token) Kind {
	if tok.Kind != sqlscan.Word {
		return KindOther
	}
	switch strings.ToUpper(tok.Text) {
	case "SELECT":
		return KindSelect
	case "INSERT", "REPLACE":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	}
	return KindOther
}

// parenDepths returns the nesting depth in effect at each token.
func parenDepths(tokens []sqlscan.Token) []int {
	depth := make([]int, len(tokens))
	d := 0
	for i, tok := range tokens {
		if tok.Kind == sqlscan.Punct && tok.Text == ")" && d > 0 {
			d--
		}
		depth[i] = d
		if tok.Kind == sqlscan.Punct && tok.Text == "(" {
			d++
		}
	}
	return depth
}
