// Package sqlscan splits SQL text into lossless tokens. Concatenating the
// Text of every token reproduces the input exactly, so callers can rewrite
// identifiers without disturbing literals, comments or spacing.
package sqlscan

import (
	"strings"
	"unicode"

	"sql-agent/internal/sqlutil"
)

// Kind classifies a token.
type Kind int

const (
	Whitespace Kind = iota
	Comment
	Word        // bare identifier or keyword
	QuotedIdent // `x`, "x" or [x]
	String      // 'x'
	Number
	Punct
)

// Token is one lexical unit of the input.
type Token struct {
	Kind Kind
	Text string
}

// Value returns the identifier without quoting.
func (t Token) Value() string {
	if t.Kind != QuotedIdent || len(t.Text) < 2 {
		return t.Text
	}
	inner := t.Text[1 : len(t.Text)-1]
	switch t.Text[0] {
	case '`':
		return strings.ReplaceAll(inner, "``", "`")
	case '"':
		return strings.ReplaceAll(inner, `""`, `"`)
	}
	return inner
}

// IsIdent reports whether the token can name a table, alias or column.
func (t Token) IsIdent() bool {
	return (t.Kind == Word && !IsKeyword(t.Text)) || t.Kind == QuotedIdent
}

// IsKeyword reports whether the token is the given keyword, ignoring case.
func (t Token) IsKeyword(kw string) bool {
	return t.Kind == Word && strings.EqualFold(t.Text, kw)
}

// Significant reports whether the token is neither whitespace nor a comment.
func (t Token) Significant() bool {
	return t.Kind != Whitespace && t.Kind != Comment
}

// rules are the dialect-dependent lexical choices.
type rules struct {
	hashComments  bool // # starts a line comment
	bracketIdents bool // [x] is a quoted identifier
}

var lenient = rules{hashComments: true, bracketIdents: true}

func rulesFor(d sqlutil.Dialect) rules {
	switch d {
	case sqlutil.DialectMySQL:
		return rules{hashComments: true}
	case sqlutil.DialectPostgres:
		return rules{}
	case sqlutil.DialectSQLite:
		return rules{bracketIdents: true}
	}
	return lenient
}

// Tokenize scans sql when the dialect is unknown: # starts a comment and
// [x] quotes an identifier. Unterminated strings and comments run to the
// end of the input.
func Tokenize(sql string) []Token {
	return scan(sql, lenient)
}

// TokenizeDialect scans sql with the lexical rules of d. PostgreSQL reads #
// as an operator and [ as a subscript; MySQL has no bracket quoting.
func TokenizeDialect(sql string, d sqlutil.Dialect) []Token {
	return scan(sql, rulesFor(d))
}

func scan(sql string, rl rules) []Token {
	var tokens []Token
	rs := []rune(sql)
	i := 0
	for i < len(rs) {
		start := i
		r := rs[i]
		var kind Kind
		switch {
		case unicode.IsSpace(r):
			kind = Whitespace
			for i < len(rs) && unicode.IsSpace(rs[i]) {
				i++
			}
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-', r == '#' && rl.hashComments:
			kind = Comment
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			kind = Comment
			i += 2
			for i < len(rs) && !(rs[i] == '*' && i+1 < len(rs) && rs[i+1] == '/') {
				i++
			}
			i = min(i+2, len(rs))
		case r == '\'':
			kind = String
			i = scanQuoted(rs, i, '\'')
		case r == '`' || r == '"':
			kind = QuotedIdent
			i = scanQuoted(rs, i, r)
		case r == '[' && rl.bracketIdents:
			kind = QuotedIdent
			for i < len(rs) && rs[i] != ']' {
				i++
			}
			i = min(i+1, len(rs))
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1]) && !prevIsIdent(tokens)):
			kind = Number
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E') {
				i++
			}
		case r == '@':
			// @var and @@system_var; a lone @ is a one-rune word.
			kind = Word
			i++
			if i < len(rs) && rs[i] == '@' {
				i++
			}
			for i < len(rs) && isIdentPart(rs[i]) {
				i++
			}
		case isIdentStart(r):
			kind = Word
			for i < len(rs) && isIdentPart(rs[i]) {
				i++
			}
		default:
			kind = Punct
			i++
			if i < len(rs) && isCompoundOperator(r, rs[i]) {
				i++
			}
		}
		tokens = append(tokens, Token{Kind: kind, Text: string(rs[start:i])})
	}
	return tokens
}

// scanQuoted returns the index after the closing quote. A doubled quote is
// an escape; a backslash escapes the next rune inside single quotes.
func scanQuoted(rs []rune, i int, quote rune) int {
	i++
	for i < len(rs) {
		switch {
		case quote == '\'' && rs[i] == '\\' && i+1 < len(rs):
			i += 2
		case rs[i] == quote && i+1 < len(rs) && rs[i+1] == quote:
			i += 2
		case rs[i] == quote:
			return i + 1
		default:
			i++
		}
	}
	return i
}

func prevIsIdent(tokens []Token) bool {
	if len(tokens) == 0 {
		return false
	}
	last := tokens[len(tokens)-1]
	return last.Kind == Word || last.Kind == QuotedIdent
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isCompoundOperator(a, b rune) bool {
	switch string([]rune{a, b}) {
	case "<=", ">=", "<>", "!=", "||", "::", ":=":
		return true
	}
	return false
}

// Join concatenates token text.
func Join(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// NextSignificant returns the index of the first significant token at or
// after i, or len(tokens).
func NextSignificant(tokens []Token, i int) int {
	for i < len(tokens) && !tokens[i].Significant() {
		i++
	}
	return i
}

// PrevSignificant returns the index of the last significant token before i,
// or -1.
func PrevSignificant(tokens []Token, i int) int {
	i--
	for i >= 0 && !tokens[i].Significant() {
		i--
	}
	return i
}
