package adapter

import "strings"

// StripCodeFences removes a markdown code fence (```sql, ``` or an
// unterminated opening fence) around SQL text. Text without fences is
// returned trimmed.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}

	body := text[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		lang := strings.TrimSpace(body[:nl])
		if lang == "" || isFenceLanguage(lang) {
			body = body[nl+1:]
		}
	} else if lower := strings.ToLower(body); strings.HasPrefix(lower, "sql") {
		body = body[3:]
	}

	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isFenceLanguage(lang string) bool {
	switch strings.ToLower(lang) {
	case "sql", "mysql", "postgresql", "postgres", "sqlite", "pgsql", "tsql":
		return true
	}
	return false
}
