package generator

import "strings"

// ExtractSQL pulls the statement out of model output: a ```sql block wins,
// then any fenced block, then an unterminated ```sql fence. Otherwise the
// text is returned with stray fence markers removed.
func ExtractSQL(response string) string {
	lower := strings.ToLower(response)

	if start := strings.Index(lower, "```sql"); start >= 0 {
		rest := response[start+len("```sql"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}

	if start := strings.Index(response, "```"); start >= 0 {
		rest := response[start+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			block := rest[:end]
			// Drop a language tag on the opening line.
			if nl := strings.IndexByte(block, '\n'); nl >= 0 && !strings.ContainsAny(strings.TrimSpace(block[:nl]), " \t") {
				if tag := strings.TrimSpace(block[:nl]); tag != "" && !looksLikeSQL(tag) {
					block = block[nl+1:]
				}
			}
			return strings.TrimSpace(block)
		}
	}

	if start := strings.Index(lower, "```sql"); start >= 0 {
		return strings.TrimSpace(response[start+len("```sql"):])
	}

	cleaned := strings.ReplaceAll(response, "```sql", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}

func looksLikeSQL(s string) bool {
	switch strings.ToUpper(strings.TrimRight(s, ";")) {
	case "SELECT", "WITH", "INSERT", "UPDATE", "DELETE", "SHOW":
		return true
	}
	return false
}
