package recovery

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoRecoverableTable means neither the failed statement nor its error
// named a table the schema knows.
var ErrNoRecoverableTable = errors.New("no recognizable table to fall back to")

// ExhaustedError reports that the fallback query failed as well. Both
// error texts are preserved.
type ExhaustedError struct {
	OriginalErr error
	FallbackSQL string
	FallbackErr error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("query failed: %v; fallback %q also failed: %v", e.OriginalErr, e.FallbackSQL, e.FallbackErr)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{e.OriginalErr, e.FallbackErr}
}

// Diagnosis is what could be read out of an engine error message.
type Diagnosis struct {
	// Column is the unknown column reference as reported, possibly
	// qualified ("p.title").
	Column string
	// Table is a missing table name with any schema prefix removed.
	Table string
}

// UnknownColumn reports whether the error was about a column.
func (d Diagnosis) UnknownColumn() bool { return d.Column != "" }

// Qualifier splits a qualified column reference into qualifier and name.
func (d Diagnosis) Qualifier() (qualifier, column string) {
	if i := strings.LastIndex(d.Column, "."); i >= 0 {
		return d.Column[:i], d.Column[i+1:]
	}
	return "", d.Column
}

var (
	columnPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)unknown column '([^']+)'`),            // mysql
		regexp.MustCompile(`(?i)column "?([^"\s]+?)"? does not exist`), // postgres
		regexp.MustCompile(`(?i)no such column:? ([^\s,;]+)`),         // sqlite
		regexp.MustCompile(`(?i)column '([^']+)' not found`),
	}
	tablePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)table '([^']+)' doesn't exist`),          // mysql
		regexp.MustCompile(`(?i)relation "([^"]+)" does not exist`),      // postgres
		regexp.MustCompile(`(?i)no such table:? ([^\s,;]+)`),            // sqlite
		regexp.MustCompile(`(?i)table ['"]?([^'"\s]+)['"]? not found`),
	}
)

// Diagnose extracts the unknown column or missing table from an engine
// error message. Both are empty when nothing matched.
func Diagnose(message string) Diagnosis {
	var d Diagnosis
	for _, re := range columnPatterns {
		if m := re.FindStringSubmatch(message); m != nil {
			d.Column = strings.Trim(m[1], "`\"")
			break
		}
	}
	for _, re := range tablePatterns {
		if m := re.FindStringSubmatch(message); m != nil {
			name := strings.Trim(m[1], "`\"")
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			d.Table = name
			break
		}
	}
	return d
}
