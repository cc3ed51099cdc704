// Package matcher resolves possibly misspelled identifiers against the real
// schema using Levenshtein distance.
package matcher

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/jinzhu/inflection"
)

// Match is an accepted candidate.
type Match struct {
	Name     string
	Distance int
}

// Threshold is the largest accepted edit distance for a name of length n:
// 2 below ten characters, n/5 from there on.
func Threshold(n int) int {
	if n < 10 {
		return 2
	}
	return n / 5
}

// ClosestMatch returns the valid name with the smallest edit distance to
// candidate. Ties go to the earlier name. The match is rejected when the
// distance exceeds Threshold(len(candidate)).
func ClosestMatch(candidate string, validNames []string) (Match, bool) {
	best := Match{Distance: -1}
	for _, name := range validNames {
		d := levenshtein.ComputeDistance(candidate, name)
		if best.Distance < 0 || d < best.Distance {
			best = Match{Name: name, Distance: d}
			if d == 0 {
				break
			}
		}
	}
	if best.Distance < 0 || best.Distance > Threshold(len([]rune(candidate))) {
		return Match{}, false
	}
	return best, true
}

// Resolve tries progressively looser strategies: exact, case-insensitive,
// singular/plural form, then ClosestMatch. Strategy reports which one hit.
func Resolve(candidate string, validNames []string) (name string, strategy Strategy, ok bool) {
	if candidate == "" || len(validNames) == 0 {
		return "", StrategyNone, false
	}
	for _, valid := range validNames {
		if valid == candidate {
			return valid, StrategyExact, true
		}
	}
	for _, valid := range validNames {
		if strings.EqualFold(valid, candidate) {
			return valid, StrategyCaseInsensitive, true
		}
	}

	plural := inflection.Plural(candidate)
	singular := inflection.Singular(candidate)
	for _, valid := range validNames {
		if strings.EqualFold(valid, plural) || strings.EqualFold(valid, singular) {
			return valid, StrategyInflection, true
		}
	}

	if m, found := ClosestMatch(strings.ToLower(candidate), lowered(validNames)); found {
		for _, valid := range validNames {
			if strings.ToLower(valid) == m.Name {
				return valid, StrategyEditDistance, true
			}
		}
	}
	return "", StrategyNone, false
}

// Strategy names the rule that resolved an identifier.
type Strategy string

const (
	StrategyNone            Strategy = ""
	StrategyExact           Strategy = "exact"
	StrategyCaseInsensitive Strategy = "case_insensitive"
	StrategyInflection      Strategy = "inflection"
	StrategyEditDistance    Strategy = "edit_distance"
)

func lowered(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out
}
