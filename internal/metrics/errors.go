package metrics

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/torosent/freshbench/internal/pool"
)

// Labels for the classified failure kinds. The breakdown in reports and
// the lifetime endpoint buckets on these.
const (
	labelExhausted  = "Pool exhausted"
	labelTimeout    = "Query timeout"
	labelStale      = "Stale connection"
	labelMissingRel = "Relation missing"
	labelNoPool     = "Pool unavailable"
	labelNoRow      = "Row missing"
)

// ErrorLabel maps an error to the friendly bucket it is counted under.
func ErrorLabel(err error) string {
	if err == nil {
		return ""
	}
	switch pool.Classify(err) {
	case pool.KindExhausted:
		return labelExhausted
	case pool.KindTimeout:
		return labelTimeout
	case pool.KindStale:
		return labelStale
	case pool.KindUndefinedRelation:
		return labelMissingRel
	case pool.KindInitialization:
		return labelNoPool
	}
	if errors.Is(err, sql.ErrNoRows) {
		return labelNoRow
	}
	return friendlyTypeName(fmt.Sprintf("%T", err))
}

var friendlyAliases = map[string]string{
	"*context.deadlineExceededError": "Context deadline exceeded",
	"context.deadlineExceededError":  "Context deadline exceeded",
	"*net.OpError":                   "Network error",
	"net.OpError":                    "Network error",
}

// friendlyTypeName returns a human-friendly label for a Go error type.
func friendlyTypeName(typeName string) string {
	cleaned := strings.TrimSpace(typeName)
	if cleaned == "" {
		return "Unknown error"
	}

	if alias, ok := friendlyAliases[cleaned]; ok {
		return alias
	}

	cleaned = strings.TrimPrefix(cleaned, "*")
	if alias, ok := friendlyAliases[cleaned]; ok {
		return alias
	}
	if idx := strings.LastIndex(cleaned, "/"); idx != -1 {
		cleaned = cleaned[idx+1:]
	}

	pkg := ""
	name := cleaned
	if idx := strings.Index(name, "."); idx != -1 {
		pkg = name[:idx]
		name = name[idx+1:]
	}

	pretty := humanizeTypeName(name)
	if pretty == "" {
		pretty = name
	}

	if pkg != "" && pkg != "main" && pkg != "errors" && pkg != "fmt" {
		return fmt.Sprintf("%s (%s)", pretty, pkg)
	}
	return pretty
}

func humanizeTypeName(name string) string {
	if name == "" {
		return ""
	}

	var words []string
	var current []rune
	runes := []rune(name)

	appendWord := func() {
		if len(current) == 0 {
			return
		}
		word := string(current)
		if isAllUpper(word) {
			words = append(words, word)
		} else {
			words = append(words, capitalize(word))
		}
		current = current[:0]
	}

	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsUpper(r) && (unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower)) {
				appendWord()
			} else if unicode.IsDigit(r) && !unicode.IsDigit(prev) {
				appendWord()
			}
		}
		current = append(current, r)
	}
	appendWord()

	return strings.Join(words, " ")
}

func isAllUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	runes := []rune(lower)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
