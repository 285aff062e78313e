package identity

import "strings"

// Placeholder ids sent by buggy clients. Merging on them would collapse unrelated users.
var caseInsensitiveIllegalIDs = map[string]struct{}{
	"anonymous":         {},
	"guest":             {},
	"distinctid":        {},
	"distinct_id":       {},
	"id":                {},
	"not_authenticated": {},
	"email":             {},
	"undefined":         {},
	"true":              {},
	"false":             {},
}

var caseSensitiveIllegalIDs = map[string]struct{}{
	"[object Object]": {},
	"NaN":             {},
	"None":            {},
	"none":            {},
	"null":            {},
	"0":               {},
}

// IsDistinctIDIllegal reports whether id may never anchor a merge.
func IsDistinctIDIllegal(id string) bool {
	if strings.TrimSpace(id) == "" {
		return true
	}
	if _, ok := caseInsensitiveIllegalIDs[strings.ToLower(id)]; ok {
		return true
	}
	_, ok := caseSensitiveIllegalIDs[id]
	return ok
}
