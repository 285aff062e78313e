package identity

import "errors"

var (
	// ErrPersonNotFound means a person expected to exist is gone. It indicates a logic error
	// and is never retried.
	ErrPersonNotFound = errors.New("person not found")
	// ErrMergeAttemptsExhausted wraps the last integrity error of a full merge that kept failing.
	ErrMergeAttemptsExhausted = errors.New("person merge attempts exhausted")
)

// Ingestion warning kinds
const (
	WarningIllegalDistinctID = "cannot_merge_with_illegal_distinct_id"
	WarningAlreadyIdentified = "cannot_merge_already_identified"
)
