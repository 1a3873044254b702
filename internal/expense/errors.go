package expense

import (
	"errors"
	"sort"
	"strings"
)

// Outcomes of expense operations. All of them are expected, user-facing results.
var (
	// ErrUnauthenticated means no user identity was supplied.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound means the expense does not exist or the target id did not match.
	ErrNotFound = errors.New("expense not found")
	// ErrForbidden means the expense exists but belongs to someone else.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict means the expense changed or vanished since it was read.
	ErrConflict = errors.New("expense was modified concurrently")
	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
)

// ValidationError carries one message per invalid form field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
