package model

import "fmt"

// ValidationError reports a malformed payload. It is raised before a network
// call is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}
