package batch

import "fmt"

// PanicError is returned for an item whose probe panicked.
type PanicError struct {
	ID    string
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("probe %s panicked: %v", e.ID, e.Value) }
