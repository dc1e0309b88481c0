package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownModule is returned for a module that is not in the schema.
	ErrUnknownModule = errors.New("unknown module")

	// ErrUnknownField is returned for a key that is not declared for its
	// module in the schema.
	ErrUnknownField = errors.New("unknown field")
)

// Entry is the stored state of one field.
//
// An Entry is never modified after it has been committed; every write
// produces a new one. Values are copied on the way in and out of the store,
// so changing a value that was read never changes the field.
type Entry struct {
	// Value is the field value.
	Value any `json:"value"`

	// UpdateTime is the write time in milliseconds. Zero means the field
	// still holds its schema default and has never been written.
	UpdateTime int64 `json:"updateTime"`
}

// Change describes one committed write.
type Change struct {
	Module   string `json:"module"`
	Key      string `json:"key"`
	Current  Entry  `json:"curr"`
	Previous Entry  `json:"prev"`
}

// Listener receives the entry produced by a write and the entry it replaced.
type Listener func(current, previous Entry)

// Schema maps module name to the default value of each of its keys.
type Schema map[string]map[string]any

// UpdateFunc computes the next value of a field from its current entry.
// Returning an error aborts the update without committing anything.
type UpdateFunc func(current Entry) (any, error)

// FieldError reports an operation on a module or key that is not declared.
type FieldError struct {
	Module string
	Key    string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %q", e.Err, e.Module)
	}
	return fmt.Sprintf("%s: %s.%s", e.Err, e.Module, e.Key)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
