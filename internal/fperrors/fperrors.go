// Package fperrors holds the error types shared between the root firepit
// package and internal packages (pattern, registry, catalog, view, shred).
// They live here, not in package firepit, so internal packages can
// construct them without importing the root package and creating a cycle;
// package firepit re-exports each one as a type alias so callers only ever
// see "firepit.XxxError".
package fperrors

import "fmt"

// UnknownViewname is raised when an operation references a view or table
// that does not exist in the current session's catalog.
type UnknownViewname struct {
	Name string
}

func (e *UnknownViewname) Error() string {
	return fmt.Sprintf("firepit: unknown view %q", e.Name)
}

// IncompatibleType is raised when an operation would mix SCO types across
// views, or when schema evolution would narrow or retype an existing column.
type IncompatibleType struct {
	Msg string
}

func (e *IncompatibleType) Error() string {
	return fmt.Sprintf("firepit: incompatible type: %s", e.Msg)
}

// InvalidPattern is raised when a STIX pattern fails to parse or references
// an operator the compiler does not support.
type InvalidPattern struct {
	Pattern string
	Reason  string
}

func (e *InvalidPattern) Error() string {
	return fmt.Sprintf("firepit: invalid pattern %q: %s", e.Pattern, e.Reason)
}

// InvalidAttr is raised when assign/join/values reference an unknown column.
type InvalidAttr struct {
	Attr string
}

func (e *InvalidAttr) Error() string {
	return fmt.Sprintf("firepit: invalid attribute %q", e.Attr)
}

// StorageError wraps a backend failure with a dialect-agnostic message.
// The underlying driver error is preserved for errors.Is/errors.As.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("firepit: storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
