package firepit

import "github.com/raymundl/firepit/internal/fperrors"

// UnknownViewname is raised when an operation references a view or table
// that does not exist in the current session's catalog.
type UnknownViewname = fperrors.UnknownViewname

// IncompatibleType is raised when an operation would mix SCO types across
// views, or when schema evolution would narrow or retype an existing column.
type IncompatibleType = fperrors.IncompatibleType

// InvalidPattern is raised when a STIX pattern fails to parse or references
// an operator the compiler does not support.
type InvalidPattern = fperrors.InvalidPattern

// InvalidAttr is raised when assign/join/values reference an unknown column.
type InvalidAttr = fperrors.InvalidAttr

// StorageError wraps a backend failure with a dialect-agnostic message.
// The underlying driver error is preserved for errors.Is/errors.As.
type StorageError = fperrors.StorageError

func wrapStorage(op string, err error) error {
	return fperrors.WrapStorage(op, err)
}
