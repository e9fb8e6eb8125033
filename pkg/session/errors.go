package session

import (
	"errors"
	"fmt"

	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/notebook"
	"github.com/aretw0/folio/pkg/processor"
)

var (
	// ErrSessionClosed is returned by operations on a session that has been torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrManagerClosed is returned by Open after Close.
	ErrManagerClosed = errors.New("session manager closed")
	// ErrUnknownConnection is returned when an action names a connection that is not registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")
)

// StorageError reports a failed load or save. The session stays live.
type StorageError struct {
	Op         string
	NotebookID string
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.NotebookID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wire error codes.
const (
	CodeNotFound          = "notFound"
	CodeValidation        = "validation"
	CodeKernelUnavailable = "kernelUnavailable"
	CodeProtocol          = "protocol"
	CodeStorage           = "storage"
	CodeReadOnly          = "readOnly"
	CodeInternal          = "internal"
)

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	var (
		storageErr  *StorageError
		protocolErr *kernel.ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &storageErr):
		return CodeStorage
	case errors.Is(err, notebook.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, notebook.ErrValidation), errors.Is(err, ErrUnknownConnection):
		return CodeValidation
	case errors.Is(err, processor.ErrReadOnly):
		return CodeReadOnly
	case errors.Is(err, kernel.ErrKernelUnavailable):
		return CodeKernelUnavailable
	case errors.As(err, &protocolErr):
		return CodeProtocol
	default:
		return CodeInternal
	}
}
