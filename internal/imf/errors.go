package imf

import (
	"errors"
	"fmt"
)

// ErrNoData is returned when a dataset query matched no series. It is not a
// transport failure: the caller should loosen its filters and try again.
var ErrNoData = errors.New("no data found for that combination of parameters")

// NotFoundError reports a database or resource the service does not know.
type NotFoundError struct {
	Resource string
	Detail   string
}

func (e *NotFoundError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Detail)
}

// TransientFetchError reports a failed upstream call that may succeed if
// retried as-is.
type TransientFetchError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err is or wraps a TransientFetchError.
func IsTransient(err error) bool {
	var tf *TransientFetchError
	return errors.As(err, &tf)
}
