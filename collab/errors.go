package collab

import (
	"errors"
	"fmt"
)

// errors.go provides the sentinel errors for the collab package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for readiness waits
var (
	ErrSyncTimeout      = errors.New("timed out waiting for sync")
	ErrConnectionClosed = errors.New("connection closed before sync")
	ErrConnectionError  = errors.New("connection error before sync")
)

// used for session lifecycle
var (
	ErrSessionDestroyed = errors.New("session destroyed")
	ErrSessionDetached  = errors.New("session detached")
	ErrNoProvider       = errors.New("no provider attached")
	ErrDocMissing       = errors.New("doc missing from doc map after provider creation")
)

// used for the doc api
var (
	ErrDocNotFound       = errors.New("doc not found")
	ErrProviderDestroyed = errors.New("provider destroyed")
	ErrClientClosed      = errors.New("doc client closed")
)

// a non-2xx response
type HttpError struct {
	StatusCode int
	// the response body is the error message
	Message string
}

func (self *HttpError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("http status %d", self.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", self.StatusCode, self.Message)
}

// 5xx and 429 are transient
func (self *HttpError) Retryable() bool {
	return 500 <= self.StatusCode || self.StatusCode == 429
}

func (self *HttpError) Is(target error) bool {
	return target == ErrDocNotFound && self.StatusCode == 404
}
