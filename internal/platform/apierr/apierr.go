// Package apierr maps the domain error taxonomy onto HTTP status codes for
// internal/httpapi, as a {Status, Code, Err} envelope.
package apierr

import (
	"fmt"

	"github.com/meshinfer/meshinfer/internal/domain"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

var statusByKind = map[domain.ErrorKind]int{
	domain.ErrBadSpec:           400,
	domain.ErrNotFound:          404,
	domain.ErrNotReady:          202,
	domain.ErrAlreadyTerminal:   409,
	domain.ErrRateLimited:       429,
	domain.ErrBackpressure:      429,
	domain.ErrInsufficientNodes: 503,
	domain.ErrNodeUnavailable:   503,
	domain.ErrQuorumLost:        500,
	domain.ErrNoConsensus:       500,
	domain.ErrReviewRequired:    200,
	domain.ErrStepFailed:        500,
	domain.ErrTimeout:           504,
	domain.ErrWorkerCrashed:     500,
	domain.ErrResourceDenied:    503,
	domain.ErrModelFetchFailed:  500,
	domain.ErrCacheFull:         503,
	domain.ErrRegistryStale:     500,
	domain.ErrPeerTimeout:       504,
	domain.ErrHandoffRejected:   409,
	domain.ErrDenied:            401,
	domain.ErrInternal:          500,
}

// FromDomain converts a *domain.Error into the transport-facing *Error,
// resolving the HTTP status from the kind taxonomy.
func FromDomain(err error) *Error {
	if err == nil {
		return nil
	}
	kind := domain.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = 500
	}
	return &Error{Status: status, Code: string(kind), Err: err}
}
