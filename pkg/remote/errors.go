package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/spcoaching/coachsync/pkg/types"
)

// Kind classifies a remote failure by how the sync layer must react to it
type Kind string

const (
	// KindTransient covers timeouts and connectivity loss: reads fall back
	// to the local store and writes are staged
	KindTransient Kind = "transient"
	// KindPermission means the caller lacks rights; never staged locally
	KindPermission Kind = "permission"
	// KindValidation means the payload was rejected; never retried
	KindValidation Kind = "validation"
	// KindNotFound means the record does not exist remotely
	KindNotFound Kind = "not_found"
	// KindUnknown is anything else; treated like validation
	KindUnknown Kind = "unknown"
)

// Error is a classified remote failure
type Error struct {
	Kind     Kind
	Op       string
	Resource types.ResourceType
	Status   int    // HTTP status, 0 when no response was received
	Code     string // backend error code, e.g. PostgREST "42501"
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Op != "" {
		fmt.Fprintf(&b, " in %s", e.Op)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " %s", e.Resource)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error
func NewError(kind Kind, op string, rt types.ResourceType, err error) *Error {
	return &Error{Kind: kind, Op: op, Resource: rt, Err: err}
}

// FromStatus classifies an HTTP status and optional PostgREST error code
func FromStatus(status int, code string) Kind {
	switch {
	case code == "42501" || code == "PGRST301" || code == "PGRST302":
		return KindPermission
	case strings.HasPrefix(code, "23") || code == "22P02":
		return KindValidation
	}

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest, status == http.StatusConflict,
		status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly,
		status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	case status >= 400:
		return KindValidation
	}
	return KindUnknown
}

// Classify returns the Kind of err. Unclassified network failures and
// deadline errors are transient; a cancelled context is not.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err allows local fallback
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsPermission reports whether err is an authorization failure
func IsPermission(err error) bool { return Classify(err) == KindPermission }

// IsValidation reports whether err is a rejected payload
func IsValidation(err error) bool { return Classify(err) == KindValidation }

// IsNotFound reports whether err is a missing remote record
func IsNotFound(err error) bool { return Classify(err) == KindNotFound }

// Outcome renders err as a metrics outcome label
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	switch k := Classify(err); k {
	case KindTransient, KindPermission, KindValidation, KindNotFound:
		return string(k)
	}
	return "error"
}
