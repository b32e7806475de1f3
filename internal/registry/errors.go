package registry

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by the registry is an *OpError whose
// Kind is one of these.
var (
	ErrProvisionFailure = errors.New("provision failure")
	ErrNotFound         = errors.New("not found")
	ErrNotReady         = errors.New("not ready")
	ErrNoSession        = errors.New("no session")
	ErrRemoteFailure    = errors.New("remote failure")
	ErrTimeout          = errors.New("timeout")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidAction    = errors.New("invalid action")
)

var kinds = []error{
	ErrProvisionFailure,
	ErrNotFound,
	ErrNotReady,
	ErrNoSession,
	ErrRemoteFailure,
	ErrTimeout,
	ErrAlreadyExists,
	ErrInvalidAction,
}

// OpError describes a failed registry operation. errors.Is matches both the
// Kind and anything in the Err chain.
type OpError struct {
	Op   string
	ID   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.ID != "" {
		b.WriteString(" ")
		b.WriteString(e.ID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op, id string, kind, err error) *OpError {
	return &OpError{Op: op, ID: id, Kind: kind, Err: err}
}

// KindOf returns the registry error kind carried by err, or nil.
func KindOf(err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel renders the error kind as a metrics label: "ok" for nil,
// "other" for errors that carry no registry kind.
func KindLabel(err error) string {
	if err == nil {
		return "ok"
	}
	k := KindOf(err)
	if k == nil {
		return "other"
	}
	return strings.ReplaceAll(k.Error(), " ", "_")
}
