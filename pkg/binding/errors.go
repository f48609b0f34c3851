package binding

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of assembly and dispatch failures. Callers
// branch on Kind and on the structured fields, never on message text.
type Kind int

const (
	// KindMissingDatastream: a required bind key or parameter was never
	// substituted. A data-integrity problem in the object or its deployment,
	// never transient.
	KindMissingDatastream Kind = iota + 1
	// KindUnsupportedProtocol: soap or an unrecognized protocol type.
	KindUnsupportedProtocol
	// KindMalformedLocation: an internal location that does not parse as
	// PID+DSID+VersionID.
	KindMalformedLocation
	// KindUpstreamFetch: the external content fetch failed.
	KindUpstreamFetch
	// KindStateDenied: the datastream's object state is not permitted.
	KindStateDenied
)

func (k Kind) String() string {
	switch k {
	case KindMissingDatastream:
		return "missing datastream"
	case KindUnsupportedProtocol:
		return "unsupported protocol"
	case KindMalformedLocation:
		return "malformed location"
	case KindUpstreamFetch:
		return "upstream fetch failed"
	case KindStateDenied:
		return "state denied"
	default:
		return "unknown"
	}
}

// Error carries the failing object and bind key so tests and handlers can
// assert on them precisely.
type Error struct {
	Kind    Kind
	PID     string
	BindKey string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.PID != "" {
		msg += " pid=" + e.PID
	}
	if e.BindKey != "" {
		msg += " key=" + e.BindKey
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is (or wraps) a binding Error of the given kind.
func IsKind(err error, k Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == k
}
