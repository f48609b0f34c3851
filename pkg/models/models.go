package models

import (
	"io"
	"net/http"
	"time"
)

// ControlGroup classifies where a datastream's bytes live.
type ControlGroup string

const (
	// ControlGroupExternal is externally referenced content fetched over HTTP.
	ControlGroupExternal ControlGroup = "E"
	// ControlGroupManaged is repository-managed binary content.
	ControlGroupManaged ControlGroup = "M"
	// ControlGroupInlineXML is XML stored inline in the object.
	ControlGroupInlineXML ControlGroup = "X"
	// ControlGroupRedirect is a reference the repository never proxies; the
	// caller is redirected to the target instead.
	ControlGroupRedirect ControlGroup = "R"
)

// Internal reports whether the content is held by the repository itself.
func (c ControlGroup) Internal() bool {
	return c == ControlGroupManaged || c == ControlGroupInlineXML
}

// ObjectState is the lifecycle state of a digital object or datastream version.
type ObjectState string

const (
	StateActive   ObjectState = "A"
	StateInactive ObjectState = "I"
	StateDeleted  ObjectState = "D"
)

// Datastream is one named, versioned content unit attached to a digital object.
type Datastream struct {
	PID          string
	DSID         string
	VersionID    string
	State        ObjectState
	ControlGroup ControlGroup
	MIMEType     string
	Location     string
	CreatedAt    time.Time
	Size         int64
}

// ParmDef declares one user parameter of a service method.
type ParmDef struct {
	Name         string
	Required     bool
	DefaultValue string
}

// Content is a typed byte stream handed back to the HTTP layer. Body must be
// closed by the consumer on every path.
type Content struct {
	MIMEType string
	Header   http.Header
	Length   int64
	Body     io.ReadCloser
}

// RedirectMIMEType tags a Content whose body is a raw target URL rather than
// proxied bytes. The transport layer turns it into an HTTP redirect.
const RedirectMIMEType = "application/x-strata-redirect"
