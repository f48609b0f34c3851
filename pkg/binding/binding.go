// Package binding turns an abstract, parameterized service binding into a
// concrete, fetchable resource. It consumes pre-sorted binding rows, mediates
// datastream references through short-lived tickets, substitutes bind keys and
// user parameters into the operation template, and dispatches the result by
// protocol.
package binding

import (
	"context"
	"time"

	"strata/pkg/models"
)

// Protocol is the transport a service binding is invoked over.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolFile Protocol = "file"
	ProtocolSOAP Protocol = "soap"
)

// LocalAddress marks a binding whose operation location needs no host at all
// (direct servlet/CGI mechanisms). No concatenation with an address occurs.
const LocalAddress = "LOCAL"

// Row is one binding-info record: a datastream occurrence bound to one bind
// key of a service operation. Rows for a request arrive pre-sorted by bind
// key; consecutive rows sharing a key are the values of one multi-valued
// binding.
type Row struct {
	BindKey           string
	Location          string
	DSID              string
	VersionID         string
	ControlGroup      models.ControlGroup
	AddressLocation   string
	OperationLocation string
	Protocol          Protocol
	State             models.ObjectState
	CreatedAt         time.Time
	ParmDefs          []models.ParmDef
}

// Rule is one declared bind rule of a deployment's input spec.
type Rule struct {
	BindKey  string
	Required bool
}

// SpecReader supplies the bind rules declared by a service deployment.
type SpecReader interface {
	Rules(ctx context.Context, deploymentPID, method string) ([]Rule, error)
}

// StatePolicy is the delegated check that a datastream's object state may be
// disseminated at all.
type StatePolicy interface {
	CheckState(ctx context.Context, pid string, state models.ObjectState) error
}

// FetchOptions carries outbound credentials for a basic-auth backend call.
type FetchOptions struct {
	Username string
	Password string
}

// Fetcher performs the outbound HTTP/file GET for external content.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*models.Content, error)
}

// Request is one dissemination to assemble.
type Request struct {
	PID           string
	DeploymentPID string
	Method        string
	Rows          []Row
	Parms         map[string]string
}

// Descriptor is the assembled target: exactly one of an HTTP URL, a file
// path, or a raw redirect.
type Descriptor struct {
	Protocol Protocol
	URL      string
	Path     string
	Redirect bool
	RawURL   string
}
