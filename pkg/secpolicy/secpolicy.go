// Package secpolicy resolves per-role backend security requirements: whether a
// call or callback must carry basic-auth credentials or travel over SSL. The
// table is loaded once from configuration and queried through an explicit
// Resolver; there is no ambient global lookup.
package secpolicy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"strata/pkg/models"
)

// InternalRole is the fixed role used when the server calls itself, either
// because an outbound reference points back at this host or because the
// content is repository-managed.
const InternalRole = "internalCall"

// Policy is the resolved security requirement for one (role, method) pair.
type Policy struct {
	CallBasicAuth     bool   `json:"call_basic_auth"`
	CallSSL           bool   `json:"call_ssl"`
	CallUsername      string `json:"call_username"`
	CallPassword      string `json:"call_password"`
	CallbackBasicAuth bool   `json:"callback_basic_auth"`
	CallbackSSL       bool   `json:"callback_ssl"`
}

// RoleEntry holds a role's default policy plus per-method overrides.
type RoleEntry struct {
	Default Policy            `json:"default"`
	Methods map[string]Policy `json:"methods"`
}

type table struct {
	Roles map[string]RoleEntry `json:"roles"`
}

// ServerID identifies this server on the wire. It is what decides whether an
// outbound reference is "to itself", and how gateway/callback URLs are built.
type ServerID struct {
	Scheme       string
	Host         string
	Port         string
	RedirectPort string
	Context      string
}

// BaseURL is the plain-HTTP address of the application context, no trailing slash.
func (s ServerID) BaseURL() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + s.Host + ":" + s.Port + "/" + s.Context
}

// IsSelf reports whether raw is a URL addressed to this server, matching on
// host and on either the plain or the redirect port.
func (s ServerID) IsSelf(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if !strings.EqualFold(host, s.Host) && host != "localhost" && host != "127.0.0.1" {
		return false
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return port == s.Port || port == s.RedirectPort
}

// DefaultContext is the application context operation templates are commonly
// authored against. FixupAppContext rewrites it to the configured one.
const DefaultContext = "strata"

// FixupAppContext fixes a literal self-reference authored against the default
// application context so it targets the configured context instead.
func (s ServerID) FixupAppContext(raw string) string {
	if s.Context == "" || s.Context == DefaultContext {
		return raw
	}
	legacy := s.Host + ":" + s.Port + "/" + DefaultContext + "/"
	return strings.ReplaceAll(raw, legacy, s.Host+":"+s.Port+"/"+s.Context+"/")
}

// RewriteSSL upgrades a plain-HTTP self-reference to https on the redirect
// port. Internal clients cannot auto-upgrade, so the URL itself must change.
func (s ServerID) RewriteSSL(raw string) string {
	out := strings.Replace(raw, "http://", "https://", 1)
	return strings.Replace(out, ":"+s.Port+"/", ":"+s.RedirectPort+"/", 1)
}

// Resolver answers (role, method) policy queries against a fixed table.
type Resolver struct {
	roles  map[string]RoleEntry
	server ServerID
}

// NewResolver builds a Resolver over an already-parsed table. Mostly for tests;
// production loads from a file via Load.
func NewResolver(server ServerID, roles map[string]RoleEntry) *Resolver {
	if roles == nil {
		roles = map[string]RoleEntry{}
	}
	return &Resolver{roles: roles, server: server}
}

// Load reads the JSON policy table at path.
func Load(path string, server ServerID) (*Resolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read security policy: %w", err)
	}
	return Parse(raw, server)
}

// Parse decodes a JSON policy table.
func Parse(raw []byte, server ServerID) (*Resolver, error) {
	var t table
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse security policy: %w", err)
	}
	if t.Roles == nil {
		t.Roles = map[string]RoleEntry{}
	}
	return &Resolver{roles: t.Roles, server: server}, nil
}

// Server returns the identity the resolver was configured with.
func (r *Resolver) Server() ServerID { return r.server }

// Get returns the policy for (role, method). A method-specific entry wins over
// the role default; an unknown role yields the zero policy (no auth, no SSL).
// Identical inputs always produce identical results.
func (r *Resolver) Get(role, method string) Policy {
	entry, ok := r.roles[role]
	if !ok {
		return Policy{}
	}
	if p, ok := entry.Methods[method]; ok {
		return p
	}
	return entry.Default
}

// RoleFor selects the effective security role for a call whose target is
// location. Calls the server makes to itself, and calls for content the
// repository holds, use the internal role; everything else is attributed
// to the service deployment issuing the call.
func (r *Resolver) RoleFor(location string, cg models.ControlGroup, deploymentPID string) string {
	if cg.Internal() || r.server.IsSelf(location) {
		return InternalRole
	}
	return deploymentPID
}
