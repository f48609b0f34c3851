package binding

import (
	"context"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"strata/pkg/mediation"
	"strata/pkg/models"
	"strata/pkg/secpolicy"
)

// Assembler builds request descriptors from binding rows. Construct once and
// share; all fields are read-only after construction.
type Assembler struct {
	Policy   *secpolicy.Resolver
	Registry *mediation.Registry
	Spec     SpecReader
	States   StatePolicy
	Fetcher  Fetcher

	// Mediate proxies every non-redirect datastream reference through the
	// ticket registry so physical locations never reach external services.
	Mediate bool
}

const (
	endpointOpen = "getDS"
	endpointAuth = "getDSAuthenticated"
)

// VersionTimeLayout renders a datastream version date inside a default
// dissemination URL.
const VersionTimeLayout = "2006-01-02T15:04:05.000Z"

// Assemble runs the binding-resolution pipeline over req's rows and returns
// the resolved target. The ordering inside is a contract: state checks and
// location pre-substitution per row, base-URL computation on the first row,
// per-row bind-key replacement, required-rule validation, user-parameter
// substitution, optional-segment stripping, then the final completeness check.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Descriptor, error) {
	if len(req.Rows) == 0 {
		return nil, &Error{Kind: KindMissingDatastream, PID: req.PID, Detail: "no binding rows"}
	}
	server := a.Policy.Server()
	dissURL := ""
	isRedirect := false

	for i, row := range req.Rows {
		if err := a.States.CheckState(ctx, req.PID, row.State); err != nil {
			return nil, &Error{Kind: KindStateDenied, PID: req.PID, BindKey: row.BindKey, Err: err}
		}

		loc := row.Location
		if isParameterized(loc) {
			// The datastream is itself a parameterized dissemination; resolve
			// its own parameters before it becomes a replacement value.
			for name, val := range req.Parms {
				loc = substitute(loc, name, val, true)
			}
		}

		if i == 0 {
			if row.AddressLocation == LocalAddress {
				dissURL = row.OperationLocation
			} else {
				dissURL = row.AddressLocation + row.OperationLocation
			}
			dissURL = server.FixupAppContext(dissURL)
		}

		encode := isParameterized(dissURL)
		repl := ""
		switch {
		case a.Mediate && row.ControlGroup != models.ControlGroupRedirect:
			role := a.Policy.RoleFor(loc, row.ControlGroup, req.DeploymentPID)
			id := a.Registry.Register(loc, row.ControlGroup, role, req.Method)
			endpoint := endpointOpen
			if a.Policy.Get(role, req.Method).CallbackBasicAuth {
				endpoint = endpointAuth
			}
			repl = server.BaseURL() + "/" + endpoint + "?id=" + url.QueryEscape(mediation.WireID(id))
			// The handoff URL is already wire-safe.
			encode = false
		case row.ControlGroup.Internal():
			// Bypassed internal content resolves to its own default
			// dissemination rather than a physical address.
			repl = server.BaseURL() + "/get/" + req.PID + "/" + row.DSID + "/" + row.CreatedAt.UTC().Format(VersionTimeLayout)
			encode = false
		default:
			repl = loc
		}
		if row.ControlGroup == models.ControlGroupRedirect && row.AddressLocation == LocalAddress {
			// Redirect disseminations never proxy content; the assembled URL
			// is handed back to the caller verbatim.
			isRedirect = true
		}

		if i+1 < len(req.Rows) && strings.EqualFold(req.Rows[i+1].BindKey, row.BindKey) {
			dissURL = substituteMulti(dissURL, row.BindKey, repl, encode)
		} else {
			dissURL = substitute(dissURL, row.BindKey, repl, encode)
		}
	}

	rules, err := a.Spec.Rules(ctx, req.DeploymentPID, req.Method)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if rule.Required && hasPlaceholder(dissURL, rule.BindKey) {
			return nil, &Error{Kind: KindMissingDatastream, PID: req.PID, BindKey: rule.BindKey}
		}
	}

	for name, val := range req.Parms {
		dissURL = substitute(dissURL, name, val, true)
	}
	dissURL = stripUnresolved(dissURL, optionalParms(req.Rows))
	if key, ok := firstUnresolved(dissURL); ok {
		return nil, &Error{Kind: KindMissingDatastream, PID: req.PID, BindKey: key, Detail: "required parameter unfilled"}
	}

	switch req.Rows[0].Protocol {
	case ProtocolHTTP:
		if isRedirect {
			return &Descriptor{Redirect: true, RawURL: dissURL}, nil
		}
		return &Descriptor{Protocol: ProtocolHTTP, URL: dissURL}, nil
	case ProtocolFile:
		return &Descriptor{Protocol: ProtocolFile, Path: dissURL}, nil
	case ProtocolSOAP:
		return nil, &Error{Kind: KindUnsupportedProtocol, PID: req.PID, Detail: "soap bindings are not supported"}
	default:
		return nil, &Error{Kind: KindUnsupportedProtocol, PID: req.PID, Detail: string(req.Rows[0].Protocol)}
	}
}

// optionalParms collects the declared-optional parameter names across rows.
func optionalParms(rows []Row) map[string]bool {
	optional := map[string]bool{}
	for _, row := range rows {
		for _, def := range row.ParmDefs {
			if !def.Required {
				optional[def.Name] = true
			}
		}
	}
	return optional
}

// Dispatch fetches the content a descriptor points at. Redirect descriptors
// produce an in-memory stream carrying the raw URL under the redirect marker
// type; http descriptors resolve the backend role and apply its call policy;
// file descriptors read the path directly.
func (a *Assembler) Dispatch(ctx context.Context, req Request, d *Descriptor) (*models.Content, error) {
	if d.Redirect {
		return &models.Content{
			MIMEType: models.RedirectMIMEType,
			Length:   int64(len(d.RawURL)),
			Body:     io.NopCloser(strings.NewReader(d.RawURL)),
		}, nil
	}
	switch d.Protocol {
	case ProtocolHTTP:
		role := a.Policy.RoleFor(d.URL, "", req.DeploymentPID)
		pol := a.Policy.Get(role, req.Method)
		target := d.URL
		if role == secpolicy.InternalRole && pol.CallSSL {
			target = a.Policy.Server().RewriteSSL(target)
		}
		var opts FetchOptions
		if pol.CallBasicAuth {
			opts = FetchOptions{Username: pol.CallUsername, Password: pol.CallPassword}
		}
		content, err := a.Fetcher.Fetch(ctx, target, opts)
		if err != nil {
			return nil, &Error{Kind: KindUpstreamFetch, PID: req.PID, Detail: target, Err: err}
		}
		return content, nil
	case ProtocolFile:
		return openFile(req.PID, d.Path)
	default:
		return nil, &Error{Kind: KindUnsupportedProtocol, PID: req.PID, Detail: string(d.Protocol)}
	}
}

func openFile(pid, path string) (*models.Content, error) {
	path = strings.TrimPrefix(path, "file://")
	path = strings.TrimPrefix(path, "file:")
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamFetch, PID: pid, Detail: path, Err: err}
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	length := int64(-1)
	if info, err := f.Stat(); err == nil {
		length = info.Size()
	}
	return &models.Content{MIMEType: mimeType, Length: length, Body: f}, nil
}
