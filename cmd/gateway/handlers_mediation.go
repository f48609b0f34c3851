package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"strata/pkg/audit"
	"strata/pkg/binding"
	"strata/pkg/httpx"
	"strata/pkg/mediation"
	"strata/pkg/models"
	"strata/pkg/secpolicy"
	"strata/pkg/stream"

	"github.com/google/uuid"
)

// handleGetDS redeems a mediation ticket and streams the datastream it hides.
// Every redemption attempt consumes the ticket, success or not; a ticket that
// reaches this handler is gone afterwards no matter what.
func (s *Server) handleGetDS(authenticated bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		id := mediation.NormalizeID(r.URL.Query().Get("id"))
		if id == "" {
			httpx.Error(w, http.StatusBadRequest, "missing id parameter")
			return
		}

		ticket, err := s.Registry.Resolve(id)
		if err != nil {
			s.Metrics.IncTicketNotFound()
			s.redeemAudit(r, requestID, id, "", "not_found", "unknown temp id; known: "+strings.Join(s.Registry.Keys(), ", "))
			httpx.Error(w, http.StatusNotFound, "datastream id not registered: "+id)
			return
		}
		// Single use. Consumed before any outcome is known so a failed
		// redemption cannot be retried.
		s.Registry.Consume(id)

		if s.now().Sub(ticket.CreatedAt) > s.RedemptionWindow {
			s.Metrics.IncTicketExpired()
			s.redeemAudit(r, requestID, id, ticket.Role, "expired", "ticket outside redemption window")
			s.Events.Publish(stream.NewEvent("ticket.expired", map[string]string{
				"method": ticket.Method,
			}))
			httpx.Error(w, http.StatusGone, "datastream id expired: "+id)
			return
		}

		// The role is recomputed from the physical location rather than
		// trusted from the ticket. A location pointing back at this server
		// is always an internal call.
		role := s.Policy.RoleFor(ticket.Location, ticket.ControlGroup, ticket.Role)
		pol := s.Policy.Get(role, ticket.Method)

		if pol.CallbackBasicAuth && !authenticated {
			s.Metrics.IncOutcome("denied")
			s.redeemAudit(r, requestID, id, role, "denied", "callback requires basic auth")
			httpx.Error(w, http.StatusForbidden, "this datastream requires the authenticated endpoint")
			return
		}
		// An internal callback-SSL ticket points at this server over plain
		// HTTP. Internal clients cannot auto-upgrade, so the location is
		// rewritten to https on the redirect port before dispatch. Foreign
		// locations never qualify: they resolve to a non-internal role.
		if role == secpolicy.InternalRole && ticket.CallbackSSL && strings.HasPrefix(ticket.Location, "http://") {
			ticket.Location = s.Policy.Server().RewriteSSL(ticket.Location)
		}

		content, err := s.redeemContent(r.Context(), ticket, pol.CallUsername, pol.CallPassword)
		if err != nil {
			s.Metrics.IncOutcome("error")
			s.redeemAudit(r, requestID, id, role, "error", err.Error())
			status := http.StatusBadGateway
			if binding.IsKind(err, binding.KindMalformedLocation) {
				status = http.StatusInternalServerError
			}
			httpx.Error(w, status, "could not resolve datastream: "+err.Error())
			return
		}
		defer func() { _ = content.Body.Close() }()

		s.Metrics.IncTicketRedeemed()
		s.Metrics.IncControlGroup(string(ticket.ControlGroup))
		s.redeemAudit(r, requestID, id, role, "ok", "")
		s.Events.Publish(stream.NewEvent("ticket.redeemed", map[string]string{
			"control_group": string(ticket.ControlGroup),
			"method":        ticket.Method,
		}))
		writeContent(w, content)
	}
}

// redeemContent dereferences the ticket's physical location by control group:
// external references are fetched over HTTP, managed and inline content comes
// from repository storage.
func (s *Server) redeemContent(ctx context.Context, t mediation.Ticket, username, password string) (*models.Content, error) {
	switch {
	case t.ControlGroup == models.ControlGroupExternal:
		opts := binding.FetchOptions{}
		if t.CallBasicAuth {
			opts.Username = username
			opts.Password = password
		}
		return s.Fetcher.Fetch(ctx, t.Location, opts)
	case t.ControlGroup.Internal():
		// Internal locations are recorded as pid+dsid+versionid.
		parts := strings.Split(t.Location, "+")
		if len(parts) != 3 {
			return nil, &binding.Error{
				Kind:   binding.KindMalformedLocation,
				Detail: "internal location is not pid+dsid+versionid: " + t.Location,
			}
		}
		ds, body, err := s.Repo.Datastream(ctx, parts[0], parts[1], parts[2])
		if err != nil {
			return nil, &binding.Error{Kind: binding.KindMissingDatastream, PID: parts[0], Detail: "datastream " + parts[1] + " unavailable", Err: err}
		}
		return &models.Content{
			MIMEType: ds.MIMEType,
			Length:   int64(len(body)),
			Body:     io.NopCloser(strings.NewReader(string(body))),
		}, nil
	default:
		return nil, &binding.Error{
			Kind:   binding.KindMalformedLocation,
			Detail: "unexpected control group " + string(t.ControlGroup) + " behind mediation",
		}
	}
}

func (s *Server) redeemAudit(r *http.Request, requestID, tempID, role, outcome, detail string) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		RequestID:  requestID,
		Event:      audit.EventRedeem,
		TempID:     tempID,
		Role:       role,
		Outcome:    outcome,
		Detail:     detail,
		RemoteAddr: s.clientIP(r),
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}

// writeContent streams a Content to the client, preserving upstream headers
// but owning Content-Type and Content-Length itself.
func writeContent(w http.ResponseWriter, c *models.Content) {
	for key, values := range c.Header {
		switch http.CanonicalHeaderKey(key) {
		case "Content-Type", "Content-Length", "Connection", "Transfer-Encoding":
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	mime := c.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	if c.Length > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(c.Length, 10))
	}
	if _, err := io.Copy(w, c.Body); err != nil {
		log.Printf("content stream aborted: %v", err)
	}
}
