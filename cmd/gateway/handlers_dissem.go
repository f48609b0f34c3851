package main

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"strata/pkg/audit"
	"strata/pkg/binding"
	"strata/pkg/httpx"
	"strata/pkg/models"
	"strata/pkg/store"
	"strata/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// handleDissemination resolves a service method's binding spec against the
// object's datastreams and either proxies the result or redirects to it.
func (s *Server) handleDissemination(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	pid := chi.URLParam(r, "pid")
	deployment := chi.URLParam(r, "deployment")
	method := chi.URLParam(r, "method")
	ctx := r.Context()

	rows, err := s.Repo.BindingRows(ctx, pid, deployment, method)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.dissemAudit(r, requestID, pid, deployment, method, "", "not_found", "no binding rows")
			httpx.Error(w, http.StatusNotFound, "no dissemination bindings for "+pid+" via "+deployment+"."+method)
			return
		}
		log.Printf("binding rows %s %s.%s: %v", pid, deployment, method, err)
		httpx.Error(w, http.StatusInternalServerError, "binding lookup failed")
		return
	}

	req := binding.Request{
		PID:           pid,
		DeploymentPID: deployment,
		Method:        method,
		Rows:          rows,
		Parms:         userParms(r, rows),
	}
	ticketsBefore := s.Registry.Len()
	desc, err := s.Assembler.Assemble(ctx, req)
	if err != nil {
		status, outcome := dissemErrorStatus(err)
		s.Metrics.IncOutcome(outcome)
		s.dissemAudit(r, requestID, pid, deployment, method, "", outcome, err.Error())
		httpx.Error(w, status, err.Error())
		return
	}
	for minted := s.Registry.Len() - ticketsBefore; minted > 0; minted-- {
		s.Metrics.IncTicketRegistered()
		s.Events.Publish(stream.NewEvent("ticket.registered", map[string]string{
			"pid":    pid,
			"method": method,
		}))
	}

	content, err := s.Assembler.Dispatch(ctx, req, desc)
	if err != nil {
		status, outcome := dissemErrorStatus(err)
		s.Metrics.IncOutcome(outcome)
		s.dissemAudit(r, requestID, pid, deployment, method, "", outcome, err.Error())
		httpx.Error(w, status, err.Error())
		return
	}
	defer func() { _ = content.Body.Close() }()

	s.Metrics.IncOutcome("ok")
	s.dissemAudit(r, requestID, pid, deployment, method, "", "ok", "")
	s.Events.Publish(stream.NewEvent("dissemination.assembled", map[string]string{
		"pid":        pid,
		"deployment": deployment,
		"method":     method,
	}))

	if content.MIMEType == models.RedirectMIMEType {
		target, err := io.ReadAll(content.Body)
		if err != nil {
			httpx.Error(w, http.StatusBadGateway, "could not resolve redirect target")
			return
		}
		http.Redirect(w, r, string(target), http.StatusFound)
		return
	}
	writeContent(w, content)
}

// handleDatastream serves repository-held content directly: the target of
// the default dissemination and of internal callback URLs. The third path
// segment is either a version id or a version timestamp.
func (s *Server) handleDatastream(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	pid := chi.URLParam(r, "pid")
	dsid := chi.URLParam(r, "dsid")
	version := chi.URLParam(r, "version")
	ctx := r.Context()

	var ds models.Datastream
	var body []byte
	var err error
	if asOf, perr := time.Parse(binding.VersionTimeLayout, version); perr == nil {
		ds, body, err = s.Repo.DatastreamAsOf(ctx, pid, dsid, asOf)
	} else {
		ds, body, err = s.Repo.Datastream(ctx, pid, dsid, version)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.datastreamAudit(r, requestID, pid, dsid, "not_found", "")
			httpx.Error(w, http.StatusNotFound, "no datastream "+dsid+" on "+pid)
			return
		}
		log.Printf("datastream %s/%s: %v", pid, dsid, err)
		httpx.Error(w, http.StatusInternalServerError, "datastream lookup failed")
		return
	}

	if err := s.States.CheckState(ctx, pid, ds.State); err != nil {
		s.Metrics.IncOutcome("denied")
		s.datastreamAudit(r, requestID, pid, dsid, "denied", err.Error())
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}

	s.Metrics.IncControlGroup(string(ds.ControlGroup))
	s.datastreamAudit(r, requestID, pid, dsid, "ok", "")
	content := &models.Content{
		MIMEType: ds.MIMEType,
		Length:   ds.Size,
		Body:     io.NopCloser(strings.NewReader(string(body))),
	}
	defer func() { _ = content.Body.Close() }()
	writeContent(w, content)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	rec, err := s.Audit.Get(r.Context(), requestID)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "no audit record for "+requestID)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) listTickets(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"outstanding": s.Registry.Len(),
		"ids":         s.Registry.Keys(),
	})
}

// userParms collects the caller's query parameters, filling in declared
// defaults for parameters the caller omitted.
func userParms(r *http.Request, rows []binding.Row) map[string]string {
	parms := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			parms[key] = values[0]
		}
	}
	for _, row := range rows {
		for _, def := range row.ParmDefs {
			if _, ok := parms[def.Name]; !ok && def.DefaultValue != "" {
				parms[def.Name] = def.DefaultValue
			}
		}
	}
	return parms
}

// dissemErrorStatus maps binding failures to HTTP statuses and audit outcomes.
func dissemErrorStatus(err error) (int, string) {
	switch {
	case binding.IsKind(err, binding.KindMissingDatastream):
		return http.StatusNotFound, "not_found"
	case binding.IsKind(err, binding.KindStateDenied):
		return http.StatusForbidden, "denied"
	case binding.IsKind(err, binding.KindUnsupportedProtocol):
		return http.StatusNotImplemented, "unsupported"
	case binding.IsKind(err, binding.KindUpstreamFetch):
		return http.StatusBadGateway, "error"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func (s *Server) dissemAudit(r *http.Request, requestID, pid, deployment, method, tempID, outcome, detail string) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		RequestID:  requestID,
		Event:      audit.EventAssemble,
		PID:        pid,
		Deployment: deployment,
		Method:     method,
		TempID:     tempID,
		Outcome:    outcome,
		Detail:     detail,
		RemoteAddr: s.clientIP(r),
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}

func (s *Server) datastreamAudit(r *http.Request, requestID, pid, dsid, outcome, detail string) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		RequestID:  requestID,
		Event:      audit.EventDatastream,
		PID:        pid,
		DSID:       dsid,
		Outcome:    outcome,
		Detail:     detail,
		RemoteAddr: s.clientIP(r),
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}
