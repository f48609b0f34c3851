package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"strata/pkg/httpx"
	"strata/pkg/stream"
	"strata/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	// The dissemination surface lives under the application context so that
	// callback URLs minted by the binding assembler resolve back to us.
	r.Route("/"+s.AppContext, func(r chi.Router) {
		r.Get("/getDS", s.rateLimit(s.handleGetDS(false)))
		r.Get("/getDSAuthenticated", s.requireBasicAuth(s.rateLimit(s.handleGetDS(true))))
		r.Get("/get/{pid}/{dsid}", s.rateLimit(s.handleDatastream))
		r.Get("/get/{pid}/{dsid}/{version}", s.rateLimit(s.handleDatastream))
		r.Get("/dissem/{pid}/{deployment}/{method}", s.rateLimit(s.handleDissemination))
	})

	r.Get("/metrics", s.requireBasicAuth(s.Metrics.Handler()))
	r.Get("/metrics/prometheus", s.requireBasicAuth(s.Metrics.PrometheusHandler()))
	r.Get("/v1/audit/{request_id}", s.requireBasicAuth(s.getAudit))
	r.Get("/v1/tickets", s.requireBasicAuth(s.listTickets))
	r.Get("/v1/stream", s.requireBasicAuth(s.streamEvents))
	return r
}

// streamEvents pushes ticket and dissemination lifecycle events over a
// websocket. The client's read side is drained only to notice disconnects;
// nothing inbound is interpreted.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-disconnected:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			continue
		}
		part = strings.TrimPrefix(part, "https://")
		part = strings.TrimPrefix(part, "http://")
		out = append(out, part)
	}
	return out
}
