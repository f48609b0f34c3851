package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry aggregates gateway metrics: per-endpoint request stats, ticket
// lifecycle counters, dissemination outcomes, and latency histograms.
type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	tickets      TicketStat
	outcome      map[string]int64
	controlGroup map[string]int64
	gauges       map[string]float64
	Histograms   *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// TicketStat counts mediation ticket lifecycle events.
type TicketStat struct {
	Registered int64 `json:"registered"`
	Redeemed   int64 `json:"redeemed"`
	Expired    int64 `json:"expired"`
	NotFound   int64 `json:"not_found"`
	Swept      int64 `json:"swept"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Tickets       TicketStat              `json:"tickets"`
	Outcomes      map[string]int64        `json:"outcomes"`
	ControlGroups map[string]int64        `json:"control_groups"`
	Gauges        map[string]float64      `json:"gauges"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		outcome:      map[string]int64{},
		controlGroup: map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncTicketRegistered() { r.addTicket(func(t *TicketStat) { t.Registered++ }) }
func (r *Registry) IncTicketRedeemed()  { r.addTicket(func(t *TicketStat) { t.Redeemed++ }) }
func (r *Registry) IncTicketExpired()   { r.addTicket(func(t *TicketStat) { t.Expired++ }) }
func (r *Registry) IncTicketNotFound()  { r.addTicket(func(t *TicketStat) { t.NotFound++ }) }

func (r *Registry) AddTicketsSwept(n int) {
	if n <= 0 {
		return
	}
	r.addTicket(func(t *TicketStat) { t.Swept += int64(n) })
}

func (r *Registry) addTicket(f func(*TicketStat)) {
	r.mu.Lock()
	f(&r.tickets)
	r.mu.Unlock()
}

// IncOutcome counts one dissemination result, e.g. "ok", "missing datastream",
// "upstream fetch failed".
func (r *Registry) IncOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

// IncControlGroup counts one served datastream by control group.
func (r *Registry) IncControlGroup(cg string) {
	cg = strings.TrimSpace(strings.ToUpper(cg))
	if cg == "" {
		return
	}
	r.mu.Lock()
	r.controlGroup[cg]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Tickets:       r.tickets,
		Outcomes:      make(map[string]int64, len(r.outcome)),
		ControlGroups: make(map[string]int64, len(r.controlGroup)),
		Gauges:        make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.controlGroup {
		out.ControlGroups[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP strata_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE strata_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "strata_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP strata_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE strata_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "strata_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP strata_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE strata_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "strata_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP strata_ticket_total mediation ticket lifecycle counters\n")
		b.WriteString("# TYPE strata_ticket_total counter\n")
		fmt.Fprintf(b, "strata_ticket_total{event=%q} %d\n", "registered", snap.Tickets.Registered)
		fmt.Fprintf(b, "strata_ticket_total{event=%q} %d\n", "redeemed", snap.Tickets.Redeemed)
		fmt.Fprintf(b, "strata_ticket_total{event=%q} %d\n", "expired", snap.Tickets.Expired)
		fmt.Fprintf(b, "strata_ticket_total{event=%q} %d\n", "not_found", snap.Tickets.NotFound)
		fmt.Fprintf(b, "strata_ticket_total{event=%q} %d\n", "swept", snap.Tickets.Swept)
		b.WriteString("# HELP strata_outcome_total dissemination results by outcome\n")
		b.WriteString("# TYPE strata_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "strata_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP strata_control_group_total served datastreams by control group\n")
		b.WriteString("# TYPE strata_control_group_total counter\n")
		for _, cg := range SortedKeys(snap.ControlGroups) {
			fmt.Fprintf(b, "strata_control_group_total{group=%q} %d\n", cg, snap.ControlGroups[cg])
		}
		b.WriteString("# HELP strata_gauge operational gauge metrics\n")
		b.WriteString("# TYPE strata_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "strata_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP strata_latency_seconds latency histogram\n")
			b.WriteString("# TYPE strata_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "strata_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "strata_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "strata_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "strata_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "strata_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "strata_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "strata_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
