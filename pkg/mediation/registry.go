// Package mediation hides physical datastream locations behind short-lived,
// single-use proxy tokens. A ticket is minted when a dissemination is
// assembled, redeemed at most once by the gateway, and swept once it outlives
// the expiration window.
package mediation

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"strata/pkg/models"
	"strata/pkg/secpolicy"
)

// ErrNotFound is returned when a temp id is unknown: already consumed,
// swept, or never issued.
var ErrNotFound = errors.New("mediation: ticket not found")

// timeLayout is the timestamp embedded in every temp id. Millisecond
// precision; the counter disambiguates ids minted in the same millisecond.
const timeLayout = "2006-01-02 15:04:05.000"

// counterMax bounds the id length. Uniqueness within a millisecond relies on
// the counter not wrapping inside that millisecond, not on randomness.
const counterMax = 999999

// Ticket is an immutable redemption record for one mediated datastream
// location. Never updated in place after registration.
type Ticket struct {
	TempID            string
	Location          string
	ControlGroup      models.ControlGroup
	Method            string
	Role              string
	CallUsername      string
	CallPassword      string
	CallBasicAuth     bool
	CallSSL           bool
	CallbackBasicAuth bool
	CallbackSSL       bool
	CreatedAt         time.Time
}

// Registry is the process-wide temp id -> ticket map. Construct once with
// NewRegistry and inject it into the assembler and the gateway.
type Registry struct {
	mu       sync.Mutex
	tickets  map[string]Ticket
	counter  int
	policy   *secpolicy.Resolver
	ttl      time.Duration
	hardened bool
	now      func() time.Time
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithHardenedIDs appends an unguessable random suffix to each temp id. The
// embedded timestamp is kept so expiry checks stay cheap.
func WithHardenedIDs() Option {
	return func(r *Registry) { r.hardened = true }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry whose tickets are swept once older than ttl.
func NewRegistry(policy *secpolicy.Resolver, ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		tickets: map[string]Ticket{},
		policy:  policy,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register mints a ticket for location and returns its temp id. The security
// flags are resolved once, at registration, for the ticket's role. Expired
// tickets are swept as a side effect of every registration.
func (r *Registry) Register(location string, cg models.ControlGroup, role, method string) string {
	pol := r.policy.Get(role, method)
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)

	id := now.UTC().Format(timeLayout) + ":" + strconv.Itoa(r.counter)
	r.counter++
	if r.counter > counterMax {
		r.counter = 0
	}
	if r.hardened {
		id += ":" + uuid.NewString()
	}
	r.tickets[id] = Ticket{
		TempID:            id,
		Location:          location,
		ControlGroup:      cg,
		Method:            method,
		Role:              role,
		CallUsername:      pol.CallUsername,
		CallPassword:      pol.CallPassword,
		CallBasicAuth:     pol.CallBasicAuth,
		CallSSL:           pol.CallSSL,
		CallbackBasicAuth: pol.CallbackBasicAuth,
		CallbackSSL:       pol.CallbackSSL,
		CreatedAt:         now,
	}
	return id
}

// Resolve looks a ticket up without removing it.
func (r *Registry) Resolve(id string) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t, nil
}

// Consume removes a ticket. Removing an absent id is a no-op: tickets are
// deleted on every redemption path, successful or not.
func (r *Registry) Consume(id string) {
	r.mu.Lock()
	delete(r.tickets, id)
	r.mu.Unlock()
}

// Sweep removes every ticket older than the expiration window and returns the
// number removed. Register sweeps implicitly; callers may also run this on a
// timer.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(now)
}

func (r *Registry) sweepLocked(now time.Time) int {
	removed := 0
	for id, t := range r.tickets {
		if now.Sub(t.CreatedAt) > r.ttl {
			delete(r.tickets, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of outstanding tickets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tickets)
}

// Keys lists outstanding temp ids, sorted. Diagnostic use only.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.tickets))
	for id := range r.tickets {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// Timestamp recovers the mint time embedded in a temp id.
func Timestamp(id string) (time.Time, error) {
	if len(id) < len(timeLayout) {
		return time.Time{}, errors.New("mediation: id too short")
	}
	ts, err := time.Parse(timeLayout, id[:len(timeLayout)])
	if err != nil {
		return time.Time{}, errors.New("mediation: malformed id timestamp")
	}
	return ts, nil
}

// NormalizeID undoes wire encoding of a temp id: path separators are
// stripped, the T placed between date and time for transport becomes a
// space again, and surrounding whitespace is dropped.
func NormalizeID(raw string) string {
	id := strings.ReplaceAll(raw, "/", "")
	id = strings.ReplaceAll(id, "\\", "")
	id = strings.TrimSpace(id)
	if len(id) > 10 && id[10] == 'T' {
		id = id[:10] + " " + id[11:]
	}
	return id
}

// WireID encodes a temp id for transport inside a URL query value: the space
// between date and time becomes a T. Query escaping happens at the caller.
func WireID(id string) string {
	if len(id) > 10 && id[10] == ' ' {
		return id[:10] + "T" + id[11:]
	}
	return id
}
