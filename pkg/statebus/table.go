// Package statebus tracks digital-object lifecycle states. A Kafka consumer
// applies repository state-change events to an in-memory table, so the
// assembler's per-row state check never needs a database round trip. The
// table also implements the dissemination state policy: which states may be
// served at all.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"strata/pkg/models"
)

// StateEvent is the wire shape of one object state change.
type StateEvent struct {
	PID   string `json:"pid"`
	State string `json:"state"`
}

// Table holds the latest known state per object plus the dissemination
// policy. A bus-reported state overrides the state recorded on a binding row,
// which may be stale by the time a dissemination is assembled.
type Table struct {
	mu      sync.RWMutex
	states  map[string]models.ObjectState
	allowed map[models.ObjectState]bool
}

// NewTable builds a table permitting dissemination of the given states.
// With no states given, only active objects are served.
func NewTable(allowed ...models.ObjectState) *Table {
	if len(allowed) == 0 {
		allowed = []models.ObjectState{models.StateActive}
	}
	m := make(map[models.ObjectState]bool, len(allowed))
	for _, s := range allowed {
		m[s] = true
	}
	return &Table{states: map[string]models.ObjectState{}, allowed: m}
}

// Apply records pid's current state.
func (t *Table) Apply(pid string, state models.ObjectState) {
	pid = strings.TrimSpace(pid)
	if pid == "" {
		return
	}
	t.mu.Lock()
	t.states[pid] = state
	t.mu.Unlock()
}

// State returns the bus-known state for pid, if any.
func (t *Table) State(pid string) (models.ObjectState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[pid]
	return s, ok
}

// CheckState enforces the dissemination state policy for pid. The recorded
// state from the binding row is the fallback when the bus has seen nothing
// newer.
func (t *Table) CheckState(ctx context.Context, pid string, recorded models.ObjectState) error {
	t.mu.RLock()
	state, known := t.states[pid]
	permitted := t.allowed[state]
	if !known {
		state = recorded
		permitted = t.allowed[recorded]
	}
	t.mu.RUnlock()
	if !permitted {
		return fmt.Errorf("object %s state %q not permitted for dissemination", pid, state)
	}
	return nil
}

// Run consumes state events until ctx is done or the consumer fails.
// Malformed events are logged and skipped; they never stop the loop.
func Run(ctx context.Context, consumer Consumer, table *Table, logf func(format string, args ...any)) error {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		var evt StateEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logf("statebus: skipping malformed event: %v", err)
			continue
		}
		table.Apply(evt.PID, models.ObjectState(evt.State))
	}
}
