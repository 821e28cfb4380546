// Package opstate holds the interlocking core's operational latch: the single
// is_operational bit gating every write-side operation in internal/interlocking
// and internal/routes.
package opstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trackguard/interlocking/infrastructure/state"
)

const latchKey = "operational"

// record is the persisted shape of the latch. Operational only ever goes from
// true to false through Clear, and from false to true through Reinitialize —
// there is no path that flips it automatically.
type record struct {
	Operational     bool       `json:"operational"`
	ClearedReason   string     `json:"cleared_reason,omitempty"`
	ClearedAt       *time.Time `json:"cleared_at,omitempty"`
	ReinitializedBy string     `json:"reinitialized_by,omitempty"`
	ReinitializedAt *time.Time `json:"reinitialized_at,omitempty"`
}

// Latch is a monotonic operational-state flag: any component can clear it,
// but only an explicit Reinitialize(operator) call can set it back to true.
// It is adapted from infrastructure/state.PersistentState so the flag survives
// process restarts when backed by a durable PersistenceBackend.
type Latch struct {
	mu    sync.Mutex
	state *state.PersistentState

	onClear func(reason string)
}

// New creates a Latch over the given PersistenceBackend, defaulting to
// operational=true the first time it is ever saved.
func New(backend state.PersistenceBackend) (*Latch, error) {
	ps, err := state.NewPersistentState(state.StateConfig{
		Backend:   backend,
		KeyPrefix: "opstate:",
	})
	if err != nil {
		return nil, fmt.Errorf("opstate: %w", err)
	}

	l := &Latch{state: ps}

	ctx := context.Background()
	if _, err := l.read(ctx); errors.Is(err, state.ErrNotFound) {
		if err := l.write(ctx, record{Operational: true}); err != nil {
			return nil, fmt.Errorf("opstate: initial write failed: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("opstate: %w", err)
	}

	return l, nil
}

// OnClear registers a hook invoked synchronously whenever Clear transitions
// the latch from operational to non-operational. Used to route the reason
// string into structured logging without opstate importing the logger.
func (l *Latch) OnClear(fn func(reason string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClear = fn
}

// IsOperational reports the current latch value.
func (l *Latch) IsOperational(ctx context.Context) (bool, error) {
	rec, err := l.read(ctx)
	if err != nil {
		return false, err
	}
	return rec.Operational, nil
}

// Clear transitions the latch to non-operational. Idempotent: clearing an
// already-cleared latch just refreshes the reason and timestamp.
func (l *Latch) Clear(ctx context.Context, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	rec, err := l.read(ctx)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}

	wasOperational := rec.Operational
	rec.Operational = false
	rec.ClearedReason = reason
	rec.ClearedAt = &now

	if err := l.write(ctx, rec); err != nil {
		return err
	}

	if wasOperational && l.onClear != nil {
		l.onClear(reason)
	}
	return nil
}

// Reinitialize is the only way to set the latch back to true. Callers must
// supply the operator identifier performing the reinitialization, which is
// recorded alongside the timestamp.
func (l *Latch) Reinitialize(ctx context.Context, operator string) error {
	if operator == "" {
		return errors.New("opstate: operator is required to reinitialize")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	rec, err := l.read(ctx)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}

	rec.Operational = true
	rec.ReinitializedBy = operator
	rec.ReinitializedAt = &now

	return l.write(ctx, rec)
}

// Snapshot returns the operational flag with the reason and time of the last
// Clear, for diagnostics and the HMI's health endpoint. The reinitialize
// operator and time are not returned.
func (l *Latch) Snapshot(ctx context.Context) (bool, string, *time.Time, error) {
	rec, err := l.read(ctx)
	if err != nil {
		return false, "", nil, err
	}
	return rec.Operational, rec.ClearedReason, rec.ClearedAt, nil
}

func (l *Latch) read(ctx context.Context) (record, error) {
	data, err := l.state.Load(ctx, latchKey)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("opstate: corrupt latch record: %w", err)
	}
	return rec, nil
}

func (l *Latch) write(ctx context.Context, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("opstate: encode latch record: %w", err)
	}
	return l.state.Save(ctx, latchKey, data)
}
