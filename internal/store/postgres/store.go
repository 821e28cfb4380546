// Package postgres implements the Store Gateway against PostgreSQL: getters and listers as
// plain SELECTs, mutators as single statements executed inside an implicit or caller-supplied
// transaction, and change notification via a dedicated LISTEN connection (notify.go).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/store"
)

// Connect opens a pooled connection and verifies it with a ping. Callers needing a LISTEN
// connection separately construct a Notifier over the same dsn via NewNotifier.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// dbtx is the subset of *sqlx.DB and *sqlx.Tx this package needs, so every Gateway method is
// written once and shared between the pooled connection and an explicit transaction.
type dbtx interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// base implements store.Gateway's getters, listers, and mutators against whatever dbtx it
// holds. Store and txGateway both embed it; only Transaction/Subscribe/Ping differ between
// the pooled connection and a live transaction.
type base struct {
	db dbtx
}

// Store is the Store Gateway's PostgreSQL implementation.
type Store struct {
	*base
	sqlDB    *sqlx.DB
	notifier *Notifier
}

// New wraps a connected *sqlx.DB as a Store. notifier may be nil, in which case Subscribe
// returns an error — a deployment that never calls Subscribe (e.g. a one-shot migration
// tool) has no reason to pay for a dedicated LISTEN connection.
func New(db *sqlx.DB, notifier *Notifier) *Store {
	return &Store{base: &base{db: db}, sqlDB: db, notifier: notifier}
}

// txGateway is the store.Gateway view handed to a Transaction callback.
type txGateway struct {
	*base
}

var (
	_ store.Gateway = (*Store)(nil)
	_ store.Gateway = (*txGateway)(nil)
)

// --- Getters -----------------------------------------------------------------

func (b *base) GetSignal(ctx context.Context, id string) (*domain.Signal, error) {
	var row signalRow
	err := b.db.GetContext(ctx, &row, `
		SELECT id, type, main_aspect, calling_on_aspect, loop_aspect, is_locked, is_active,
		       possible_aspects, protected_track_circuits, interlocked_with, control_mode, controlled_by
		FROM signals WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	s := row.toDomain()
	return &s, nil
}

func (b *base) GetTrackSegment(ctx context.Context, id string) (*domain.TrackSegment, error) {
	var row segmentRow
	err := b.db.GetContext(ctx, &row, `
		SELECT id, circuit_id, is_assigned, is_overlap, protecting_signals, length_m, sort_order
		FROM track_segments WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get track segment %s: %w", id, err)
	}
	s := row.toDomain()
	return &s, nil
}

func (b *base) GetTrackCircuit(ctx context.Context, id string) (*domain.TrackCircuit, error) {
	var row circuitRow
	err := b.db.GetContext(ctx, &row, `
		SELECT id, is_occupied, occupied_by, is_assigned, is_overlap, protecting_signals
		FROM track_circuits WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get track circuit %s: %w", id, err)
	}
	c := row.toDomain()
	return &c, nil
}

func (b *base) GetTrackCircuitBySegment(ctx context.Context, segmentID string) (*domain.TrackCircuit, error) {
	var row circuitRow
	err := b.db.GetContext(ctx, &row, `
		SELECT c.id, c.is_occupied, c.occupied_by, c.is_assigned, c.is_overlap, c.protecting_signals
		FROM track_circuits c
		JOIN track_segments s ON s.circuit_id = c.id
		WHERE s.id = $1
	`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get track circuit for segment %s: %w", segmentID, err)
	}
	c := row.toDomain()
	return &c, nil
}

func (b *base) GetPointMachine(ctx context.Context, id string) (*domain.PointMachine, error) {
	var row pointMachineRow
	err := b.db.GetContext(ctx, &row, `
		SELECT id, current_position, operating_status, paired_entity, host_track_circuit, is_locked,
		       lock_expires_at, protected_signals, root_segment, normal_segment, reverse_segment,
		       last_transition_at, detection_locking_circuits, conflicting_machines
		FROM point_machines WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get point machine %s: %w", id, err)
	}
	p := row.toDomain()
	return &p, nil
}

func (b *base) GetRouteAssignment(ctx context.Context, id string) (*domain.RouteAssignment, error) {
	var row routeRow
	err := b.db.GetContext(ctx, &row, `
		SELECT id, source_signal, dest_signal, direction, assigned_circuits, overlap_circuits,
		       locked_point_machines, state, priority, operator_id, reserved_at, activated_at,
		       released_at, failure_reason, performance_metrics
		FROM route_assignments WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get route %s: %w", id, err)
	}
	r := row.toDomain()
	return &r, nil
}

func (b *base) GetTextLabel(ctx context.Context, id string) (*domain.TextLabel, error) {
	var row textLabelRow
	err := b.db.GetContext(ctx, &row, `SELECT id, text, updated_at FROM text_labels WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get text label %s: %w", id, err)
	}
	r := row.toDomain()
	return &r, nil
}

// --- Listers -------------------------------------------------------------------

func (b *base) ListSignals(ctx context.Context) ([]*domain.Signal, error) {
	var rows []signalRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT id, type, main_aspect, calling_on_aspect, loop_aspect, is_locked, is_active,
		       possible_aspects, protected_track_circuits, interlocked_with, control_mode, controlled_by
		FROM signals ORDER BY id
	`); err != nil {
		return nil, fmt.Errorf("postgres: list signals: %w", err)
	}
	out := make([]*domain.Signal, len(rows))
	for i := range rows {
		s := rows[i].toDomain()
		out[i] = &s
	}
	return out, nil
}

func (b *base) ListTrackCircuits(ctx context.Context) ([]*domain.TrackCircuit, error) {
	var rows []circuitRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT id, is_occupied, occupied_by, is_assigned, is_overlap, protecting_signals
		FROM track_circuits ORDER BY id
	`); err != nil {
		return nil, fmt.Errorf("postgres: list track circuits: %w", err)
	}
	out := make([]*domain.TrackCircuit, len(rows))
	for i := range rows {
		c := rows[i].toDomain()
		out[i] = &c
	}
	return out, nil
}

func (b *base) ListPointMachines(ctx context.Context) ([]*domain.PointMachine, error) {
	var rows []pointMachineRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT id, current_position, operating_status, paired_entity, host_track_circuit, is_locked,
		       lock_expires_at, protected_signals, root_segment, normal_segment, reverse_segment,
		       last_transition_at, detection_locking_circuits, conflicting_machines
		FROM point_machines ORDER BY id
	`); err != nil {
		return nil, fmt.Errorf("postgres: list point machines: %w", err)
	}
	out := make([]*domain.PointMachine, len(rows))
	for i := range rows {
		p := rows[i].toDomain()
		out[i] = &p
	}
	return out, nil
}

func (b *base) ListSegmentsByCircuit(ctx context.Context, circuitID string) ([]*domain.TrackSegment, error) {
	var rows []segmentRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT id, circuit_id, is_assigned, is_overlap, protecting_signals, length_m, sort_order
		FROM track_segments WHERE circuit_id = $1 ORDER BY sort_order
	`, circuitID); err != nil {
		return nil, fmt.Errorf("postgres: list segments for circuit %s: %w", circuitID, err)
	}
	out := make([]*domain.TrackSegment, len(rows))
	for i := range rows {
		s := rows[i].toDomain()
		out[i] = &s
	}
	return out, nil
}

func (b *base) ListActiveRouteAssignments(ctx context.Context) ([]*domain.RouteAssignment, error) {
	var rows []routeRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT id, source_signal, dest_signal, direction, assigned_circuits, overlap_circuits,
		       locked_point_machines, state, priority, operator_id, reserved_at, activated_at,
		       released_at, failure_reason, performance_metrics
		FROM route_assignments
		WHERE state NOT IN ('RELEASED', 'FAILED')
		ORDER BY id
	`); err != nil {
		return nil, fmt.Errorf("postgres: list active routes: %w", err)
	}
	out := make([]*domain.RouteAssignment, len(rows))
	for i := range rows {
		r := rows[i].toDomain()
		out[i] = &r
	}
	return out, nil
}

func (b *base) ListResourceLocks(ctx context.Context, resourceType domain.ResourceType, resourceID string) ([]*domain.ResourceLock, error) {
	var rows []lockRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT resource_type, resource_id, route_id, lock_type, acquired_at, is_active
		FROM resource_locks
		WHERE resource_type = $1 AND resource_id = $2 AND is_active
		ORDER BY acquired_at
	`, string(resourceType), resourceID); err != nil {
		return nil, fmt.Errorf("postgres: list resource locks for %s/%s: %w", resourceType, resourceID, err)
	}
	out := make([]*domain.ResourceLock, len(rows))
	for i := range rows {
		l := rows[i].toDomain()
		out[i] = &l
	}
	return out, nil
}

func (b *base) ListTextLabels(ctx context.Context) ([]*domain.TextLabel, error) {
	var rows []textLabelRow
	if err := b.db.SelectContext(ctx, &rows, `SELECT id, text, updated_at FROM text_labels ORDER BY id`); err != nil {
		return nil, fmt.Errorf("postgres: list text labels: %w", err)
	}
	out := make([]*domain.TextLabel, len(rows))
	for i := range rows {
		l := rows[i].toDomain()
		out[i] = &l
	}
	return out, nil
}

// --- Triple-source protecting-signal resolution -------------------------------
//
// Each of the three queries below hits a different table, deliberately: the consistency
// check in internal/interlocking only has teeth if the sources can actually disagree.

func (b *base) GetProtectingSignalsFromRules(ctx context.Context, circuitID string) ([]string, error) {
	var signalIDs []string
	if err := b.db.SelectContext(ctx, &signalIDs, `
		SELECT signal_id FROM rule_protecting_signals WHERE circuit_id = $1 ORDER BY signal_id
	`, circuitID); err != nil {
		return nil, fmt.Errorf("postgres: protecting signals from rules for %s: %w", circuitID, err)
	}
	return signalIDs, nil
}

func (b *base) GetProtectingSignalsFromTrackCircuit(ctx context.Context, circuitID string) ([]string, error) {
	var signals pq.StringArray
	err := b.db.GetContext(ctx, &signals, `SELECT protecting_signals FROM track_circuits WHERE id = $1`, circuitID)
	if err != nil {
		return nil, fmt.Errorf("postgres: protecting signals from track circuit %s: %w", circuitID, err)
	}
	return []string(signals), nil
}

func (b *base) GetProtectingSignalsFromTrackSegments(ctx context.Context, circuitID string) ([]string, error) {
	var signalIDs []string
	if err := b.db.SelectContext(ctx, &signalIDs, `
		SELECT DISTINCT unnest(protecting_signals) AS signal_id
		FROM track_segments WHERE circuit_id = $1 ORDER BY signal_id
	`, circuitID); err != nil {
		return nil, fmt.Errorf("postgres: protecting signals from track segments for %s: %w", circuitID, err)
	}
	return signalIDs, nil
}

func (b *base) GetProtectedCircuitsFromRules(ctx context.Context, signalID string) ([]string, error) {
	var circuits pq.StringArray
	err := b.db.GetContext(ctx, &circuits, `
		SELECT protected_circuits FROM interlocking_rules WHERE signal_id = $1
	`, signalID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: protected circuits from rules for %s: %w", signalID, err)
	}
	return []string(circuits), nil
}

func (b *base) ListSignalRules(ctx context.Context) ([]*domain.SignalRules, error) {
	var rows []signalRulesRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT signal_id, type, independent, control_mode, controlled_by, rules
		FROM interlocking_rules ORDER BY signal_id
	`); err != nil {
		return nil, fmt.Errorf("postgres: list signal rules: %w", err)
	}
	out := make([]*domain.SignalRules, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("postgres: decode rules for %s: %w", rows[i].SignalID, err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// --- Mutators — each a single stored-procedure-style call -----------------------

func (b *base) UpdateSignalAspect(ctx context.Context, signalID string, aspect domain.MainAspect, operator string) error {
	res, err := b.db.ExecContext(ctx, `SELECT set_signal_aspect($1, $2, $3)`, signalID, string(aspect), operator)
	return mustAffectOneOrErr(res, err, "signal", signalID)
}

func (b *base) UpdateSubsidiarySignalAspect(ctx context.Context, signalID string, kind domain.SubsidiaryKind, value string, operator string) error {
	res, err := b.db.ExecContext(ctx, `SELECT set_subsidiary_aspect($1, $2, $3, $4)`, signalID, string(kind), value, operator)
	return mustAffectOneOrErr(res, err, "signal", signalID)
}

func (b *base) UpdatePointPositionPaired(ctx context.Context, machineID string, requested domain.PointPosition, operator string) (bool, error) {
	var mismatchCorrected bool
	err := b.db.GetContext(ctx, &mismatchCorrected, `SELECT set_point_position_paired($1, $2, $3)`, machineID, string(requested), operator)
	if err != nil {
		return false, fmt.Errorf("postgres: update paired point position %s: %w", machineID, err)
	}
	return mismatchCorrected, nil
}

func (b *base) UpdateTrackCircuitOccupancy(ctx context.Context, circuitID string, occupied bool, occupiedBy string) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE track_circuits SET is_occupied = $2, occupied_by = $3 WHERE id = $1
	`, circuitID, occupied, occupiedBy)
	return mustAffectOneOrErr(res, err, "track circuit", circuitID)
}

func (b *base) UpdateTrackSegmentOccupancy(ctx context.Context, segmentID string, occupied bool) error {
	// Segment occupancy is always derived from its circuit; this call exists so callers that
	// only hold a segment ID can still raise a change notification for it.
	res, err := b.db.ExecContext(ctx, `SELECT notify_segment_occupancy_changed($1, $2)`, segmentID, occupied)
	return mustAffectOneOrErr(res, err, "track segment", segmentID)
}

func (b *base) InsertRouteAssignment(ctx context.Context, route *domain.RouteAssignment) error {
	if route.ReservedAt.IsZero() {
		route.ReservedAt = time.Now().UTC()
	}
	metrics := route.PerformanceMetrics
	if metrics == nil {
		metrics = json.RawMessage("null")
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO route_assignments
			(id, source_signal, dest_signal, direction, assigned_circuits, overlap_circuits,
			 locked_point_machines, state, priority, operator_id, reserved_at, performance_metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, route.ID, route.SourceSignal, route.DestSignal, string(route.Direction),
		pq.Array(route.AssignedCircuits), pq.Array(route.OverlapCircuits), pq.Array(route.LockedPointMachines),
		string(route.State), route.Priority, route.OperatorID, route.ReservedAt, []byte(metrics))
	if err != nil {
		return fmt.Errorf("postgres: insert route %s: %w", route.ID, err)
	}
	return nil
}

func (b *base) UpdateRouteState(ctx context.Context, routeID string, newState domain.RouteState, operator, reason string) error {
	res, err := b.db.ExecContext(ctx, `SELECT set_route_state($1, $2, $3, $4)`, routeID, string(newState), operator, reason)
	return mustAffectOneOrErr(res, err, "route", routeID)
}

func (b *base) UpdateRoutePerformanceMetrics(ctx context.Context, routeID string, metrics []byte) error {
	if metrics == nil {
		metrics = []byte("null")
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE route_assignments SET performance_metrics = $2 WHERE id = $1
	`, routeID, metrics)
	return mustAffectOneOrErr(res, err, "route", routeID)
}

func (b *base) DeleteRouteAssignment(ctx context.Context, routeID string, forceDelete bool) error {
	res, err := b.db.ExecContext(ctx, `SELECT delete_route_assignment($1, $2)`, routeID, forceDelete)
	return mustAffectOneOrErr(res, err, "route", routeID)
}

func (b *base) InsertRouteEvent(ctx context.Context, event *domain.RouteEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload := event.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	var seq int64
	err := b.db.GetContext(ctx, &seq, `
		INSERT INTO route_events
			(route_id, type, timestamp, payload, operator_id, source, correlation_id, response_time_ms, safety_critical)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`, event.RouteID, string(event.Type), event.Timestamp, []byte(payload), event.OperatorID,
		event.Source, event.CorrelationID, event.ResponseTimeMS, event.SafetyCritical)
	if err != nil {
		return fmt.Errorf("postgres: insert route event for %s: %w", event.RouteID, err)
	}
	event.Seq = seq
	return nil
}

func (b *base) ListRouteEvents(ctx context.Context, routeID string) ([]*domain.RouteEvent, error) {
	var rows []routeEventRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT seq, route_id, type, timestamp, payload, operator_id, source, correlation_id,
		       response_time_ms, safety_critical
		FROM route_events WHERE route_id = $1 ORDER BY seq
	`, routeID); err != nil {
		return nil, fmt.Errorf("postgres: list route events for %s: %w", routeID, err)
	}
	out := make([]*domain.RouteEvent, len(rows))
	for i := range rows {
		e := rows[i].toDomain()
		out[i] = &e
	}
	return out, nil
}

func (b *base) AcquireResourceLock(ctx context.Context, lock *domain.ResourceLock) error {
	if lock.AcquiredAt.IsZero() {
		lock.AcquiredAt = time.Now().UTC()
	}
	lock.IsActive = true
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO resource_locks (resource_type, resource_id, route_id, lock_type, acquired_at, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
	`, string(lock.ResourceType), lock.ResourceID, lock.RouteID, string(lock.LockType), lock.AcquiredAt)
	if err != nil {
		return fmt.Errorf("postgres: acquire lock on %s/%s: %w", lock.ResourceType, lock.ResourceID, err)
	}
	return nil
}

func (b *base) ReleaseResourceLocks(ctx context.Context, routeID string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE resource_locks SET is_active = false WHERE route_id = $1 AND is_active
	`, routeID)
	if err != nil {
		return fmt.Errorf("postgres: release locks for route %s: %w", routeID, err)
	}
	return nil
}

// mustAffectOneOrErr reports a not-found error when a by-ID mutation affects zero rows —
// stored procedures that return a row (e.g. SELECT set_signal_aspect(...)) already raise
// their own exception on a missing ID, so this only fires for the plain UPDATE statements.
func mustAffectOneOrErr(res sql.Result, err error, kind, id string) error {
	if err != nil {
		return fmt.Errorf("postgres: update %s %s: %w", kind, id, err)
	}
	if res == nil {
		return nil
	}
	if rows, rerr := res.RowsAffected(); rerr == nil && rows == 0 {
		return fmt.Errorf("postgres: %s %s: not found", kind, id)
	}
	return nil
}

// --- Notifications, transactions, health ----------------------------------------

// Subscribe adapts the Notifier's ChangeNotification shape to store.Notification. Test is
// passed through: it is set on the startup self-test notification PublishSelfTest emits and
// empty on table-change notifications.
func (s *Store) Subscribe(ctx context.Context, channel string, handler store.NotificationHandler) error {
	if s.notifier == nil {
		return fmt.Errorf("postgres: no notifier configured for this store")
	}
	return s.notifier.Subscribe(channel, func(ctx context.Context, n ChangeNotification) {
		handler(ctx, store.Notification{Table: n.Table, Operation: n.Operation, EntityID: n.RowID, Test: n.Test})
	})
}

// PublishSelfTest emits the startup self-test notification on channel. It is not part of the
// store.Gateway interface — only a real Notifier-backed store can issue it, and the Change
// Distributor calls it through an optional interface, tolerating gateways that don't implement it.
func (s *Store) PublishSelfTest(ctx context.Context, channel string) error {
	if s.notifier == nil {
		return fmt.Errorf("postgres: no notifier configured for this store")
	}
	return s.notifier.Publish(ctx, channel, ChangeNotification{Test: "startup", Timestamp: time.Now()})
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Gateway) error) error {
	sqlTx, err := s.sqlDB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin transaction: %w", err)
	}
	if err := fn(ctx, &txGateway{base: &base{db: sqlTx}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("postgres: rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Subscribe is unavailable inside a transaction — a transaction callback already has the row
// locked, so subscribing to its own eventual commit would deadlock.
func (t *txGateway) Subscribe(ctx context.Context, channel string, handler store.NotificationHandler) error {
	return fmt.Errorf("postgres: Subscribe is not available inside a transaction")
}

// Transaction nested inside a transaction callback just runs fn against the same tx — Postgres
// transactions don't nest, and nothing in this codebase needs savepoints.
func (t *txGateway) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Gateway) error) error {
	return fn(ctx, t)
}

func (t *txGateway) Ping(ctx context.Context) error { return nil }
