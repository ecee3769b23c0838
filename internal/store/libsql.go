package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Models ---

// CreateModel stores rec and sets its Handle.
func (s *LibSQLStore) CreateModel(ctx context.Context, rec *ModelRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO models (uuid, name, owner, definition, created_at) VALUES (?, ?, ?, ?, ?) RETURNING handle`,
		rec.UUID, rec.Name, nullStr(rec.Owner), string(def), rec.CreatedAt,
	).Scan(&rec.Handle)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

const modelColumns = `handle, uuid, name, owner, definition, created_at`

func (s *LibSQLStore) GetModel(ctx context.Context, handle int64) (*ModelRecord, error) {
	rec, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE handle = ?`, handle))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("model", fmt.Sprint(handle))
	}
	return rec, err
}

// GetModelByUUID returns the most recently stored model with the given UUID.
func (s *LibSQLStore) GetModelByUUID(ctx context.Context, id string) (*ModelRecord, error) {
	rec, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE uuid = ? ORDER BY handle DESC LIMIT 1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("model", id)
	}
	return rec, err
}

func (s *LibSQLStore) ListModels(ctx context.Context) ([]*ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM models ORDER BY handle ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ModelRecord
	for rows.Next() {
		rec, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(row scanner) (*ModelRecord, error) {
	rec := &ModelRecord{}
	var owner sql.NullString
	var def string
	if err := row.Scan(&rec.Handle, &rec.UUID, &rec.Name, &owner, &def, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Owner = owner.String
	if err := json.Unmarshal([]byte(def), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition of model %d: %w", rec.Handle, err)
	}
	return rec, nil
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	data, err := marshalMapOrDefault(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}
	if rec.Status == "" {
		rec.Status = schema.InstanceStatusPending
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = timeOrNow(rec.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, model_handle, status, data, sequence, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ModelHandle, string(rec.Status), string(data), rec.Sequence, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

const instanceColumns = `id, model_handle, status, data, sequence, created_at, updated_at`

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	rec, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	return rec, err
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ModelHandle != 0 {
		where = append(where, "model_handle = ?")
		args = append(args, filter.ModelHandle)
	}

	query := "SELECT " + instanceColumns + " FROM instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteInstance removes an instance together with its events and node states.
func (s *LibSQLStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "node_states"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE instance_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s of instance %s: %w", table, id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "instance", id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanInstance(row scanner) (*InstanceRecord, error) {
	rec := &InstanceRecord{}
	var status, data string
	if err := row.Scan(&rec.ID, &rec.ModelHandle, &status, &data, &rec.Sequence, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = schema.InstanceStatus(status)
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data of instance %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// --- Event log and deltas ---

// Apply persists one accepted event with its deltas and the instance's new
// status in a single transaction. An event whose sequence is already stored
// is acknowledged without writing; a sequence gap is a conflict.
func (s *LibSQLStore) Apply(ctx context.Context, instanceID string, batch engine.Batch) error {
	ev := batch.Event
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	at := timeOrNow(ev.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT sequence FROM instances WHERE id = ?`, instanceID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("instance", instanceID)
	}
	if err != nil {
		return fmt.Errorf("read instance sequence: %w", err)
	}
	if ev.Sequence <= current {
		return nil
	}
	if ev.Sequence != current+1 {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s: event %d does not follow %d", instanceID, ev.Sequence, current).
			WithDetails(map[string]any{"instance_id": instanceID, "sequence": ev.Sequence, "stored": current})
	}

	var nodeKey string
	if !ev.Key.IsZero() {
		nodeKey = ev.Key.String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, sequence, event_type, node_key, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		instanceID, ev.Sequence, ev.Type, nullStr(nodeKey), string(payload), at,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	for _, d := range batch.Deltas {
		var scope string
		if !d.Scope.IsZero() {
			scope = d.Scope.String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_states (instance_id, node_id, idx, state, tag, scope, sequence, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(instance_id, node_id, idx) DO UPDATE SET
			   state=excluded.state, tag=excluded.tag, scope=excluded.scope,
			   sequence=excluded.sequence, updated_at=excluded.updated_at`,
			instanceID, string(d.Key.Node), d.Key.Index, string(d.State), nullStr(string(d.Tag)), nullStr(scope), ev.Sequence, at,
		); err != nil {
			return fmt.Errorf("upsert node state %s: %w", d.Key, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, sequence = ?, updated_at = ? WHERE id = ?`,
		string(batch.Status), ev.Sequence, at, instanceID,
	); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}
	return nil
}

// GetEvents returns the events of an instance with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, sequence, event_type, node_key, payload, timestamp
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		e := &EventRecord{}
		var key sql.NullString
		var payload string
		if err := rows.Scan(&e.InstanceID, &e.Sequence, &e.Type, &key, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NodeKey = key.String
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *LibSQLStore) ListNodeStates(ctx context.Context, instanceID string) ([]*NodeStateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, node_id, idx, state, tag, scope, sequence, updated_at
		 FROM node_states WHERE instance_id = ? ORDER BY node_id ASC, idx ASC`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeStateRecord
	for rows.Next() {
		r := &NodeStateRecord{}
		var node, state string
		var tag, scope sql.NullString
		if err := rows.Scan(&r.InstanceID, &node, &r.Index, &state, &tag, &scope, &r.Sequence, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Node = model.NodeID(node)
		r.State = schema.NodeState(state)
		r.Tag = engine.Tag(tag.String)
		r.Scope = scope.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompletedKeys returns the node instances whose latest state is completed,
// ordered by node id and index.
func (s *LibSQLStore) CompletedKeys(ctx context.Context, instanceID string) ([]engine.NodeInstanceKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, idx FROM node_states WHERE instance_id = ? AND state = ? ORDER BY node_id ASC, idx ASC`,
		instanceID, string(schema.NodeStateCompleted),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []engine.NodeInstanceKey
	for rows.Next() {
		var node string
		var idx int
		if err := rows.Scan(&node, &idx); err != nil {
			return nil, err
		}
		keys = append(keys, engine.Key(model.NodeID(node), idx))
	}
	return keys, rows.Err()
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.ProcError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
