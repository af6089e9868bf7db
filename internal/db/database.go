package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/store"
)

const defaultPollInterval = 500 * time.Millisecond

var _ store.Store = (*Database)(nil)

// Database is the SQLite record store. Every mutation appends a row to the
// changes table in the same transaction; subscriptions tail that table.
type Database struct {
	db           *sql.DB
	clock        clockwork.Clock
	pollInterval time.Duration

	// Serializes writers so read-merge-write cycles are atomic.
	writeMu sync.Mutex

	notifyMu sync.Mutex
	notify   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(*Database)

// WithClock sets the clock used for lastUpdated stamps and subscription polling.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Database) { d.clock = clock }
}

// WithPollInterval sets how often idle subscriptions re-check the change log
// for rows committed by other processes.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Database) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

type column struct {
	field string
	name  string
}

type table struct {
	name string
	// Unique columns, identity first.
	columns []column
}

func (t table) key() column { return t.columns[0] }

var tables = map[store.Collection]table{
	store.Presence: {
		name: "presence",
		columns: []column{
			{field: store.FieldUserCallID, name: "user_call_id"},
			{field: store.FieldEmail, name: "email"},
		},
	},
	store.Calls: {
		name: "calls",
		columns: []column{
			{field: store.FieldCallID, name: "call_id"},
		},
	},
}

func New(dbPath string, opts ...Option) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	d := &Database{
		db:           db,
		clock:        clockwork.NewRealClock(),
		pollInterval: defaultPollInterval,
		notify:       make(chan struct{}),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	slog.Info("Database initialized", "path", dbPath)
	return d, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS presence (
		user_call_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		document TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		operation TEXT NOT NULL,
		doc_key TEXT NOT NULL,
		full_document TEXT,
		updated_fields TEXT,
		committed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_changes_collection_seq ON changes(collection, seq);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return d.db.Close()
}

func tableFor(coll store.Collection) (table, error) {
	t, ok := tables[coll]
	if !ok {
		return table{}, apperrors.Validation(fmt.Sprintf("unknown collection %q", coll))
	}
	return t, nil
}

// normalize round-trips a document through JSON so values compare equal to
// what is read back from storage (numbers as float64, times as strings).
func normalize(doc store.Document) (store.Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("document is not JSON-encodable: %v", err))
	}
	var out store.Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.Internal("decode normalized document", err)
	}
	if out == nil {
		out = store.Document{}
	}
	return out, nil
}

func encode(doc store.Document) (string, error) {
	if doc == nil {
		return "", nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode(raw sql.NullString) (store.Document, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var doc store.Document
	if err := json.Unmarshal([]byte(raw.String), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// merge applies fields over existing and returns the result together with the
// subset of fields whose values actually changed.
func merge(existing, fields store.Document) (store.Document, store.Document) {
	merged := existing.Clone()
	if merged == nil {
		merged = store.Document{}
	}
	changed := store.Document{}
	for k, v := range fields {
		if old, ok := merged[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		merged[k] = v
		changed[k] = v
	}
	return merged, changed
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		return err
	}
	return apperrors.StoreUnavailable(op, err)
}

// Record operations

func (d *Database) Get(ctx context.Context, coll store.Collection, key string) (store.Document, error) {
	t, err := tableFor(coll)
	if err != nil {
		return nil, err
	}
	return d.get(ctx, d.db, t, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *Database) get(ctx context.Context, q queryer, t table, key string) (store.Document, error) {
	var raw sql.NullString
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT document FROM %s WHERE %s = ?", t.name, t.key().name),
		key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound(fmt.Sprintf("%s %q not found", t.key().field, key))
	}
	if err != nil {
		return nil, storeErr("get "+t.name, err)
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, apperrors.Internal("decode "+t.name+" document", err)
	}
	return doc, nil
}

func (d *Database) List(ctx context.Context, coll store.Collection) ([]store.Document, error) {
	t, err := tableFor(coll)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx,
		fmt.Sprintf("SELECT document FROM %s ORDER BY %s ASC", t.name, t.key().name),
	)
	if err != nil {
		return nil, storeErr("list "+t.name, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, storeErr("scan "+t.name, err)
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, apperrors.Internal("decode "+t.name+" document", err)
		}
		docs = append(docs, doc)
	}
	return docs, storeErr("list "+t.name, rows.Err())
}

func (d *Database) Insert(ctx context.Context, coll store.Collection, doc store.Document) (store.Document, error) {
	t, err := tableFor(coll)
	if err != nil {
		return nil, err
	}
	doc, err = normalize(doc)
	if err != nil {
		return nil, err
	}
	for _, c := range t.columns {
		if doc.String(c.field) == "" {
			return nil, apperrors.Validation(c.field + " is required")
		}
	}
	key := doc.String(t.key().field)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin insert", err)
	}
	defer tx.Rollback()

	if err := checkUnique(ctx, tx, t, "", doc); err != nil {
		return nil, err
	}
	if err := insertRow(ctx, tx, t, doc); err != nil {
		return nil, err
	}
	if err := d.appendChange(ctx, tx, coll, store.OpInsert, key, doc, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit insert", err)
	}

	d.signal()
	return doc, nil
}

func (d *Database) UpsertMerge(ctx context.Context, coll store.Collection, key string, fields store.Document) (store.Document, error) {
	if _, ok := fields[store.FieldLastUpdated]; !ok {
		fields = fields.Clone()
		if fields == nil {
			fields = store.Document{}
		}
		fields[store.FieldLastUpdated] = d.clock.Now().UTC()
	}
	return d.mergeFields(ctx, coll, key, fields, true)
}

func (d *Database) Update(ctx context.Context, coll store.Collection, key string, fields store.Document) (store.Document, error) {
	return d.mergeFields(ctx, coll, key, fields, false)
}

func (d *Database) mergeFields(ctx context.Context, coll store.Collection, key string, fields store.Document, upsert bool) (store.Document, error) {
	t, err := tableFor(coll)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, apperrors.Validation(t.key().field + " is required")
	}
	fields, err = normalize(fields)
	if err != nil {
		return nil, err
	}
	if v, ok := fields[t.key().field]; ok && v != key {
		return nil, apperrors.Validation(t.key().field + " cannot be changed")
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin merge", err)
	}
	defer tx.Rollback()

	existing, err := d.get(ctx, tx, t, key)
	switch {
	case apperrors.IsNotFound(err) && upsert:
		doc := fields.Clone()
		doc[t.key().field] = key
		for _, c := range t.columns[1:] {
			if doc.String(c.field) == "" {
				return nil, apperrors.Validation(c.field + " is required")
			}
		}
		if err := checkUnique(ctx, tx, t, "", doc); err != nil {
			return nil, err
		}
		if err := insertRow(ctx, tx, t, doc); err != nil {
			return nil, err
		}
		if err := d.appendChange(ctx, tx, coll, store.OpInsert, key, doc, nil); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, storeErr("commit upsert", err)
		}
		d.signal()
		return doc, nil
	case err != nil:
		return nil, err
	}

	merged, changed := merge(existing, fields)
	if len(changed) == 0 {
		return existing, nil
	}
	if err := checkUnique(ctx, tx, t, key, changed); err != nil {
		return nil, err
	}
	if err := updateRow(ctx, tx, t, key, merged); err != nil {
		return nil, err
	}
	if err := d.appendChange(ctx, tx, coll, store.OpUpdate, key, merged, changed); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit merge", err)
	}

	d.signal()
	return merged, nil
}

// checkUnique rejects doc if another row (other than selfKey) already holds
// any of its unique values, naming the first column that collides.
func checkUnique(ctx context.Context, tx *sql.Tx, t table, selfKey string, doc store.Document) error {
	var clauses []string
	var args []any
	names := make([]string, 0, len(t.columns))
	for _, c := range t.columns {
		names = append(names, c.name)
		v := doc.String(c.field)
		if v == "" {
			continue
		}
		clauses = append(clauses, c.name+" = ?")
		args = append(args, v)
	}
	if len(clauses) == 0 {
		return nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE (%s)", strings.Join(names, ", "), t.name, strings.Join(clauses, " OR "))
	if selfKey != "" {
		query += fmt.Sprintf(" AND %s <> ?", t.key().name)
		args = append(args, selfKey)
	}
	query += " LIMIT 1"

	existing := make([]string, len(t.columns))
	dest := make([]any, len(existing))
	for i := range existing {
		dest[i] = &existing[i]
	}

	err := tx.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storeErr("check unique "+t.name, err)
	}

	for i, c := range t.columns {
		if v := doc.String(c.field); v != "" && existing[i] == v {
			return apperrors.Conflict(fmt.Sprintf("record with this %s already exists", c.field))
		}
	}
	return apperrors.Conflict(t.name + " record already exists")
}

func insertRow(ctx context.Context, tx *sql.Tx, t table, doc store.Document) error {
	data, err := encode(doc)
	if err != nil {
		return apperrors.Internal("encode document", err)
	}

	names := make([]string, 0, len(t.columns)+1)
	marks := make([]string, 0, len(t.columns)+1)
	args := make([]any, 0, len(t.columns)+1)
	for _, c := range t.columns {
		names = append(names, c.name)
		marks = append(marks, "?")
		args = append(args, doc.String(c.field))
	}
	names = append(names, "document")
	marks = append(marks, "?")
	args = append(args, data)

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(names, ", "), strings.Join(marks, ", ")),
		args...,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return apperrors.Conflict(t.name + " record already exists")
	}
	return storeErr("insert "+t.name, err)
}

func updateRow(ctx context.Context, tx *sql.Tx, t table, key string, doc store.Document) error {
	data, err := encode(doc)
	if err != nil {
		return apperrors.Internal("encode document", err)
	}

	sets := []string{"document = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{data}
	for _, c := range t.columns[1:] {
		sets = append(sets, c.name+" = ?")
		args = append(args, doc.String(c.field))
	}
	args = append(args, key)

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", t.name, strings.Join(sets, ", "), t.key().name),
		args...,
	)
	return storeErr("update "+t.name, err)
}

// Change log operations

func (d *Database) appendChange(ctx context.Context, tx *sql.Tx, coll store.Collection, op store.Operation, key string, full, updated store.Document) error {
	fullData, err := encode(full)
	if err != nil {
		return apperrors.Internal("encode change", err)
	}
	updatedData, err := encode(updated)
	if err != nil {
		return apperrors.Internal("encode change", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO changes (collection, operation, doc_key, full_document, updated_fields, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(coll), string(op), key, fullData, updatedData, d.clock.Now().UnixNano())
	return storeErr("append change", err)
}

// signal wakes every subscription waiting for new changes.
func (d *Database) signal() {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	close(d.notify)
	d.notify = make(chan struct{})
}

func (d *Database) changed() <-chan struct{} {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	return d.notify
}

func (d *Database) headSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := d.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&seq)
	return seq, err
}

func (d *Database) changesAfter(ctx context.Context, coll store.Collection, after int64, limit int) ([]store.Change, int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, operation, doc_key, full_document, updated_fields, committed_at
		FROM changes
		WHERE collection = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, string(coll), after, limit)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()

	var changes []store.Change
	last := after
	for rows.Next() {
		var (
			seq         int64
			op, key     string
			full, upd   sql.NullString
			committedAt int64
		)
		if err := rows.Scan(&seq, &op, &key, &full, &upd, &committedAt); err != nil {
			return nil, after, err
		}
		fullDoc, err := decode(full)
		if err != nil {
			return nil, after, err
		}
		updDoc, err := decode(upd)
		if err != nil {
			return nil, after, err
		}
		changes = append(changes, store.Change{
			Collection:    coll,
			Operation:     store.Operation(op),
			Key:           key,
			FullDocument:  fullDoc,
			UpdatedFields: updDoc,
			Time:          time.Unix(0, committedAt).UTC(),
		})
		last = seq
	}
	return changes, last, rows.Err()
}

// ChangeCount returns the number of rows in the change log.
func (d *Database) ChangeCount(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM changes").Scan(&count)
	return count, err
}

// PruneChanges deletes all but the newest keep rows of the change log.
func (d *Database) PruneChanges(ctx context.Context, keep int) (int64, error) {
	result, err := d.db.ExecContext(ctx, `
		DELETE FROM changes
		WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM changes) - ?
	`, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

func (d *Database) Stats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var presenceCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM presence").Scan(&presenceCount); err != nil {
		return nil, err
	}
	stats["presence_count"] = presenceCount

	var callCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&callCount); err != nil {
		return nil, err
	}
	stats["call_count"] = callCount

	changeCount, err := d.ChangeCount(ctx)
	if err != nil {
		return nil, err
	}
	stats["change_count"] = changeCount

	return stats, nil
}
