package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/database"
)

// tsFormat is a fixed-width UTC timestamp format. Fixed width keeps lexical
// ordering identical to chronological ordering in TEXT columns.
const tsFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore is the embedded backend over a single database file.
type SQLiteStore struct {
	db  *database.DB
	log zerolog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewSQLite opens the embedded store at path.
func NewSQLite(path string, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded store: %w", err)
	}
	return &SQLiteStore{
		db:      db,
		log:     log.With().Str("component", "storage").Str("backend", "sqlite").Logger(),
		ensured: map[string]bool{},
	}, nil
}

// DB exposes the underlying wrapper for maintenance jobs (WAL checkpoint,
// stats, backup).
func (s *SQLiteStore) DB() *database.DB { return s.db }

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.Conn().PingContext(ctx)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ensure lazily creates a table the first time it is touched.
func (s *SQLiteStore) ensure(ctx context.Context, key, ddl string) error {
	s.mu.Lock()
	done := s.ensured[key]
	s.mu.Unlock()
	if done {
		return nil
	}

	if _, err := s.db.Conn().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", key, err)
	}

	s.mu.Lock()
	s.ensured[key] = true
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) ensureStream(ctx context.Context, name string) (string, error) {
	table := "agent_" + sanitizeName(name)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		envelope TEXT NOT NULL
	)`, table)
	if err := s.ensure(ctx, table, ddl); err != nil {
		return "", err
	}
	return table, nil
}

func (s *SQLiteStore) ensureKV(ctx context.Context, namespace string) (string, error) {
	table := "kv_" + sanitizeName(namespace)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		value REAL,
		value_json TEXT,
		timestamp TEXT NOT NULL
	)`, table)
	if err := s.ensure(ctx, table, ddl); err != nil {
		return "", err
	}
	return table, nil
}

func (s *SQLiteStore) ensureSnapshots(ctx context.Context) error {
	return s.ensure(ctx, "performance_snapshots", `CREATE TABLE IF NOT EXISTS performance_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		asset TEXT NOT NULL,
		signal_score REAL NOT NULL,
		signal_direction TEXT NOT NULL,
		price_at_signal REAL NOT NULL,
		sources_count INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		evaluated_24h INTEGER NOT NULL DEFAULT 0,
		evaluated_48h INTEGER NOT NULL DEFAULT 0,
		evaluated_7d INTEGER NOT NULL DEFAULT 0
	)`)
}

func (s *SQLiteStore) ensureAccuracy(ctx context.Context) error {
	return s.ensure(ctx, "performance_accuracy", `CREATE TABLE IF NOT EXISTS performance_accuracy (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL,
		window_hours INTEGER NOT NULL,
		price_at_window REAL NOT NULL,
		direction_correct INTEGER NOT NULL,
		evaluated_at TEXT NOT NULL,
		UNIQUE(snapshot_id, window_hours)
	)`)
}

func (s *SQLiteStore) ensureAPIRequests(ctx context.Context) error {
	return s.ensure(ctx, "api_requests", `CREATE TABLE IF NOT EXISTS api_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		client_ip TEXT NOT NULL DEFAULT ''
	)`)
}

// Save appends an envelope to the named stream.
func (s *SQLiteStore) Save(ctx context.Context, name string, env *agent.Envelope) error {
	table, err := s.ensureStream(ctx, name)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (timestamp, envelope) VALUES (?, ?)", table)
	if _, err := s.db.Conn().ExecContext(ctx, query, env.Timestamp.UTC().Format(tsFormat), string(blob)); err != nil {
		return fmt.Errorf("failed to save envelope for %s: %w", name, err)
	}
	return nil
}

// LoadLatest returns the newest envelope of a stream, or nil when the stream
// is empty or was never written.
func (s *SQLiteStore) LoadLatest(ctx context.Context, name string) (*agent.Envelope, error) {
	table, err := s.ensureStream(ctx, name)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT envelope FROM %s ORDER BY timestamp DESC, id DESC LIMIT 1", table)
	var blob string
	err = s.db.Conn().QueryRowContext(ctx, query).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest envelope for %s: %w", name, err)
	}

	return decodeEnvelope(blob)
}

// LoadRecent returns envelopes newer than now−days, newest first.
func (s *SQLiteStore) LoadRecent(ctx context.Context, name string, days int) ([]*agent.Envelope, error) {
	table, err := s.ensureStream(ctx, name)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsFormat)
	query := fmt.Sprintf("SELECT envelope FROM %s WHERE timestamp >= ? ORDER BY timestamp DESC, id DESC", table)
	rows, err := s.db.Conn().QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent envelopes for %s: %w", name, err)
	}
	defer rows.Close()

	var out []*agent.Envelope
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan envelope row: %w", err)
		}
		env, err := decodeEnvelope(blob)
		if err != nil {
			continue // skip unreadable rows rather than failing the page
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// LoadHistory returns one page of a stream, newest first.
func (s *SQLiteStore) LoadHistory(ctx context.Context, name string, limit, offset int) ([]HistoryRow, error) {
	table, err := s.ensureStream(ctx, name)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id, timestamp, envelope FROM %s ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?", table)
	rows, err := s.db.Conn().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", name, err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			id   int64
			ts   string
			blob string
		)
		if err := rows.Scan(&id, &ts, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		env, err := decodeEnvelope(blob)
		if err != nil {
			continue
		}
		parsed, _ := time.Parse(tsFormat, ts)
		out = append(out, HistoryRow{ID: id, Timestamp: parsed, Envelope: env})
	}
	return out, rows.Err()
}

// CountRows returns the stream length.
func (s *SQLiteStore) CountRows(ctx context.Context, name string) (int, error) {
	table, err := s.ensureStream(ctx, name)
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if err := s.db.Conn().QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows for %s: %w", name, err)
	}
	return count, nil
}

// SaveKV appends a new version of a scalar key.
func (s *SQLiteStore) SaveKV(ctx context.Context, namespace, key string, value float64) error {
	table, err := s.ensureKV(ctx, namespace)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO %s (key, value, timestamp) VALUES (?, ?, ?)", table)
	if _, err := s.db.Conn().ExecContext(ctx, query, key, value, time.Now().UTC().Format(tsFormat)); err != nil {
		return fmt.Errorf("failed to save kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

// LoadKV returns the newest value of a key, or nil when it was never written.
func (s *SQLiteStore) LoadKV(ctx context.Context, namespace, key string) (*float64, error) {
	table, err := s.ensureKV(ctx, namespace)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ? ORDER BY id DESC LIMIT 1", table)
	var value sql.NullFloat64
	err = s.db.Conn().QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kv %s/%s: %w", namespace, key, err)
	}
	if !value.Valid {
		return nil, nil
	}
	v := value.Float64
	return &v, nil
}

// SaveKVJSON appends a new version of a JSON key.
func (s *SQLiteStore) SaveKVJSON(ctx context.Context, namespace, key string, value any) error {
	table, err := s.ensureKV(ctx, namespace)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal kv json %s/%s: %w", namespace, key, err)
	}

	query := fmt.Sprintf("INSERT INTO %s (key, value_json, timestamp) VALUES (?, ?, ?)", table)
	if _, err := s.db.Conn().ExecContext(ctx, query, key, string(blob), time.Now().UTC().Format(tsFormat)); err != nil {
		return fmt.Errorf("failed to save kv json %s/%s: %w", namespace, key, err)
	}
	return nil
}

// LoadKVJSON unmarshals the newest JSON value of a key into dest. The bool
// reports whether the key existed.
func (s *SQLiteStore) LoadKVJSON(ctx context.Context, namespace, key string, dest any) (bool, error) {
	table, err := s.ensureKV(ctx, namespace)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf("SELECT value_json FROM %s WHERE key = ? ORDER BY id DESC LIMIT 1", table)
	var blob sql.NullString
	err = s.db.Conn().QueryRowContext(ctx, query, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load kv json %s/%s: %w", namespace, key, err)
	}
	if !blob.Valid || blob.String == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(blob.String), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal kv json %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// SavePerformanceSnapshot records a prediction and returns its row id.
func (s *SQLiteStore) SavePerformanceSnapshot(ctx context.Context, snap SnapshotRow) (int64, error) {
	if err := s.ensureSnapshots(ctx); err != nil {
		return 0, err
	}

	res, err := s.db.Conn().ExecContext(ctx, `INSERT INTO performance_snapshots
		(timestamp, asset, signal_score, signal_direction, price_at_signal, sources_count, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Timestamp.UTC().Format(tsFormat), snap.Asset, snap.SignalScore,
		snap.SignalDirection, snap.PriceAtSignal, snap.SourcesCount, snap.Detail)
	if err != nil {
		return 0, fmt.Errorf("failed to save performance snapshot: %w", err)
	}
	return res.LastInsertId()
}

// SavePerformanceAccuracy inserts one accuracy row and flips the matching
// evaluation flag. The insert and the flag update happen in one transaction;
// an already-set flag makes the call a no-op so re-running an evaluation
// cannot produce duplicates.
func (s *SQLiteStore) SavePerformanceAccuracy(ctx context.Context, snapshotID int64, windowHours int, priceAtWindow float64, directionCorrect bool) error {
	if err := s.ensureSnapshots(ctx); err != nil {
		return err
	}
	if err := s.ensureAccuracy(ctx); err != nil {
		return err
	}

	flag := windowFlagColumn(windowHours)
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		var done bool
		query := fmt.Sprintf("SELECT %s FROM performance_snapshots WHERE id = ?", flag)
		if err := tx.QueryRowContext(ctx, query, snapshotID).Scan(&done); err != nil {
			return fmt.Errorf("failed to read evaluation flag: %w", err)
		}
		if done {
			return nil
		}

		_, err := tx.ExecContext(ctx, `INSERT INTO performance_accuracy
			(snapshot_id, window_hours, price_at_window, direction_correct, evaluated_at)
			VALUES (?, ?, ?, ?, ?)`,
			snapshotID, windowHours, priceAtWindow, directionCorrect, time.Now().UTC().Format(tsFormat))
		if err != nil {
			return fmt.Errorf("failed to insert accuracy row: %w", err)
		}

		update := fmt.Sprintf("UPDATE performance_snapshots SET %s = 1 WHERE id = ?", flag)
		if _, err := tx.ExecContext(ctx, update, snapshotID); err != nil {
			return fmt.Errorf("failed to update evaluation flag: %w", err)
		}
		return nil
	})
}

// LoadUnevaluatedSnapshots returns snapshots old enough for a window but not
// yet evaluated against it, oldest first, capped to one evaluation page.
func (s *SQLiteStore) LoadUnevaluatedSnapshots(ctx context.Context, windowHours int, minAgeHours int) ([]SnapshotRow, error) {
	if err := s.ensureSnapshots(ctx); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-time.Duration(minAgeHours) * time.Hour).Format(tsFormat)
	query := fmt.Sprintf(`SELECT id, timestamp, asset, signal_score, signal_direction,
		price_at_signal, sources_count, detail, evaluated_24h, evaluated_48h, evaluated_7d
		FROM performance_snapshots WHERE %s = 0 AND timestamp <= ?
		ORDER BY timestamp ASC LIMIT 100`, windowFlagColumn(windowHours))

	rows, err := s.db.Conn().QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load unevaluated snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var (
			snap SnapshotRow
			ts   string
		)
		if err := rows.Scan(&snap.ID, &ts, &snap.Asset, &snap.SignalScore, &snap.SignalDirection,
			&snap.PriceAtSignal, &snap.SourcesCount, &snap.Detail,
			&snap.Evaluated24h, &snap.Evaluated48h, &snap.Evaluated7d); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snap.Timestamp, _ = time.Parse(tsFormat, ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LoadAccuracyStats reduces accuracy rows whose snapshot falls in the window.
func (s *SQLiteStore) LoadAccuracyStats(ctx context.Context, days int) (*AccuracyStats, error) {
	if err := s.ensureSnapshots(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureAccuracy(ctx); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsFormat)
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT a.window_hours, ps.asset, a.direction_correct
		FROM performance_accuracy a
		JOIN performance_snapshots ps ON ps.id = a.snapshot_id
		WHERE ps.timestamp >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load accuracy stats: %w", err)
	}
	defer rows.Close()

	var joined []accuracyJoinRow
	for rows.Next() {
		var r accuracyJoinRow
		if err := rows.Scan(&r.WindowHours, &r.Asset, &r.Correct); err != nil {
			return nil, fmt.Errorf("failed to scan accuracy row: %w", err)
		}
		joined = append(joined, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reduceAccuracy(joined), nil
}

// CountSnapshots counts snapshots in the window.
func (s *SQLiteStore) CountSnapshots(ctx context.Context, days int) (int, error) {
	if err := s.ensureSnapshots(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsFormat)
	var count int
	err := s.db.Conn().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM performance_snapshots WHERE timestamp >= ?", cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// SaveAPIRequest appends one usage log row.
func (s *SQLiteStore) SaveAPIRequest(ctx context.Context, req APIRequest) error {
	if err := s.ensureAPIRequests(ctx); err != nil {
		return err
	}

	_, err := s.db.Conn().ExecContext(ctx, `INSERT INTO api_requests
		(timestamp, endpoint, method, user_agent, status_code, duration_ms, client_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.Timestamp.UTC().Format(tsFormat), req.Endpoint, req.Method, req.UserAgent,
		req.StatusCode, req.DurationMS, req.ClientIP)
	if err != nil {
		return fmt.Errorf("failed to save api request: %w", err)
	}
	return nil
}

// LoadAPIAnalytics aggregates the usage log over the window.
func (s *SQLiteStore) LoadAPIAnalytics(ctx context.Context, days int) (*Analytics, error) {
	if err := s.ensureAPIRequests(ctx); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsFormat)
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT timestamp, endpoint, method, user_agent,
		status_code, duration_ms, client_ip FROM api_requests WHERE timestamp >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load api analytics: %w", err)
	}
	defer rows.Close()

	var reqs []APIRequest
	for rows.Next() {
		var (
			r  APIRequest
			ts string
		)
		if err := rows.Scan(&ts, &r.Endpoint, &r.Method, &r.UserAgent, &r.StatusCode, &r.DurationMS, &r.ClientIP); err != nil {
			return nil, fmt.Errorf("failed to scan api request row: %w", err)
		}
		r.Timestamp, _ = time.Parse(tsFormat, ts)
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aggregateAnalytics(reqs), nil
}

// PruneStreams deletes stream rows older than the cutoff, always keeping the
// newest row per stream, and compacts kv tables to the newest version per key.
func (s *SQLiteStore) PruneStreams(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(tsFormat)
	var total int64

	tables, err := s.listTables(ctx, "agent_%")
	if err != nil {
		return 0, err
	}
	for _, table := range tables {
		query := fmt.Sprintf("DELETE FROM %s WHERE timestamp < ? AND id != (SELECT MAX(id) FROM %s)", table, table)
		res, err := s.db.Conn().ExecContext(ctx, query, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	kvTables, err := s.listTables(ctx, "kv_%")
	if err != nil {
		return total, err
	}
	for _, table := range kvTables {
		query := fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?
			AND id NOT IN (SELECT MAX(id) FROM %s GROUP BY key)`, table, table)
		res, err := s.db.Conn().ExecContext(ctx, query, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	return total, nil
}

// PruneAPIRequests deletes usage log rows older than the cutoff.
func (s *SQLiteStore) PruneAPIRequests(ctx context.Context, olderThanDays int) (int64, error) {
	if err := s.ensureAPIRequests(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(tsFormat)
	res, err := s.db.Conn().ExecContext(ctx, "DELETE FROM api_requests WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune api requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) listTables(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?", pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func decodeEnvelope(blob string) (*agent.Envelope, error) {
	var env agent.Envelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}
