package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const chainName = "ai-gateway-agent/audit"

const recordColumns = `id, seq, ts, request_id, client_id, provider, model, method, path,
	action, status, reason, blocked_reason, reason_codes, tags, tokens, cost_usd,
	latency_ms, findings, prev_hash, hash`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxRecords int
	seed       string
	logger     *slog.Logger

	mu       sync.Mutex // serializes Insert so the chain stays linear
	lastSeq  int64
	lastHash string
}

// NewSQLiteStore creates a new SQLite-backed audit store. maxRecords bounds
// retention; zero keeps everything.
func NewSQLiteStore(path string, maxRecords int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = MemoryPath
	}
	dsn := path
	if path != MemoryPath {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	seed := ComputeSeed(chainName)
	return &SQLiteStore{
		db:         db,
		maxRecords: maxRecords,
		seed:       seed,
		lastHash:   seed,
		logger:     logger.With("component", "trace.SQLiteStore"),
	}, nil
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id              TEXT PRIMARY KEY,
		seq             INTEGER NOT NULL UNIQUE,
		ts              INTEGER NOT NULL,
		request_id      TEXT NOT NULL,
		client_id       TEXT NOT NULL,
		provider        TEXT NOT NULL,
		model           TEXT,
		method          TEXT,
		path            TEXT,
		action          TEXT NOT NULL,
		status          INTEGER NOT NULL,
		reason          TEXT,
		blocked_reason  TEXT,
		reason_codes    TEXT,
		tags            TEXT,
		tokens          INTEGER DEFAULT 0,
		cost_usd        REAL DEFAULT 0,
		latency_ms      INTEGER DEFAULT 0,
		findings        TEXT,
		prev_hash       TEXT NOT NULL,
		hash            TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
	CREATE INDEX IF NOT EXISTS idx_decisions_client ON decisions(client_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_action ON decisions(action);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var seq sql.NullInt64
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT seq, hash FROM decisions ORDER BY seq DESC LIMIT 1").Scan(&seq, &hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	if seq.Valid {
		s.lastSeq = seq.Int64
		s.lastHash = hash.String
		s.logger.Info("audit chain restored", "seq", s.lastSeq)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Records ---

func (s *SQLiteStore) Insert(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.Seq = s.lastSeq + 1
	r.PrevHash = s.lastHash
	r.Hash = ComputeHash(r)

	_, err := s.db.ExecContext(ctx, `INSERT INTO decisions (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Seq, r.Timestamp.UnixNano(), r.RequestID, r.ClientID, r.Provider,
		nullStr(r.Model), nullStr(r.Method), nullStr(r.Path),
		r.Action, r.Status, nullStr(r.Reason), nullStr(r.BlockedReason),
		stringList(r.ReasonCodes), stringList(r.Tags),
		r.Tokens, r.CostUSD, r.LatencyMs, nullableJSON(r.Findings),
		r.PrevHash, r.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	s.lastSeq = r.Seq
	s.lastHash = r.Hash

	if s.maxRecords > 0 && s.lastSeq > int64(s.maxRecords) {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM decisions WHERE seq <= ?", s.lastSeq-int64(s.maxRecords)); err != nil {
			s.logger.Warn("audit retention failed", "error", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM decisions WHERE id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Record, int, error) {
	where, args := buildRecordWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	// Count
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Rows
	query := "SELECT " + recordColumns + " FROM decisions" + where + " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, r)
	}
	return records, count, rows.Err()
}

// --- Stats ---

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByReason:   make(map[string]int64),
		ByProvider: make(map[string]int64),
	}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(action = 'allow'), 0),
		COALESCE(SUM(action = 'block'), 0),
		COALESCE(SUM(action = 'redact'), 0),
		COALESCE(SUM(tokens), 0),
		COALESCE(SUM(cost_usd), 0)
		FROM decisions`).Scan(&stats.TotalRecords, &stats.Allowed, &stats.Blocked,
		&stats.Redacted, &stats.TotalTokens, &stats.TotalCost)
	if err != nil {
		return nil, err
	}

	if err := s.countBy(ctx, "blocked_reason", stats.ByReason); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "provider", stats.ByProvider); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM decisions WHERE "+column+" IS NOT NULL GROUP BY "+column)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// --- Maintenance ---

func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	s.mu.Lock()
	cutoff := s.lastSeq - int64(keep)
	s.mu.Unlock()
	if keep < 0 || cutoff <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM decisions WHERE seq <= ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Verify(ctx context.Context) (VerifyResult, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM decisions ORDER BY seq ASC")
	if err != nil {
		return VerifyResult{}, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return VerifyResult{}, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, err
	}

	res := VerifyResult{Checked: len(records)}
	seed := s.seed
	if len(records) > 0 && records[0].Seq != 1 {
		// The head of the chain was pruned away.
		res.Pruned = true
		seed = ""
	}
	valid, brokenAt := VerifyChain(records, seed)
	res.Valid = valid
	if !valid {
		res.BrokenAt = records[brokenAt].ID
	}
	return res, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	var ts int64
	var model, method, path, reason, blockedReason, codes, tags, findings sql.NullString
	if err := row.Scan(&r.ID, &r.Seq, &ts, &r.RequestID, &r.ClientID, &r.Provider,
		&model, &method, &path, &r.Action, &r.Status, &reason, &blockedReason,
		&codes, &tags, &r.Tokens, &r.CostUSD, &r.LatencyMs, &findings,
		&r.PrevHash, &r.Hash); err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	r.Model = model.String
	r.Method = method.String
	r.Path = path.String
	r.Reason = reason.String
	r.BlockedReason = blockedReason.String
	r.ReasonCodes = parseStringList(codes)
	r.Tags = parseStringList(tags)
	r.Findings = jsonOrNil(findings)
	return r, nil
}

func buildRecordWhere(f Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, f.Model)
	}
	if f.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, f.Action)
	}
	if f.BlockedReason != "" {
		conditions = append(conditions, "blocked_reason = ?")
		args = append(args, f.BlockedReason)
	}
	if f.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.Until != nil {
		conditions = append(conditions, "ts <= ?")
		args = append(args, f.Until.UnixNano())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func stringList(items []string) sql.NullString {
	if len(items) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(items)
	return sql.NullString{String: string(data), Valid: true}
}

func parseStringList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(ns.String), &items); err != nil {
		return nil
	}
	return items
}
