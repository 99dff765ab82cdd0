package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/storage"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

var _ storage.Store = (*Client)(nil)

type Client struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Client)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(dbPath string, opts ...Option) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection serialises the
	// read-merge-write of PutRecord and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	c := &Client{db: db, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return c, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	if _, err := c.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const recordColumns = `session_id, record_id, kind, parent_record_id, declared_child_count,
	subject, body, file_name, extracted_text, derived_summary, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (models.Record, error) {
	var r models.Record
	var kind string
	var createdAt, updatedAt int64

	err := s.Scan(
		&r.SessionID,
		&r.RecordID,
		&kind,
		&r.ParentRecordID,
		&r.DeclaredChildCount,
		&r.Subject,
		&r.Body,
		&r.FileName,
		&r.ExtractedText,
		&r.DerivedSummary,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return r, err
	}

	r.Kind = models.RecordKind(kind)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return r, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStoreFailure, op, err)
}

func (c *Client) PutRecord(ctx context.Context, record models.Record) (models.Record, error) {
	if err := record.Validate(); err != nil {
		return models.Record{}, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Record{}, storeErr("put record", err)
	}
	defer tx.Rollback()

	now := c.now()
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE session_id = ? AND record_id = ?`,
		record.SessionID, record.RecordID,
	)
	existing, err := scanRecord(row)

	var stored models.Record
	switch {
	case errors.Is(err, sql.ErrNoRows):
		record.CreatedAt = now
		record.UpdatedAt = now
		stored = record
	case err != nil:
		return models.Record{}, storeErr("put record", err)
	default:
		stored, err = existing.Merge(record, now)
		if err != nil {
			return models.Record{}, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, record_id) DO UPDATE SET
			parent_record_id = excluded.parent_record_id,
			declared_child_count = excluded.declared_child_count,
			subject = excluded.subject,
			body = excluded.body,
			file_name = excluded.file_name,
			extracted_text = excluded.extracted_text,
			derived_summary = excluded.derived_summary,
			updated_at = excluded.updated_at
	`,
		stored.SessionID,
		stored.RecordID,
		string(stored.Kind),
		stored.ParentRecordID,
		stored.DeclaredChildCount,
		stored.Subject,
		stored.Body,
		stored.FileName,
		stored.ExtractedText,
		stored.DerivedSummary,
		stored.CreatedAt.UnixMilli(),
		stored.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return models.Record{}, storeErr("put record", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Record{}, storeErr("put record", err)
	}

	logger.Debug("Record stored",
		zap.String("session_id", stored.SessionID),
		zap.String("record_id", stored.RecordID),
		zap.String("kind", string(stored.Kind)),
	)

	return stored, nil
}

func (c *Client) GetRecord(ctx context.Context, sessionID, recordID string) (*models.Record, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE session_id = ? AND record_id = ?`,
		sessionID, recordID,
	)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s: %w", sessionID, recordID, models.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get record", err)
	}

	return &r, nil
}

func (c *Client) QueryRecords(ctx context.Context, sessionID string) ([]models.Record, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE session_id = ? ORDER BY record_id`,
		sessionID,
	)
	if err != nil {
		return nil, storeErr("query records", err)
	}
	defer rows.Close()

	records := make([]models.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("scan record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query records", err)
	}

	return records, nil
}

func (c *Client) GetOrder(ctx context.Context, sessionID string) (*models.Order, error) {
	var o models.Order
	var status, data string
	var stale int
	var createdAt int64

	err := c.db.QueryRowContext(ctx, `
		SELECT session_id, external_id, status, extracted_data, content_hash, record_count, stale, created_at
		FROM orders WHERE session_id = ?
	`, sessionID).Scan(
		&o.SessionID,
		&o.ExternalID,
		&status,
		&data,
		&o.ContentHash,
		&o.RecordCount,
		&stale,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", sessionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get order", err)
	}

	o.Status = models.OrderStatus(status)
	o.ExtractedData = json.RawMessage(data)
	o.Stale = stale != 0
	o.CreatedAt = time.UnixMilli(createdAt).UTC()

	return &o, nil
}

// CreateOrder relies on the session_id primary key: the insert is a no-op
// when an order already exists, and RowsAffected tells the caller which.
func (c *Client) CreateOrder(ctx context.Context, order *models.Order) (bool, error) {
	stale := 0
	if order.Stale {
		stale = 1
	}

	result, err := c.db.ExecContext(ctx, `
		INSERT INTO orders (session_id, external_id, status, extracted_data, content_hash, record_count, stale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`,
		order.SessionID,
		order.ExternalID,
		string(order.Status),
		string(order.ExtractedData),
		order.ContentHash,
		order.RecordCount,
		stale,
		order.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, storeErr("create order", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("create order", err)
	}

	return n == 1, nil
}

func (c *Client) ListStaleSessions(ctx context.Context, before time.Time, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT r.session_id
		FROM records r
		LEFT JOIN orders o ON o.session_id = r.session_id
		WHERE o.session_id IS NULL AND r.session_id > ?
		GROUP BY r.session_id
		HAVING MAX(r.updated_at) < ?
		ORDER BY r.session_id
		LIMIT ?
	`, after, before.UnixMilli(), limit)
	if err != nil {
		return nil, storeErr("list stale sessions", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan session", err)
		}
		sessions = append(sessions, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list stale sessions", err)
	}

	return sessions, nil
}

func (c *Client) AppendChangeReport(ctx context.Context, report models.ChangeReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal change report: %w", err)
	}

	failed := 0
	if report.Failed() {
		failed = 1
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO change_reports (id, session_id, report, failed, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, report.ID, report.SessionID, string(data), failed, report.CreatedAt.UnixMilli())
	if err != nil {
		return storeErr("append change report", err)
	}

	return nil
}

func (c *Client) ListChangeReports(ctx context.Context, sessionID string) ([]models.ChangeReport, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT report FROM change_reports WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, storeErr("list change reports", err)
	}
	defer rows.Close()

	reports := make([]models.ChangeReport, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr("scan change report", err)
		}

		var r models.ChangeReport
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list change reports", err)
	}

	return reports, nil
}
