// Package storage defines the record store contract shared by the sqlite,
// redis and memory backends.
package storage

import (
	"context"
	"time"

	"github.com/order-intake/backend/internal/storage/models"
)

// Store persists session records, the one order per session, and the change
// log. Infrastructure errors wrap models.ErrStoreFailure.
type Store interface {
	// PutRecord inserts a record or merges an enrichment into the stored one
	// and returns the stored result.
	PutRecord(ctx context.Context, record models.Record) (models.Record, error)
	// GetRecord returns models.ErrNotFound when the record does not exist.
	GetRecord(ctx context.Context, sessionID, recordID string) (*models.Record, error)
	// QueryRecords returns every record of a session ordered by record id.
	QueryRecords(ctx context.Context, sessionID string) ([]models.Record, error)
	// GetOrder returns models.ErrNotFound when the session has no order.
	GetOrder(ctx context.Context, sessionID string) (*models.Order, error)
	// CreateOrder writes the order only if none exists for its session and
	// reports whether this call created it.
	CreateOrder(ctx context.Context, order *models.Order) (bool, error)
	// ListStaleSessions returns sessions without an order whose most recent
	// record update happened before the cutoff, in session id order starting
	// after the given id. An empty after starts from the beginning.
	ListStaleSessions(ctx context.Context, before time.Time, after string, limit int) ([]string, error)
	// AppendChangeReport ignores a report whose id is already logged.
	AppendChangeReport(ctx context.Context, report models.ChangeReport) error
	ListChangeReports(ctx context.Context, sessionID string) ([]models.ChangeReport, error)
	Close() error
}
