// Package memory is an in-process record store for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/order-intake/backend/internal/storage"
	"github.com/order-intake/backend/internal/storage/models"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu       sync.RWMutex
	records  map[string]map[string]models.Record
	orders   map[string]models.Order
	changes  map[string][]models.ChangeReport
	activity map[string]time.Time
	now      func() time.Time
}

func New() *Store {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Store {
	return &Store{
		records:  make(map[string]map[string]models.Record),
		orders:   make(map[string]models.Order),
		changes:  make(map[string][]models.ChangeReport),
		activity: make(map[string]time.Time),
		now:      now,
	}
}

func (s *Store) PutRecord(_ context.Context, record models.Record) (models.Record, error) {
	if err := record.Validate(); err != nil {
		return models.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session, ok := s.records[record.SessionID]
	if !ok {
		session = make(map[string]models.Record)
		s.records[record.SessionID] = session
	}

	stored, exists := session[record.RecordID]
	if !exists {
		record.CreatedAt = now
		record.UpdatedAt = now
		stored = record
	} else {
		merged, err := stored.Merge(record, now)
		if err != nil {
			return models.Record{}, err
		}
		stored = merged
	}

	session[record.RecordID] = stored
	s.activity[record.SessionID] = now

	return stored, nil
}

func (s *Store) GetRecord(_ context.Context, sessionID, recordID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[sessionID][recordID]
	if !ok {
		return nil, fmt.Errorf("record %s/%s: %w", sessionID, recordID, models.ErrNotFound)
	}
	return &record, nil
}

func (s *Store) QueryRecords(_ context.Context, sessionID string) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session := s.records[sessionID]
	records := make([]models.Record, 0, len(session))
	for _, r := range session {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RecordID < records[j].RecordID })

	return records, nil
}

func (s *Store) GetOrder(_ context.Context, sessionID string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[sessionID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", sessionID, models.ErrNotFound)
	}
	return &order, nil
}

func (s *Store) CreateOrder(_ context.Context, order *models.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.SessionID]; exists {
		return false, nil
	}
	s.orders[order.SessionID] = *order
	return true, nil
}

func (s *Store) ListStaleSessions(_ context.Context, before time.Time, after string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []string
	for sessionID, last := range s.activity {
		if _, done := s.orders[sessionID]; done || sessionID <= after {
			continue
		}
		if last.Before(before) {
			sessions = append(sessions, sessionID)
		}
	}
	sort.Strings(sessions)

	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *Store) AppendChangeReport(_ context.Context, report models.ChangeReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.changes[report.SessionID] {
		if existing.ID == report.ID {
			return nil
		}
	}
	s.changes[report.SessionID] = append(s.changes[report.SessionID], report)
	return nil
}

func (s *Store) ListChangeReports(_ context.Context, sessionID string) ([]models.ChangeReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make([]models.ChangeReport, len(s.changes[sessionID]))
	copy(reports, s.changes[sessionID])
	return reports, nil
}

func (s *Store) Close() error {
	return nil
}
