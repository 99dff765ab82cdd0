// Package storetest holds the behaviour every storage.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/order-intake/backend/internal/storage"
	"github.com/order-intake/backend/internal/storage/models"
)

// Clock is a settable time source handed to the backend under test.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Factory opens a fresh, empty store that reads time from clock.
type Factory func(t *testing.T, clock *Clock) storage.Store

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func Run(t *testing.T, open Factory) {
	t.Run("PutAndGetRecord", func(t *testing.T) { testPutAndGet(t, open) })
	t.Run("EnrichmentMerges", func(t *testing.T) { testEnrichment(t, open) })
	t.Run("KindIsImmutable", func(t *testing.T) { testKindImmutable(t, open) })
	t.Run("MalformedRejected", func(t *testing.T) { testMalformed(t, open) })
	t.Run("QueryRecordsOrdered", func(t *testing.T) { testQueryOrdered(t, open) })
	t.Run("CreateOrderOnce", func(t *testing.T) { testCreateOrderOnce(t, open) })
	t.Run("CreateOrderConcurrent", func(t *testing.T) { testCreateOrderConcurrent(t, open) })
	t.Run("ListStaleSessions", func(t *testing.T) { testStaleSessions(t, open) })
	t.Run("ChangeLog", func(t *testing.T) { testChangeLog(t, open) })
}

func openStore(t *testing.T, open Factory) (storage.Store, *Clock) {
	t.Helper()
	clock := NewClock(epoch)
	s := open(t, clock)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func testPutAndGet(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	ctx := context.Background()

	stored, err := s.PutRecord(ctx, models.Record{
		SessionID:          "s-1",
		RecordID:           "email-1",
		Kind:               models.KindEmail,
		Subject:            "PO 4471",
		Body:               "Please ship the attached order.",
		DeclaredChildCount: 1,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, epoch, stored.CreatedAt, time.Second)

	got, err := s.GetRecord(ctx, "s-1", "email-1")
	require.NoError(t, err)
	assert.Equal(t, models.KindEmail, got.Kind)
	assert.Equal(t, "PO 4471", got.Subject)
	assert.Equal(t, 1, got.DeclaredChildCount)

	_, err = s.GetRecord(ctx, "s-1", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testEnrichment(t *testing.T, open Factory) {
	s, clock := openStore(t, open)
	ctx := context.Background()

	_, err := s.PutRecord(ctx, models.Record{
		SessionID:      "s-1",
		RecordID:       "doc-1",
		Kind:           models.KindDocument,
		ParentRecordID: "email-1",
		FileName:       "po.pdf",
	})
	require.NoError(t, err)

	clock.Set(epoch.Add(time.Minute))
	enriched, err := s.PutRecord(ctx, models.Record{
		SessionID:     "s-1",
		RecordID:      "doc-1",
		Kind:          models.KindDocument,
		ExtractedText: "Qty 40 pallets",
	})
	require.NoError(t, err)
	assert.Equal(t, "email-1", enriched.ParentRecordID)
	assert.Equal(t, "po.pdf", enriched.FileName)
	assert.Equal(t, "Qty 40 pallets", enriched.ExtractedText)
	assert.WithinDuration(t, epoch, enriched.CreatedAt, time.Second)
	assert.WithinDuration(t, epoch.Add(time.Minute), enriched.UpdatedAt, time.Second)

	_, err = s.PutRecord(ctx, models.Record{
		SessionID:     "s-1",
		RecordID:      "doc-1",
		Kind:          models.KindDocument,
		ExtractedText: "something else",
	})
	require.NoError(t, err)

	got, err := s.GetRecord(ctx, "s-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Qty 40 pallets", got.ExtractedText)
}

func testKindImmutable(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	ctx := context.Background()

	_, err := s.PutRecord(ctx, models.Record{SessionID: "s-1", RecordID: "r-1", Kind: models.KindEmail})
	require.NoError(t, err)

	_, err = s.PutRecord(ctx, models.Record{SessionID: "s-1", RecordID: "r-1", Kind: models.KindDocument})
	assert.ErrorIs(t, err, models.ErrKindMismatch)

	got, err := s.GetRecord(ctx, "s-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.KindEmail, got.Kind)
}

func testMalformed(t *testing.T, open Factory) {
	s, _ := openStore(t, open)

	_, err := s.PutRecord(context.Background(), models.Record{SessionID: "s-1", Kind: models.KindEmail})
	assert.ErrorIs(t, err, models.ErrMalformedRecord)
}

func testQueryOrdered(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	ctx := context.Background()

	empty, err := s.QueryRecords(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, id := range []string{"c", "a", "b"} {
		_, err := s.PutRecord(ctx, models.Record{SessionID: "s-1", RecordID: id, Kind: models.KindDocument})
		require.NoError(t, err)
	}
	_, err = s.PutRecord(ctx, models.Record{SessionID: "s-2", RecordID: "z", Kind: models.KindDocument})
	require.NoError(t, err)

	records, err := s.QueryRecords(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].RecordID)
	assert.Equal(t, "b", records[1].RecordID)
	assert.Equal(t, "c", records[2].RecordID)
}

func testCreateOrderOnce(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	ctx := context.Background()

	_, err := s.GetOrder(ctx, "s-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	first := &models.Order{
		SessionID:     "s-1",
		ExternalID:    "PO-4471",
		Status:        models.OrderStatusCompleted,
		ExtractedData: json.RawMessage(`{"order_number":"PO-4471"}`),
		ContentHash:   "abc",
		RecordCount:   3,
		CreatedAt:     epoch,
	}
	created, err := s.CreateOrder(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := *first
	second.ExtractedData = json.RawMessage(`{"order_number":"other"}`)
	created, err = s.CreateOrder(ctx, &second)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetOrder(ctx, "s-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_number":"PO-4471"}`, string(got.ExtractedData))
	assert.Equal(t, "PO-4471", got.ExternalID)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)
	assert.Equal(t, 3, got.RecordCount)
	assert.WithinDuration(t, epoch, got.CreatedAt, time.Second)
}

func testCreateOrderConcurrent(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	ctx := context.Background()

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.CreateOrder(ctx, &models.Order{
				SessionID:     "s-race",
				Status:        models.OrderStatusCompleted,
				ExtractedData: json.RawMessage(fmt.Sprintf(`{"worker":%d}`, i)),
				CreatedAt:     epoch,
			})
			assert.NoError(t, err)
			if created {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func testStaleSessions(t *testing.T, open Factory) {
	s, clock := openStore(t, open)
	ctx := context.Background()

	put := func(sessionID string) {
		_, err := s.PutRecord(ctx, models.Record{SessionID: sessionID, RecordID: "e", Kind: models.KindEmail})
		require.NoError(t, err)
	}

	put("s-old")
	put("s-done")
	_, err := s.CreateOrder(ctx, &models.Order{SessionID: "s-done", Status: models.OrderStatusCompleted, ExtractedData: json.RawMessage(`{}`), CreatedAt: epoch})
	require.NoError(t, err)

	clock.Set(epoch.Add(10 * time.Minute))
	put("s-new")

	stale, err := s.ListStaleSessions(ctx, epoch.Add(5*time.Minute), "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-old"}, stale)

	clock.Set(epoch)
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		put(id)
	}

	page, err := s.ListStaleSessions(ctx, epoch.Add(5*time.Minute), "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1", "p-2"}, page)

	page, err = s.ListStaleSessions(ctx, epoch.Add(5*time.Minute), "p-2", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p-3", "s-old"}, page)

	page, err = s.ListStaleSessions(ctx, epoch.Add(5*time.Minute), "s-old", 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testChangeLog(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	ctx := context.Background()

	reports := []models.ChangeReport{
		{ID: "r1", SessionID: "s-1", Critical: []models.ChangeItem{{Field: "quantity", Previous: "10", Current: "40"}}, CreatedAt: epoch},
		{ID: "r2", SessionID: "s-1", Error: "analysis unavailable", CreatedAt: epoch.Add(time.Second)},
	}
	for _, r := range reports {
		require.NoError(t, s.AppendChangeReport(ctx, r))
	}
	// Same id again: redelivered analyses are not logged twice.
	require.NoError(t, s.AppendChangeReport(ctx, reports[0]))

	got, err := s.ListChangeReports(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, "40", got[0].Critical[0].Current)
	assert.True(t, got[1].Failed())

	none, err := s.ListChangeReports(ctx, "s-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
