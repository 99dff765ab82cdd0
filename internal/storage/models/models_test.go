package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		wantErr bool
	}{
		{"valid email", Record{SessionID: "s", RecordID: "e1", Kind: KindEmail, DeclaredChildCount: 2}, false},
		{"valid document", Record{SessionID: "s", RecordID: "d1", Kind: KindDocument, ParentRecordID: "e1"}, false},
		{"missing session", Record{RecordID: "e1", Kind: KindEmail}, true},
		{"missing record id", Record{SessionID: "s", Kind: KindEmail}, true},
		{"unknown kind", Record{SessionID: "s", RecordID: "x", Kind: "fax"}, true},
		{"negative count", Record{SessionID: "s", RecordID: "e1", Kind: KindEmail, DeclaredChildCount: -1}, true},
		{"email with parent", Record{SessionID: "s", RecordID: "e1", Kind: KindEmail, ParentRecordID: "e0"}, true},
		{"document with children", Record{SessionID: "s", RecordID: "d1", Kind: KindDocument, DeclaredChildCount: 1}, true},
		{"document with summary", Record{SessionID: "s", RecordID: "d1", Kind: KindDocument, DerivedSummary: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRecord)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecordMerge_FillsWithoutClearing(t *testing.T) {
	created := time.Unix(100, 0)
	stored := Record{
		SessionID:          "s",
		RecordID:           "e1",
		Kind:               KindEmail,
		Subject:            "PO 1182",
		DeclaredChildCount: 2,
		CreatedAt:          created,
		UpdatedAt:          created,
	}

	now := time.Unix(200, 0)
	merged, err := stored.Merge(Record{
		SessionID:      "s",
		RecordID:       "e1",
		Kind:           KindEmail,
		Subject:        "",
		DerivedSummary: "Customer orders 40 pallets",
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "PO 1182", merged.Subject)
	assert.Equal(t, 2, merged.DeclaredChildCount)
	assert.Equal(t, "Customer orders 40 pallets", merged.DerivedSummary)
	assert.Equal(t, created, merged.CreatedAt)
	assert.Equal(t, now, merged.UpdatedAt)
}

func TestRecordMerge_DoesNotOverwrite(t *testing.T) {
	stored := Record{SessionID: "s", RecordID: "d1", Kind: KindDocument, ExtractedText: "first"}

	merged, err := stored.Merge(Record{SessionID: "s", RecordID: "d1", Kind: KindDocument, ExtractedText: "second"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "first", merged.ExtractedText)
}

func TestRecordMerge_KindIsImmutable(t *testing.T) {
	stored := Record{SessionID: "s", RecordID: "r1", Kind: KindEmail}

	_, err := stored.Merge(Record{SessionID: "s", RecordID: "r1", Kind: KindDocument}, time.Now())
	assert.ErrorIs(t, err, ErrKindMismatch)
}
